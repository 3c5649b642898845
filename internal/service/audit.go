// audit.go: background custody chain audit.
//
// The sweep walks every CID in the catalog and verifies its chain. It
// reports:
//   - broken_chain: a link, sequence or hash does not check out
//   - verification_failed: an unresolved VerificationFailed event
//   - status_mismatch: record status disagrees with the chain
//   - load_error: the chain could not be read
//
// The sweep only reads. It runs on a ticker (CS_AUDIT_INTERVAL) and on
// demand through the maintenance endpoint.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

var (
	auditRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_audit_runs_total",
		Help: "Custody audit sweeps run.",
	})

	auditIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs_audit_issues_total",
		Help: "Problems found by custody audit sweeps by type.",
	}, []string{"type"})

	auditDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs_audit_duration_seconds",
		Help:    "Duration of custody audit sweeps in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// Audit issue types.
const (
	IssueBrokenChain        = "broken_chain"
	IssueVerificationFailed = "verification_failed"
	IssueStatusMismatch     = "status_mismatch"
	IssueLoadError          = "load_error"
)

const auditPageSize = 500

// AuditIssue is one problem found by a sweep.
type AuditIssue struct {
	Type     string `json:"type"`
	CID      string `json:"cid"`
	Sequence int64  `json:"sequence,omitempty"`
	Reason   string `json:"reason"`
}

// AuditSummary counts issues per type.
type AuditSummary struct {
	Ok                 int `json:"ok"`
	BrokenChains       int `json:"broken_chains"`
	VerificationFailed int `json:"verification_failed"`
	StatusMismatches   int `json:"status_mismatches"`
	LoadErrors         int `json:"load_errors"`
}

// AuditReport is the result of one sweep.
type AuditReport struct {
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Checked     int          `json:"checked"`
	Issues      []AuditIssue `json:"issues"`
	Summary     AuditSummary `json:"summary"`
	// Interrupted is set when the sweep stopped before the last CID.
	Interrupted bool `json:"interrupted,omitempty"`
}

// AuditService runs custody audit sweeps.
type AuditService struct {
	store    catalog.Store
	ledger   *ledger.Ledger
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAuditService creates the sweep. An interval of zero disables the
// ticker; RunOnce still works.
func NewAuditService(store catalog.Store, led *ledger.Ledger, interval time.Duration, logger *slog.Logger) *AuditService {
	return &AuditService{
		store:    store,
		ledger:   led,
		interval: interval,
		logger:   logger.With(slog.String("component", "audit")),
	}
}

// Start launches the periodic sweep.
func (as *AuditService) Start(ctx context.Context) {
	if as.interval <= 0 {
		as.logger.Info("Periodic custody audit disabled")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	as.cancel = cancel
	as.done = make(chan struct{})

	go as.run(runCtx)

	as.logger.Info("Periodic custody audit started",
		slog.String("interval", as.interval.String()),
	)
}

// Stop ends the periodic sweep and waits for the loop to exit.
func (as *AuditService) Stop() {
	if as.cancel == nil {
		return
	}
	as.cancel()
	<-as.done
	as.logger.Info("Periodic custody audit stopped")
}

// IsInProgress reports whether a sweep is running.
func (as *AuditService) IsInProgress() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.inProcess
}

func (as *AuditService) run(ctx context.Context) {
	defer close(as.done)

	ticker := time.NewTicker(as.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			as.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. When a sweep is already running it returns
// nil, true.
func (as *AuditService) RunOnce(ctx context.Context) (*AuditReport, bool) {
	as.mu.Lock()
	if as.inProcess {
		as.mu.Unlock()
		as.logger.Warn("Custody audit already running, skipped")
		return nil, true
	}
	as.inProcess = true
	as.mu.Unlock()

	defer func() {
		as.mu.Lock()
		as.inProcess = false
		as.mu.Unlock()
	}()

	report := &AuditReport{StartedAt: time.Now().UTC(), Issues: []AuditIssue{}}
	as.logger.Info("Custody audit started")

	after := ""
	for {
		cids, err := as.store.ListCIDs(ctx, after, auditPageSize)
		if err != nil {
			as.logger.Error("Listing catalog failed",
				slog.String("after", after),
				slog.String("error", err.Error()),
			)
			report.Interrupted = true
			break
		}
		for _, id := range cids {
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			report.Checked++
			if issue := as.check(ctx, id); issue != nil {
				report.Issues = append(report.Issues, *issue)
			}
		}
		if report.Interrupted || len(cids) < auditPageSize {
			break
		}
		after = cids[len(cids)-1]
	}

	for _, issue := range report.Issues {
		switch issue.Type {
		case IssueBrokenChain:
			report.Summary.BrokenChains++
		case IssueVerificationFailed:
			report.Summary.VerificationFailed++
		case IssueStatusMismatch:
			report.Summary.StatusMismatches++
		case IssueLoadError:
			report.Summary.LoadErrors++
		}
		auditIssuesTotal.WithLabelValues(issue.Type).Inc()
	}
	report.Summary.Ok = max(report.Checked-len(report.Issues), 0)

	if err := SyncEvidenceGauge(ctx, as.store); err != nil {
		as.logger.Warn("Evidence gauge not refreshed", slog.String("error", err.Error()))
	}

	report.CompletedAt = time.Now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)
	auditRunsTotal.Inc()
	auditDurationSeconds.Observe(duration.Seconds())

	as.logger.Info("Custody audit finished",
		slog.Int("checked", report.Checked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("ok", report.Summary.Ok),
		slog.Bool("interrupted", report.Interrupted),
		slog.Duration("duration", duration),
	)
	return report, false
}

func (as *AuditService) check(ctx context.Context, id string) *AuditIssue {
	rec, err := as.store.Get(ctx, id)
	if err != nil {
		return &AuditIssue{Type: IssueLoadError, CID: id, Reason: err.Error()}
	}
	res, err := as.ledger.Verify(ctx, id)
	if err != nil {
		return &AuditIssue{Type: IssueLoadError, CID: id, Reason: err.Error()}
	}

	switch {
	case res.BrokenAt != 0 || (!res.Valid && res.FailedAt == 0):
		return &AuditIssue{Type: IssueBrokenChain, CID: id, Sequence: res.BrokenAt, Reason: res.Reason}
	case res.FailedAt != 0 && rec.Status != model.StatusFailed:
		return &AuditIssue{
			Type:     IssueStatusMismatch,
			CID:      id,
			Sequence: res.FailedAt,
			Reason:   "chain records a verification failure but status is " + string(rec.Status),
		}
	case res.FailedAt != 0:
		return &AuditIssue{Type: IssueVerificationFailed, CID: id, Sequence: res.FailedAt, Reason: res.Reason}
	case rec.Status == model.StatusFailed:
		return &AuditIssue{
			Type:   IssueStatusMismatch,
			CID:    id,
			Reason: "status is Failed but the chain records no verification failure",
		}
	}
	return nil
}

// SyncEvidenceGauge sets cs_evidence_total from the catalog.
func SyncEvidenceGauge(ctx context.Context, store catalog.Store) error {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, st := range []model.Status{model.StatusConfirmed, model.StatusFailed} {
		middleware.EvidenceTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}
