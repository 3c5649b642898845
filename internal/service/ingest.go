// ingest.go: the ingest pipeline.
//
// Flow of one run (see internal/domain/ingest for the stage matrix):
//  1. Hashing: read at most MaxFileSize+1 bytes while hashing
//  2. DedupCheck: a Confirmed record short-circuits, a Failed one is re-pinned
//  3. Pinning: WAL entry first, then pin with bounded backoff
//  4. Committing: record + genesis Ingested event in one catalog call
//
// Concurrent runs for the same CID inside the process are coalesced.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/ingest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/wal"
)

var errUnconfirmed = errors.New("backend did not confirm the pin")

// IngestOptions configures the pipeline.
type IngestOptions struct {
	MaxFileSize int64
	Pin         RetryPolicy
	Commit      RetryPolicy
	// AsyncTimeout bounds a background run started by Submit.
	AsyncTimeout time.Duration
	// DedupAudit appends an Accessed event for duplicate submissions.
	DedupAudit bool
	// TrackerSize and TrackerTTL bound the memory of finished runs.
	TrackerSize int
	TrackerTTL  time.Duration
}

// IngestRequest is one submission.
type IngestRequest struct {
	Reader     io.Reader
	FileName   string
	MimeType   string
	CaseNumber string
	UploadedBy string
}

// IngestResult is the outcome of a submission.
type IngestResult struct {
	CID    string                `json:"cid"`
	Status model.Status          `json:"status"`
	Record *model.EvidenceRecord `json:"record,omitempty"`
	// Deduplicated is true when no new record was created for this call.
	Deduplicated bool `json:"deduplicated"`
	// Repinned is true when a Failed record was restored.
	Repinned bool `json:"repinned,omitempty"`
}

// IngestService runs the ingest pipeline.
type IngestService struct {
	store   catalog.Store
	ledger  *ledger.Ledger
	backend pinning.Backend
	wal     *wal.WAL
	tracker *ingest.Tracker
	opts    IngestOptions
	logger  *slog.Logger

	group singleflight.Group
	async sync.WaitGroup
}

// NewIngestService creates the pipeline.
func NewIngestService(
	store catalog.Store,
	led *ledger.Ledger,
	backend pinning.Backend,
	walEngine *wal.WAL,
	opts IngestOptions,
	logger *slog.Logger,
) *IngestService {
	if opts.TrackerTTL <= 0 {
		opts.TrackerTTL = 15 * time.Minute
	}
	return &IngestService{
		store:   store,
		ledger:  led,
		backend: backend,
		wal:     walEngine,
		tracker: ingest.NewTracker(opts.TrackerSize, opts.TrackerTTL),
		opts:    opts,
		logger:  logger.With(slog.String("component", "ingest_service")),
	}
}

// Ingest runs the full pipeline and returns once the outcome is terminal.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	data, id, err := s.hash(req)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("ingest", "invalid").Inc()
		return nil, err
	}
	return s.coalesce(ctx, data, id, req)
}

// Submit hashes synchronously and finishes the pipeline in the background.
// Invalid input is still reported immediately. Content already confirmed
// is reported as such without starting a run.
func (s *IngestService) Submit(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	data, id, err := s.hash(req)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("ingest", "invalid").Inc()
		return nil, err
	}

	if rec, err := s.store.Get(ctx, id); err == nil && rec.Status == model.StatusConfirmed {
		return s.coalesce(ctx, data, id, req)
	}

	// The flow is registered before returning so an immediate poll sees it.
	// A run started for this CID picks it up; if the goroutine only joins a
	// run that is already finishing, nothing does and it is abandoned.
	flow := s.tracker.Start(id)

	s.async.Add(1)
	go func() {
		defer s.async.Done()
		defer s.tracker.Abandon(flow)
		bg := context.WithoutCancel(ctx)
		if s.opts.AsyncTimeout > 0 {
			var cancel context.CancelFunc
			bg, cancel = context.WithTimeout(bg, s.opts.AsyncTimeout)
			defer cancel()
		}
		if _, err := s.coalesce(bg, data, id, req); err != nil {
			s.logger.Warn("Background ingest failed",
				slog.String("cid", id),
				slog.String("error", err.Error()),
			)
		}
	}()

	return &IngestResult{CID: id, Status: model.StatusPending}, nil
}

// Wait blocks until every background run started by Submit has finished.
func (s *IngestService) Wait() {
	s.async.Wait()
}

// Status returns the in-flight or recently finished state of a run.
func (s *IngestService) Status(cid string) (ingest.Snapshot, bool) {
	return s.tracker.Lookup(cid)
}

// InFlight returns the number of running pipelines.
func (s *IngestService) InFlight() int {
	return s.tracker.InFlight()
}

func (s *IngestService) hash(req IngestRequest) ([]byte, string, error) {
	if req.Reader == nil {
		return nil, "", invalidInput(CodeInvalidInput, "no file content")
	}

	hs := cid.NewHasher()
	var buf bytes.Buffer
	r := io.TeeReader(req.Reader, hs)
	if s.opts.MaxFileSize > 0 {
		r = io.LimitReader(r, s.opts.MaxFileSize+1)
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, "", &Error{
			Kind:    ErrInvalidInput,
			Code:    CodeInvalidInput,
			Message: "upload could not be read",
			Outcome: OutcomeNothingStored,
			Err:     err,
		}
	}
	switch {
	case buf.Len() == 0:
		return nil, "", invalidInput(CodeInvalidInput, "file is empty")
	case s.opts.MaxFileSize > 0 && int64(buf.Len()) > s.opts.MaxFileSize:
		return nil, "", invalidInput(CodeFileTooLarge,
			fmt.Sprintf("file exceeds the maximum of %d bytes", s.opts.MaxFileSize))
	}
	return buf.Bytes(), hs.CID(), nil
}

// coalesce shares one run among concurrent callers for the same CID.
// A caller that joined a run whose initiator was cancelled starts over,
// as long as its own context is still live. The initiator always waits
// for its run, which observes ctx, so its outcome reflects what was stored.
func (s *IngestService) coalesce(ctx context.Context, data []byte, id string, req IngestRequest) (*IngestResult, error) {
	for {
		var leader atomic.Bool
		ch := s.group.DoChan(id, func() (any, error) {
			leader.Store(true)
			return s.run(ctx, data, id, req)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			if !leader.Load() {
				return nil, cancelled(s.outcomeSoFar(id), ctx.Err())
			}
			res = <-ch
		}

		if res.Err != nil {
			if !leader.Load() && errors.Is(res.Err, ErrCancelled) && ctx.Err() == nil {
				continue
			}
			return nil, res.Err
		}

		shared := res.Val.(*IngestResult)
		out := *shared
		out.Record = shared.Record.Clone()
		if !leader.Load() {
			out.Deduplicated = true
			out.Repinned = false
		}
		return &out, nil
	}
}

// outcomeSoFar tells a caller leaving a shared run what the run may have
// stored: nothing before Pinning, possibly the content from then on.
func (s *IngestService) outcomeSoFar(id string) string {
	snap, ok := s.tracker.Lookup(id)
	if !ok {
		return OutcomeNothingStored
	}
	switch snap.Stage {
	case ingest.StageHashing, ingest.StageDedupCheck:
		return OutcomeNothingStored
	default:
		return OutcomeMayBeStored
	}
}

func (s *IngestService) run(ctx context.Context, data []byte, id string, req IngestRequest) (*IngestResult, error) {
	flow := s.tracker.Start(id)
	defer s.tracker.Finish(flow)

	res, err := s.pipeline(ctx, flow, data, id, req)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			_ = flow.Fail(se.Code, se.Message)
		} else {
			_ = flow.Fail("INTERNAL_ERROR", err.Error())
		}
		middleware.OperationsTotal.WithLabelValues("ingest", resultLabel(err)).Inc()
		return nil, err
	}
	middleware.OperationsTotal.WithLabelValues("ingest", "success").Inc()
	return res, nil
}

func (s *IngestService) pipeline(ctx context.Context, flow *ingest.Flow, data []byte, id string, req IngestRequest) (*IngestResult, error) {
	if err := flow.Advance(ingest.StageDedupCheck); err != nil {
		return nil, err
	}

	existing, err := s.store.Get(ctx, id)
	switch {
	case err == nil && existing.Status == model.StatusFailed:
		return s.repin(ctx, flow, data, existing, req)
	case err == nil:
		if err := flow.Advance(ingest.StageConfirmed); err != nil {
			return nil, err
		}
		s.recordDuplicate(ctx, existing, req)
		return &IngestResult{CID: id, Status: existing.Status, Record: existing, Deduplicated: true}, nil
	case errors.Is(err, catalog.ErrNotFound):
	case isContextErr(err):
		return nil, cancelled(OutcomeNothingStored, err)
	default:
		return nil, commitFailed("catalog lookup failed", OutcomeNothingStored, err)
	}

	if err := flow.Advance(ingest.StagePinning); err != nil {
		return nil, err
	}

	caseNumber := normalizeCase(req.CaseNumber)
	entry, err := s.wal.StartTransaction(wal.OpIngest, wal.Intent{
		CID:        id,
		CaseNumber: caseNumber,
		UploadedBy: req.UploadedBy,
		SizeBytes:  int64(len(data)),
		Backend:    s.backend.Name(),
	})
	if err != nil {
		return nil, commitFailed("write-ahead log unavailable", OutcomeNothingStored, err)
	}
	if err := ctx.Err(); err != nil {
		s.rollback(entry.TransactionID)
		return nil, cancelled(OutcomeNothingStored, err)
	}

	pinned, err := s.pin(ctx, data, pinning.SideMetadata{
		CID:        id,
		Name:       req.FileName,
		CaseNumber: caseNumber,
		MimeType:   req.MimeType,
		SizeBytes:  int64(len(data)),
		UploadedBy: req.UploadedBy,
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		s.rollback(entry.TransactionID)
		if isContextErr(err) {
			// An attempt cut short may still have landed on the backend.
			return nil, cancelled(OutcomeMayBeStored, err)
		}
		return nil, backendUnavailable(
			fmt.Sprintf("pin failed after %d attempt(s)", max(s.opts.Pin.MaxAttempts, 1)),
			OutcomeNothingStored, err)
	}
	if err := s.wal.RecordPin(entry.TransactionID, pinned.Ref); err != nil {
		s.logger.Warn("Failed to record pin in WAL",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	if err := ctx.Err(); err != nil {
		s.rollback(entry.TransactionID)
		return nil, cancelled(OutcomeMayBeStored, err)
	}
	if err := flow.Advance(ingest.StageCommitting); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &model.EvidenceRecord{
		CID:        id,
		CaseNumber: caseNumber,
		FileName:   req.FileName,
		MimeType:   normalizeMime(req.MimeType),
		SizeBytes:  int64(len(data)),
		UploadedBy: req.UploadedBy,
		Status:     model.StatusConfirmed,
		PinRef:     pinned.Ref,
	}
	genesis, err := s.ledger.Genesis(id, ledger.Draft{
		Kind:      model.EventIngested,
		Actor:     req.UploadedBy,
		Timestamp: now,
		Detail: map[string]string{
			"case_number": caseNumber,
			"file_name":   req.FileName,
			"mime_type":   rec.MimeType,
			"size_bytes":  strconv.FormatInt(rec.SizeBytes, 10),
			"pin_ref":     pinned.Ref,
			"backend":     s.backend.Name(),
		},
	})
	if err != nil {
		s.rollback(entry.TransactionID)
		return nil, commitFailed("custody event could not be sealed", OutcomeMayBeStored, err)
	}
	// Record and genesis share the microsecond-truncated timestamp.
	rec.IngestedAt = genesis.Timestamp
	rec.UpdatedAt = genesis.Timestamp

	var (
		inserted bool
		winner   *model.EvidenceRecord
	)
	err = s.retryCommit(ctx, "insert", func(ctx context.Context) error {
		var err error
		inserted, winner, err = s.store.InsertIfAbsent(ctx, rec, genesis)
		return err
	})
	if err != nil {
		s.rollback(entry.TransactionID)
		if isContextErr(err) {
			return nil, cancelled(OutcomeMayBeStored, err)
		}
		s.logger.Error("Pinned content could not be recorded",
			slog.String("cid", id),
			slog.String("pin_ref", pinned.Ref),
			slog.String("error", err.Error()),
		)
		return nil, commitFailed(
			fmt.Sprintf("catalog commit failed after %d attempt(s)", max(s.opts.Commit.MaxAttempts, 1)),
			OutcomeMayBeStored, err)
	}
	s.commitWAL(entry.TransactionID)

	if err := flow.Advance(ingest.StageConfirmed); err != nil {
		return nil, err
	}

	if !inserted {
		s.logger.Info("Concurrent ingest won the insert",
			slog.String("cid", id),
			slog.String("status", string(winner.Status)),
		)
		return &IngestResult{CID: id, Status: winner.Status, Record: winner, Deduplicated: true}, nil
	}

	middleware.EvidenceTotal.WithLabelValues(string(model.StatusConfirmed)).Inc()
	middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventIngested)).Inc()

	s.logger.Info("Evidence ingested",
		slog.String("cid", id),
		slog.String("case_number", caseNumber),
		slog.String("file_name", req.FileName),
		slog.Int64("size", rec.SizeBytes),
		slog.String("uploaded_by", req.UploadedBy),
		slog.String("pin_ref", pinned.Ref),
	)
	return &IngestResult{CID: id, Status: model.StatusConfirmed, Record: rec.Clone()}, nil
}

// repin restores a Failed record from bytes that hash to its CID.
func (s *IngestService) repin(ctx context.Context, flow *ingest.Flow, data []byte, existing *model.EvidenceRecord, req IngestRequest) (*IngestResult, error) {
	id := existing.CID
	if err := flow.Advance(ingest.StagePinning); err != nil {
		return nil, err
	}

	entry, err := s.wal.StartTransaction(wal.OpRepin, wal.Intent{
		CID:        id,
		CaseNumber: existing.CaseNumber,
		UploadedBy: req.UploadedBy,
		SizeBytes:  int64(len(data)),
		Backend:    s.backend.Name(),
	})
	if err != nil {
		return nil, commitFailed("write-ahead log unavailable", OutcomeNothingStored, err)
	}
	if err := ctx.Err(); err != nil {
		s.rollback(entry.TransactionID)
		return nil, cancelled(OutcomeNothingStored, err)
	}

	pinned, err := s.pin(ctx, data, pinning.SideMetadata{
		CID:        id,
		Name:       existing.FileName,
		CaseNumber: existing.CaseNumber,
		MimeType:   existing.MimeType,
		SizeBytes:  int64(len(data)),
		UploadedBy: req.UploadedBy,
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		s.rollback(entry.TransactionID)
		if isContextErr(err) {
			// An attempt cut short may still have landed on the backend.
			return nil, cancelled(OutcomeMayBeStored, err)
		}
		return nil, backendUnavailable("re-pin failed", OutcomeNothingStored, err)
	}
	if err := s.wal.RecordPin(entry.TransactionID, pinned.Ref); err != nil {
		s.logger.Warn("Failed to record pin in WAL",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}
	if err := flow.Advance(ingest.StageCommitting); err != nil {
		return nil, err
	}

	draft := ledger.Draft{
		Kind:  model.EventRepinned,
		Actor: req.UploadedBy,
		Detail: map[string]string{
			"pin_ref":          pinned.Ref,
			"previous_pin_ref": existing.PinRef,
			"backend":          s.backend.Name(),
		},
	}
	restored := true
	err = s.retryCommit(ctx, "repin", func(ctx context.Context) error {
		_, err := s.ledger.AppendWith(ctx, id, draft, func(ctx context.Context, ev *model.CustodyEvent) error {
			return s.store.UpdateStatus(ctx, catalog.StatusChange{
				CID:    id,
				From:   model.StatusFailed,
				To:     model.StatusConfirmed,
				PinRef: pinned.Ref,
			}, ev)
		})
		if errors.Is(err, catalog.ErrConflict) {
			restored = false
			return nil
		}
		return err
	})
	if err != nil {
		s.rollback(entry.TransactionID)
		if isContextErr(err) {
			return nil, cancelled(OutcomeMayBeStored, err)
		}
		return nil, commitFailed("status restore failed", OutcomeMayBeStored, err)
	}
	s.commitWAL(entry.TransactionID)

	if err := flow.Advance(ingest.StageConfirmed); err != nil {
		return nil, err
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, commitFailed("record could not be re-read", OutcomeMayBeStored, err)
	}
	if !restored {
		return &IngestResult{CID: id, Status: rec.Status, Record: rec, Deduplicated: true}, nil
	}

	middleware.EvidenceTotal.WithLabelValues(string(model.StatusFailed)).Dec()
	middleware.EvidenceTotal.WithLabelValues(string(model.StatusConfirmed)).Inc()
	middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventRepinned)).Inc()

	s.logger.Info("Failed evidence restored",
		slog.String("cid", id),
		slog.String("pin_ref", pinned.Ref),
		slog.String("actor", req.UploadedBy),
	)
	return &IngestResult{CID: id, Status: rec.Status, Record: rec, Deduplicated: true, Repinned: true}, nil
}

// pin calls the backend with bounded backoff. Rejections stop at once.
func (s *IngestService) pin(ctx context.Context, data []byte, meta pinning.SideMetadata) (*pinning.PinResult, error) {
	var result *pinning.PinResult
	attempt := 0

	op := func() error {
		attempt++
		actx, cancel := s.opts.Pin.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		res, err := s.backend.Pin(actx, data, meta)
		middleware.BackendDuration.WithLabelValues("pin").Observe(time.Since(start).Seconds())

		switch {
		case err != nil:
			middleware.PinAttemptsTotal.WithLabelValues("error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if pinning.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		case !res.Confirmed:
			middleware.PinAttemptsTotal.WithLabelValues("unconfirmed").Inc()
			return errUnconfirmed
		}
		middleware.PinAttemptsTotal.WithLabelValues("success").Inc()
		result = res
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Pin attempt failed, retrying",
			slog.String("cid", meta.CID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	if err := backoff.RetryNotify(op, s.opts.Pin.backOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

// retryCommit retries catalog writes. Context errors and compare-and-set
// conflicts are not retried.
func (s *IngestService) retryCommit(ctx context.Context, what string, fn func(context.Context) error) error {
	return retryCatalog(ctx, s.opts.Commit, s.logger, what, fn)
}

func retryCatalog(ctx context.Context, policy RetryPolicy, logger *slog.Logger, what string, fn func(context.Context) error) error {
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isContextErr(err) || errors.Is(err, catalog.ErrConflict) || errors.Is(err, catalog.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Catalog write failed, retrying",
			slog.String("operation", what),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && !isContextErr(err) {
		return ctx.Err()
	}
	return err
}

// recordDuplicate logs a resubmission of confirmed content. The case
// binding is never changed here.
func (s *IngestService) recordDuplicate(ctx context.Context, rec *model.EvidenceRecord, req IngestRequest) {
	if !s.opts.DedupAudit {
		return
	}
	detail := map[string]string{"reason": "duplicate_submission"}
	if c := normalizeCase(req.CaseNumber); c != rec.CaseNumber && req.CaseNumber != "" {
		detail["requested_case"] = c
	}
	if _, err := s.ledger.Append(ctx, rec.CID, ledger.Draft{
		Kind:   model.EventAccessed,
		Actor:  req.UploadedBy,
		Detail: detail,
	}); err != nil {
		s.logger.Warn("Duplicate submission not recorded in custody chain",
			slog.String("cid", rec.CID),
			slog.String("error", err.Error()),
		)
		return
	}
	middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventAccessed)).Inc()
}

func (s *IngestService) rollback(txID string) {
	if err := s.wal.Rollback(txID); err != nil {
		s.logger.Error("WAL rollback failed",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *IngestService) commitWAL(txID string) {
	if err := s.wal.Commit(txID); err != nil {
		// The catalog already holds the record; recovery will resolve the entry.
		s.logger.Error("WAL commit failed",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeCase(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		return model.UnassignedCase
	}
	return c
}

// normalizeMime drops parameters such as charset.
func normalizeMime(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return contentType
}

func resultLabel(err error) string {
	switch KindOf(err) {
	case ErrInvalidInput:
		return "invalid"
	case ErrBackendUnavailable:
		return "backend_unavailable"
	case ErrCatalogCommitFailed:
		return "commit_failed"
	case ErrIntegrity:
		return "integrity_error"
	case ErrNotFound:
		return "not_found"
	case ErrCancelled:
		return "cancelled"
	default:
		return "error"
	}
}
