// retrieval.go: search and verified retrieval.
//
// Retrieve never returns bytes that do not hash to the requested CID. A
// mismatch marks the record Failed and is written to the custody chain
// before the error reaches the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// failureRecordTimeout bounds the write of a VerificationFailed event
// after the caller has gone away.
const failureRecordTimeout = 10 * time.Second

// SearchResult is one page of a catalog query.
type SearchResult struct {
	Items  []*model.EvidenceRecord `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Content is verified evidence bytes.
type Content struct {
	Record *model.EvidenceRecord
	Data   []byte
}

// RetrievalService answers catalog queries and serves verified content.
type RetrievalService struct {
	store   catalog.Store
	ledger  *ledger.Ledger
	backend pinning.Backend
	fetch   RetryPolicy
	logger  *slog.Logger
}

// NewRetrievalService creates the retrieval engine.
func NewRetrievalService(
	store catalog.Store,
	led *ledger.Ledger,
	backend pinning.Backend,
	fetch RetryPolicy,
	logger *slog.Logger,
) *RetrievalService {
	return &RetrievalService{
		store:   store,
		ledger:  led,
		backend: backend,
		fetch:   fetch,
		logger:  logger.With(slog.String("component", "retrieval_service")),
	}
}

// Search returns one page of records matching f. Failed records are
// excluded unless f asks for them.
func (s *RetrievalService) Search(ctx context.Context, f catalog.Filter) (*SearchResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalidInput(CodeInvalidInput, fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, invalidInput(CodeInvalidInput, "date_from is after date_to")
	}
	f = f.Normalized()

	items, total, err := s.store.Query(ctx, f)
	if err != nil {
		if isContextErr(err) {
			return nil, cancelled("", err)
		}
		return nil, commitFailed("catalog query failed", "", err)
	}
	if items == nil {
		items = []*model.EvidenceRecord{}
	}
	middleware.OperationsTotal.WithLabelValues("search", "success").Inc()
	return &SearchResult{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Get returns the catalog record of id.
func (s *RetrievalService) Get(ctx context.Context, id string) (*model.EvidenceRecord, error) {
	canonical, err := cid.Parse(id)
	if err != nil {
		return nil, invalidInput(CodeInvalidInput, err.Error())
	}
	rec, err := s.store.Get(ctx, canonical)
	if err != nil {
		return nil, lookupError(canonical, err)
	}
	return rec, nil
}

// Retrieve fetches, verifies and returns the content of id, appending an
// Accessed event on success.
func (s *RetrievalService) Retrieve(ctx context.Context, id, actor string) (*Content, error) {
	content, err := s.retrieve(ctx, id, actor)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("retrieve", resultLabel(err)).Inc()
		return nil, err
	}
	middleware.OperationsTotal.WithLabelValues("retrieve", "success").Inc()
	return content, nil
}

func (s *RetrievalService) retrieve(ctx context.Context, id, actor string) (*Content, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.StatusFailed {
		return nil, integrityError(fmt.Sprintf("%s failed verification earlier and is not served", rec.CID))
	}

	data, err := s.fetchWithRetry(ctx, rec)
	if err != nil {
		if isContextErr(err) {
			return nil, cancelled("", err)
		}
		return nil, backendUnavailable("content could not be fetched", OutcomeMayBeStored, err)
	}

	ok, err := cid.Verify(rec.CID, data)
	if err != nil {
		return nil, integrityError(err.Error())
	}
	if !ok {
		s.recordMismatch(ctx, rec, data, actor)
		return nil, integrityError(fmt.Sprintf("served content does not match %s", rec.CID))
	}

	if _, err := s.ledger.Append(ctx, rec.CID, ledger.Draft{
		Kind:  model.EventAccessed,
		Actor: actor,
		Detail: map[string]string{
			"pin_ref":    rec.PinRef,
			"size_bytes": strconv.Itoa(len(data)),
		},
	}); err != nil {
		// Content whose access cannot be logged is not released.
		if isContextErr(err) {
			return nil, cancelled("", err)
		}
		return nil, commitFailed("access could not be recorded", "", err)
	}
	middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventAccessed)).Inc()

	s.logger.Info("Evidence retrieved",
		slog.String("cid", rec.CID),
		slog.String("actor", actor),
		slog.Int("size", len(data)),
	)
	return &Content{Record: rec, Data: data}, nil
}

func (s *RetrievalService) fetchWithRetry(ctx context.Context, rec *model.EvidenceRecord) ([]byte, error) {
	ref := rec.PinRef
	if ref == "" {
		ref = rec.CID
	}

	var data []byte
	op := func() error {
		actx, cancel := s.fetch.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		b, err := s.backend.Fetch(actx, ref)
		middleware.BackendDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if pinning.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		data = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Fetch attempt failed, retrying",
			slog.String("cid", rec.CID),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}
	if err := backoff.RetryNotify(op, s.fetch.backOff(ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// recordMismatch appends VerificationFailed and moves the record from
// Confirmed to Failed in one catalog call. When another caller already
// failed the record, the event is still appended on its own. The write
// outlives a cancelled request.
func (s *RetrievalService) recordMismatch(ctx context.Context, rec *model.EvidenceRecord, data []byte, actor string) {
	middleware.IntegrityFailuresTotal.Inc()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	transitioned := false
	_, err := s.ledger.AppendWith(wctx, rec.CID, ledger.Draft{
		Kind:  model.EventVerificationFailed,
		Actor: actor,
		Detail: map[string]string{
			"pin_ref":      rec.PinRef,
			"backend":      s.backend.Name(),
			"received_cid": cid.Sum(data),
			"size_bytes":   strconv.Itoa(len(data)),
		},
	}, func(ctx context.Context, ev *model.CustodyEvent) error {
		err := s.store.UpdateStatus(ctx, catalog.StatusChange{
			CID:  rec.CID,
			From: model.StatusConfirmed,
			To:   model.StatusFailed,
		}, ev)
		if errors.Is(err, catalog.ErrConflict) {
			return s.store.AppendEvent(ctx, ev)
		}
		if err == nil {
			transitioned = true
		}
		return err
	})
	if err != nil {
		s.logger.Error("Integrity failure could not be recorded",
			slog.String("cid", rec.CID),
			slog.String("error", err.Error()),
		)
		return
	}
	middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventVerificationFailed)).Inc()
	if transitioned {
		middleware.EvidenceTotal.WithLabelValues(string(model.StatusConfirmed)).Dec()
		middleware.EvidenceTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	}

	s.logger.Error("Content integrity mismatch",
		slog.String("cid", rec.CID),
		slog.String("pin_ref", rec.PinRef),
		slog.String("actor", actor),
	)
}

// lookupError maps a catalog read error to a service error.
func lookupError(id string, err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return notFound(id)
	case isContextErr(err):
		return cancelled("", err)
	default:
		return commitFailed("catalog read failed", "", err)
	}
}
