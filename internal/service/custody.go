// custody.go: case binding, custody history and chain verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/api/middleware"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// maxCaseLength bounds a case number.
const maxCaseLength = 128

// maxBindAttempts bounds compare-and-set retries against concurrent rebinds.
const maxBindAttempts = 8

// CustodyService changes case bindings and reads custody chains.
type CustodyService struct {
	store  catalog.Store
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewCustodyService creates the custody service.
func NewCustodyService(store catalog.Store, led *ledger.Ledger, logger *slog.Logger) *CustodyService {
	return &CustodyService{
		store:  store,
		ledger: led,
		logger: logger.With(slog.String("component", "custody_service")),
	}
}

// BindCase moves the record of id to newCase and appends one CaseBound
// event. Binding to the current case is a no-op.
func (s *CustodyService) BindCase(ctx context.Context, id, newCase, actor string) (*model.EvidenceRecord, error) {
	newCase = strings.TrimSpace(newCase)
	switch {
	case newCase == "":
		return nil, invalidInput(CodeInvalidInput, "case_number is required")
	case len(newCase) > maxCaseLength:
		return nil, invalidInput(CodeInvalidInput, fmt.Sprintf("case_number exceeds %d characters", maxCaseLength))
	}
	canonical, err := cid.Parse(id)
	if err != nil {
		return nil, invalidInput(CodeInvalidInput, err.Error())
	}

	for attempt := 1; ; attempt++ {
		rec, err := s.store.Get(ctx, canonical)
		if err != nil {
			return nil, lookupError(canonical, err)
		}
		if rec.CaseNumber == newCase {
			return rec, nil
		}

		from := rec.CaseNumber
		_, err = s.ledger.AppendWith(ctx, canonical, ledger.Draft{
			Kind:   model.EventCaseBound,
			Actor:  actor,
			Detail: map[string]string{"from": from, "to": newCase},
		}, func(ctx context.Context, ev *model.CustodyEvent) error {
			return s.store.BindCase(ctx, canonical, from, newCase, ev)
		})
		switch {
		case err == nil:
		case errors.Is(err, catalog.ErrConflict) && attempt < maxBindAttempts:
			continue
		case isContextErr(err):
			return nil, cancelled(OutcomeNothingStored, err)
		default:
			return nil, commitFailed("case binding could not be stored", OutcomeNothingStored, err)
		}

		middleware.OperationsTotal.WithLabelValues("bind_case", "success").Inc()
		middleware.LedgerAppendsTotal.WithLabelValues(string(model.EventCaseBound)).Inc()
		s.logger.Info("Evidence bound to case",
			slog.String("cid", canonical),
			slog.String("from", from),
			slog.String("to", newCase),
			slog.String("actor", actor),
		)

		updated, err := s.store.Get(ctx, canonical)
		if err != nil {
			return nil, lookupError(canonical, err)
		}
		return updated, nil
	}
}

// Events returns the full custody chain of id ordered by sequence.
func (s *CustodyService) Events(ctx context.Context, id string) ([]*model.CustodyEvent, error) {
	canonical, err := s.requireRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.Events(ctx, canonical)
	if err != nil {
		return nil, lookupError(canonical, err)
	}
	return events, nil
}

// Verify recomputes the custody chain of id.
func (s *CustodyService) Verify(ctx context.Context, id string) (*ledger.VerifyResult, error) {
	canonical, err := s.requireRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.ledger.Verify(ctx, canonical)
	if err != nil {
		return nil, lookupError(canonical, err)
	}
	if !res.Valid {
		s.logger.Warn("Custody chain did not verify",
			slog.String("cid", canonical),
			slog.Int64("broken_at", res.BrokenAt),
			slog.Int64("failed_at", res.FailedAt),
			slog.String("reason", res.Reason),
		)
	}
	middleware.OperationsTotal.WithLabelValues("verify", "success").Inc()
	return res, nil
}

func (s *CustodyService) requireRecord(ctx context.Context, id string) (string, error) {
	canonical, err := cid.Parse(id)
	if err != nil {
		return "", invalidInput(CodeInvalidInput, err.Error())
	}
	if _, err := s.store.Get(ctx, canonical); err != nil {
		return "", lookupError(canonical, err)
	}
	return canonical, nil
}
