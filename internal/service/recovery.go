// recovery.go: resolution of ingest runs interrupted by a crash.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/wal"
)

// RecoveryReport summarises one WAL recovery pass.
type RecoveryReport struct {
	Pending    int `json:"pending"`
	Committed  int `json:"committed"`
	RolledBack int `json:"rolled_back"`
	// OrphanedPins lists pin references confirmed by the backend whose
	// run never reached the catalog.
	OrphanedPins []string `json:"orphaned_pins,omitempty"`
	Cleaned      int      `json:"cleaned"`
}

// RecoverIngests resolves every pending WAL entry against the catalog and
// removes finished entries. An entry whose outcome is visible in the
// catalog is committed; any other is rolled back.
func RecoverIngests(ctx context.Context, w *wal.WAL, store catalog.Store, logger *slog.Logger) (*RecoveryReport, error) {
	logger = logger.With(slog.String("component", "wal_recovery"))

	pending, err := w.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("scan WAL: %w", err)
	}

	report := &RecoveryReport{Pending: len(pending)}
	for _, entry := range pending {
		landed, err := entryLanded(ctx, store, entry)
		if err != nil {
			return report, fmt.Errorf("resolve WAL entry %s: %w", entry.TransactionID, err)
		}

		if landed {
			if err := w.Commit(entry.TransactionID); err != nil {
				return report, fmt.Errorf("commit WAL entry %s: %w", entry.TransactionID, err)
			}
			report.Committed++
			logger.Info("Interrupted ingest found in catalog, committed",
				slog.String("tx_id", entry.TransactionID),
				slog.String("cid", entry.CID),
				slog.String("operation", string(entry.Operation)),
			)
			continue
		}

		if err := w.Rollback(entry.TransactionID); err != nil {
			return report, fmt.Errorf("roll back WAL entry %s: %w", entry.TransactionID, err)
		}
		report.RolledBack++
		if entry.PinRef != "" {
			report.OrphanedPins = append(report.OrphanedPins, entry.PinRef)
			logger.Warn("Interrupted ingest left a pin without a catalog record",
				slog.String("tx_id", entry.TransactionID),
				slog.String("cid", entry.CID),
				slog.String("pin_ref", entry.PinRef),
				slog.String("backend", entry.Backend),
			)
			continue
		}
		logger.Info("Interrupted ingest rolled back",
			slog.String("tx_id", entry.TransactionID),
			slog.String("cid", entry.CID),
		)
	}

	cleaned, err := w.CleanCommitted()
	if err != nil {
		return report, err
	}
	report.Cleaned = cleaned

	if report.Pending > 0 {
		logger.Info("WAL recovery finished",
			slog.Int("pending", report.Pending),
			slog.Int("committed", report.Committed),
			slog.Int("rolled_back", report.RolledBack),
			slog.Int("orphaned_pins", len(report.OrphanedPins)),
		)
	}
	return report, nil
}

// entryLanded reports whether the catalog reflects the run of entry.
func entryLanded(ctx context.Context, store catalog.Store, entry *wal.Entry) (bool, error) {
	rec, err := store.Get(ctx, entry.CID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if entry.Operation == wal.OpRepin {
		return rec.Status == model.StatusConfirmed && entry.PinRef != "" && rec.PinRef == entry.PinRef, nil
	}
	return true, nil
}
