package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WAL is the ingest write-ahead log.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New opens (creating if needed) the WAL directory and checks that it is
// writable.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create WAL directory %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("WAL directory %s is not writable: %w", dir, err)
	}
	_ = os.Remove(probe)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// StartTransaction writes a pending entry for intent.
func (w *WAL) StartTransaction(op OperationType, intent Intent) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		Intent:        intent,
		StartedAt:     time.Now().UTC(),
	}
	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("create WAL entry: %w", err)
	}

	w.logger.Debug("WAL transaction started",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(op)),
		slog.String("cid", intent.CID),
	)
	return entry, nil
}

// RecordPin stores the backend reference of a confirmed pin.
func (w *WAL) RecordPin(txID, pinRef string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.pendingEntry(txID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.PinRef = pinRef
	entry.PinnedAt = &now
	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("update WAL entry %s: %w", txID, err)
	}
	return nil
}

// Commit marks the transaction as completed.
func (w *WAL) Commit(txID string) error {
	return w.finish(txID, StatusCommitted)
}

// Rollback marks the transaction as abandoned.
func (w *WAL) Rollback(txID string) error {
	return w.finish(txID, StatusRolledBack)
}

func (w *WAL) finish(txID string, status TransactionStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.pendingEntry(txID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.Status = status
	entry.CompletedAt = &now
	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("update WAL entry %s: %w", txID, err)
	}

	w.logger.Debug("WAL transaction finished",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.String("cid", entry.CID),
		slog.Duration("duration", now.Sub(entry.StartedAt)),
	)
	return nil
}

func (w *WAL) pendingEntry(txID string) (*Entry, error) {
	entry, err := w.readEntry(txID)
	if err != nil {
		return nil, fmt.Errorf("read WAL entry %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return nil, fmt.Errorf("WAL entry %s is %s, expected %s", txID, entry.Status, StatusPending)
	}
	return entry, nil
}

// RecoverPending returns every entry still pending, oldest first.
func (w *WAL) RecoverPending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return nil, fmt.Errorf("scan WAL directory: %w", err)
	}

	var pending []*Entry
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := w.readEntry(txID)
		if err != nil {
			w.logger.Warn("Unreadable WAL entry skipped",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if entry.Status == StatusPending {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].StartedAt.Before(pending[j].StartedAt)
	})
	return pending, nil
}

// GetTransaction reads one entry.
func (w *WAL) GetTransaction(txID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readEntry(txID)
}

// CleanCommitted removes committed and rolled back entries.
func (w *WAL) CleanCommitted() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return 0, fmt.Errorf("scan WAL directory: %w", err)
	}

	cleaned := 0
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := w.readEntry(txID)
		if err != nil || entry.Status == StatusPending {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Failed to remove finished WAL entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		w.logger.Info("WAL cleanup finished", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

// writeEntry writes atomically: temp file, fsync, rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	target := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmp := target + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (w *WAL) readEntry(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(txID)))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &entry, nil
}

// Dir returns the WAL directory.
func (w *WAL) Dir() string {
	return w.dir
}
