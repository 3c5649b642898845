// Package wal is a file-based write-ahead log for ingest runs.
//
// A pin and the catalog commit that follows it are two systems with no
// shared transaction. Each run therefore writes {tx_id}.wal.json before it
// touches the backend, records the pin reference once the backend
// confirms, and is marked committed or rolled back at the end. Entries
// still pending after a crash are resolved at the next start.
package wal

import (
	"time"
)

// OperationType is the kind of run a WAL entry guards.
type OperationType string

const (
	// OpIngest is a first-time ingest: pin, then insert record and genesis.
	OpIngest OperationType = "ingest"
	// OpRepin restores a Failed record: pin, then Failed → Confirmed.
	OpRepin OperationType = "repin"
)

// TransactionStatus is the state of a WAL entry.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Intent describes the run at the time the transaction starts.
type Intent struct {
	CID        string `json:"cid"`
	CaseNumber string `json:"case_number,omitempty"`
	UploadedBy string `json:"uploaded_by,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	Backend    string `json:"backend,omitempty"`
}

// Entry is one transaction, stored as JSON.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`
	Intent

	// PinRef is set once the backend acknowledged the pin. A pending entry
	// with a PinRef may have left an object in the backend.
	PinRef   string     `json:"pin_ref,omitempty"`
	PinnedAt *time.Time `json:"pinned_at,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func walFileName(txID string) string {
	return txID + ".wal.json"
}
