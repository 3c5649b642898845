// Package model holds the domain types of the custody store.
// EvidenceRecord is the catalog row, CustodyEvent is one link of the
// per-record hash chain.
package model

import (
	"time"
)

// Status is the lifecycle status of an evidence record.
type Status string

const (
	// StatusPending: bytes hashed, pin in flight. Never persisted in the catalog.
	StatusPending Status = "Pending"
	// StatusConfirmed: pin acknowledged and catalog commit done.
	StatusConfirmed Status = "Confirmed"
	// StatusFailed: integrity mismatch detected. Kept for audit.
	StatusFailed Status = "Failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// UnassignedCase is stored when the submitter gives no case number.
const UnassignedCase = "UNASSIGNED"

// EvidenceRecord is a catalog entry. Descriptive fields are written once at
// ingest; CaseNumber and Status change only through their dedicated
// operations, each paired with a custody event.
type EvidenceRecord struct {
	// CID is the content identifier and primary key.
	CID string `json:"cid"`

	// CaseNumber is the current case (FIR) binding.
	CaseNumber string `json:"case_number"`

	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`

	// UploadedBy is the officer identity supplied by the auth layer.
	UploadedBy string `json:"uploaded_by"`

	// IngestedAt is the time of pin confirmation and commit (UTC).
	IngestedAt time.Time `json:"ingested_at"`

	Status Status `json:"status"`

	// PinRef is the backend's handle for the pinned object. Equal to CID for
	// content-addressed local storage, may differ for remote pinning services.
	PinRef string `json:"pin_ref"`

	// UpdatedAt is the time of the last case or status change.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand out to callers.
func (r *EvidenceRecord) Clone() *EvidenceRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// EventKind is the type of a custody event.
type EventKind string

const (
	EventIngested           EventKind = "Ingested"
	EventCaseBound          EventKind = "CaseBound"
	EventAccessed           EventKind = "Accessed"
	EventVerificationFailed EventKind = "VerificationFailed"
	// EventRepinned records restoration of a Failed record from bytes that
	// hash to its CID.
	EventRepinned EventKind = "Repinned"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventIngested, EventCaseBound, EventAccessed, EventVerificationFailed, EventRepinned:
		return true
	default:
		return false
	}
}

// CustodyEvent is one append-only entry of a record's custody chain.
type CustodyEvent struct {
	CID      string `json:"cid"`
	Sequence int64  `json:"sequence"`
	// PrevHash is the Hash of the previous event, ZeroHash for sequence 1.
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	Kind      EventKind         `json:"kind"`
	Actor     string            `json:"actor"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Clone returns a deep copy.
func (e *CustodyEvent) Clone() *CustodyEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Detail != nil {
		c.Detail = make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}
