// Package catalog defines the metadata catalog contract shared by every
// storage implementation (memory, PostgreSQL, SQLite).
//
// All mutations that must be paired with a custody event take the event as
// an argument and persist both in one atomic unit. Events are append-only:
// no implementation offers update or delete of events or records.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

var (
	// ErrNotFound: no record (or no event) for the CID.
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict: compare-and-set precondition did not hold.
	ErrConflict = errors.New("catalog: concurrent modification")
	// ErrSequenceConflict: an event with the same (cid, sequence) exists.
	ErrSequenceConflict = errors.New("catalog: event sequence already taken")
	// ErrClosed: the store was closed.
	ErrClosed = errors.New("catalog: store closed")
)

// Sort orders.
const (
	SortDesc = "desc"
	SortAsc  = "asc"
)

// DefaultLimit and MaxLimit bound Query page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Filter selects records for Query. Zero values disable a condition.
type Filter struct {
	// CaseNumber matches exactly, or as a prefix when CasePrefix is set.
	CaseNumber string
	CasePrefix bool
	UploadedBy string
	// From and To bound ingested_at, both inclusive.
	From     *time.Time
	To       *time.Time
	MimeType string
	// Status selects one status. Empty means every status except Failed,
	// unless IncludeFailed is set.
	Status        model.Status
	IncludeFailed bool
	// SortOrder applies to ingested_at; ties are broken by cid ascending.
	SortOrder string
	Limit     int
	Offset    int
}

// Normalized returns f with defaults applied.
func (f Filter) Normalized() Filter {
	if f.SortOrder != SortAsc {
		f.SortOrder = SortDesc
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches evaluates the filter against one record. SQL implementations
// translate the same rules into WHERE clauses.
func (f Filter) Matches(r *model.EvidenceRecord) bool {
	if f.CaseNumber != "" {
		if f.CasePrefix {
			if !strings.HasPrefix(r.CaseNumber, f.CaseNumber) {
				return false
			}
		} else if r.CaseNumber != f.CaseNumber {
			return false
		}
	}
	if f.UploadedBy != "" && r.UploadedBy != f.UploadedBy {
		return false
	}
	if f.From != nil && r.IngestedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.IngestedAt.After(*f.To) {
		return false
	}
	if f.MimeType != "" && r.MimeType != f.MimeType {
		return false
	}
	switch {
	case f.Status != "":
		return r.Status == f.Status
	case !f.IncludeFailed:
		return r.Status != model.StatusFailed
	}
	return true
}

// StatusChange is a compare-and-set on a record's status.
type StatusChange struct {
	CID  string
	From model.Status
	To   model.Status
	// PinRef replaces the stored pin reference when non-empty.
	PinRef string
}

// EventStore is the ledger's view of the catalog.
type EventStore interface {
	// AppendEvent stores ev. Returns ErrSequenceConflict when the sequence
	// is taken and ErrNotFound when no record exists for ev.CID.
	AppendEvent(ctx context.Context, ev *model.CustodyEvent) error
	// Events returns the chain of cid ordered by sequence.
	Events(ctx context.Context, cid string) ([]*model.CustodyEvent, error)
	// LastEvent returns the head of the chain or ErrNotFound.
	LastEvent(ctx context.Context, cid string) (*model.CustodyEvent, error)
}

// Store is the metadata catalog.
type Store interface {
	EventStore

	// InsertIfAbsent atomically inserts rec together with its genesis event.
	// When a record with the same CID exists nothing is written and the
	// existing record is returned with inserted=false.
	InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (inserted bool, existing *model.EvidenceRecord, err error)
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, cid string) (*model.EvidenceRecord, error)
	// Query returns one page of matching records and the total match count.
	Query(ctx context.Context, f Filter) ([]*model.EvidenceRecord, int, error)
	// ListCIDs pages through every CID in ascending order, starting after
	// the given CID ("" for the first page).
	ListCIDs(ctx context.Context, after string, limit int) ([]string, error)
	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
	// BindCase sets case_number from → to and appends ev atomically.
	// Returns ErrConflict when the current binding is not from.
	BindCase(ctx context.Context, cid, from, to string, ev *model.CustodyEvent) error
	// UpdateStatus applies ch and appends ev atomically.
	// Returns ErrConflict when the current status is not ch.From.
	UpdateStatus(ctx context.Context, ch StatusChange, ev *model.CustodyEvent) error

	Ping(ctx context.Context) error
	Close() error
}

// EscapeLike escapes LIKE metacharacters using backslash.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
