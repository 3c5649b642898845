// Package memstore is a thread-safe in-memory catalog.
//
// It keeps records and custody chains in maps behind one RWMutex, which
// makes every paired mutation (record change plus event) atomic. Callers
// always receive copies. Nothing survives a restart; use it for tests and
// single-process development.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// Store implements catalog.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.EvidenceRecord
	events  map[string][]*model.CustodyEvent
	closed  bool
	logger  *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		records: make(map[string]*model.EvidenceRecord),
		events:  make(map[string][]*model.CustodyEvent),
		logger:  logger.With(slog.String("component", "memstore")),
	}
}

// InsertIfAbsent stores rec and its genesis event unless the CID exists.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (bool, *model.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.CID]; ok {
		return false, existing.Clone(), nil
	}
	if len(s.events[rec.CID]) > 0 {
		return false, nil, catalog.ErrSequenceConflict
	}
	s.records[rec.CID] = rec.Clone()
	s.events[rec.CID] = []*model.CustodyEvent{genesis.Clone()}
	return true, nil, nil
}

// Get returns a copy of the record.
func (s *Store) Get(ctx context.Context, cid string) (*model.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[cid]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return rec.Clone(), nil
}

// Query filters, sorts and pages records.
func (s *Store) Query(ctx context.Context, f catalog.Filter) ([]*model.EvidenceRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f = f.Normalized()

	s.mu.RLock()
	var filtered []*model.EvidenceRecord
	for _, rec := range s.records {
		if f.Matches(rec) {
			filtered = append(filtered, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !a.IngestedAt.Equal(b.IngestedAt) {
			if f.SortOrder == catalog.SortAsc {
				return a.IngestedAt.Before(b.IngestedAt)
			}
			return a.IngestedAt.After(b.IngestedAt)
		}
		return a.CID < b.CID
	})

	total := len(filtered)
	if f.Offset >= total {
		return []*model.EvidenceRecord{}, total, nil
	}
	end := total
	if f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return filtered[f.Offset:end], total, nil
}

// ListCIDs returns up to limit CIDs greater than after, ascending.
func (s *Store) ListCIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	cids := make([]string, 0, len(s.records))
	for cid := range s.records {
		if cid > after {
			cids = append(cids, cid)
		}
	}
	s.mu.RUnlock()

	sort.Strings(cids)
	if limit > 0 && len(cids) > limit {
		cids = cids[:limit]
	}
	return cids, nil
}

// CountByStatus counts records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Status]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// BindCase changes the case binding from → to and appends ev.
func (s *Store) BindCase(ctx context.Context, cid, from, to string, ev *model.CustodyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[cid]
	if !ok {
		return catalog.ErrNotFound
	}
	if rec.CaseNumber != from {
		return catalog.ErrConflict
	}
	if err := s.appendLocked(ev); err != nil {
		return err
	}
	rec.CaseNumber = to
	rec.UpdatedAt = ev.Timestamp
	return nil
}

// UpdateStatus applies a status compare-and-set and appends ev.
func (s *Store) UpdateStatus(ctx context.Context, ch catalog.StatusChange, ev *model.CustodyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ch.CID]
	if !ok {
		return catalog.ErrNotFound
	}
	if rec.Status != ch.From {
		return catalog.ErrConflict
	}
	if err := s.appendLocked(ev); err != nil {
		return err
	}
	rec.Status = ch.To
	if ch.PinRef != "" {
		rec.PinRef = ch.PinRef
	}
	rec.UpdatedAt = ev.Timestamp
	return nil
}

// AppendEvent appends ev to an existing chain.
func (s *Store) AppendEvent(ctx context.Context, ev *model.CustodyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[ev.CID]; !ok {
		return catalog.ErrNotFound
	}
	return s.appendLocked(ev)
}

func (s *Store) appendLocked(ev *model.CustodyEvent) error {
	chain := s.events[ev.CID]
	if ev.Sequence != int64(len(chain))+1 {
		return catalog.ErrSequenceConflict
	}
	s.events[ev.CID] = append(chain, ev.Clone())
	return nil
}

// Events returns copies of the chain of cid.
func (s *Store) Events(ctx context.Context, cid string) ([]*model.CustodyEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[cid]; !ok {
		return nil, catalog.ErrNotFound
	}
	chain := s.events[cid]
	out := make([]*model.CustodyEvent, len(chain))
	for i, ev := range chain {
		out[i] = ev.Clone()
	}
	return out, nil
}

// LastEvent returns the head of the chain.
func (s *Store) LastEvent(ctx context.Context, cid string) (*model.CustodyEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.events[cid]
	if len(chain) == 0 {
		return nil, catalog.ErrNotFound
	}
	return chain[len(chain)-1].Clone(), nil
}

// Ping always succeeds on an open store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return catalog.ErrClosed
	}
	return ctx.Err()
}

// Close marks the store closed. Data stays readable for tests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logger.Debug("Catalog closed", slog.Int("records", len(s.records)))
	return nil
}
