package catalogtest

import (
	"context"
	"sync"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// Tampering wraps a store and rewrites custody events as they are read,
// as if they had been edited behind the catalog's back.
type Tampering struct {
	catalog.Store

	mu    sync.Mutex
	edits map[string]map[int64]func(ev *model.CustodyEvent)
}

// NewTampering wraps s. Until Tamper is called reads pass through unchanged.
func NewTampering(s catalog.Store) *Tampering {
	return &Tampering{Store: s, edits: make(map[string]map[int64]func(ev *model.CustodyEvent))}
}

// Tamper applies edit to event seq of cid on every later read.
func (t *Tampering) Tamper(cid string, seq int64, edit func(ev *model.CustodyEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.edits[cid] == nil {
		t.edits[cid] = make(map[int64]func(ev *model.CustodyEvent))
	}
	t.edits[cid][seq] = edit
}

func (t *Tampering) edit(cid string, ev *model.CustodyEvent) {
	t.mu.Lock()
	fn := t.edits[cid][ev.Sequence]
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Events returns the chain with edits applied.
func (t *Tampering) Events(ctx context.Context, cid string) ([]*model.CustodyEvent, error) {
	events, err := t.Store.Events(ctx, cid)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		t.edit(cid, ev)
	}
	return events, nil
}

// LastEvent returns the chain head with its edit applied.
func (t *Tampering) LastEvent(ctx context.Context, cid string) (*model.CustodyEvent, error) {
	ev, err := t.Store.LastEvent(ctx, cid)
	if err != nil {
		return nil, err
	}
	t.edit(cid, ev)
	return ev, nil
}
