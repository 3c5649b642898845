package ingest

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tracker knows which CIDs have an ingest in flight and remembers the
// outcome of recently finished runs, so asynchronous submitters can poll.
// Nothing here is persisted; the catalog remains the source of truth.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*Flow
	finished *expirable.LRU[string, Snapshot]
}

// NewTracker keeps up to size finished outcomes for ttl.
func NewTracker(size int, ttl time.Duration) *Tracker {
	if size <= 0 {
		size = 1024
	}
	return &Tracker{
		inflight: make(map[string]*Flow),
		finished: expirable.NewLRU[string, Snapshot](size, nil, ttl),
	}
}

// Start returns the in-flight flow for cid, creating one at Hashing if
// none is running.
func (t *Tracker) Start(cid string) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.inflight[cid]; ok && !f.Stage().Terminal() {
		return f
	}
	f := NewFlow(cid)
	t.inflight[cid] = f
	return f
}

// Finish removes f from the in-flight set and records its final snapshot.
func (t *Tracker) Finish(f *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.inflight[f.CID()]; ok && cur == f {
		delete(t.inflight, f.CID())
	}
	t.finished.Add(f.CID(), f.Snapshot())
}

// Abandon drops f if no run ever picked it up. The last finished outcome
// for the CID, if any, stays visible.
func (t *Tracker) Abandon(f *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.inflight[f.CID()]; ok && cur == f && f.Stage() == StageHashing {
		delete(t.inflight, f.CID())
	}
}

// Lookup returns the in-flight or recently finished state of cid.
func (t *Tracker) Lookup(cid string) (Snapshot, bool) {
	t.mu.Lock()
	f, ok := t.inflight[cid]
	t.mu.Unlock()
	if ok {
		return f.Snapshot(), true
	}
	return t.finished.Get(cid)
}

// InFlight returns the number of running ingests.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
