package catalog

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_catalog_cache_hits_total",
		Help: "Catalog record lookups served from the LRU cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_catalog_cache_misses_total",
		Help: "Catalog record lookups that went to the store.",
	})
)

// generationStripes is the number of invalidation counters shared by CIDs.
const generationStripes = 256

// Cached decorates a Store with an expiring LRU over Get. Every mutation
// through the decorator drops the affected entry; mutations made by other
// processes become visible after the TTL at the latest.
//
// A read that misses the cache is stored only when no invalidation of its
// stripe happened while it was reading, so a record read before a
// concurrent mutation committed is never cached after it.
type Cached struct {
	Store
	cache  *expirable.LRU[string, *model.EvidenceRecord]
	hits   atomic.Int64
	misses atomic.Int64

	mu          sync.Mutex
	generations [generationStripes]uint64
}

// NewCached wraps store keeping at most size records for ttl.
func NewCached(store Store, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1
	}
	return &Cached{
		Store: store,
		cache: expirable.NewLRU[string, *model.EvidenceRecord](size, nil, ttl),
	}
}

// Get serves from cache when possible.
func (c *Cached) Get(ctx context.Context, cid string) (*model.EvidenceRecord, error) {
	if rec, ok := c.cache.Get(cid); ok {
		c.hits.Add(1)
		cacheHitsTotal.Inc()
		return rec.Clone(), nil
	}
	c.misses.Add(1)
	cacheMissesTotal.Inc()

	stripe := stripeOf(cid)
	c.mu.Lock()
	gen := c.generations[stripe]
	c.mu.Unlock()

	rec, err := c.Store.Get(ctx, cid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generations[stripe] == gen {
		c.cache.Add(cid, rec.Clone())
	}
	c.mu.Unlock()
	return rec, nil
}

// InsertIfAbsent invalidates cid before delegating.
func (c *Cached) InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (bool, *model.EvidenceRecord, error) {
	defer c.Invalidate(rec.CID)
	return c.Store.InsertIfAbsent(ctx, rec, genesis)
}

// BindCase invalidates cid after delegating.
func (c *Cached) BindCase(ctx context.Context, cid, from, to string, ev *model.CustodyEvent) error {
	defer c.Invalidate(cid)
	return c.Store.BindCase(ctx, cid, from, to, ev)
}

// UpdateStatus invalidates the CID after delegating.
func (c *Cached) UpdateStatus(ctx context.Context, ch StatusChange, ev *model.CustodyEvent) error {
	defer c.Invalidate(ch.CID)
	return c.Store.UpdateStatus(ctx, ch, ev)
}

// Invalidate drops cid from the cache and discards reads of it still in
// flight.
func (c *Cached) Invalidate(cid string) {
	c.mu.Lock()
	c.generations[stripeOf(cid)]++
	c.cache.Remove(cid)
	c.mu.Unlock()
}

func stripeOf(cid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cid))
	return int(h.Sum32() % generationStripes)
}

// Stats returns hit and miss counts since creation.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
