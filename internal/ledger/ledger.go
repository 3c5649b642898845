// Package ledger maintains the per-CID custody chain.
//
// Every event carries the hash of its predecessor; the hash covers all
// fields of the event, so editing any earlier event breaks every following
// link. Appends for one CID are serialized, different CIDs proceed in
// parallel.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// ChainVersion is mixed into every hash so the format can evolve.
const ChainVersion = "1"

// ZeroHash is the prev_hash of the first event of every chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

const (
	stripes           = 256
	maxSequenceRetry  = 8
	timestampAccuracy = time.Microsecond
)

// ErrEmptyChain is returned by Append when the CID has no genesis event.
var ErrEmptyChain = errors.New("ledger: chain has no genesis event")

// Draft is the caller-supplied part of an event. The ledger fills in
// sequence, linkage, timestamp (when zero) and hash.
type Draft struct {
	Kind      model.EventKind
	Actor     string
	Detail    map[string]string
	Timestamp time.Time
}

// CommitFunc persists a sealed event, usually together with a record
// change. It must return catalog.ErrSequenceConflict when the sequence is
// already taken.
type CommitFunc func(ctx context.Context, ev *model.CustodyEvent) error

// Ledger appends and verifies custody chains.
type Ledger struct {
	store  catalog.EventStore
	logger *slog.Logger
	now    func() time.Time
	locks  [stripes]sync.Mutex
}

// New creates a Ledger over store.
func New(store catalog.EventStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
	}
}

// Genesis builds sequence 1 of a new chain. The caller persists it
// together with the record.
func (l *Ledger) Genesis(cid string, d Draft) (*model.CustodyEvent, error) {
	return l.seal(cid, nil, d)
}

// Append adds an event to the chain of cid.
func (l *Ledger) Append(ctx context.Context, cid string, d Draft) (*model.CustodyEvent, error) {
	return l.AppendWith(ctx, cid, d, nil)
}

// AppendWith seals the next event of cid and hands it to commit, which
// persists it atomically with any record change. A nil commit stores the
// event alone. Sequence conflicts from other writers are retried.
func (l *Ledger) AppendWith(ctx context.Context, cid string, d Draft, commit CommitFunc) (*model.CustodyEvent, error) {
	if commit == nil {
		commit = l.store.AppendEvent
	}

	mu := l.lockFor(cid)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		head, err := l.store.LastEvent(ctx, cid)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrEmptyChain, cid)
			}
			return nil, fmt.Errorf("read chain head: %w", err)
		}

		ev, err := l.seal(cid, head, d)
		if err != nil {
			return nil, err
		}

		err = commit(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, catalog.ErrSequenceConflict) || attempt >= maxSequenceRetry {
			return nil, err
		}
		l.logger.Debug("Sequence taken by another writer, retrying",
			slog.String("cid", cid),
			slog.Int64("sequence", ev.Sequence),
			slog.Int("attempt", attempt),
		)
	}
}

func (l *Ledger) seal(cid string, head *model.CustodyEvent, d Draft) (*model.CustodyEvent, error) {
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("ledger: unknown event kind %q", d.Kind)
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	ev := &model.CustodyEvent{
		CID:       cid,
		Sequence:  1,
		PrevHash:  ZeroHash,
		Kind:      d.Kind,
		Actor:     d.Actor,
		Timestamp: ts.UTC().Truncate(timestampAccuracy),
	}
	if head != nil {
		ev.Sequence = head.Sequence + 1
		ev.PrevHash = head.Hash
	}
	if len(d.Detail) > 0 {
		ev.Detail = make(map[string]string, len(d.Detail))
		for k, v := range d.Detail {
			ev.Detail[k] = v
		}
	}
	ev.Hash = ComputeHash(ev)
	return ev, nil
}

func (l *Ledger) lockFor(cid string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cid))
	return &l.locks[h.Sum32()%stripes]
}

type canonicalEvent struct {
	Version   string            `json:"v"`
	CID       string            `json:"cid"`
	Sequence  int64             `json:"seq"`
	PrevHash  string            `json:"prev_hash"`
	Kind      string            `json:"kind"`
	Actor     string            `json:"actor"`
	Timestamp string            `json:"timestamp"`
	Detail    map[string]string `json:"detail"`
}

// ComputeHash returns the hex sha256 of the canonical JSON form of ev.
// The Hash field itself is not covered.
func ComputeHash(ev *model.CustodyEvent) string {
	detail := ev.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	// encoding/json writes struct fields in declaration order and map keys
	// sorted, which makes the output canonical.
	b, err := json.Marshal(canonicalEvent{
		Version:   ChainVersion,
		CID:       ev.CID,
		Sequence:  ev.Sequence,
		PrevHash:  ev.PrevHash,
		Kind:      string(ev.Kind),
		Actor:     ev.Actor,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Detail:    detail,
	})
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal canonical event: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
