package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog/catalogtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/memstore"
)

func newTestLedger(t *testing.T, cids ...string) (*Ledger, *catalogtest.Tampering) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := catalogtest.NewTampering(memstore.New(logger))
	l := New(store, logger)
	for _, cid := range cids {
		gen, err := l.Genesis(cid, Draft{Kind: model.EventIngested, Actor: "officer-1"})
		if err != nil {
			t.Fatalf("Genesis: %v", err)
		}
		if _, _, err := store.InsertIfAbsent(context.Background(), catalogtest.Record(cid, "FIR-1", 0), gen); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}
	return l, store
}

// TestGenesis checks the first link of a chain.
func TestGenesis(t *testing.T) {
	l, _ := newTestLedger(t)
	ev, err := l.Genesis("bafy-1", Draft{Kind: model.EventIngested, Actor: "officer-1"})
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	if ev.Sequence != 1 || ev.PrevHash != ZeroHash {
		t.Errorf("unexpected genesis %+v", ev)
	}
	if len(ev.Hash) != 64 || ev.Hash != ComputeHash(ev) {
		t.Errorf("bad hash %q", ev.Hash)
	}
	if ev.Timestamp.Location() != time.UTC || ev.Timestamp.Nanosecond()%1000 != 0 {
		t.Errorf("timestamp must be UTC with microsecond precision, got %v", ev.Timestamp)
	}

	if _, err := l.Genesis("bafy-1", Draft{Kind: "Teleported"}); err == nil {
		t.Error("unknown kind must be rejected")
	}
}

// TestAppend_Linkage checks sequence and prev_hash of appended events.
func TestAppend_Linkage(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, "bafy-1")

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, "bafy-1", Draft{Kind: model.EventAccessed, Actor: "officer-2"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, _ := store.Events(ctx, "bafy-1")
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Errorf("event %d not linked to %d", events[i].Sequence, events[i-1].Sequence)
		}
	}

	res, err := l.Verify(ctx, "bafy-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Length != 4 || res.Head != events[3].Hash {
		t.Errorf("unexpected result %+v", res)
	}
}

// TestAppend_EmptyChain checks appends to an unknown CID.
func TestAppend_EmptyChain(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), "nope", Draft{Kind: model.EventAccessed})
	if !errors.Is(err, ErrEmptyChain) {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
}

// TestAppend_Concurrent checks that parallel appends keep the chain gapless.
func TestAppend_Concurrent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "bafy-1", "bafy-2")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid := "bafy-1"
			if i%2 == 1 {
				cid = "bafy-2"
			}
			if _, err := l.Append(ctx, cid, Draft{Kind: model.EventAccessed, Actor: fmt.Sprintf("o-%d", i)}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, cid := range []string{"bafy-1", "bafy-2"} {
		res, err := l.Verify(ctx, cid)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.Valid || res.Length != 21 {
			t.Errorf("%s: unexpected result valid=%v length=%d reason=%s", cid, res.Valid, res.Length, res.Reason)
		}
	}
}

// TestAppendWith_RetriesSequenceConflict checks recovery from a foreign writer.
func TestAppendWith_RetriesSequenceConflict(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, "bafy-1")

	calls := 0
	ev, err := l.AppendWith(ctx, "bafy-1", Draft{Kind: model.EventAccessed}, func(ctx context.Context, ev *model.CustodyEvent) error {
		calls++
		if calls == 1 {
			// Another process wins sequence 2 first.
			foreign, _ := l.seal("bafy-1", mustHead(t, store, "bafy-1"), Draft{Kind: model.EventAccessed, Actor: "other"})
			if err := store.AppendEvent(ctx, foreign); err != nil {
				t.Fatalf("foreign append: %v", err)
			}
		}
		return store.AppendEvent(ctx, ev)
	})
	if err != nil {
		t.Fatalf("AppendWith: %v", err)
	}
	if calls != 2 || ev.Sequence != 3 {
		t.Errorf("expected retry to land on seq 3, got calls=%d seq=%d", calls, ev.Sequence)
	}
	if res, _ := l.Verify(ctx, "bafy-1"); !res.Valid {
		t.Errorf("chain broken after retry: %s", res.Reason)
	}
}

// TestAppendWith_CommitError checks that other commit errors are returned.
func TestAppendWith_CommitError(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, "bafy-1")

	_, err := l.AppendWith(ctx, "bafy-1", Draft{Kind: model.EventCaseBound}, func(context.Context, *model.CustodyEvent) error {
		return catalog.ErrConflict
	})
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	events, _ := store.Events(ctx, "bafy-1")
	if len(events) != 1 {
		t.Errorf("failed commit must not append, got %d events", len(events))
	}
}

// TestVerify_DetectsTampering checks that edits to stored events are found.
func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name string
		seq  int64
		edit func(ev *model.CustodyEvent)
		want int64
	}{
		{"actor rewritten", 2, func(ev *model.CustodyEvent) { ev.Actor = "someone-else" }, 2},
		{"detail added", 3, func(ev *model.CustodyEvent) { ev.Detail = map[string]string{"note": "x"} }, 3},
		{"timestamp moved", 2, func(ev *model.CustodyEvent) { ev.Timestamp = ev.Timestamp.Add(time.Second) }, 2},
		{"hash recomputed", 2, func(ev *model.CustodyEvent) {
			ev.Actor = "forger"
			ev.Hash = ComputeHash(ev)
		}, 3},
		{"genesis kind changed", 1, func(ev *model.CustodyEvent) { ev.Kind = model.EventAccessed }, 1},
		{"sequence gap", 3, func(ev *model.CustodyEvent) { ev.Sequence = 5 }, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, store := newTestLedger(t, "bafy-1")
			for i := 0; i < 3; i++ {
				if _, err := l.Append(ctx, "bafy-1", Draft{Kind: model.EventAccessed, Actor: "officer-1"}); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			store.Tamper("bafy-1", tt.seq, tt.edit)

			res, err := l.Verify(ctx, "bafy-1")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Valid {
				t.Fatal("tampered chain reported valid")
			}
			if res.BrokenAt != tt.want {
				t.Errorf("expected BrokenAt %d, got %d (%s)", tt.want, res.BrokenAt, res.Reason)
			}
		})
	}
}

// TestVerifyEvents_FailedAt checks that unresolved integrity failures
// invalidate the chain and a later Repinned resolves them.
func TestVerifyEvents_FailedAt(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, "bafy-1")

	_, _ = l.Append(ctx, "bafy-1", Draft{Kind: model.EventAccessed})
	_, _ = l.Append(ctx, "bafy-1", Draft{Kind: model.EventVerificationFailed})

	events, _ := store.Events(ctx, "bafy-1")
	res := VerifyEvents("bafy-1", events)
	if res.Valid || res.FailedAt != 3 || res.BrokenAt != 0 {
		t.Fatalf("expected FailedAt 3 on an intact chain, got %+v", res)
	}

	_, _ = l.Append(ctx, "bafy-1", Draft{Kind: model.EventRepinned})
	events, _ = store.Events(ctx, "bafy-1")
	if res := VerifyEvents("bafy-1", events); !res.Valid || res.FailedAt != 0 {
		t.Errorf("Repinned must resolve the failure, got %+v", res)
	}
}

// TestVerifyEvents_Empty checks that an empty chain is not valid.
func TestVerifyEvents_Empty(t *testing.T) {
	if res := VerifyEvents("x", nil); res.Valid {
		t.Error("empty chain must not be valid")
	}
}

// TestComputeHash_DetailOrder checks that map ordering does not matter.
func TestComputeHash_DetailOrder(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &model.CustodyEvent{CID: "c", Sequence: 1, PrevHash: ZeroHash, Kind: model.EventIngested, Timestamp: ts,
		Detail: map[string]string{"a": "1", "b": "2", "c": "3"}}
	b := &model.CustodyEvent{CID: "c", Sequence: 1, PrevHash: ZeroHash, Kind: model.EventIngested, Timestamp: ts,
		Detail: map[string]string{"c": "3", "b": "2", "a": "1"}}
	if ComputeHash(a) != ComputeHash(b) {
		t.Error("hash depends on map insertion order")
	}
	empty := &model.CustodyEvent{CID: "c", Sequence: 1, PrevHash: ZeroHash, Kind: model.EventIngested, Timestamp: ts}
	emptyMap := &model.CustodyEvent{CID: "c", Sequence: 1, PrevHash: ZeroHash, Kind: model.EventIngested, Timestamp: ts, Detail: map[string]string{}}
	if ComputeHash(empty) != ComputeHash(emptyMap) {
		t.Error("nil and empty detail must hash the same")
	}
}

func mustHead(t *testing.T, store catalog.Store, cid string) *model.CustodyEvent {
	t.Helper()
	head, err := store.LastEvent(context.Background(), cid)
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	return head
}
