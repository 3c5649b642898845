// Package catalogtest is a behavioural test suite every catalog.Store
// implementation must pass.
package catalogtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) catalog.Store

// base is a fixed reference time with microsecond precision.
var base = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

// Record builds a Confirmed record ingested at base+offset.
func Record(cid, caseNumber string, offset time.Duration) *model.EvidenceRecord {
	ts := base.Add(offset)
	return &model.EvidenceRecord{
		CID:        cid,
		CaseNumber: caseNumber,
		FileName:   cid + ".jpg",
		MimeType:   "image/jpeg",
		SizeBytes:  1024,
		UploadedBy: "officer-1",
		IngestedAt: ts,
		Status:     model.StatusConfirmed,
		PinRef:     cid,
		UpdatedAt:  ts,
	}
}

// Event builds an event for cid at seq. Hashes are placeholders: stores
// do not interpret them.
func Event(cid string, seq int64, kind model.EventKind) *model.CustodyEvent {
	return &model.CustodyEvent{
		CID:       cid,
		Sequence:  seq,
		PrevHash:  fmt.Sprintf("prev-%d", seq),
		Hash:      fmt.Sprintf("hash-%s-%d", cid, seq),
		Kind:      kind,
		Actor:     "officer-1",
		Timestamp: base.Add(time.Duration(seq) * time.Second),
		Detail:    map[string]string{"seq": fmt.Sprint(seq)},
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s catalog.Store)
	}{
		{"InsertIfAbsent", testInsertIfAbsent},
		{"InsertIfAbsentConcurrent", testInsertIfAbsentConcurrent},
		{"GetNotFound", testGetNotFound},
		{"RoundTrip", testRoundTrip},
		{"QueryFilters", testQueryFilters},
		{"QueryOrderAndPaging", testQueryOrderAndPaging},
		{"ListCIDs", testListCIDs},
		{"CountByStatus", testCountByStatus},
		{"BindCase", testBindCase},
		{"UpdateStatus", testUpdateStatus},
		{"AppendEvent", testAppendEvent},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustInsert(t *testing.T, s catalog.Store, rec *model.EvidenceRecord) {
	t.Helper()
	inserted, _, err := s.InsertIfAbsent(context.Background(), rec, Event(rec.CID, 1, model.EventIngested))
	if err != nil {
		t.Fatalf("InsertIfAbsent(%s): %v", rec.CID, err)
	}
	if !inserted {
		t.Fatalf("InsertIfAbsent(%s): expected insert", rec.CID)
	}
}

func testInsertIfAbsent(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	rec := Record("bafy-a", "FIR-1", 0)

	inserted, existing, err := s.InsertIfAbsent(ctx, rec, Event(rec.CID, 1, model.EventIngested))
	if err != nil || !inserted || existing != nil {
		t.Fatalf("first insert: inserted=%v existing=%v err=%v", inserted, existing, err)
	}

	dup := Record("bafy-a", "FIR-2", time.Hour)
	inserted, existing, err = s.InsertIfAbsent(ctx, dup, Event(dup.CID, 1, model.EventIngested))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert must not insert")
	}
	if existing == nil || existing.CaseNumber != "FIR-1" {
		t.Fatalf("expected the original record back, got %+v", existing)
	}

	events, err := s.Events(ctx, "bafy-a")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("losing insert must not add events, got %d", len(events))
	}
}

func testInsertIfAbsentConcurrent(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	const n = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Record("bafy-race", fmt.Sprintf("FIR-%d", i), 0)
			ok, _, err := s.InsertIfAbsent(ctx, rec, Event(rec.CID, 1, model.EventIngested))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				inserted++
			}
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}
	events, err := s.Events(ctx, "bafy-race")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected one genesis event, got %d", len(events))
	}
}

func testGetNotFound(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LastEvent(ctx, "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("LastEvent: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Events(ctx, "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Events: expected ErrNotFound, got %v", err)
	}
}

func testRoundTrip(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	rec := Record("bafy-rt", "FIR-7", 0)
	rec.FileName = "скан протокола.pdf"
	rec.MimeType = "application/pdf"
	rec.SizeBytes = 1 << 33
	mustInsert(t, s, rec)

	got, err := s.Get(ctx, "bafy-rt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileName != rec.FileName || got.MimeType != rec.MimeType || got.SizeBytes != rec.SizeBytes {
		t.Errorf("descriptive fields changed: %+v", got)
	}
	if !got.IngestedAt.Equal(rec.IngestedAt) {
		t.Errorf("ingested_at: expected %v, got %v", rec.IngestedAt, got.IngestedAt)
	}
	if got.Status != model.StatusConfirmed || got.PinRef != rec.PinRef || got.UploadedBy != rec.UploadedBy {
		t.Errorf("unexpected record %+v", got)
	}

	got.CaseNumber = "mutated"
	again, _ := s.Get(ctx, "bafy-rt")
	if again.CaseNumber != "FIR-7" {
		t.Error("store must hand out copies")
	}

	ev, err := s.LastEvent(ctx, "bafy-rt")
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	want := Event("bafy-rt", 1, model.EventIngested)
	if !ev.Timestamp.Equal(want.Timestamp) {
		t.Errorf("event timestamp: expected %v, got %v", want.Timestamp, ev.Timestamp)
	}
	if ev.Hash != want.Hash || ev.PrevHash != want.PrevHash || ev.Kind != want.Kind || ev.Actor != want.Actor {
		t.Errorf("event fields changed: %+v", ev)
	}
	if ev.Detail["seq"] != "1" {
		t.Errorf("event detail lost: %v", ev.Detail)
	}
}

func testQueryFilters(t *testing.T, s catalog.Store) {
	ctx := context.Background()

	a := Record("bafy-1", "FIR-100", 0)
	b := Record("bafy-2", "FIR-101", time.Hour)
	b.UploadedBy = "officer-2"
	b.MimeType = "video/mp4"
	c := Record("bafy-3", "FIR-200", 2*time.Hour)
	d := Record("bafy-4", "FIR_100", 3*time.Hour)
	for _, r := range []*model.EvidenceRecord{a, b, c, d} {
		mustInsert(t, s, r)
	}
	if err := s.UpdateStatus(ctx, catalog.StatusChange{CID: "bafy-3", From: model.StatusConfirmed, To: model.StatusFailed},
		Event("bafy-3", 2, model.EventVerificationFailed)); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	from := base.Add(30 * time.Minute)
	to := base.Add(2 * time.Hour)

	tests := []struct {
		name   string
		filter catalog.Filter
		want   []string
	}{
		{"no filter excludes failed", catalog.Filter{SortOrder: catalog.SortAsc}, []string{"bafy-1", "bafy-2", "bafy-4"}},
		{"include failed", catalog.Filter{IncludeFailed: true, SortOrder: catalog.SortAsc}, []string{"bafy-1", "bafy-2", "bafy-3", "bafy-4"}},
		{"only failed", catalog.Filter{Status: model.StatusFailed}, []string{"bafy-3"}},
		{"exact case", catalog.Filter{CaseNumber: "FIR-100"}, []string{"bafy-1"}},
		{"case prefix", catalog.Filter{CaseNumber: "FIR-10", CasePrefix: true, SortOrder: catalog.SortAsc}, []string{"bafy-1", "bafy-2"}},
		{"prefix underscore is literal", catalog.Filter{CaseNumber: "FIR_", CasePrefix: true}, []string{"bafy-4"}},
		{"uploader", catalog.Filter{UploadedBy: "officer-2"}, []string{"bafy-2"}},
		{"mime", catalog.Filter{MimeType: "video/mp4"}, []string{"bafy-2"}},
		{"range inclusive", catalog.Filter{From: &from, To: &to, IncludeFailed: true, SortOrder: catalog.SortAsc}, []string{"bafy-2", "bafy-3"}},
		{"nothing", catalog.Filter{CaseNumber: "FIR-999"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if total != len(tt.want) {
				t.Errorf("total: expected %d, got %d", len(tt.want), total)
			}
			if got := cids(items); !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func testQueryOrderAndPaging(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	// Two records share a timestamp so the cid tie-break is exercised.
	for _, r := range []*model.EvidenceRecord{
		Record("bafy-b", "FIR-1", time.Minute),
		Record("bafy-a", "FIR-1", time.Minute),
		Record("bafy-c", "FIR-1", 2*time.Minute),
		Record("bafy-d", "FIR-1", 0),
	} {
		mustInsert(t, s, r)
	}

	items, total, err := s.Query(ctx, catalog.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
	if got, want := cids(items), []string{"bafy-c", "bafy-a", "bafy-b", "bafy-d"}; !slices.Equal(got, want) {
		t.Errorf("desc order: expected %v, got %v", want, got)
	}

	items, _, _ = s.Query(ctx, catalog.Filter{SortOrder: catalog.SortAsc})
	if got, want := cids(items), []string{"bafy-d", "bafy-a", "bafy-b", "bafy-c"}; !slices.Equal(got, want) {
		t.Errorf("asc order: expected %v, got %v", want, got)
	}

	items, total, _ = s.Query(ctx, catalog.Filter{SortOrder: catalog.SortAsc, Limit: 2, Offset: 1})
	if total != 4 {
		t.Errorf("paged total: expected 4, got %d", total)
	}
	if got, want := cids(items), []string{"bafy-a", "bafy-b"}; !slices.Equal(got, want) {
		t.Errorf("page: expected %v, got %v", want, got)
	}

	items, total, _ = s.Query(ctx, catalog.Filter{Offset: 10})
	if total != 4 || len(items) != 0 {
		t.Errorf("offset past end: total=%d items=%d", total, len(items))
	}
}

func testListCIDs(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	for _, id := range []string{"bafy-e", "bafy-a", "bafy-c", "bafy-b", "bafy-d"} {
		mustInsert(t, s, Record(id, "FIR-1", 0))
	}

	var all []string
	after := ""
	for {
		page, err := s.ListCIDs(ctx, after, 2)
		if err != nil {
			t.Fatalf("ListCIDs: %v", err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1]
	}
	if want := []string{"bafy-a", "bafy-b", "bafy-c", "bafy-d", "bafy-e"}; !slices.Equal(all, want) {
		t.Errorf("expected %v, got %v", want, all)
	}
}

func testCountByStatus(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	mustInsert(t, s, Record("bafy-1", "FIR-1", 0))
	mustInsert(t, s, Record("bafy-2", "FIR-1", 0))
	mustInsert(t, s, Record("bafy-3", "FIR-1", 0))
	_ = s.UpdateStatus(ctx, catalog.StatusChange{CID: "bafy-2", From: model.StatusConfirmed, To: model.StatusFailed},
		Event("bafy-2", 2, model.EventVerificationFailed))

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.StatusConfirmed] != 2 || counts[model.StatusFailed] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func testBindCase(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	mustInsert(t, s, Record("bafy-1", model.UnassignedCase, 0))

	ev := Event("bafy-1", 2, model.EventCaseBound)
	if err := s.BindCase(ctx, "bafy-1", model.UnassignedCase, "FIR-9", ev); err != nil {
		t.Fatalf("BindCase: %v", err)
	}
	rec, _ := s.Get(ctx, "bafy-1")
	if rec.CaseNumber != "FIR-9" {
		t.Errorf("expected FIR-9, got %s", rec.CaseNumber)
	}
	if !rec.UpdatedAt.Equal(ev.Timestamp) {
		t.Errorf("updated_at: expected %v, got %v", ev.Timestamp, rec.UpdatedAt)
	}

	err := s.BindCase(ctx, "bafy-1", model.UnassignedCase, "FIR-10", Event("bafy-1", 3, model.EventCaseBound))
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("stale from: expected ErrConflict, got %v", err)
	}
	events, _ := s.Events(ctx, "bafy-1")
	if len(events) != 2 {
		t.Errorf("failed CAS must not append, got %d events", len(events))
	}

	err = s.BindCase(ctx, "missing", "a", "b", Event("missing", 2, model.EventCaseBound))
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unknown cid: expected ErrNotFound, got %v", err)
	}
}

func testUpdateStatus(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	mustInsert(t, s, Record("bafy-1", "FIR-1", 0))

	err := s.UpdateStatus(ctx, catalog.StatusChange{CID: "bafy-1", From: model.StatusConfirmed, To: model.StatusFailed},
		Event("bafy-1", 2, model.EventVerificationFailed))
	if err != nil {
		t.Fatalf("Confirmed → Failed: %v", err)
	}

	err = s.UpdateStatus(ctx, catalog.StatusChange{CID: "bafy-1", From: model.StatusConfirmed, To: model.StatusFailed},
		Event("bafy-1", 3, model.EventVerificationFailed))
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("stale status: expected ErrConflict, got %v", err)
	}

	err = s.UpdateStatus(ctx, catalog.StatusChange{CID: "bafy-1", From: model.StatusFailed, To: model.StatusConfirmed, PinRef: "ref-2"},
		Event("bafy-1", 3, model.EventRepinned))
	if err != nil {
		t.Fatalf("Failed → Confirmed: %v", err)
	}
	rec, _ := s.Get(ctx, "bafy-1")
	if rec.Status != model.StatusConfirmed || rec.PinRef != "ref-2" {
		t.Errorf("unexpected record %+v", rec)
	}
	events, _ := s.Events(ctx, "bafy-1")
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func testAppendEvent(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	mustInsert(t, s, Record("bafy-1", "FIR-1", 0))

	for seq := int64(2); seq <= 4; seq++ {
		if err := s.AppendEvent(ctx, Event("bafy-1", seq, model.EventAccessed)); err != nil {
			t.Fatalf("AppendEvent(%d): %v", seq, err)
		}
	}
	if err := s.AppendEvent(ctx, Event("bafy-1", 3, model.EventAccessed)); !errors.Is(err, catalog.ErrSequenceConflict) {
		t.Errorf("duplicate sequence: expected ErrSequenceConflict, got %v", err)
	}
	if err := s.AppendEvent(ctx, Event("missing", 2, model.EventAccessed)); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unknown cid: expected ErrNotFound, got %v", err)
	}

	events, err := s.Events(ctx, "bafy-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("events out of order: %d at index %d", ev.Sequence, i)
		}
	}
	head, _ := s.LastEvent(ctx, "bafy-1")
	if head.Sequence != 4 {
		t.Errorf("expected head 4, got %d", head.Sequence)
	}
}

func testPing(t *testing.T, s catalog.Store) {
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func cids(items []*model.EvidenceRecord) []string {
	var out []string
	for _, r := range items {
		out = append(out, r.CID)
	}
	return out
}
