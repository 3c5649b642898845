package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning/pinningtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
)

// TestRetrieve_RoundTrip checks that confirmed content comes back verified and logged.
func TestRetrieve_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	data := randomBytes(t, 2048)
	res := env.submit(t, data, "FIR1")

	content, err := env.retrieval.Retrieve(context.Background(), res.CID, "officer-2")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(content.Data, data) {
		t.Fatal("retrieved bytes differ from submitted bytes")
	}
	if cid.Sum(content.Data) != res.CID {
		t.Error("retrieved bytes do not hash to the CID")
	}

	events := env.events(t, res.CID)
	last := events[len(events)-1]
	if last.Kind != model.EventAccessed || last.Actor != "officer-2" {
		t.Errorf("expected Accessed by officer-2, got %+v", last)
	}
	verdict, err := env.custody.Verify(context.Background(), res.CID)
	if err != nil || !verdict.Valid {
		t.Errorf("chain must stay valid after access: %+v, %v", verdict, err)
	}
}

// TestRetrieve_MismatchFailsClosed checks corrupted backend content.
func TestRetrieve_MismatchFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.submit(t, []byte("original statement"), "FIR1")

	env.backend.Corrupt(res.CID, []byte("altered statement"))

	content, err := env.retrieval.Retrieve(ctx, res.CID, "officer-2")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if content != nil {
		t.Fatal("unverified bytes were returned")
	}

	rec, _ := env.mem.Get(ctx, res.CID)
	if rec.Status != model.StatusFailed {
		t.Errorf("expected Failed status, got %s", rec.Status)
	}
	events := env.events(t, res.CID)
	last := events[len(events)-1]
	if last.Kind != model.EventVerificationFailed {
		t.Fatalf("expected VerificationFailed, got %s", last.Kind)
	}
	if last.Detail["received_cid"] != cid.Sum([]byte("altered statement")) {
		t.Errorf("unexpected detail %v", last.Detail)
	}

	verdict, err := env.custody.Verify(ctx, res.CID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verdict.Valid || verdict.FailedAt != last.Sequence || verdict.BrokenAt != 0 {
		t.Errorf("expected invalid verdict failed at %d, got %+v", last.Sequence, verdict)
	}

	// A Failed record is not fetched again.
	fetches := env.backend.FetchCalls()
	if _, err := env.retrieval.Retrieve(ctx, res.CID, "officer-3"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for a Failed record, got %v", err)
	}
	if env.backend.FetchCalls() != fetches {
		t.Error("a Failed record must not reach the backend")
	}

	page, _ := env.retrieval.Search(ctx, catalog.Filter{CaseNumber: "FIR1"})
	if page.Total != 0 {
		t.Errorf("Failed records must be hidden from default search, got %d", page.Total)
	}
	page, _ = env.retrieval.Search(ctx, catalog.Filter{CaseNumber: "FIR1", IncludeFailed: true})
	if page.Total != 1 {
		t.Errorf("include_failed must show the record, got %d", page.Total)
	}
}

// TestRetrieve_MismatchRecordedAfterCancel checks that the failure outlives the request.
func TestRetrieve_MismatchRecordedAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	res := env.submit(t, []byte("wiretap transcript"), "FIR1")
	env.backend.Corrupt(res.CID, []byte("garbled"))

	// Cancel between fetch and recording by wrapping the backend.
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewRetrievalService(env.store, env.ledger, cancelAfterFetch{env.backend, cancel}, fastPolicy(1), quietLogger())

	if _, err := svc.Retrieve(ctx, res.CID, "officer-2"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	rec, _ := env.mem.Get(context.Background(), res.CID)
	if rec.Status != model.StatusFailed {
		t.Errorf("expected Failed status, got %s", rec.Status)
	}
}

type cancelAfterFetch struct {
	*pinningtest.Backend
	cancel context.CancelFunc
}

func (b cancelAfterFetch) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, err := b.Backend.Fetch(ctx, ref)
	b.cancel()
	return data, err
}

// TestRetrieve_Errors checks unknown CIDs, garbage identifiers and backend outages.
func TestRetrieve_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.retrieval.Retrieve(ctx, cid.Sum([]byte("never stored")), "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.retrieval.Retrieve(ctx, "not-a-cid", "a"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	res := env.submit(t, []byte("x-ray"), "FIR1")

	env.backend.FailFetches(pinningtest.ErrUnavailable)
	_, err := env.retrieval.Retrieve(ctx, res.CID, "a")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	var se *Error
	if errors.As(err, &se) && se.Outcome != OutcomeMayBeStored {
		t.Errorf("expected outcome %s, got %s", OutcomeMayBeStored, se.Outcome)
	}
	if n := env.backend.FetchCalls(); n != 3 {
		t.Errorf("expected 3 fetch attempts, got %d", n)
	}

	env.backend.FailFetches(nil)
	env.backend.Remove(res.CID)
	before := env.backend.FetchCalls()
	if _, err := env.retrieval.Retrieve(ctx, res.CID, "a"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for a missing object, got %v", err)
	}
	if n := env.backend.FetchCalls() - before; n != 1 {
		t.Errorf("a missing object must not be retried, got %d attempts", n)
	}

	rec, _ := env.mem.Get(ctx, res.CID)
	if rec.Status != model.StatusConfirmed {
		t.Errorf("backend outages must not fail the record, got %s", rec.Status)
	}
}

// TestSearch_Validation checks filter validation and paging defaults.
func TestSearch_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.retrieval.Search(ctx, catalog.Filter{Status: "Lost"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	from := time.Now()
	to := from.Add(-time.Hour)
	if _, err := env.retrieval.Search(ctx, catalog.Filter{From: &from, To: &to}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for inverted range, got %v", err)
	}

	page, err := env.retrieval.Search(ctx, catalog.Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Items == nil || page.Limit != catalog.DefaultLimit {
		t.Errorf("unexpected empty page %+v", page)
	}
}
