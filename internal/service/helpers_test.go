package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/domain/model"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/ledger"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning/pinningtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/catalog/catalogtest"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/memstore"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/storage/wal"
)

var errDiskFull = errors.New("disk full")

// flakyStore fails the next N InsertIfAbsent calls.
type flakyStore struct {
	catalog.Store
	failInserts atomic.Int32
	inserts     atomic.Int32

	// insertGate, when set, holds InsertIfAbsent until closed. The insert
	// then commits even if the caller was cancelled meanwhile, like a
	// database commit already on the wire.
	insertGate    chan struct{}
	insertEntered chan struct{}
	enterOnce     sync.Once
}

func (s *flakyStore) InsertIfAbsent(ctx context.Context, rec *model.EvidenceRecord, genesis *model.CustodyEvent) (bool, *model.EvidenceRecord, error) {
	s.inserts.Add(1)
	if s.failInserts.Load() > 0 {
		s.failInserts.Add(-1)
		return false, nil, errDiskFull
	}
	if s.insertGate != nil {
		s.enterOnce.Do(func() { close(s.insertEntered) })
		<-s.insertGate
		return s.Store.InsertIfAbsent(context.WithoutCancel(ctx), rec, genesis)
	}
	return s.Store.InsertIfAbsent(ctx, rec, genesis)
}

type testEnv struct {
	mem       *memstore.Store
	tamper    *catalogtest.Tampering
	store     *flakyStore
	backend   *pinningtest.Backend
	wal       *wal.WAL
	ledger    *ledger.Ledger
	ingest    *IngestService
	retrieval *RetrievalService
	custody   *CustodyService
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		AttemptTimeout:  2 * time.Second,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := quietLogger()
	mem := memstore.New(logger)
	tamper := catalogtest.NewTampering(mem)
	store := &flakyStore{Store: tamper}
	backend := pinningtest.New()

	w, err := wal.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	led := ledger.New(store, logger)

	env := &testEnv{
		mem:     mem,
		tamper:  tamper,
		store:   store,
		backend: backend,
		wal:     w,
		ledger:  led,
	}
	env.ingest = NewIngestService(store, led, backend, w, IngestOptions{
		MaxFileSize:  1 << 20,
		Pin:          fastPolicy(3),
		Commit:       fastPolicy(3),
		AsyncTimeout: 5 * time.Second,
		DedupAudit:   true,
	}, logger)
	env.retrieval = NewRetrievalService(store, led, backend, fastPolicy(3), logger)
	env.custody = NewCustodyService(store, led, logger)
	t.Cleanup(env.ingest.Wait)
	return env
}

func (e *testEnv) submit(t *testing.T, data []byte, caseNumber string) *IngestResult {
	t.Helper()
	res, err := e.ingest.Ingest(context.Background(), IngestRequest{
		Reader:     bytes.NewReader(data),
		FileName:   "exhibit.bin",
		MimeType:   "application/octet-stream",
		CaseNumber: caseNumber,
		UploadedBy: "officer-1",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res
}

func (e *testEnv) events(t *testing.T, id string) []*model.CustodyEvent {
	t.Helper()
	events, err := e.mem.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("Events(%s): %v", id, err)
	}
	return events
}

func countKind(events []*model.CustodyEvent, kind model.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
