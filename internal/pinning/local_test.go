package pinning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocal(filepath.Join(t.TempDir(), "pins"), testLogger())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return b
}

// TestLocal_PinFetch checks that pinned bytes come back unchanged.
func TestLocal_PinFetch(t *testing.T) {
	ctx := context.Background()
	b := newTestLocal(t)
	data := []byte("photo of the scene")

	res, err := b.Pin(ctx, data, SideMetadata{Name: "scene.jpg", CaseNumber: "FIR-1", MimeType: "image/jpeg", UploadedAt: time.Now()})
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	want := cid.Sum(data)
	if !res.Confirmed || res.CID != want || res.Ref != want {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := b.Fetch(ctx, res.Ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("fetched bytes differ")
	}

	meta, err := b.Meta(res.Ref)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.CID != want || meta.CaseNumber != "FIR-1" || meta.Name != "scene.jpg" {
		t.Errorf("unexpected sidecar %+v", meta)
	}
}

// TestLocal_PinIdempotent checks that pinning the same bytes twice is harmless.
func TestLocal_PinIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestLocal(t)
	data := []byte("same bytes")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Pin(ctx, data, SideMetadata{}); err != nil {
				t.Errorf("Pin: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, _ := os.ReadDir(b.Dir())
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if _, err := b.Fetch(ctx, cid.Sum(data)); err != nil {
		t.Errorf("Fetch: %v", err)
	}
}

// TestLocal_PinRejectsMismatchedCID checks the metadata CID guard.
func TestLocal_PinRejectsMismatchedCID(t *testing.T) {
	b := newTestLocal(t)
	_, err := b.Pin(context.Background(), []byte("a"), SideMetadata{CID: cid.Sum([]byte("b"))})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

// TestLocal_FetchNotFound checks missing and malformed references.
func TestLocal_FetchNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestLocal(t)

	for _, ref := range []string{cid.Sum([]byte("never pinned")), "../../etc/passwd", ""} {
		if _, err := b.Fetch(ctx, ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch(%q): expected ErrNotFound, got %v", ref, err)
		}
	}
}

// TestLocal_CancelledContext checks that no write happens after cancellation.
func TestLocal_CancelledContext(t *testing.T) {
	b := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Pin(ctx, []byte("x"), SideMetadata{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(b.ObjectPath(cid.Sum([]byte("x")))); !os.IsNotExist(err) {
		t.Errorf("object written despite cancellation")
	}
}

// TestIsPermanent checks retry classification.
func TestIsPermanent(t *testing.T) {
	if !IsPermanent(ErrRejected) || !IsPermanent(ErrNotFound) {
		t.Error("rejected and not-found must be permanent")
	}
	if IsPermanent(errors.New("timeout")) {
		t.Error("other errors must be transient")
	}
}
