// Package pinningtest provides a scripted in-memory pinning backend.
package pinningtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/pinning"
)

// ErrUnavailable is the transient error returned by scripted failures.
var ErrUnavailable = errors.New("pinningtest: backend unavailable")

// Backend is a pinning.Backend whose behaviour tests can script. The zero
// value is not usable; call New.
type Backend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failPins  int
	reject    bool
	unconfirm int
	fetchErr  error
	gate      chan struct{}
	entered   chan struct{}

	pinCalls   atomic.Int64
	fetchCalls atomic.Int64
}

var _ pinning.Backend = (*Backend)(nil)

// New returns an empty, healthy backend.
func New() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

// Name implements pinning.Backend.
func (b *Backend) Name() string { return "fake" }

// FailNextPins makes the next n Pin calls fail with ErrUnavailable.
func (b *Backend) FailNextPins(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPins = n
}

// RejectPins makes every Pin fail with pinning.ErrRejected.
func (b *Backend) RejectPins(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reject
}

// UnconfirmNextPins makes the next n pins return Confirmed=false.
func (b *Backend) UnconfirmNextPins(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unconfirm = n
}

// FailFetches makes every Fetch return err (nil restores normal fetches).
func (b *Backend) FailFetches(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

// Block makes Pin wait until Release is called or its context ends.
// The returned channel receives once per Pin that started waiting.
func (b *Backend) Block() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.entered = make(chan struct{}, 64)
	return b.entered
}

// Release unblocks every waiting and future Pin.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// Corrupt replaces the stored bytes of ref.
func (b *Backend) Corrupt(ref string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[ref] = append([]byte(nil), data...)
}

// Remove drops the object behind ref.
func (b *Backend) Remove(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, ref)
}

// Has reports whether ref is stored.
func (b *Backend) Has(ref string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[ref]
	return ok
}

// Objects returns the number of stored objects.
func (b *Backend) Objects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// PinCalls returns how many times Pin was called.
func (b *Backend) PinCalls() int { return int(b.pinCalls.Load()) }

// FetchCalls returns how many times Fetch was called.
func (b *Backend) FetchCalls() int { return int(b.fetchCalls.Load()) }

// Pin implements pinning.Backend.
func (b *Backend) Pin(ctx context.Context, data []byte, meta pinning.SideMetadata) (*pinning.PinResult, error) {
	b.pinCalls.Add(1)

	b.mu.Lock()
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reject {
		return nil, fmt.Errorf("%w: scripted", pinning.ErrRejected)
	}
	if b.failPins > 0 {
		b.failPins--
		return nil, ErrUnavailable
	}
	id := cid.Sum(data)
	if b.unconfirm > 0 {
		b.unconfirm--
		return &pinning.PinResult{CID: id, Ref: id, Confirmed: false}, nil
	}
	b.objects[id] = append([]byte(nil), data...)
	return &pinning.PinResult{CID: id, Ref: id, Confirmed: true}, nil
}

// Fetch implements pinning.Backend.
func (b *Backend) Fetch(ctx context.Context, ref string) ([]byte, error) {
	b.fetchCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	data, ok := b.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pinning.ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}
