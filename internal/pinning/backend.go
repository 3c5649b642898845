// Package pinning adapts content pinning services behind one capability
// interface. Adapters make exactly one attempt per call; retry policy
// belongs to the caller.
package pinning

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound: the backend has no object for the reference.
	ErrNotFound = errors.New("pinning: object not found")
	// ErrRejected: the backend refused the request and a retry will not
	// help (bad credentials, payload rejected, object too large).
	ErrRejected = errors.New("pinning: request rejected")
)

// SideMetadata travels with a pin so the backend's own listing can be
// correlated with the catalog.
type SideMetadata struct {
	CID        string    `json:"cid"`
	Name       string    `json:"name"`
	CaseNumber string    `json:"case_number"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// PinResult is the backend's acknowledgement.
type PinResult struct {
	// CID is the identifier the backend computed for the object.
	CID string
	// Ref is what Fetch expects back.
	Ref string
	// Confirmed is true once the backend reports the object durable.
	Confirmed bool
}

// Backend stores and returns content.
type Backend interface {
	Name() string
	Pin(ctx context.Context, data []byte, meta SideMetadata) (*PinResult, error)
	// Fetch returns the bytes behind ref or ErrNotFound.
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// IsPermanent reports whether err should stop a retry loop.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound)
}
