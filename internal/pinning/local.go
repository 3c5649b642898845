package pinning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/internal/cid"
)

// metaSuffix names the sidecar written next to every object.
const metaSuffix = ".meta.json"

// maxMetaFileSize keeps sidecars small enough for a single write.
const maxMetaFileSize = 4096

// LocalBackend is a content-addressed directory: <dir>/<cid> holds the
// bytes and <dir>/<cid>.meta.json the side metadata. Every write goes
// through temp file, fsync, rename. Pinning bytes that already exist is a
// no-op.
type LocalBackend struct {
	dir    string
	logger *slog.Logger
}

var _ Backend = (*LocalBackend)(nil)

// NewLocal creates the directory if needed.
func NewLocal(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create pin directory %s: %w", dir, err)
	}
	return &LocalBackend{
		dir:    dir,
		logger: logger.With(slog.String("component", "local-backend")),
	}, nil
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// Dir returns the storage directory.
func (b *LocalBackend) Dir() string { return b.dir }

// Pin implements Backend.
func (b *LocalBackend) Pin(ctx context.Context, data []byte, meta SideMetadata) (*PinResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := cid.Sum(data)
	if meta.CID != "" && meta.CID != id {
		return nil, fmt.Errorf("%w: metadata names %s, content hashes to %s", ErrRejected, meta.CID, id)
	}
	meta.CID = id

	path := b.path(id)
	if _, err := os.Stat(path); err == nil {
		b.logger.Debug("Object already pinned", slog.String("cid", id))
		return &PinResult{CID: id, Ref: id, Confirmed: true}, nil
	}

	if err := writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write object %s: %w", id, err)
	}
	if err := writeMeta(path+metaSuffix, &meta); err != nil {
		// The object itself is durable; a missing sidecar only loses
		// descriptive fields.
		b.logger.Warn("Failed to write sidecar metadata",
			slog.String("cid", id),
			slog.String("error", err.Error()),
		)
	}
	return &PinResult{CID: id, Ref: id, Confirmed: true}, nil
}

// Fetch implements Backend.
func (b *LocalBackend) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := cid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read object %s: %w", id, err)
	}
	return data, nil
}

// Meta reads the sidecar of ref.
func (b *LocalBackend) Meta(ref string) (*SideMetadata, error) {
	id, err := cid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := os.ReadFile(b.path(id) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var meta SideMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", id, err)
	}
	return &meta, nil
}

// ObjectPath returns where the bytes of ref live.
func (b *LocalBackend) ObjectPath(ref string) string {
	return b.path(ref)
}

func (b *LocalBackend) path(id string) string {
	return filepath.Join(b.dir, id)
}

func writeMeta(path string, meta *SideMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if len(data) > maxMetaFileSize {
		return fmt.Errorf("sidecar is %d bytes, limit %d", len(data), maxMetaFileSize)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
