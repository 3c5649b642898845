// Package cid computes content identifiers for evidence bytes.
//
// Identifiers are CIDv1 with the raw codec over a sha2-256 multihash,
// rendered in the default base32 form (bafkrei...). The identifier depends
// only on the bytes, never on file name or upload context.
package cid

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrInvalid is returned for strings that are not a valid CID.
var ErrInvalid = errors.New("invalid content identifier")

// Hasher is a streaming content hasher. Writes may be split arbitrarily;
// the resulting identifier is that of the concatenated bytes.
type Hasher struct {
	h    hash.Hash
	size int64
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer. It never returns an error.
func (hs *Hasher) Write(p []byte) (int, error) {
	n, _ := hs.h.Write(p)
	hs.size += int64(n)
	return n, nil
}

// Size returns the number of bytes written so far.
func (hs *Hasher) Size() int64 {
	return hs.size
}

// CID returns the identifier of everything written so far.
func (hs *Hasher) CID() string {
	return fromDigest(hs.h.Sum(nil))
}

// Sum returns the identifier of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return fromDigest(digest[:])
}

// SumReader hashes r to EOF and returns the identifier and byte count.
func SumReader(r io.Reader) (string, int64, error) {
	hs := NewHasher()
	if _, err := io.Copy(hs, r); err != nil {
		return "", hs.Size(), fmt.Errorf("read content: %w", err)
	}
	return hs.CID(), hs.Size(), nil
}

// Parse validates s and returns its canonical CIDv1 string.
// CIDv0 input is upgraded to the equivalent v1 form.
func Parse(s string) (string, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if c.Version() == 0 {
		c = gocid.NewCidV1(c.Type(), c.Hash())
	}
	return c.String(), nil
}

// Verify reports whether data hashes to expected. The expected identifier's
// own prefix (codec, hash function) is used for the recomputation.
func Verify(expected string, data []byte) (bool, error) {
	want, err := gocid.Decode(expected)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalid, expected)
	}
	got, err := want.Prefix().Sum(data)
	if err != nil {
		return false, fmt.Errorf("recompute %s: %w", expected, err)
	}
	return got.Equals(want), nil
}

func fromDigest(digest []byte) string {
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		// sha2-256 digests are always 32 bytes, Encode cannot fail for them.
		panic(fmt.Sprintf("cid: encode multihash: %v", err))
	}
	return gocid.NewCidV1(gocid.Raw, mh.Multihash(encoded)).String()
}
