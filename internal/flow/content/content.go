// Package content stores flow record payloads as claims referenced by id.
// Records carry only the claim; the bytes live in a Repository.
package content

import (
	"encoding/hex"
	"errors"
	"io"

	"github.com/zeebo/blake3"
)

var (
	ErrUnavailable = errors.New("content: claim unavailable")
	ErrCorrupt     = errors.New("content: digest mismatch")
	ErrClosed      = errors.New("content: repository closed")
	ErrFinished    = errors.New("content: writer already finished")
)

// Digest is the BLAKE3 sum of a claim's uncompressed bytes.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	return Digest(blake3.Sum256(b))
}

// Claim references one immutable piece of content.
type Claim struct {
	ID     string
	Size   int64
	Digest Digest
}

// IsZero reports whether c references no stored content.
func (c Claim) IsZero() bool { return c.ID == "" }

// Writer stages new content. Finish makes it readable under the returned
// claim; Discard drops it.
type Writer interface {
	io.Writer
	Finish() (Claim, error)
	Discard() error
}

// Repository owns claim storage. Each claim has a single owner that calls
// Release once it no longer references it.
type Repository interface {
	NewWriter() (Writer, error)
	Open(claim Claim) (io.ReadCloser, error)
	Release(claim Claim) error
	Len() int
	Close() error
}
