// Package sha256 digests artifacts as they are streamed to storage.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Digest accumulates a SHA-256 sum over everything written to it.
type Digest struct {
	h hash.Hash
	n int64
}

// New returns an empty digest.
func New() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds p into the sum. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.n += int64(n)
	return n, nil
}

// Reader wraps r so every byte read through it is digested.
func (d *Digest) Reader(r io.Reader) io.Reader {
	return io.TeeReader(r, d)
}

// Sum returns the hex digest of the bytes seen so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size is the number of bytes digested.
func (d *Digest) Size() int64 {
	return d.n
}

// Bytes hashes data in one shot.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
