// Package iohash implements the 160-bit content digest used to address
// documents and blobs: a BLAKE3-256 hash truncated to 20 bytes, carried
// in lower-case hex on the wire.
package iohash

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 20

// HexSize is the length of the canonical hex representation.
const HexSize = Size * 2

// Hash is a truncated BLAKE3 content digest. Two byte sequences with
// equal hashes are treated as identical content.
type Hash [Size]byte

// Zero is the all-zero hash. Never produced by Compute; used as the
// "unset" sentinel.
var Zero Hash

// Compute hashes b.
func Compute(b []byte) Hash {
	sum := blake3.Sum256(b)
	var h Hash
	copy(h[:], sum[:Size])
	return h
}

// ComputeReader hashes everything readable from r and reports the byte
// count consumed.
func ComputeReader(r io.Reader) (Hash, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return Zero, n, fmt.Errorf("iohash: read: %w", err)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil)[:Size])
	return h, n, nil
}

// Parse decodes the canonical 40-character hex form.
func Parse(s string) (Hash, error) {
	if len(s) != HexSize {
		return Zero, fmt.Errorf("iohash: digest is %d hex chars, want %d", len(s), HexSize)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("iohash: parse digest: %w", err)
	}
	var h Hash
	copy(h[:], decoded)
	return h, nil
}

// FromBytes copies a raw 20-byte digest.
func FromBytes(b []byte) (Hash, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("iohash: digest is %d bytes, want %d", len(b), Size)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// String returns the canonical lower-case hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the unset sentinel.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Compare orders hashes lexicographically by raw bytes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}
