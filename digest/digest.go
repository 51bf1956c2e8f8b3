// Package digest computes the subtree digests and key levels that make the
// Merkle Search Tree history-independent. Every hash in this package is a
// BLAKE3-256 output; nothing here ever reaches for the size or insertion
// order of a node.
package digest

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Size is the fixed width, in bytes, of a Digest.
const Size = 32

// Digest is a 32-byte cryptographic hash covering a subtree's level, its
// keys and values, and its children's digests.
type Digest [Size]byte

// Zero is the digest of the empty tree.
var Zero = Digest{}

// IsZero reports whether d is the empty-tree digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// String renders the digest as lowercase hex, for logging and CLI output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// FromBytes copies up to Size bytes of b into a Digest, left-aligned and
// zero-padded. It never errors: callers that need strict-length validation
// should check len(b) themselves first.
func FromBytes(b []byte) Digest {
	var d Digest
	copy(d[:], b)
	return d
}

// Hasher accumulates the fields that make up a node's digest: level, key
// count, then per child/key/value. It is a thin wrapper over blake3.Hasher
// so callers never touch the underlying library directly.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh digest accumulator.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// WriteUint32 writes a fixed-width little-endian uint32 (used for level).
func (h *Hasher) WriteUint32(v uint32) {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	h.h.Write(buf[:])
}

// WriteUint64 writes a fixed-width little-endian uint64 (used for key
// count and length prefixes).
func (h *Hasher) WriteUint64(v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.h.Write(buf[:])
}

// WriteDigest folds in a child's digest.
func (h *Hasher) WriteDigest(d Digest) {
	h.h.Write(d[:])
}

// WriteFramed writes a length-prefixed byte slice: an 8-byte little-endian
// length followed by the bytes themselves. Used for the encoded key and
// value bytes folded into a node's digest.
func (h *Hasher) WriteFramed(b []byte) {
	h.WriteUint64(uint64(len(b)))
	h.h.Write(b)
}

// Sum finalizes the digest.
func (h *Hasher) Sum() Digest {
	var out Digest
	sum := h.h.Sum(nil)
	copy(out[:], sum)
	return out
}

// Level derives the canonical height of a key from its stably-encoded
// bytes: the number of leading hex zeros of hash(encodedKey), counting 2
// per all-zero byte and, if the terminating byte's high nibble is zero, one
// more, then stopping. The stopping rule must match bit-exactly across
// readers and writers of the same store, or two nodes holding identical
// keys would disagree on where those keys belong.
func Level(encodedKey []byte) uint32 {
	sum := blake3.Sum256(encodedKey)
	var level uint32
	for _, b := range sum {
		if b == 0 {
			level += 2
			continue
		}
		if b&0xF0 == 0 {
			level++
		}
		break
	}
	return level
}
