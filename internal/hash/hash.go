// Package hash provides the weave's single hashing primitive: BLAKE3 over
// 32-byte digests, with the domain-separation prefixes used by the sparse
// Merkle tree and the knot/block signing payloads.
package hash

import (
	"lukechampine.com/blake3"
)

// Size is the byte length of every Hash in the system.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// Zero is the all-zero hash, used as the empty-leaf and empty-internal
// value in the sparse Merkle tree and as the "no previous" sentinel for
// commitment chains.
var Zero = Hash{}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns h as a freshly allocated byte slice.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// Sum returns the BLAKE3-256 digest of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// FromBytes copies b (which must be exactly Size bytes) into a Hash.
func FromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

const (
	leafPrefix     byte = 0x00
	internalPrefix byte = 0x01
)

// Leaf computes BLAKE3(0x00 || key || valueHash), the sparse Merkle tree's
// leaf hash.
func Leaf(key Hash, valueHash Hash) Hash {
	buf := make([]byte, 1+Size+Size)
	buf[0] = leafPrefix
	copy(buf[1:], key[:])
	copy(buf[1+Size:], valueHash[:])
	return Sum(buf)
}

// Internal computes BLAKE3(0x01 || left || right), the sparse Merkle tree's
// internal-node hash.
func Internal(left Hash, right Hash) Hash {
	buf := make([]byte, 1+Size+Size)
	buf[0] = internalPrefix
	copy(buf[1:], left[:])
	copy(buf[1+Size:], right[:])
	return Sum(buf)
}
