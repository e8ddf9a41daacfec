package smt

import "norn.network/weave/internal/hash"

// fxSeed is FxHasher's multiplicative constant — the odd 64-bit integer
// nearest 2^64/π, chosen so repeated multiply-rotate-xor
// mixing spreads bits evenly for already-uniform inputs (our keys are
// themselves BLAKE3 outputs, so no collision-resistance is needed here,
// only speed).
const fxSeed uint64 = 0x51_7c_c1_b7_27_22_0a_95

func fxRotate(v uint64) uint64 {
	return (v << 5) | (v >> 59)
}

// fxMix folds one 64-bit word into the running hash state the way
// FxHasher's write_u64 does: rotate-left-5, xor the new word, multiply by
// the seed.
func fxMix(state, word uint64) uint64 {
	return (fxRotate(state) ^ word) * fxSeed
}

// fxHashKey mixes a 32-byte node-cache key (itself a BLAKE3 digest, so
// already uniform) down to a single uint64 bucket index seed.
func fxHashKey(k hash.Hash) uint64 {
	state := uint64(0)
	for i := 0; i < hash.Size; i += 8 {
		var word uint64
		for j := 0; j < 8; j++ {
			word |= uint64(k[i+j]) << (8 * j)
		}
		state = fxMix(state, word)
	}
	return state
}

type fxEntry struct {
	key   hash.Hash
	value hash.Hash
	used  bool
}

// fxMap is a small open-addressing hash table keyed by hash.Hash, using
// fxHashKey instead of Go's built-in (cryptographically-hardened) map
// hasher. It backs one per-depth node cache in the sparse Merkle tree.
type fxMap struct {
	buckets []fxEntry
	count   int
}

func newFxMap() *fxMap {
	return &fxMap{buckets: make([]fxEntry, 16)}
}

func (m *fxMap) indexFor(k hash.Hash, buckets []fxEntry) int {
	mask := uint64(len(buckets) - 1)
	idx := fxHashKey(k) & mask
	for {
		e := &buckets[idx]
		if !e.used || e.key == k {
			return int(idx)
		}
		idx = (idx + 1) & mask
	}
}

func (m *fxMap) grow() {
	old := m.buckets
	m.buckets = make([]fxEntry, len(old)*2)
	for _, e := range old {
		if !e.used {
			continue
		}
		idx := m.indexFor(e.key, m.buckets)
		m.buckets[idx] = e
	}
}

// Get returns the stored value and whether k was present.
func (m *fxMap) Get(k hash.Hash) (hash.Hash, bool) {
	if len(m.buckets) == 0 {
		return hash.Zero, false
	}
	idx := m.indexFor(k, m.buckets)
	e := m.buckets[idx]
	return e.value, e.used
}

// GetOr returns the stored value for k, or def if absent.
func (m *fxMap) GetOr(k hash.Hash, def hash.Hash) hash.Hash {
	if v, ok := m.Get(k); ok {
		return v
	}
	return def
}

// Set stores value for k, growing the table if load factor exceeds 0.7.
func (m *fxMap) Set(k hash.Hash, value hash.Hash) {
	if len(m.buckets) == 0 {
		m.buckets = make([]fxEntry, 16)
	}
	if (m.count+1)*10 >= len(m.buckets)*7 {
		m.grow()
	}
	idx := m.indexFor(k, m.buckets)
	if !m.buckets[idx].used {
		m.count++
	}
	m.buckets[idx] = fxEntry{key: k, value: value, used: true}
}
