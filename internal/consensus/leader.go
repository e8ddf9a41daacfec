package consensus

import (
	"bytes"
	"sort"

	"norn.network/weave/internal/keys"
)

// LeaderRotation determines which validator leads a given view. For V1
// this is a simple deterministic round-robin over the validator set,
// sorted by public key so every node derives the same order without
// needing to agree on anything beyond the validator set itself.
//
// TODO: weight rotation by stake once large disparities in stake make
// round-robin an easy target for a low-stake validator to stall.
type LeaderRotation struct {
	validators []keys.PublicKey
}

// NewLeaderRotation builds a rotation over validators, sorted
// deterministically by public key bytes.
func NewLeaderRotation(validators []keys.PublicKey) *LeaderRotation {
	sorted := make([]keys.PublicKey, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return &LeaderRotation{validators: sorted}
}

// LeaderForView returns the validator that leads view, or false if the
// rotation has no validators.
func (r *LeaderRotation) LeaderForView(view uint64) (keys.PublicKey, bool) {
	if len(r.validators) == 0 {
		return keys.PublicKey{}, false
	}
	idx := int(view % uint64(len(r.validators)))
	return r.validators[idx], true
}

// IsLeader reports whether pubkey leads view.
func (r *LeaderRotation) IsLeader(view uint64, pubkey keys.PublicKey) bool {
	leader, ok := r.LeaderForView(view)
	return ok && leader == pubkey
}

// Len reports how many validators participate in the rotation.
func (r *LeaderRotation) Len() int { return len(r.validators) }
