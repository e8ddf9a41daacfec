package thread

import (
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
)

// Thread is a per-account local chain: its address, owning public key,
// monotonic version, current state, and any knots accumulated but not yet
// committed. Version always equals the number of knots applied so far.
type Thread struct {
	Addr                  Address
	OwnerPubKey           PublicKey
	Version               Version
	State                 *State
	PendingKnots          []*Knot
	LastCommittedHeader   hash.Hash
}

// NewThread returns a freshly registered thread at version 0 with empty
// state.
func NewThread(addr Address, owner PublicKey) *Thread {
	return &Thread{
		Addr:        addr,
		OwnerPubKey: owner,
		Version:     0,
		State:       NewState(),
	}
}

// Registration is the signed, idempotent operation that creates a thread.
type Registration struct {
	ThreadID  Address
	PubKey    PublicKey
	Timestamp Timestamp
	Signature keys.Signature
}

// SigningData returns the canonical preimage a Registration's Signature is
// computed over: BLAKE3(thread_id || pubkey || timestamp_le).
func (r *Registration) SigningData() []byte {
	w := codec.NewWriter()
	w.Fixed(r.ThreadID[:])
	w.Fixed(r.PubKey[:])
	w.U64(r.Timestamp)
	return w.Encoded()
}

// Verify checks the registration's signature against its own pubkey.
func (r *Registration) Verify() bool {
	digest := hash.Sum(r.SigningData())
	return keys.Verify(r.PubKey, digest[:], r.Signature)
}

// Encode writes the full canonical encoding of a Registration, signature
// included.
func (r *Registration) Encode(w *codec.Writer) {
	w.Fixed(r.ThreadID[:])
	w.Fixed(r.PubKey[:])
	w.U64(r.Timestamp)
	w.Fixed(r.Signature[:])
}

// DecodeRegistration reads a Registration written by Encode.
func DecodeRegistration(r *codec.Reader) (*Registration, error) {
	reg := &Registration{}
	tb, err := r.Fixed(len(reg.ThreadID))
	if err != nil {
		return nil, err
	}
	copy(reg.ThreadID[:], tb)
	pb, err := r.Fixed(len(reg.PubKey))
	if err != nil {
		return nil, err
	}
	copy(reg.PubKey[:], pb)
	if reg.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	sb, err := r.Fixed(len(reg.Signature))
	if err != nil {
		return nil, err
	}
	copy(reg.Signature[:], sb)
	return reg, nil
}

// CommitmentUpdate is a thread's signed declaration that it has reached a
// given (version, state hash) after applying one or more knots.
type CommitmentUpdate struct {
	ThreadID           Address
	Owner              PublicKey
	Version            Version
	StateHash          hash.Hash
	PrevCommitmentHash hash.Hash
	KnotCount          uint64
	Timestamp          Timestamp
	Signature          keys.Signature
}

// SigningData returns the canonical preimage a CommitmentUpdate's
// Signature is computed over.
func (c *CommitmentUpdate) SigningData() []byte {
	w := codec.NewWriter()
	w.Fixed(c.ThreadID[:])
	w.Fixed(c.Owner[:])
	w.U64(c.Version)
	w.Fixed(c.StateHash[:])
	w.Fixed(c.PrevCommitmentHash[:])
	w.U64(c.KnotCount)
	w.U64(c.Timestamp)
	return w.Encoded()
}

// Verify checks the commitment's signature against its own owner key.
func (c *CommitmentUpdate) Verify() bool {
	digest := hash.Sum(c.SigningData())
	return keys.Verify(c.Owner, digest[:], c.Signature)
}

// Encode writes the full canonical encoding of a CommitmentUpdate, the
// form inserted into the block's commitments Merkle tree and into the SMT
// of thread commitments the weave engine maintains.
func (c *CommitmentUpdate) Encode(w *codec.Writer) {
	w.Fixed(c.ThreadID[:])
	w.Fixed(c.Owner[:])
	w.U64(c.Version)
	w.Fixed(c.StateHash[:])
	w.Fixed(c.PrevCommitmentHash[:])
	w.U64(c.KnotCount)
	w.U64(c.Timestamp)
	w.Fixed(c.Signature[:])
}

// DecodeCommitmentUpdate reads a CommitmentUpdate written by Encode.
func DecodeCommitmentUpdate(r *codec.Reader) (*CommitmentUpdate, error) {
	c := &CommitmentUpdate{}
	tb, err := r.Fixed(len(c.ThreadID))
	if err != nil {
		return nil, err
	}
	copy(c.ThreadID[:], tb)
	ob, err := r.Fixed(len(c.Owner))
	if err != nil {
		return nil, err
	}
	copy(c.Owner[:], ob)
	if c.Version, err = r.U64(); err != nil {
		return nil, err
	}
	sh, err := r.Fixed(len(c.StateHash))
	if err != nil {
		return nil, err
	}
	copy(c.StateHash[:], sh)
	ph, err := r.Fixed(len(c.PrevCommitmentHash))
	if err != nil {
		return nil, err
	}
	copy(c.PrevCommitmentHash[:], ph)
	if c.KnotCount, err = r.U64(); err != nil {
		return nil, err
	}
	if c.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	sb, err := r.Fixed(len(c.Signature))
	if err != nil {
		return nil, err
	}
	copy(c.Signature[:], sb)
	return c, nil
}
