// Package staking tracks validator stakes, bonding periods, and slashing,
// and derives the active validator set consensus proposes and votes from.
package staking

import (
	"errors"
	"fmt"
	"sort"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

var (
	ErrZeroAmount         = errors.New("staking: amount must be positive")
	ErrBelowMinimum       = errors.New("staking: total stake below minimum")
	ErrValidatorNotFound  = errors.New("staking: validator not found")
	ErrInsufficientStake  = errors.New("staking: amount exceeds current stake")
	ErrInvalidSignature   = errors.New("staking: invalid signature")
)

// validatorStake is the mutable per-validator bookkeeping record.
type validatorStake struct {
	pubkey         keys.PublicKey
	address        thread.Address
	stake          *thread.Amount
	pendingAmount  *thread.Amount
	pendingHeight  uint64
	hasPending     bool
}

// State tracks every validator's stake, pending unstakes, and the bonding
// period and minimum stake that gate active-validator membership.
type State struct {
	validators    map[keys.PublicKey]*validatorStake
	order         []keys.PublicKey // insertion order, for deterministic iteration
	bondingPeriod uint64
	minStake      *thread.Amount
}

// New returns a staking State with the given minimum stake and bonding
// period (in blocks).
func New(minStake *thread.Amount, bondingPeriod uint64) *State {
	return &State{
		validators:    make(map[keys.PublicKey]*validatorStake),
		bondingPeriod: bondingPeriod,
		minStake:      minStake,
	}
}

// Stake credits amount to pubkey's stake, registering it as a new
// validator entry if this is its first stake. Fails if the resulting
// total stake is below the minimum.
func (s *State) Stake(pubkey keys.PublicKey, address thread.Address, amount *thread.Amount) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	entry, ok := s.validators[pubkey]
	if !ok {
		entry = &validatorStake{pubkey: pubkey, address: address, stake: thread.AmountFromUint64(0)}
		s.validators[pubkey] = entry
		s.order = append(s.order, pubkey)
	}
	entry.stake = new(thread.Amount).Add(entry.stake, amount)
	if entry.stake.Cmp(s.minStake) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrBelowMinimum, entry.stake, s.minStake)
	}
	return nil
}

// Unstake requests withdrawal of amount from pubkey's stake, maturing
// after the bonding period measured from currentHeight. Multiple pending
// unstakes before maturity accumulate into a single pending entry due at
// the latest requested height.
func (s *State) Unstake(pubkey keys.PublicKey, amount *thread.Amount, currentHeight uint64) error {
	entry, ok := s.validators[pubkey]
	if !ok {
		return ErrValidatorNotFound
	}
	if amount == nil || amount.IsZero() || amount.Cmp(entry.stake) > 0 {
		return fmt.Errorf("%w: requested %s, have %s", ErrInsufficientStake, amount, entry.stake)
	}
	effective := currentHeight + s.bondingPeriod
	if entry.hasPending {
		entry.pendingAmount = new(thread.Amount).Add(entry.pendingAmount, amount)
	} else {
		entry.pendingAmount = new(thread.Amount).Set(amount)
		entry.hasPending = true
	}
	entry.pendingHeight = effective
	return nil
}

// Slash immediately reduces pubkey's stake by slashAmount, saturating at
// zero, and shrinks any pending unstake by the same amount.
func (s *State) Slash(pubkey keys.PublicKey, slashAmount *thread.Amount) error {
	entry, ok := s.validators[pubkey]
	if !ok {
		return ErrValidatorNotFound
	}
	entry.stake = saturatingSub(entry.stake, slashAmount)
	if entry.hasPending {
		newPending := saturatingSub(entry.pendingAmount, slashAmount)
		if newPending.IsZero() {
			entry.hasPending = false
			entry.pendingAmount = nil
		} else {
			entry.pendingAmount = newPending
		}
	}
	return nil
}

// ProcessEpoch matures pending unstakes whose effective height has
// arrived and evicts validators whose stake has fallen below the
// minimum, returning their public keys.
func (s *State) ProcessEpoch(currentHeight uint64) []keys.PublicKey {
	for _, pubkey := range s.order {
		entry := s.validators[pubkey]
		if entry.hasPending && currentHeight >= entry.pendingHeight {
			entry.stake = saturatingSub(entry.stake, entry.pendingAmount)
			entry.hasPending = false
			entry.pendingAmount = nil
		}
	}

	var removed []keys.PublicKey
	remaining := s.order[:0]
	for _, pubkey := range s.order {
		entry := s.validators[pubkey]
		if entry.stake.Cmp(s.minStake) < 0 {
			removed = append(removed, pubkey)
			delete(s.validators, pubkey)
			continue
		}
		remaining = append(remaining, pubkey)
	}
	s.order = remaining
	return removed
}

// Validator is a single member of an active validator set.
type Validator struct {
	PubKey  keys.PublicKey
	Address thread.Address
	Stake   *thread.Amount
	Active  bool
}

// ValidatorSet is the active validator membership used to build quorums
// for block verification and HotStuff voting.
type ValidatorSet struct {
	Validators []Validator
	TotalStake *thread.Amount
	Epoch      uint64
}

// Contains reports whether pubkey is a member of the set.
func (vs *ValidatorSet) Contains(pubkey keys.PublicKey) bool {
	for _, v := range vs.Validators {
		if v.PubKey == pubkey {
			return true
		}
	}
	return false
}

// QuorumSize is the number of validators required for a BFT supermajority:
// floor(2n/3) + 1.
func (vs *ValidatorSet) QuorumSize() int {
	n := len(vs.Validators)
	return (2*n)/3 + 1
}

// Len reports the number of validators in the set.
func (vs *ValidatorSet) Len() int { return len(vs.Validators) }

// ActiveValidators returns the current active validator set, sorted by
// stake descending; validators with equal stake are in no defined order.
// consensus.LeaderRotation re-sorts the set by public key and does not
// depend on this order.
func (s *State) ActiveValidators() *ValidatorSet {
	validators := make([]Validator, 0, len(s.order))
	for _, pubkey := range s.order {
		entry := s.validators[pubkey]
		if entry.stake.Cmp(s.minStake) < 0 {
			continue
		}
		validators = append(validators, Validator{
			PubKey: entry.pubkey, Address: entry.address, Stake: entry.stake, Active: true,
		})
	}
	sort.Slice(validators, func(i, j int) bool {
		return validators[i].Stake.Cmp(validators[j].Stake) > 0
	})
	total := thread.AmountFromUint64(0)
	for _, v := range validators {
		total = new(thread.Amount).Add(total, v.Stake)
	}
	return &ValidatorSet{Validators: validators, TotalStake: total}
}

// IsValidator reports whether pubkey currently meets the minimum stake.
func (s *State) IsValidator(pubkey keys.PublicKey) bool {
	entry, ok := s.validators[pubkey]
	return ok && entry.stake.Cmp(s.minStake) >= 0
}

// ValidatorStake returns pubkey's current stake, if it has one.
func (s *State) ValidatorStake(pubkey keys.PublicKey) (*thread.Amount, bool) {
	entry, ok := s.validators[pubkey]
	if !ok {
		return nil, false
	}
	return entry.stake, true
}

// MinStake returns the minimum stake required to be an active validator.
func (s *State) MinStake() *thread.Amount { return s.minStake }

// BondingPeriod returns the unstake bonding period in blocks.
func (s *State) BondingPeriod() uint64 { return s.bondingPeriod }

// TotalStaked sums the stake of every tracked validator, active or not.
func (s *State) TotalStaked() *thread.Amount {
	total := thread.AmountFromUint64(0)
	for _, pubkey := range s.order {
		total = new(thread.Amount).Add(total, s.validators[pubkey].stake)
	}
	return total
}

func saturatingSub(a, b *thread.Amount) *thread.Amount {
	if a.Cmp(b) < 0 {
		return thread.AmountFromUint64(0)
	}
	return new(thread.Amount).Sub(a, b)
}

// OperationKind distinguishes a stake operation from an unstake operation.
type OperationKind uint8

const (
	OpStake OperationKind = iota
	OpUnstake
)

// Operation is a signed request to stake or unstake tokens, submitted
// through the mempool and applied during epoch processing.
type Operation struct {
	Kind      OperationKind
	PubKey    keys.PublicKey
	Address   thread.Address
	Amount    *thread.Amount
	Timestamp thread.Timestamp
	Signature keys.Signature
}

// SigningData returns the canonical preimage an Operation's Signature is
// computed over: BLAKE3(pubkey || amount_le || timestamp_le || kind_tag),
// with the amount written as 32 little-endian bytes.
func (op *Operation) SigningData() []byte {
	w := codec.NewWriter()
	w.Fixed(op.PubKey[:])
	amountBE := op.Amount.Bytes32()
	var amountLE [32]byte
	for i := range amountBE {
		amountLE[i] = amountBE[len(amountBE)-1-i]
	}
	w.Fixed(amountLE[:])
	w.U64(op.Timestamp)
	if op.Kind == OpStake {
		w.Bytes([]byte("stake"))
	} else {
		w.Bytes([]byte("unstake"))
	}
	return w.Encoded()
}

// Encode writes the full canonical encoding of an Operation, the form
// carried inside a mempool.StakeOperation's opaque Payload.
func (op *Operation) Encode(w *codec.Writer) {
	w.U8(uint8(op.Kind))
	w.Fixed(op.PubKey[:])
	w.Fixed(op.Address[:])
	amountBytes := op.Amount.Bytes32()
	w.Fixed(amountBytes[:])
	w.U64(op.Timestamp)
	w.Fixed(op.Signature[:])
}

// DecodeOperation reads an Operation written by Encode.
func DecodeOperation(r *codec.Reader) (*Operation, error) {
	kindByte, err := r.U8()
	if err != nil {
		return nil, err
	}
	op := &Operation{Kind: OperationKind(kindByte)}
	pub, err := r.Fixed(len(op.PubKey))
	if err != nil {
		return nil, err
	}
	copy(op.PubKey[:], pub)
	addr, err := r.Fixed(len(op.Address))
	if err != nil {
		return nil, err
	}
	copy(op.Address[:], addr)
	amountBytes, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	op.Amount = new(thread.Amount).SetBytes32(amountBytes)
	if op.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	sig, err := r.Fixed(len(op.Signature))
	if err != nil {
		return nil, err
	}
	copy(op.Signature[:], sig)
	return op, nil
}

// Hash returns the BLAKE3 digest of the Operation's signing data, used as
// its mempool dedup key.
func (op *Operation) Hash() hash.Hash {
	return hash.Sum(op.SigningData())
}

// Validate checks a stake/unstake operation's signature and its
// consistency with the given staking State.
func Validate(op *Operation, s *State) error {
	digest := hash.Sum(op.SigningData())
	if !keys.Verify(op.PubKey, digest[:], op.Signature) {
		return ErrInvalidSignature
	}
	if op.Amount == nil || op.Amount.IsZero() {
		return ErrZeroAmount
	}
	switch op.Kind {
	case OpStake:
		if _, exists := s.ValidatorStake(op.PubKey); !exists && op.Amount.Cmp(s.minStake) < 0 {
			return fmt.Errorf("%w: initial stake %s below minimum %s", ErrBelowMinimum, op.Amount, s.minStake)
		}
		return nil
	case OpUnstake:
		current, exists := s.ValidatorStake(op.PubKey)
		if !exists {
			return ErrValidatorNotFound
		}
		if op.Amount.Cmp(current) > 0 {
			return fmt.Errorf("%w: requested %s, have %s", ErrInsufficientStake, op.Amount, current)
		}
		return nil
	default:
		return fmt.Errorf("staking: unknown operation kind %d", op.Kind)
	}
}
