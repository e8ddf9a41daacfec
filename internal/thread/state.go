package thread

import (
	"fmt"
	"sort"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
)

// State is the local state a thread carries: token balances and loom
// memberships (an opaque per-loom blob, interpreted only by the owning
// loom contract).
type State struct {
	Balances map[TokenID]*Amount
	Looms    map[LoomID][]byte
}

// NewState returns an empty ThreadState.
func NewState() *State {
	return &State{
		Balances: make(map[TokenID]*Amount),
		Looms:    make(map[LoomID][]byte),
	}
}

// Balance returns the balance for token, zero if absent.
func (s *State) Balance(token TokenID) *Amount {
	if b, ok := s.Balances[token]; ok {
		return new(Amount).Set(b)
	}
	return new(Amount)
}

// HasBalance reports whether the thread holds at least amount of token.
func (s *State) HasBalance(token TokenID, amount *Amount) bool {
	return s.Balance(token).Cmp(amount) >= 0
}

// Debit subtracts amount from token's balance, removing the entry if it
// reaches zero. Returns false (no mutation) if the balance is
// insufficient.
func (s *State) Debit(token TokenID, amount *Amount) bool {
	if !s.HasBalance(token, amount) {
		return false
	}
	remaining := new(Amount).Sub(s.Balance(token), amount)
	if remaining.IsZero() {
		delete(s.Balances, token)
	} else {
		s.Balances[token] = remaining
	}
	return true
}

// Credit adds amount to token's balance. Native-token credits are bounded
// by MaxSupply.
func (s *State) Credit(token TokenID, amount *Amount) error {
	newBalance := new(Amount).Add(s.Balance(token), amount)
	if token == NativeTokenID && newBalance.Cmp(MaxSupply) > 0 {
		return ErrSupplyCapExceeded
	}
	if !newBalance.IsZero() {
		s.Balances[token] = newBalance
	}
	return nil
}

// Encode writes the canonical encoding used to compute StateHash: tokens
// and looms sorted by key so the digest is deterministic regardless of Go
// map iteration order.
func (s *State) Encode(w *codec.Writer) {
	tokens := make([]TokenID, 0, len(s.Balances))
	for t := range s.Balances {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return lessHash(tokens[i], tokens[j]) })
	w.U32(uint32(len(tokens)))
	for _, t := range tokens {
		w.Fixed(t[:])
		b := s.Balances[t].Bytes32()
		w.Fixed(b[:])
	}

	looms := make([]LoomID, 0, len(s.Looms))
	for l := range s.Looms {
		looms = append(looms, l)
	}
	sort.Slice(looms, func(i, j int) bool { return lessHash(looms[i], looms[j]) })
	w.U32(uint32(len(looms)))
	for _, l := range looms {
		w.Fixed(l[:])
		w.Bytes(s.Looms[l])
	}
}

// DecodeState reads a State written by Encode.
func DecodeState(r *codec.Reader) (*State, error) {
	s := NewState()

	numTokens, err := r.U32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numTokens; i++ {
		tb, err := r.Fixed(len(TokenID{}))
		if err != nil {
			return nil, err
		}
		var token TokenID
		copy(token[:], tb)
		ab, err := r.Fixed(32)
		if err != nil {
			return nil, err
		}
		s.Balances[token] = new(Amount).SetBytes32(ab)
	}

	numLooms, err := r.U32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numLooms; i++ {
		lb, err := r.Fixed(len(LoomID{}))
		if err != nil {
			return nil, err
		}
		var loomID LoomID
		copy(loomID[:], lb)
		data, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		s.Looms[loomID] = data
	}

	return s, nil
}

func lessHash(a, b hash.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ComputeStateHash returns BLAKE3 of the canonical encoding of s.
func ComputeStateHash(s *State) hash.Hash {
	w := codec.NewWriter()
	s.Encode(w)
	return hash.Sum(w.Encoded())
}

// ApplyTransfer moves amount of a token from sender to receiver.
func ApplyTransfer(sender, receiver *State, p *TransferPayload) error {
	if p.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if !sender.HasBalance(p.TokenID, p.Amount) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, sender.Balance(p.TokenID), p.Amount)
	}
	sender.Debit(p.TokenID, p.Amount)
	return receiver.Credit(p.TokenID, p.Amount)
}

// debitKey is the (address, token) pair multi-transfer validation tallies
// cumulative debits against.
type debitKey struct {
	addr  Address
	token TokenID
}

// ApplyMultiTransfer applies every sub-transfer in p against states,
// keyed by address. It validates in two phases: first it tallies
// cumulative per-(sender,token) debits across all sub-transfers and
// rejects on overflow or insufficient balance, and only then executes the
// transfers. A single-pass implementation would let a sender overspend by
// splitting one overdraft across several sub-transfers in the same knot.
func ApplyMultiTransfer(states map[Address]*State, p *MultiTransferPayload) error {
	cumulative := make(map[debitKey]*Amount)

	for _, tr := range p.Transfers {
		if tr.Amount.IsZero() {
			return ErrInvalidAmount
		}
		sender, ok := states[tr.From]
		if !ok {
			return fmt.Errorf("%w: %x", ErrThreadNotFound, tr.From)
		}
		if _, ok := states[tr.To]; !ok {
			return fmt.Errorf("%w: %x", ErrThreadNotFound, tr.To)
		}

		key := debitKey{addr: tr.From, token: tr.TokenID}
		prev, ok := cumulative[key]
		if !ok {
			prev = new(Amount)
		}
		total := new(Amount).Add(prev, tr.Amount)
		if total.Lt(prev) {
			return fmt.Errorf("%w: transfer amounts overflow", ErrPayloadInconsistent)
		}
		cumulative[key] = total

		if !sender.HasBalance(tr.TokenID, total) {
			return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, sender.Balance(tr.TokenID), total)
		}
	}

	for _, tr := range p.Transfers {
		sender := states[tr.From]
		if !sender.Debit(tr.TokenID, tr.Amount) {
			panic("thread: debit must succeed after multi-transfer validation")
		}
		receiver := states[tr.To]
		if err := receiver.Credit(tr.TokenID, tr.Amount); err != nil {
			return err
		}
	}
	return nil
}

// ApplyLoomInteraction applies a deposit, withdraw, or state-update
// interaction to state.
func ApplyLoomInteraction(state *State, p *LoomInteractionPayload) error {
	switch p.Type {
	case LoomInteractionDeposit:
		if p.TokenID == nil || p.Amount == nil {
			return fmt.Errorf("%w: deposit requires token_id and amount", ErrPayloadInconsistent)
		}
		if p.Amount.IsZero() {
			return ErrInvalidAmount
		}
		if !state.HasBalance(*p.TokenID, p.Amount) {
			return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, state.Balance(*p.TokenID), p.Amount)
		}
		state.Debit(*p.TokenID, p.Amount)
		if _, ok := state.Looms[p.LoomID]; !ok {
			state.Looms[p.LoomID] = []byte{}
		}
		return nil

	case LoomInteractionWithdraw:
		if _, ok := state.Looms[p.LoomID]; !ok {
			return ErrNotLoomParticipant
		}
		if p.TokenID == nil || p.Amount == nil {
			return fmt.Errorf("%w: withdraw requires token_id and amount", ErrPayloadInconsistent)
		}
		if p.Amount.IsZero() {
			return ErrInvalidAmount
		}
		return state.Credit(*p.TokenID, p.Amount)

	case LoomInteractionStateUpdate:
		if _, ok := state.Looms[p.LoomID]; !ok {
			return ErrNotLoomParticipant
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown loom interaction type", ErrPayloadInconsistent)
	}
}

// ApplyPayload applies a single-pair knot payload (transfer or loom
// interaction) to its sender/receiver states. Multi-transfer payloads
// require ApplyMultiTransfer, since they operate over more than two
// threads.
func ApplyPayload(sender, receiver *State, p KnotPayload) error {
	switch v := p.(type) {
	case *TransferPayload:
		return ApplyTransfer(sender, receiver, v)
	case *MultiTransferPayload:
		return fmt.Errorf("%w: multi-transfer requires ApplyMultiTransfer", ErrPayloadInconsistent)
	case *LoomInteractionPayload:
		return ApplyLoomInteraction(sender, v)
	default:
		return fmt.Errorf("%w: unknown payload type", ErrPayloadInconsistent)
	}
}
