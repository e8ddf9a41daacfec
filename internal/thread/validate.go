package thread

import (
	"fmt"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
)

// ValidationContext supplies the external facts (current thread versions
// and state hashes, the post-payload state each after-entry must match,
// wall-clock time) a knot is checked against. Lookups by thread_id that
// find no entry are skipped rather than treated as failures: a
// ValidationContext need not describe every participant.
type ValidationContext struct {
	Versions              map[Address]Version
	StateHashes           map[Address]hash.Hash
	ExpectedAfterHashes    map[Address]hash.Hash
	CurrentTime            Timestamp
	PreviousKnotTimestamp  Timestamp // 0 means "no previous knot"
}

// ValidateKnot runs the pre-checks and all nine ordered rules, returning
// the first failure.
func ValidateKnot(k *Knot, ctx *ValidationContext) error {
	if len(k.BeforeStates) < 2 {
		return fmt.Errorf("%w: required at least 2, got %d", ErrInsufficientParticipants, len(k.BeforeStates))
	}
	if len(k.BeforeStates) != len(k.AfterStates) {
		return fmt.Errorf("%w: before=%d after=%d", ErrParticipantCountMismatch, len(k.BeforeStates), len(k.AfterStates))
	}

	if err := validateSignatures(k); err != nil {
		return err
	}
	if err := validateKnotID(k); err != nil {
		return err
	}
	if err := validateBeforeVersions(k, ctx); err != nil {
		return err
	}
	if err := validateAfterVersions(k); err != nil {
		return err
	}
	if err := validateBeforeStateHashes(k, ctx); err != nil {
		return err
	}
	if err := validateAfterStateHashes(k, ctx); err != nil {
		return err
	}
	if err := validatePayloadConsistency(k); err != nil {
		return err
	}
	if err := validateTimestamp(k, ctx); err != nil {
		return err
	}
	if err := validateExpiry(k, ctx); err != nil {
		return err
	}
	return nil
}

// Rule 1: one signature per before-state, each verified against that
// participant's pubkey over the knot id.
func validateSignatures(k *Knot) error {
	if len(k.Signatures) != len(k.BeforeStates) {
		return fmt.Errorf("%w: signer index 0", ErrInvalidSignature)
	}
	for i, participant := range k.BeforeStates {
		if !keys.Verify(participant.PubKey, k.ID[:], k.Signatures[i]) {
			return fmt.Errorf("%w: signer index %d", ErrInvalidSignature, i)
		}
	}
	return nil
}

// Rule 2: recompute the knot id and compare.
func validateKnotID(k *Knot) error {
	computed := ComputeKnotID(k)
	if computed != k.ID {
		return fmt.Errorf("%w: expected %x, got %x", ErrKnotIDMismatch, computed, k.ID)
	}
	return nil
}

// Rule 3: each before-state's version matches the context's current
// version for that thread, when the context has an entry for it.
func validateBeforeVersions(k *Knot, ctx *ValidationContext) error {
	for i, participant := range k.BeforeStates {
		expected, ok := ctx.Versions[participant.ThreadID]
		if !ok {
			continue
		}
		if participant.Version != expected {
			return fmt.Errorf("%w: participant %d expected %d, got %d", ErrVersionMismatch, i, expected, participant.Version)
		}
	}
	return nil
}

// Rule 4: each after-state's version equals before + 1.
func validateAfterVersions(k *Knot) error {
	for i := range k.BeforeStates {
		before := k.BeforeStates[i].Version
		after := k.AfterStates[i].Version
		expected := before + 1
		if expected < before {
			return ErrVersionOverflow
		}
		if after != expected {
			return fmt.Errorf("%w: participant %d expected %d, got %d", ErrVersionMismatch, i, expected, after)
		}
	}
	return nil
}

// Rule 5: each before-state's state hash matches the context, when known.
func validateBeforeStateHashes(k *Knot, ctx *ValidationContext) error {
	for i, participant := range k.BeforeStates {
		expected, ok := ctx.StateHashes[participant.ThreadID]
		if !ok {
			continue
		}
		if participant.StateHash != expected {
			return fmt.Errorf("%w: participant %d", ErrStateHashMismatch, i)
		}
	}
	return nil
}

// Rule 6: each after-state's state hash matches the recomputed
// post-payload state, when known.
func validateAfterStateHashes(k *Knot, ctx *ValidationContext) error {
	for i, participant := range k.AfterStates {
		expected, ok := ctx.ExpectedAfterHashes[participant.ThreadID]
		if !ok {
			continue
		}
		if participant.StateHash != expected {
			return fmt.Errorf("%w: participant %d", ErrStateHashMismatch, i)
		}
	}
	return nil
}

// Rule 7: payload-kind-specific consistency checks.
func validatePayloadConsistency(k *Knot) error {
	switch p := k.Payload.(type) {
	case *TransferPayload:
		if p.Amount == nil || p.Amount.IsZero() {
			return ErrInvalidAmount
		}
		if len(p.Memo) > MaxMemoSize {
			return fmt.Errorf("%w: memo too large: %d > %d", ErrPayloadInconsistent, len(p.Memo), MaxMemoSize)
		}
		return validateTransferParticipants(p.From, p.To, k)

	case *MultiTransferPayload:
		if len(p.Transfers) == 0 {
			return fmt.Errorf("%w: multi-transfer has no transfers", ErrPayloadInconsistent)
		}
		if len(p.Transfers) > MaxMultiTransfers {
			return fmt.Errorf("%w: too many transfers: %d > %d", ErrPayloadInconsistent, len(p.Transfers), MaxMultiTransfers)
		}
		for _, tr := range p.Transfers {
			if tr.Amount == nil || tr.Amount.IsZero() {
				return ErrInvalidAmount
			}
		}
		return nil

	case *LoomInteractionPayload:
		switch p.Type {
		case LoomInteractionDeposit, LoomInteractionWithdraw:
			if p.TokenID == nil || p.Amount == nil {
				return fmt.Errorf("%w: deposit/withdraw requires token_id and amount", ErrPayloadInconsistent)
			}
			if p.Amount.IsZero() {
				return ErrInvalidAmount
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown payload kind", ErrPayloadInconsistent)
	}
}

func validateTransferParticipants(from, to Address, k *Knot) error {
	hasFrom, hasTo := false, false
	for _, p := range k.BeforeStates {
		if p.ThreadID == from {
			hasFrom = true
		}
		if p.ThreadID == to {
			hasTo = true
		}
	}
	if !hasFrom || !hasTo {
		return fmt.Errorf("%w: transfer from/to must be knot participants", ErrPayloadInconsistent)
	}
	return nil
}

// Rule 8: timestamp bounds relative to current time and, if known, the
// previous knot's timestamp.
func validateTimestamp(k *Knot, ctx *ValidationContext) error {
	maxAllowed := ctx.CurrentTime + MaxTimestampDrift
	if k.Timestamp > maxAllowed {
		return fmt.Errorf("%w: timestamp %d exceeds max allowed %d", ErrTimestampTooFuture, k.Timestamp, maxAllowed)
	}
	if ctx.PreviousKnotTimestamp > 0 && k.Timestamp < ctx.PreviousKnotTimestamp {
		return fmt.Errorf("%w: timestamp %d before previous %d", ErrTimestampBeforePrevious, k.Timestamp, ctx.PreviousKnotTimestamp)
	}
	return nil
}

// Rule 9: if set, Expiry must not have passed.
func validateExpiry(k *Knot, ctx *ValidationContext) error {
	if k.Expiry != nil && ctx.CurrentTime >= *k.Expiry {
		return fmt.Errorf("%w: expired at %d, current %d", ErrKnotExpired, *k.Expiry, ctx.CurrentTime)
	}
	return nil
}

// BuildTransferContext constructs the ValidationContext for a two-party
// transfer knot: the sender and receiver's current versions and state
// hashes, plus the state hashes each side will have after the transfer is
// applied.
func BuildTransferContext(
	senderID Address, senderVersion Version, senderState *State,
	receiverID Address, receiverVersion Version, receiverState *State,
	payload *TransferPayload, currentTime, previousKnotTimestamp Timestamp,
) (*ValidationContext, error) {
	senderAfter := cloneState(senderState)
	receiverAfter := cloneState(receiverState)
	if err := ApplyTransfer(senderAfter, receiverAfter, payload); err != nil {
		return nil, err
	}

	return &ValidationContext{
		Versions: map[Address]Version{
			senderID:   senderVersion,
			receiverID: receiverVersion,
		},
		StateHashes: map[Address]hash.Hash{
			senderID:   ComputeStateHash(senderState),
			receiverID: ComputeStateHash(receiverState),
		},
		ExpectedAfterHashes: map[Address]hash.Hash{
			senderID:   ComputeStateHash(senderAfter),
			receiverID: ComputeStateHash(receiverAfter),
		},
		CurrentTime:           currentTime,
		PreviousKnotTimestamp: previousKnotTimestamp,
	}, nil
}

func cloneState(s *State) *State {
	clone := NewState()
	for k, v := range s.Balances {
		clone.Balances[k] = new(Amount).Set(v)
	}
	for k, v := range s.Looms {
		b := make([]byte, len(v))
		copy(b, v)
		clone.Looms[k] = b
	}
	return clone
}
