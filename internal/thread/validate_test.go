package thread

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
)

func makeTransferKnot(t *testing.T, senderKey, receiverKey *keys.Keypair, senderAddr, receiverAddr Address, ts Timestamp) *Knot {
	t.Helper()
	senderState := NewState()
	senderState.Credit(NativeTokenID, AmountFromUint64(1000))
	receiverState := NewState()

	payload := &TransferPayload{TokenID: NativeTokenID, Amount: AmountFromUint64(100), From: senderAddr, To: receiverAddr}
	senderAfter := cloneState(senderState)
	receiverAfter := cloneState(receiverState)
	if err := ApplyTransfer(senderAfter, receiverAfter, payload); err != nil {
		t.Fatalf("apply transfer: %v", err)
	}

	k := &Knot{
		KnotType:  "transfer",
		Timestamp: ts,
		BeforeStates: []ParticipantState{
			{ThreadID: senderAddr, PubKey: senderKey.Public, Version: 0, StateHash: ComputeStateHash(senderState)},
			{ThreadID: receiverAddr, PubKey: receiverKey.Public, Version: 0, StateHash: ComputeStateHash(receiverState)},
		},
		AfterStates: []ParticipantState{
			{ThreadID: senderAddr, PubKey: senderKey.Public, Version: 1, StateHash: ComputeStateHash(senderAfter)},
			{ThreadID: receiverAddr, PubKey: receiverKey.Public, Version: 1, StateHash: ComputeStateHash(receiverAfter)},
		},
		Payload: payload,
	}
	k.ID = ComputeKnotID(k)
	k.Signatures = []keys.Signature{
		senderKey.Sign(k.ID[:]),
		receiverKey.Sign(k.ID[:]),
	}
	return k
}

func testContext(ts Timestamp) *ValidationContext {
	return &ValidationContext{
		Versions:            map[Address]Version{},
		StateHashes:         map[Address]hash.Hash{},
		ExpectedAfterHashes: map[Address]hash.Hash{},
		CurrentTime:         ts,
	}
}

func TestValidateKnotHappyPath(t *testing.T) {
	senderKey, _ := keys.Generate()
	receiverKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	receiverAddr := keys.AddressFromPublicKey(receiverKey.Public)

	k := makeTransferKnot(t, senderKey, receiverKey, senderAddr, receiverAddr, 1000)
	ctx := testContext(1000)
	if err := ValidateKnot(k, ctx); err != nil {
		t.Fatalf("expected valid knot, got %v", err)
	}
}

func TestValidateKnotRejectsSingleParticipant(t *testing.T) {
	senderKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	k := &Knot{
		BeforeStates: []ParticipantState{{ThreadID: senderAddr}},
		AfterStates:  []ParticipantState{{ThreadID: senderAddr}},
		Payload:      &TransferPayload{TokenID: NativeTokenID, Amount: AmountFromUint64(1)},
	}
	if err := ValidateKnot(k, testContext(0)); err == nil {
		t.Fatalf("expected insufficient-participants error")
	}
}

func TestValidateKnotRejectsBadSignature(t *testing.T) {
	senderKey, _ := keys.Generate()
	receiverKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	receiverAddr := keys.AddressFromPublicKey(receiverKey.Public)

	k := makeTransferKnot(t, senderKey, receiverKey, senderAddr, receiverAddr, 1000)
	k.Signatures[0][0] ^= 0xFF
	if err := ValidateKnot(k, testContext(1000)); err == nil {
		t.Fatalf("expected signature verification failure")
	}
}

func TestValidateKnotRejectsTamperedID(t *testing.T) {
	senderKey, _ := keys.Generate()
	receiverKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	receiverAddr := keys.AddressFromPublicKey(receiverKey.Public)

	k := makeTransferKnot(t, senderKey, receiverKey, senderAddr, receiverAddr, 1000)
	k.Timestamp = k.Timestamp + 1 // mutate a field covered by the id without recomputing it
	if err := ValidateKnot(k, testContext(1000)); err == nil {
		t.Fatalf("expected knot id mismatch")
	}
}

func TestValidateKnotRejectsFutureTimestamp(t *testing.T) {
	senderKey, _ := keys.Generate()
	receiverKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	receiverAddr := keys.AddressFromPublicKey(receiverKey.Public)

	k := makeTransferKnot(t, senderKey, receiverKey, senderAddr, receiverAddr, 10_000)
	if err := ValidateKnot(k, testContext(1000)); err == nil {
		t.Fatalf("expected timestamp-too-future rejection")
	}
}

func TestValidateKnotRejectsExpired(t *testing.T) {
	senderKey, _ := keys.Generate()
	receiverKey, _ := keys.Generate()
	senderAddr := keys.AddressFromPublicKey(senderKey.Public)
	receiverAddr := keys.AddressFromPublicKey(receiverKey.Public)

	k := makeTransferKnot(t, senderKey, receiverKey, senderAddr, receiverAddr, 1000)
	expiry := Timestamp(999)
	k.Expiry = &expiry
	k.ID = ComputeKnotID(k)
	k.Signatures = []keys.Signature{senderKey.Sign(k.ID[:]), receiverKey.Sign(k.ID[:])}

	if err := ValidateKnot(k, testContext(1000)); err == nil {
		t.Fatalf("expected expired knot to be rejected")
	}
}
