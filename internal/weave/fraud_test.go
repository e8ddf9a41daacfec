package weave

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/monitor"
	"norn.network/weave/internal/thread"
)

func TestApplyFraudProofSlashesConfirmedStaleCommit(t *testing.T) {
	e, validatorKey := newTestEngine(t)
	threadID := keys.AddressFromPublicKey(validatorKey.Public)

	commitment := &thread.CommitmentUpdate{
		ThreadID:  threadID,
		Owner:     validatorKey.Public,
		Version:   3,
		Timestamp: 1000,
	}
	digest := hash.Sum(commitment.SigningData())
	commitment.Signature = validatorKey.Sign(digest[:])

	// newTestEngine stakes exactly DefaultFraudSlashAmount; top the
	// validator up so one slash leaves it above the minimum stake and
	// ProcessEpoch keeps it.
	if err := e.staking.Stake(validatorKey.Public, threadID, thread.AmountFromUint64(10_000)); err != nil {
		t.Fatalf("top up validator stake: %v", err)
	}

	proof := &monitor.FraudProof{
		Kind:            monitor.ProofStaleCommit,
		ThreadID:        threadID,
		Commitment:      commitment,
		ExpectedVersion: 10,
		ActualVersion:   3,
	}
	submitter, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate submitter keypair: %v", err)
	}
	sub, err := monitor.SignFraudProof(proof, submitter, 2000)
	if err != nil {
		t.Fatalf("sign fraud proof: %v", err)
	}

	before, ok := e.staking.ValidatorStake(validatorKey.Public)
	if !ok {
		t.Fatal("expected validator to already be staked")
	}

	if err := e.SubmitFraudProof(sub.ToMempoolFraudProof()); err != nil {
		t.Fatalf("submit fraud proof: %v", err)
	}
	if b := e.ProduceBlock(2); b == nil {
		t.Fatal("expected a produced block")
	}

	after, ok := e.staking.ValidatorStake(validatorKey.Public)
	if !ok {
		t.Fatal("expected validator to still be staked after slashing")
	}
	if after.Cmp(before) >= 0 {
		t.Fatalf("expected stake to decrease after a confirmed fraud proof, before=%s after=%s", before, after)
	}
	want := new(thread.Amount).Sub(before, DefaultFraudSlashAmount)
	if after.Cmp(want) != 0 {
		t.Fatalf("expected stake reduced by exactly the slash amount, want %s got %s", want, after)
	}
}

func TestApplyFraudProofIgnoresInvalidEvidence(t *testing.T) {
	e, validatorKey := newTestEngine(t)
	threadID := keys.AddressFromPublicKey(validatorKey.Public)

	// A commitment with a tampered signature never validates, so the
	// proof should be dropped without touching stake.
	commitment := &thread.CommitmentUpdate{
		ThreadID:  threadID,
		Owner:     validatorKey.Public,
		Version:   3,
		Timestamp: 1000,
	}
	proof := &monitor.FraudProof{
		Kind:            monitor.ProofStaleCommit,
		ThreadID:        threadID,
		Commitment:      commitment,
		ExpectedVersion: 10,
		ActualVersion:   3,
	}
	submitter, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate submitter keypair: %v", err)
	}
	sub, err := monitor.SignFraudProof(proof, submitter, 2000)
	if err != nil {
		t.Fatalf("sign fraud proof: %v", err)
	}

	before, ok := e.staking.ValidatorStake(validatorKey.Public)
	if !ok {
		t.Fatal("expected validator to already be staked")
	}

	if err := e.SubmitFraudProof(sub.ToMempoolFraudProof()); err != nil {
		t.Fatalf("submit fraud proof: %v", err)
	}
	if b := e.ProduceBlock(2); b == nil {
		t.Fatal("expected a produced block")
	}

	after, ok := e.staking.ValidatorStake(validatorKey.Public)
	if !ok {
		t.Fatal("expected validator to still be staked")
	}
	if after.Cmp(before) != 0 {
		t.Fatalf("expected stake unchanged for an unsigned commitment, before=%s after=%s", before, after)
	}
}
