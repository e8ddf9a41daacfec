package block

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

func makeValidatorSet(t *testing.T, keypairs ...*keys.Keypair) *staking.ValidatorSet {
	t.Helper()
	var vs []staking.Validator
	for _, kp := range keypairs {
		vs = append(vs, staking.Validator{PubKey: kp.Public, Stake: thread.AmountFromUint64(1000), Active: true})
	}
	return &staking.ValidatorSet{Validators: vs, TotalStake: thread.AmountFromUint64(uint64(len(vs)) * 1000)}
}

func TestBuildAndVerifyBlock(t *testing.T) {
	kp, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)

	if b.Height != 1 {
		t.Fatalf("expected height 1, got %d", b.Height)
	}
	if b.Hash == hash.Zero {
		t.Fatalf("expected non-zero block hash")
	}
	if len(b.ValidatorSignatures) != 1 {
		t.Fatalf("expected 1 validator signature, got %d", len(b.ValidatorSignatures))
	}

	vs := makeValidatorSet(t, kp)
	if err := Verify(b, vs); err != nil {
		t.Fatalf("expected valid block, got %v", err)
	}
}

func TestBlockHashDeterministic(t *testing.T) {
	kp, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)
	if ComputeHash(b) != ComputeHash(b) {
		t.Fatalf("expected deterministic block hash")
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	kp, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)
	b.Hash[0] ^= 0xFF

	vs := makeValidatorSet(t, kp)
	if err := Verify(b, vs); err == nil {
		t.Fatalf("expected tampered hash to be rejected")
	}
}

func TestVerifyRejectsNonValidatorProposer(t *testing.T) {
	kp, _ := keys.Generate()
	other, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)

	vs := makeValidatorSet(t, other)
	if err := Verify(b, vs); err == nil {
		t.Fatalf("expected non-validator proposer to be rejected")
	}
}

func TestMerkleRootsReflectContents(t *testing.T) {
	kp, _ := keys.Generate()
	commitment := &thread.CommitmentUpdate{ThreadID: thread.Address{1}, Version: 1}
	contents := mempool.BlockContents{Commitments: []*thread.CommitmentUpdate{commitment}}
	b := Build(hash.Zero, 0, contents, kp, 1000)

	if b.CommitmentsRoot == hash.Zero {
		t.Fatalf("expected non-zero commitments root")
	}
}

func TestVerifyRejectsOversizedBlock(t *testing.T) {
	kp, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)
	vs := makeValidatorSet(t, kp)

	for i := 0; i <= MaxCommitmentsPerBlock; i++ {
		b.Commitments = append(b.Commitments, &thread.CommitmentUpdate{Version: thread.Version(i)})
	}

	if err := Verify(b, vs); err == nil {
		t.Fatalf("expected oversized block to be rejected")
	}
}

func TestVerifyRejectsInsufficientQuorum(t *testing.T) {
	kp, _ := keys.Generate()
	other, _ := keys.Generate()
	b := Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)

	vs := makeValidatorSet(t, kp, other, other)
	if err := Verify(b, vs); err == nil {
		t.Fatalf("expected single signature to fail a 2-validator-plus quorum")
	}
}
