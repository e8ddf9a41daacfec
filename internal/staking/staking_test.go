package staking

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

func pubkey(b byte) keys.PublicKey {
	var p keys.PublicKey
	p[0] = b
	return p
}

func addr(b byte) thread.Address {
	var a thread.Address
	a[0] = b
	return a
}

func TestStakeAndActive(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	if err := s.Stake(pk, addr(1), thread.AmountFromUint64(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsValidator(pk) {
		t.Fatalf("expected validator")
	}
	vs := s.ActiveValidators()
	if len(vs.Validators) != 1 || vs.Validators[0].Stake.Uint64() != 500 {
		t.Fatalf("unexpected active validator set: %+v", vs.Validators)
	}
}

func TestStakeBelowMinimum(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	if err := s.Stake(pubkey(1), addr(1), thread.AmountFromUint64(50)); err == nil {
		t.Fatalf("expected below-minimum stake to be rejected")
	}
}

func TestStakeZeroAmount(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	if err := s.Stake(pubkey(1), addr(1), thread.AmountFromUint64(0)); err == nil {
		t.Fatalf("expected zero stake to be rejected")
	}
}

func TestUnstakeBondingPeriod(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	if err := s.Stake(pk, addr(1), thread.AmountFromUint64(500)); err != nil {
		t.Fatal(err)
	}
	if err := s.Unstake(pk, thread.AmountFromUint64(200), 100); err != nil {
		t.Fatal(err)
	}
	if !s.IsValidator(pk) {
		t.Fatalf("validator should remain active until bonding completes")
	}
	if removed := s.ProcessEpoch(105); len(removed) != 0 {
		t.Fatalf("expected nothing removed before bonding period ends")
	}
	if stake, _ := s.ValidatorStake(pk); stake.Uint64() != 500 {
		t.Fatalf("stake should be unchanged before bonding period ends, got %s", stake)
	}
	if removed := s.ProcessEpoch(110); len(removed) != 0 {
		t.Fatalf("expected no removal, just maturation")
	}
	if stake, _ := s.ValidatorStake(pk); stake.Uint64() != 300 {
		t.Fatalf("expected stake 300 after unstake matured, got %s", stake)
	}
}

func TestUnstakeFullRemoval(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	if err := s.Stake(pk, addr(1), thread.AmountFromUint64(500)); err != nil {
		t.Fatal(err)
	}
	if err := s.Unstake(pk, thread.AmountFromUint64(500), 100); err != nil {
		t.Fatal(err)
	}
	removed := s.ProcessEpoch(110)
	if len(removed) != 1 || removed[0] != pk {
		t.Fatalf("expected validator to be evicted, got %+v", removed)
	}
	if s.IsValidator(pk) {
		t.Fatalf("expected validator to no longer be active")
	}
}

func TestSlash(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	if err := s.Stake(pk, addr(1), thread.AmountFromUint64(500)); err != nil {
		t.Fatal(err)
	}
	if err := s.Slash(pk, thread.AmountFromUint64(200)); err != nil {
		t.Fatal(err)
	}
	if stake, _ := s.ValidatorStake(pk); stake.Uint64() != 300 {
		t.Fatalf("expected stake 300 after slash, got %s", stake)
	}
}

func TestSlashBelowMinimum(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	if err := s.Stake(pk, addr(1), thread.AmountFromUint64(150)); err != nil {
		t.Fatal(err)
	}
	if err := s.Slash(pk, thread.AmountFromUint64(100)); err != nil {
		t.Fatal(err)
	}
	if s.IsValidator(pk) {
		t.Fatalf("expected validator dropped below minimum to be inactive")
	}
}

func TestActiveValidatorsSortedByStake(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	s.Stake(pubkey(1), addr(1), thread.AmountFromUint64(300))
	s.Stake(pubkey(2), addr(2), thread.AmountFromUint64(500))
	s.Stake(pubkey(3), addr(3), thread.AmountFromUint64(100))

	vs := s.ActiveValidators()
	if len(vs.Validators) != 3 {
		t.Fatalf("expected 3 validators, got %d", len(vs.Validators))
	}
	if vs.Validators[0].Stake.Uint64() != 500 || vs.Validators[1].Stake.Uint64() != 300 || vs.Validators[2].Stake.Uint64() != 100 {
		t.Fatalf("expected descending stake order, got %+v", vs.Validators)
	}
}

func TestUnstakeNonexistentValidator(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	if err := s.Unstake(pubkey(99), thread.AmountFromUint64(100), 100); err == nil {
		t.Fatalf("expected unstake of unknown validator to fail")
	}
}

func TestUnstakeMoreThanStaked(t *testing.T) {
	s := New(thread.AmountFromUint64(100), 10)
	pk := pubkey(1)
	s.Stake(pk, addr(1), thread.AmountFromUint64(500))
	if err := s.Unstake(pk, thread.AmountFromUint64(600), 100); err == nil {
		t.Fatalf("expected overdrawn unstake to fail")
	}
}

func TestOperationSigningRoundTrip(t *testing.T) {
	kp, _ := keys.Generate()
	op := &Operation{Kind: OpStake, PubKey: kp.Public, Amount: thread.AmountFromUint64(500), Timestamp: 1000}
	digest := hash.Sum(op.SigningData())
	op.Signature = kp.Sign(digest[:])

	s := New(thread.AmountFromUint64(100), 10)
	if err := Validate(op, s); err != nil {
		t.Fatalf("expected valid stake operation, got %v", err)
	}
}
