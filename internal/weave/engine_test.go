package weave

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/naming"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/thread"
)

func newTestEngine(t *testing.T) (*Engine, *keys.Keypair) {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	validators := &staking.ValidatorSet{
		Validators: []staking.Validator{{PubKey: kp.Public, Address: keys.AddressFromPublicKey(kp.Public), Stake: thread.AmountFromUint64(1000), Active: true}},
		TotalStake: thread.AmountFromUint64(1000),
	}
	e := New(kp, validators, thread.AmountFromUint64(100), 10, state.New(), loom.NewManager())
	return e, kp
}

func registerThread(t *testing.T, e *Engine, kp *keys.Keypair) thread.Address {
	t.Helper()
	addr := keys.AddressFromPublicKey(kp.Public)
	e.stateMgr.RegisterThread(addr, kp.Public)
	e.knownThreads[addr] = true
	return addr
}

func TestProduceBlockEmptyMempoolReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t)
	if b := e.ProduceBlock(1); b != nil {
		t.Fatalf("expected nil block for empty mempool, got %+v", b)
	}
}

func TestProduceBlockTokenDefinitionAndMint(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)

	tokenID := hash.Sum([]byte("gold"))
	if err := e.SubmitTokenDefinition(tokenID, "Gold", "GLD", 2, thread.AmountFromUint64(1_000_000), addr, 1); err != nil {
		t.Fatalf("submit token definition: %v", err)
	}

	b := e.ProduceBlock(2)
	if b == nil {
		t.Fatal("expected a produced block")
	}
	if b.Height != 1 {
		t.Fatalf("expected height 1, got %d", b.Height)
	}
	meta, ok := e.TokenMetadata(tokenID)
	if !ok {
		t.Fatal("expected token to be known after apply")
	}
	if meta.Symbol != "GLD" {
		t.Fatalf("unexpected symbol %q", meta.Symbol)
	}

	if err := e.SubmitTokenMint(tokenID, addr, thread.AmountFromUint64(500)); err != nil {
		t.Fatalf("submit token mint: %v", err)
	}
	if b2 := e.ProduceBlock(3); b2 == nil {
		t.Fatal("expected a second produced block")
	}
	got := e.stateMgr.GetBalance(addr, tokenID)
	want := thread.AmountFromUint64(500)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
	meta, _ = e.TokenMetadata(tokenID)
	if meta.CurrentSupply.Cmp(want) != 0 {
		t.Fatalf("expected current supply %s, got %s", want, meta.CurrentSupply)
	}
}

func TestSubmitTokenMintUnknownTokenRejected(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)
	tokenID := hash.Sum([]byte("unknown"))
	if err := e.SubmitTokenMint(tokenID, addr, thread.AmountFromUint64(1)); err != ErrUnknownToken {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestSubmitTokenDefinitionDuplicateRejected(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)
	tokenID := hash.Sum([]byte("silver"))
	if err := e.SubmitTokenDefinition(tokenID, "Silver", "SLV", 2, thread.AmountFromUint64(1_000_000), addr, 1); err != nil {
		t.Fatalf("first definition: %v", err)
	}
	if b := e.ProduceBlock(2); b == nil {
		t.Fatal("expected block to be produced")
	}
	if err := e.SubmitTokenDefinition(tokenID, "Silver Again", "SLV2", 2, thread.AmountFromUint64(1_000_000), addr, 3); err != ErrTokenExists {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
}

func TestMintExceedingMaxSupplyDropsSilently(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)
	tokenID := hash.Sum([]byte("capped"))
	maxSupply := thread.AmountFromUint64(100)
	if err := e.SubmitTokenDefinition(tokenID, "Capped", "CAP", 0, maxSupply, addr, 1); err != nil {
		t.Fatalf("submit definition: %v", err)
	}
	e.ProduceBlock(2)

	if err := e.SubmitTokenMint(tokenID, addr, thread.AmountFromUint64(1_000)); err != nil {
		t.Fatalf("submit oversized mint: %v", err)
	}
	e.ProduceBlock(3)

	got := e.stateMgr.GetBalance(addr, tokenID)
	if !got.IsZero() {
		t.Fatalf("expected mint exceeding max supply to be dropped, got balance %s", got)
	}
	meta, _ := e.TokenMetadata(tokenID)
	if !meta.CurrentSupply.IsZero() {
		t.Fatalf("expected current supply to remain zero, got %s", meta.CurrentSupply)
	}
}

func TestTokenBurnReducesSupplyAndBalance(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)
	tokenID := hash.Sum([]byte("burnable"))
	if err := e.SubmitTokenDefinition(tokenID, "Burnable", "BRN", 0, thread.AmountFromUint64(0), addr, 1); err != nil {
		t.Fatalf("submit definition: %v", err)
	}
	e.ProduceBlock(2)

	if err := e.SubmitTokenMint(tokenID, addr, thread.AmountFromUint64(100)); err != nil {
		t.Fatalf("submit mint: %v", err)
	}
	e.ProduceBlock(3)

	if err := e.SubmitTokenBurn(tokenID, addr, thread.AmountFromUint64(40)); err != nil {
		t.Fatalf("submit burn: %v", err)
	}
	e.ProduceBlock(4)

	got := e.stateMgr.GetBalance(addr, tokenID)
	want := thread.AmountFromUint64(60)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected balance %s after burn, got %s", want, got)
	}
	meta, _ := e.TokenMetadata(tokenID)
	if meta.CurrentSupply.Cmp(want) != 0 {
		t.Fatalf("expected current supply %s after burn, got %s", want, meta.CurrentSupply)
	}
}

func TestSubmitStakeOperationAppliesOnBlock(t *testing.T) {
	e, _ := newTestEngine(t)
	staker, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate staker keypair: %v", err)
	}
	addr := keys.AddressFromPublicKey(staker.Public)

	op := &staking.Operation{
		Kind:      staking.OpStake,
		PubKey:    staker.Public,
		Address:   addr,
		Amount:    thread.AmountFromUint64(500),
		Timestamp: 1,
	}
	digest := hash.Sum(op.SigningData())
	op.Signature = staker.Sign(digest[:])

	if err := e.SubmitStakeOperation(op); err != nil {
		t.Fatalf("submit stake operation: %v", err)
	}
	if b := e.ProduceBlock(2); b == nil {
		t.Fatal("expected a produced block")
	}

	stake, ok := e.staking.ValidatorStake(staker.Public)
	if !ok {
		t.Fatal("expected staker to be registered after apply")
	}
	if stake.Cmp(thread.AmountFromUint64(500)) != 0 {
		t.Fatalf("expected stake 500, got %s", stake)
	}
}

func TestSubmitStakeOperationBadSignatureRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	staker, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate staker keypair: %v", err)
	}
	op := &staking.Operation{
		Kind:      staking.OpStake,
		PubKey:    staker.Public,
		Address:   keys.AddressFromPublicKey(staker.Public),
		Amount:    thread.AmountFromUint64(500),
		Timestamp: 1,
	}
	// Signature left zeroed: not a valid signature over SigningData.
	if err := e.SubmitStakeOperation(op); err == nil {
		t.Fatal("expected signature validation to reject the unsigned operation")
	}
}

func TestNameRecordUpdateRoundTrip(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)

	if err := e.stateMgr.ApplyPeerNameRegistration("alice", addr, kp.Public, 1, thread.AmountFromUint64(0)); err != nil {
		t.Fatalf("seed name registration: %v", err)
	}
	e.knownNames["alice"] = true

	owners := map[string]thread.Address{"alice": addr}
	update := &naming.RecordUpdate{Name: "alice", Key: "avatar", Value: "ipfs://abc", Owner: addr, OwnerKey: kp.Public, Timestamp: 2}
	update.Signature = kp.Sign(update.SigningData())

	if err := e.SubmitNameRecordUpdate(update, owners); err != nil {
		t.Fatalf("submit name record update: %v", err)
	}
	if b := e.ProduceBlock(3); b == nil {
		t.Fatal("expected a produced block")
	}

	record, ok := e.stateMgr.ResolveName("alice")
	if !ok {
		t.Fatal("expected name to resolve")
	}
	if got := record.Records["avatar"]; got != "ipfs://abc" {
		t.Fatalf("expected avatar record ipfs://abc, got %q", got)
	}
}

func TestEpochBoundaryDistributesRewards(t *testing.T) {
	e, kp := newTestEngine(t)
	addr := registerThread(t, e, kp)

	tokenID := hash.Sum([]byte("epoch-test"))
	if err := e.SubmitTokenDefinition(tokenID, "Epoch", "EPC", 0, thread.AmountFromUint64(0), addr, 1); err != nil {
		t.Fatalf("submit definition: %v", err)
	}
	e.ProduceBlock(2)

	// Fast-forward the chain head to one block before the boundary, the
	// same way a long-running chain eventually reaches it, without
	// actually producing ten thousand blocks in a test.
	e.weaveState.Height = BlocksPerEpoch - 1

	if err := e.SubmitTokenMint(tokenID, addr, thread.AmountFromUint64(10)); err != nil {
		t.Fatalf("submit mint: %v", err)
	}
	e.feeState.AccumulateBlockFees(1)

	b := e.ProduceBlock(100)
	if b == nil {
		t.Fatal("expected a produced block")
	}
	if b.Height != BlocksPerEpoch {
		t.Fatalf("expected height to land on epoch boundary, got %d", b.Height)
	}

	rewards := e.TakePendingRewards()
	if len(rewards) != 1 {
		t.Fatalf("expected one validator share, got %d", len(rewards))
	}
	if rewards[0].PubKey != [32]byte(kp.Public) {
		t.Fatal("expected reward paid to the sole validator")
	}
	if more := e.TakePendingRewards(); len(more) != 0 {
		t.Fatalf("expected rewards to be cleared after being taken, got %d", len(more))
	}
}
