package storage

import (
	"path/filepath"
	"testing"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/thread"
	"norn.network/weave/internal/weave"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "weave-state"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestThreadStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	addr := keys.AddressFromPublicKey(kp.Public)

	st := thread.NewState()
	if err := st.Credit(thread.NativeTokenID, thread.AmountFromUint64(42)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.SaveThreadState(addr, st); err != nil {
		t.Fatalf("save thread state: %v", err)
	}

	loaded, err := s.LoadAllThreadStates()
	if err != nil {
		t.Fatalf("load all thread states: %v", err)
	}
	got, ok := loaded[addr]
	if !ok {
		t.Fatal("expected thread state to round-trip")
	}
	if got.Balance(thread.NativeTokenID).Cmp(thread.AmountFromUint64(42)) != 0 {
		t.Fatalf("expected balance 42, got %s", got.Balance(thread.NativeTokenID))
	}
}

func TestTransferAppendAssignsSequentialKeys(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		rec := state.TransferRecord{
			TokenID:   thread.NativeTokenID,
			Amount:    thread.AmountFromUint64(uint64(i + 1)),
			Timestamp: thread.Timestamp(i),
		}
		if err := s.AppendTransfer(rec); err != nil {
			t.Fatalf("append transfer %d: %v", i, err)
		}
	}

	transfers, err := s.LoadAllTransfers()
	if err != nil {
		t.Fatalf("load all transfers: %v", err)
	}
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
	for i, tr := range transfers {
		want := thread.AmountFromUint64(uint64(i + 1))
		if tr.Amount.Cmp(want) != 0 {
			t.Fatalf("transfer %d: expected amount %s, got %s", i, want, tr.Amount)
		}
	}
}

func TestNameRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	addr := keys.AddressFromPublicKey(kp.Public)
	rec := state.NameRecord{
		Owner:        addr,
		RegisteredAt: 100,
		FeePaid:      thread.AmountFromUint64(5),
		Records:      map[string]string{"avatar": "ipfs://abc", "bio": "hi"},
	}
	if err := s.SaveName("alice", rec); err != nil {
		t.Fatalf("save name: %v", err)
	}

	names, err := s.LoadAllNames()
	if err != nil {
		t.Fatalf("load all names: %v", err)
	}
	got, ok := names["alice"]
	if !ok {
		t.Fatal("expected name to round-trip")
	}
	if got.Records["avatar"] != "ipfs://abc" || got.Records["bio"] != "hi" {
		t.Fatalf("unexpected records: %+v", got.Records)
	}
}

func TestBlockRoundTripOrderedByHeight(t *testing.T) {
	s := openTestStore(t)

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	var prevHash [32]byte
	b1 := block.Build(prevHash, 0, mempool.BlockContents{}, kp, 1)
	b2 := block.Build(b1.Hash, b1.Height, mempool.BlockContents{}, kp, 2)

	// Save out of order to exercise the height-sort on load.
	if err := s.SaveBlock(b2); err != nil {
		t.Fatalf("save block 2: %v", err)
	}
	if err := s.SaveBlock(b1); err != nil {
		t.Fatalf("save block 1: %v", err)
	}

	blocks, err := s.LoadAllBlocks()
	if err != nil {
		t.Fatalf("load all blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Height != 1 || blocks[1].Height != 2 {
		t.Fatalf("expected blocks ordered by height, got %d then %d", blocks[0].Height, blocks[1].Height)
	}
	if blocks[0].Hash != b1.Hash {
		t.Fatal("expected decoded block 1 to match its original hash")
	}
}

func TestTokenAndLoomRoundTrip(t *testing.T) {
	s := openTestStore(t)

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	addr := keys.AddressFromPublicKey(kp.Public)
	tokenID := thread.NativeTokenID
	meta := weave.TokenMeta{
		Name:          "Gold",
		Symbol:        "GLD",
		Decimals:      2,
		MaxSupply:     thread.AmountFromUint64(1_000_000),
		CurrentSupply: thread.AmountFromUint64(500),
		Creator:       addr,
		CreatedAt:     1,
	}
	if err := s.SaveToken(tokenID, meta); err != nil {
		t.Fatalf("save token: %v", err)
	}

	loomID := thread.LoomID(thread.NativeTokenID)
	if err := s.SaveLoom(loomID); err != nil {
		t.Fatalf("save loom: %v", err)
	}

	tokens, err := s.LoadAllTokens()
	if err != nil {
		t.Fatalf("load all tokens: %v", err)
	}
	got, ok := tokens[tokenID]
	if !ok || got.Symbol != "GLD" {
		t.Fatalf("expected token to round-trip, got %+v ok=%v", got, ok)
	}

	looms, err := s.LoadAllLooms()
	if err != nil {
		t.Fatalf("load all looms: %v", err)
	}
	if !looms[loomID] {
		t.Fatal("expected loom id to be marked known")
	}
}

func TestRebuildRepopulatesManagerAndEngine(t *testing.T) {
	s := openTestStore(t)

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	addr := keys.AddressFromPublicKey(kp.Public)

	st := thread.NewState()
	if err := st.Credit(thread.NativeTokenID, thread.AmountFromUint64(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.SaveThreadState(addr, st); err != nil {
		t.Fatalf("save thread state: %v", err)
	}
	if err := s.SaveThreadMeta(addr, state.ThreadMeta{Owner: kp.Public}); err != nil {
		t.Fatalf("save thread meta: %v", err)
	}

	tokenID := thread.NativeTokenID
	meta := weave.TokenMeta{Name: "Gold", Symbol: "GLD", MaxSupply: thread.AmountFromUint64(100), CurrentSupply: thread.AmountFromUint64(10), Creator: addr}
	if err := s.SaveToken(tokenID, meta); err != nil {
		t.Fatalf("save token: %v", err)
	}

	stateMgr := state.New()
	validators := &staking.ValidatorSet{
		Validators: []staking.Validator{{PubKey: kp.Public, Address: addr, Stake: thread.AmountFromUint64(1000), Active: true}},
		TotalStake: thread.AmountFromUint64(1000),
	}
	engine := weave.New(kp, validators, thread.AmountFromUint64(100), 10, stateMgr, loom.NewManager())

	if err := Rebuild(s, stateMgr, engine); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := stateMgr.GetBalance(addr, thread.NativeTokenID); got.Cmp(thread.AmountFromUint64(7)) != 0 {
		t.Fatalf("expected rebuilt balance 7, got %s", got)
	}
	tokenMeta, ok := engine.TokenMetadata(tokenID)
	if !ok || tokenMeta.Symbol != "GLD" {
		t.Fatalf("expected rebuilt token metadata, got %+v ok=%v", tokenMeta, ok)
	}
}
