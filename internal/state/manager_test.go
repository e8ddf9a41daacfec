package state

import (
	"testing"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/naming"
	"norn.network/weave/internal/thread"
)

func testAddress(b byte) thread.Address {
	var a thread.Address
	a[0] = b
	return a
}

func testPubkey(b byte) keys.PublicKey {
	var p keys.PublicKey
	p[0] = b
	return p
}

func TestRegisterAndCheck(t *testing.T) {
	m := New()
	addr := testAddress(1)
	if m.IsRegistered(addr) {
		t.Fatalf("expected unregistered")
	}
	m.RegisterThread(addr, testPubkey(1))
	if !m.IsRegistered(addr) {
		t.Fatalf("expected registered")
	}
}

func TestDoubleRegisterIsNoop(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(100)); err != nil {
		t.Fatal(err)
	}
	m.RegisterThread(addr, testPubkey(2)) // should not reset
	if m.GetBalance(addr, thread.NativeTokenID).Uint64() != 100 {
		t.Fatalf("expected balance to survive a duplicate register")
	}
}

func TestCreditAndBalance(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(1000)); err != nil {
		t.Fatal(err)
	}
	if m.GetBalance(addr, thread.NativeTokenID).Uint64() != 1000 {
		t.Fatalf("expected balance 1000")
	}
}

func TestCreditUnregisteredFails(t *testing.T) {
	m := New()
	addr := testAddress(1)
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(1000)); err == nil {
		t.Fatalf("expected credit to unregistered thread to fail")
	}
}

func TestApplyTransfer(t *testing.T) {
	m := New()
	alice, bob := testAddress(1), testAddress(2)
	m.RegisterThread(alice, testPubkey(1))
	m.RegisterThread(bob, testPubkey(2))
	if err := m.Credit(alice, thread.NativeTokenID, thread.AmountFromUint64(1000)); err != nil {
		t.Fatal(err)
	}

	if err := m.ApplyTransfer(alice, bob, thread.NativeTokenID, thread.AmountFromUint64(400), hash.Zero, nil, 1000); err != nil {
		t.Fatal(err)
	}

	if m.GetBalance(alice, thread.NativeTokenID).Uint64() != 600 {
		t.Fatalf("expected sender balance 600")
	}
	if m.GetBalance(bob, thread.NativeTokenID).Uint64() != 400 {
		t.Fatalf("expected receiver balance 400")
	}
}

func TestApplyTransferInsufficientBalance(t *testing.T) {
	m := New()
	alice, bob := testAddress(1), testAddress(2)
	m.RegisterThread(alice, testPubkey(1))
	m.RegisterThread(bob, testPubkey(2))
	if err := m.Credit(alice, thread.NativeTokenID, thread.AmountFromUint64(100)); err != nil {
		t.Fatal(err)
	}

	if err := m.ApplyTransfer(alice, bob, thread.NativeTokenID, thread.AmountFromUint64(200), hash.Zero, nil, 1000); err == nil {
		t.Fatalf("expected insufficient-balance transfer to fail")
	}
	if m.GetBalance(alice, thread.NativeTokenID).Uint64() != 100 {
		t.Fatalf("expected sender balance unchanged")
	}
	if m.GetBalance(bob, thread.NativeTokenID).Uint64() != 0 {
		t.Fatalf("expected receiver balance unchanged")
	}
}

func TestApplyTransferZeroAmount(t *testing.T) {
	m := New()
	alice, bob := testAddress(1), testAddress(2)
	m.RegisterThread(alice, testPubkey(1))
	m.RegisterThread(bob, testPubkey(2))

	if err := m.ApplyTransfer(alice, bob, thread.NativeTokenID, thread.AmountFromUint64(0), hash.Zero, nil, 1000); err == nil {
		t.Fatalf("expected zero-amount transfer to fail")
	}
}

func TestGetHistory(t *testing.T) {
	m := New()
	alice, bob := testAddress(1), testAddress(2)
	m.RegisterThread(alice, testPubkey(1))
	m.RegisterThread(bob, testPubkey(2))
	if err := m.Credit(alice, thread.NativeTokenID, thread.AmountFromUint64(1000)); err != nil {
		t.Fatal(err)
	}

	k1, k2 := hash.Hash{1}, hash.Hash{2}
	if err := m.ApplyTransfer(alice, bob, thread.NativeTokenID, thread.AmountFromUint64(100), k1, nil, 1000); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyTransfer(alice, bob, thread.NativeTokenID, thread.AmountFromUint64(200), k2, nil, 2000); err != nil {
		t.Fatal(err)
	}

	history := m.GetHistory(alice, 10, 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Amount.Uint64() != 200 || history[1].Amount.Uint64() != 100 {
		t.Fatalf("expected most-recent-first ordering, got %+v", history)
	}

	bobHistory := m.GetHistory(bob, 10, 0)
	if len(bobHistory) != 2 {
		t.Fatalf("expected bob to see both transfers, got %d", len(bobHistory))
	}
}

func TestAutoRegister(t *testing.T) {
	m := New()
	addr := testAddress(1)
	if m.IsRegistered(addr) {
		t.Fatalf("expected unregistered")
	}
	m.AutoRegisterIfNeeded(addr)
	if !m.IsRegistered(addr) {
		t.Fatalf("expected registered after auto-register")
	}
}

func TestArchiveAndGetBlock(t *testing.T) {
	m := New()
	kp, _ := keys.Generate()
	b := block.Build(hash.Zero, 0, mempool.BlockContents{}, kp, 1000)
	m.ArchiveBlock(b)

	if m.GetBlock(1) == nil {
		t.Fatalf("expected block 1 to be archived")
	}
	if m.GetBlock(2) != nil {
		t.Fatalf("expected block 2 to be absent")
	}
	if m.LatestBlockHeight() != 1 {
		t.Fatalf("expected latest height 1, got %d", m.LatestBlockHeight())
	}
}

func TestRegisterName(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(2*naming.RegistrationFee)); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterName("alice", addr, 1000); err != nil {
		t.Fatal(err)
	}
	record, ok := m.ResolveName("alice")
	if !ok {
		t.Fatalf("expected name to resolve")
	}
	if record.Owner != addr || record.RegisteredAt != 1000 || record.FeePaid.Uint64() != naming.RegistrationFee {
		t.Fatalf("unexpected name record: %+v", record)
	}
}

func TestRegisterNameDuplicateRejected(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(5*naming.RegistrationFee)); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterName("alice", addr, 1000); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterName("alice", addr, 2000); err == nil {
		t.Fatalf("expected duplicate name registration to fail")
	}
}

func TestRegisterNameFeeDeduction(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(5*naming.RegistrationFee)); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterName("alice", addr, 1000); err != nil {
		t.Fatal(err)
	}
	if m.GetBalance(addr, thread.NativeTokenID).Uint64() != 4*naming.RegistrationFee {
		t.Fatalf("expected fee to be burned, got balance %s", m.GetBalance(addr, thread.NativeTokenID))
	}
}

func TestRegisterNameInsufficientBalance(t *testing.T) {
	m := New()
	addr := testAddress(1)
	m.RegisterThread(addr, testPubkey(1))
	if err := m.Credit(addr, thread.NativeTokenID, thread.AmountFromUint64(naming.RegistrationFee/2)); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterName("alice", addr, 1000); err == nil {
		t.Fatalf("expected insufficient-balance name registration to fail")
	}
}

func TestNameTransferAndRecordUpdate(t *testing.T) {
	m := New()
	alice, bob := testAddress(1), testAddress(2)
	m.RegisterThread(alice, testPubkey(1))
	m.RegisterThread(bob, testPubkey(2))
	if err := m.Credit(alice, thread.NativeTokenID, thread.AmountFromUint64(naming.RegistrationFee)); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterName("alice", alice, 1000); err != nil {
		t.Fatal(err)
	}

	if err := m.ApplyNameTransfer("alice", bob); err != nil {
		t.Fatal(err)
	}
	record, _ := m.ResolveName("alice")
	if record.Owner != bob {
		t.Fatalf("expected name owner to be bob after transfer")
	}
	if names := m.NamesForAddress(alice); len(names) != 0 {
		t.Fatalf("expected alice to have no names after transfer, got %v", names)
	}
	if names := m.NamesForAddress(bob); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected bob to own alice, got %v", names)
	}

	if err := m.ApplyNameRecordUpdate("alice", "website", "https://example.com"); err != nil {
		t.Fatal(err)
	}
	record, _ = m.ResolveName("alice")
	if record.Records["website"] != "https://example.com" {
		t.Fatalf("expected record update to stick, got %+v", record.Records)
	}
}
