package smt

import (
	"testing"

	"norn.network/weave/internal/hash"
)

func key(b byte) hash.Hash {
	var h hash.Hash
	h[0] = b
	h[31] = b
	return h
}

func TestEmptyTreeRootIsZero(t *testing.T) {
	tr := New()
	if tr.Root() != hash.Zero {
		t.Fatalf("expected zero root for empty tree, got %x", tr.Root())
	}
}

func TestInsertChangesRoot(t *testing.T) {
	tr := New()
	before := tr.Root()
	tr.Insert(key(1), []byte("hello"))
	after := tr.Root()
	if before == after {
		t.Fatalf("root did not change after insert")
	}
}

func TestProveAndVerify(t *testing.T) {
	tr := New()
	for i := byte(1); i <= 5; i++ {
		tr.Insert(key(i), []byte{i, i, i})
	}
	root := tr.Root()
	proof := tr.Prove(key(3))
	if err := VerifyProof(root, proof); err != nil {
		t.Fatalf("expected valid proof, got error: %v", err)
	}
}

func TestTamperedSiblingFailsVerification(t *testing.T) {
	tr := New()
	for i := byte(1); i <= 5; i++ {
		tr.Insert(key(i), []byte{i, i, i})
	}
	root := tr.Root()
	proof := tr.Prove(key(3))
	proof.Siblings[42][0] ^= 0xFF
	if err := VerifyProof(root, proof); err == nil {
		t.Fatalf("expected tampered proof to fail verification")
	}
}

func TestTamperedValueFailsVerification(t *testing.T) {
	tr := New()
	tr.Insert(key(9), []byte("payload"))
	root := tr.Root()
	proof := tr.Prove(key(9))
	proof.Value[0] ^= 0xFF
	if err := VerifyProof(root, proof); err == nil {
		t.Fatalf("expected tampered value to fail verification")
	}
}

func TestNonInclusionProof(t *testing.T) {
	tr := New()
	tr.Insert(key(1), []byte("x"))
	root := tr.Root()
	proof := tr.Prove(key(200))
	if len(proof.Value) != 0 {
		t.Fatalf("expected empty value for absent key")
	}
	if err := VerifyProof(root, proof); err != nil {
		t.Fatalf("expected non-inclusion proof to verify: %v", err)
	}
}

func TestBatchEquivalentToSequential(t *testing.T) {
	entries := []Entry{
		{Key: key(1), Value: []byte("a")},
		{Key: key(2), Value: []byte("b")},
		{Key: key(3), Value: []byte("c")},
	}

	seq := New()
	for _, e := range entries {
		seq.Insert(e.Key, e.Value)
	}

	batch := New()
	batch.InsertBatch(entries)

	if seq.Root() != batch.Root() {
		t.Fatalf("sequential root %x != batch root %x", seq.Root(), batch.Root())
	}
}

func TestRemoveCollapsesToEmpty(t *testing.T) {
	tr := New()
	tr.Insert(key(7), []byte("v"))
	nonEmptyRoot := tr.Root()
	if nonEmptyRoot == hash.Zero {
		t.Fatalf("expected nonzero root after insert")
	}
	if !tr.Remove(key(7)) {
		t.Fatalf("expected Remove to report removal")
	}
	if tr.Root() != hash.Zero {
		t.Fatalf("expected zero root after removing only entry, got %x", tr.Root())
	}
}
