package main

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"norn.network/weave/internal/keys"
)

func TestRunGeneratesKeyfile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "node.key")

	if err := run(options{Out: out}); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	seed, err := hex.DecodeString(kf.Seed)
	if err != nil || len(seed) != 32 {
		t.Fatalf("keyfile seed is not 32 hex bytes: %q", kf.Seed)
	}

	derived := keys.FromSeed(seed)
	if hex.EncodeToString(derived.Public[:]) != kf.PublicKey {
		t.Error("keyfile public key doesn't match the one derived from its own seed")
	}
}

func TestRunFromSeedIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	seed := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	outA := filepath.Join(dir, "a.key")
	outB := filepath.Join(dir, "b.key")
	if err := run(options{Out: outA, FromSeed: seed}); err != nil {
		t.Fatalf("run a: %v", err)
	}
	if err := run(options{Out: outB, FromSeed: seed}); err != nil {
		t.Fatalf("run b: %v", err)
	}

	a, _ := os.ReadFile(outA)
	b, _ := os.ReadFile(outB)
	var kfA, kfB keyfile
	json.Unmarshal(a, &kfA)
	json.Unmarshal(b, &kfB)
	if kfA.PublicKey != kfB.PublicKey {
		t.Errorf("same seed produced different public keys: %s vs %s", kfA.PublicKey, kfB.PublicKey)
	}
}

func TestRunRejectsMalformedSeed(t *testing.T) {
	dir := t.TempDir()
	if err := run(options{Out: filepath.Join(dir, "bad.key"), FromSeed: "not-hex"}); err == nil {
		t.Error("run accepted a malformed --from-seed")
	}
}
