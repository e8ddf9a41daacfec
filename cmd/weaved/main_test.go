package main

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/network"
)

func writeKeyfile(t *testing.T, dir string, kp *keys.Keypair) string {
	t.Helper()
	path := filepath.Join(dir, "node.key")
	data, err := json.Marshal(keyfile{Seed: hex.EncodeToString(kp.Private.Seed())})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func writeSoloGenesis(t *testing.T, dir string, kp *keys.Keypair) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("chain_id = \"test-weave\"\n")
	sb.WriteString("min_stake = 1\n")
	sb.WriteString("bonding_period = 1\n")
	sb.WriteString("single_validator_mode = true\n")
	sb.WriteString("[[validators]]\n")
	sb.WriteString("pubkey = \"" + hex.EncodeToString(kp.Public[:]) + "\"\n")
	sb.WriteString("stake = 10000\n")
	path := filepath.Join(dir, "genesis.toml")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunNodeInitializationAndGracefulStop(t *testing.T) {
	dir := t.TempDir()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}

	cfg := nodeConfig{
		GenesisPath:  writeSoloGenesis(t, dir, kp),
		KeyfilePath:  writeKeyfile(t, dir, kp),
		DataDir:      filepath.Join(dir, "store"),
		Hub:          network.NewSimulatedHub(),
		NodeID:       "solo-node",
		TickInterval: 20 * time.Millisecond,
	}

	n, err := runNode(cfg)
	if err != nil {
		t.Fatalf("runNode: %v", err)
	}
	if n.engine.Height() != 0 {
		t.Errorf("fresh node height = %d, want 0", n.engine.Height())
	}

	time.Sleep(100 * time.Millisecond)
	n.Stop()
}

func TestRunNodeRejectsMissingKeyfile(t *testing.T) {
	dir := t.TempDir()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}

	cfg := nodeConfig{
		GenesisPath: writeSoloGenesis(t, dir, kp),
		KeyfilePath: filepath.Join(dir, "does-not-exist.key"),
		DataDir:     filepath.Join(dir, "store"),
		Hub:         network.NewSimulatedHub(),
	}
	if _, err := runNode(cfg); err == nil {
		t.Error("runNode with a missing keyfile should fail")
	}
}

func TestTwoNodesShareASimulatedHub(t *testing.T) {
	dir := t.TempDir()
	kpA, _ := keys.Generate()
	kpB, _ := keys.Generate()

	var sb strings.Builder
	sb.WriteString("chain_id = \"test-weave\"\n")
	sb.WriteString("min_stake = 1\n")
	sb.WriteString("bonding_period = 1\n")
	sb.WriteString("[[validators]]\npubkey = \"" + hex.EncodeToString(kpA.Public[:]) + "\"\nstake = 10000\n")
	sb.WriteString("[[validators]]\npubkey = \"" + hex.EncodeToString(kpB.Public[:]) + "\"\nstake = 10000\n")
	genesisPath := filepath.Join(dir, "genesis.toml")
	if err := os.WriteFile(genesisPath, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hub := network.NewSimulatedHub()
	cfgA := nodeConfig{GenesisPath: genesisPath, KeyfilePath: writeKeyfile(t, dir, kpA), DataDir: filepath.Join(dir, "a"), Hub: hub, NodeID: "a", TickInterval: 20 * time.Millisecond}
	cfgB := nodeConfig{GenesisPath: genesisPath, KeyfilePath: writeKeyfile(t, dir, kpB), DataDir: filepath.Join(dir, "b"), Hub: hub, NodeID: "b", TickInterval: 20 * time.Millisecond}

	nodeA, err := runNode(cfgA)
	if err != nil {
		t.Fatalf("runNode a: %v", err)
	}
	defer nodeA.Stop()
	nodeB, err := runNode(cfgB)
	if err != nil {
		t.Fatalf("runNode b: %v", err)
	}
	defer nodeB.Stop()

	if len(nodeA.transport.Peers()) == 0 {
		t.Error("node a should see node b as a peer once both joined the hub")
	}
}
