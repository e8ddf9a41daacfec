package genesis

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"norn.network/weave/internal/keys"
)

func writeGenesisTOML(t *testing.T, dir string, pubkeys []string, singleValidator bool) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("chain_id = \"test-weave\"\n")
	sb.WriteString("min_stake = 1000\n")
	sb.WriteString("bonding_period = 10\n")
	if singleValidator {
		sb.WriteString("single_validator_mode = true\n")
	}
	for _, pk := range pubkeys {
		sb.WriteString("[[validators]]\n")
		sb.WriteString("pubkey = \"" + pk + "\"\n")
		sb.WriteString("stake = 5000\n")
	}
	path := filepath.Join(dir, "genesis.toml")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func hexPubKey(t *testing.T) string {
	t.Helper()
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	return hex.EncodeToString(kp.Public[:])
}

func TestLoadBuildsValidatorSet(t *testing.T) {
	dir := t.TempDir()
	pk := hexPubKey(t)
	path := writeGenesisTOML(t, dir, []string{pk}, true)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChainID != "test-weave" {
		t.Errorf("ChainID = %q, want test-weave", cfg.ChainID)
	}
	if !cfg.IsSolo() {
		t.Error("IsSolo() = false, want true for single-validator genesis with the flag set")
	}

	vs, err := cfg.ValidatorSet()
	if err != nil {
		t.Fatalf("ValidatorSet: %v", err)
	}
	if vs.Len() != 1 {
		t.Fatalf("ValidatorSet has %d members, want 1", vs.Len())
	}
	if vs.TotalStake.Cmp(cfg.MinStakeAmount()) <= 0 {
		t.Errorf("TotalStake %s should exceed min stake %s", vs.TotalStake, cfg.MinStakeAmount())
	}
}

func TestLoadMultiValidatorIsNotSolo(t *testing.T) {
	dir := t.TempDir()
	path := writeGenesisTOML(t, dir, []string{hexPubKey(t), hexPubKey(t)}, true)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IsSolo() {
		t.Error("IsSolo() = true for a two-validator set, want false regardless of the flag")
	}
}

func TestLoadRejectsEmptyValidators(t *testing.T) {
	dir := t.TempDir()
	path := writeGenesisTOML(t, dir, nil, false)

	if _, err := Load(path); err != ErrNoValidators {
		t.Errorf("Load with no validators: err = %v, want ErrNoValidators", err)
	}
}

func TestValidatorSetRejectsBadPubKey(t *testing.T) {
	cfg := &Config{Validators: []Validator{{PubKey: "not-hex", Stake: 100}}}
	if _, err := cfg.ValidatorSet(); err == nil {
		t.Error("ValidatorSet accepted a malformed public key")
	}
}
