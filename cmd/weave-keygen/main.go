// Command weave-keygen generates an Ed25519 keypair for a weave node and,
// optionally, the genesis validator entry that pairs with it.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"norn.network/weave/internal/keys"
)

type options struct {
	Out           string `short:"o" long:"out" description:"path to write the keyfile" default:"weave.key"`
	Stake         uint64 `short:"s" long:"stake" description:"stake amount to embed in the printed genesis validator entry"`
	GenesisEntry  bool   `short:"g" long:"genesis-entry" description:"print a [[validators]] TOML snippet for this key"`
	FromSeed      string `long:"from-seed" description:"derive the keypair from a hex-encoded 32-byte seed instead of generating a fresh one"`
}

// keyfile is the on-disk format weaved reads a node's signing identity
// from: the raw seed plus its derived public key and address, kept
// alongside each other purely for operator inspection.
type keyfile struct {
	Seed      string `json:"seed"`
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
}

func run(opts options) error {
	var kp *keys.Keypair
	if opts.FromSeed != "" {
		seed, err := hex.DecodeString(opts.FromSeed)
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("weave-keygen: --from-seed must be 32 hex-encoded bytes")
		}
		kp = keys.FromSeed(seed)
	} else {
		generated, err := keys.Generate()
		if err != nil {
			return fmt.Errorf("weave-keygen: generating keypair: %w", err)
		}
		kp = generated
	}

	seed := kp.Private.Seed()
	addr := keys.AddressFromPublicKey(kp.Public)
	kf := keyfile{
		Seed:      hex.EncodeToString(seed),
		PublicKey: hex.EncodeToString(kp.Public[:]),
		Address:   hex.EncodeToString(addr[:]),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("weave-keygen: encoding keyfile: %w", err)
	}
	if err := os.WriteFile(opts.Out, data, 0o600); err != nil {
		return fmt.Errorf("weave-keygen: writing %s: %w", opts.Out, err)
	}
	fmt.Printf("wrote keyfile %s (pubkey %s)\n", opts.Out, kf.PublicKey)

	if opts.GenesisEntry {
		fmt.Printf("\n[[validators]]\npubkey = \"%s\"\nstake = %d\n", kf.PublicKey, opts.Stake)
	}
	return nil
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
