// Package genesis loads a weave's starting configuration — its chain id,
// initial validator set, and staking parameters — from a TOML/YAML/JSON
// file, and builds the staking.ValidatorSet a fresh node seeds its
// weave.Engine with.
package genesis

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

var (
	ErrNoValidators     = errors.New("genesis: config has no validators")
	ErrInvalidPublicKey = errors.New("genesis: invalid validator public key")
)

// Validator is one genesis-seeded validator entry.
type Validator struct {
	PubKey string `mapstructure:"pubkey"` // hex-encoded Ed25519 public key
	Stake  uint64 `mapstructure:"stake"`
}

// Config is a weave's genesis configuration: everything a node needs to
// seed its staking state and weave engine on first boot, before any
// block has been persisted.
type Config struct {
	ChainID       string      `mapstructure:"chain_id"`
	Validators    []Validator `mapstructure:"validators"`
	MinStake      uint64      `mapstructure:"min_stake"`
	BondingPeriod uint64      `mapstructure:"bonding_period"`

	// SingleValidatorMode enables the solo-chain bypass: with exactly one
	// genesis validator and this flag set, weave.Engine.ProduceBlock
	// finalizes blocks directly instead of running them through
	// HotStuff. The flag must be explicit — a single-entry validator
	// list with this unset still runs full consensus (degenerate but
	// correct with a quorum size of one).
	SingleValidatorMode bool `mapstructure:"single_validator_mode"`
}

// Load reads a genesis config from path. The format (TOML, YAML, or JSON)
// is inferred from the file extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("genesis: decoding %s: %w", path, err)
	}
	if len(cfg.Validators) == 0 {
		return nil, ErrNoValidators
	}
	return &cfg, nil
}

// ValidatorSet decodes every genesis Validator entry into a
// staking.ValidatorSet, deriving each member's address from its public
// key the same way internal/keys does everywhere else.
func (c *Config) ValidatorSet() (*staking.ValidatorSet, error) {
	validators := make([]staking.Validator, 0, len(c.Validators))
	total := thread.AmountFromUint64(0)
	for _, gv := range c.Validators {
		pubBytes, err := hex.DecodeString(gv.PubKey)
		if err != nil || len(pubBytes) != keys.PublicKeySize {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPublicKey, gv.PubKey)
		}
		var pub keys.PublicKey
		copy(pub[:], pubBytes)
		stake := thread.AmountFromUint64(gv.Stake)
		validators = append(validators, staking.Validator{
			PubKey:  pub,
			Address: keys.AddressFromPublicKey(pub),
			Stake:   stake,
			Active:  true,
		})
		total = new(thread.Amount).Add(total, stake)
	}
	return &staking.ValidatorSet{Validators: validators, TotalStake: total}, nil
}

// MinStakeAmount returns the configured minimum validator stake.
func (c *Config) MinStakeAmount() *thread.Amount {
	return thread.AmountFromUint64(c.MinStake)
}

// IsSolo reports whether this genesis config describes a single-validator
// chain running in solo mode — the only condition under which
// weave.Engine.ProduceBlock's HotStuff bypass is appropriate.
func (c *Config) IsSolo() bool {
	return c.SingleValidatorMode && len(c.Validators) == 1
}
