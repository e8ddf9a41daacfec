// Package thread implements per-account threads: their local state, the
// signed multi-party knots that mutate it, and the nine-rule validator
// that guards every knot before it is applied.
package thread

import (
	"github.com/holiman/uint256"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
)

// TokenID identifies a fungible token; the all-zero TokenID is the native
// token (NORN).
type TokenID = hash.Hash

// LoomID identifies a deployed loom contract.
type LoomID = hash.Hash

// Version is a thread's monotonically increasing knot counter.
type Version = uint64

// Timestamp is seconds since the Unix epoch.
type Timestamp = uint64

// NativeTokenID is the zero TokenID, denoting the chain's native token.
var NativeTokenID = hash.Zero

// Amount is an unsigned integer backed by uint256.Int, the same
// bounded-register type the pack's EVM-family repos use for balances.
// Values are not range-checked to 128 bits; only native-token balances
// are bounded, by MaxSupply (see State.Credit).
type Amount = uint256.Int

// AmountFromUint64 constructs an Amount from a uint64.
func AmountFromUint64(v uint64) *Amount {
	return new(Amount).SetUint64(v)
}

// MaxSupply bounds the total issuable native-token supply: 10 billion NORN
// at 9 decimal places.
var MaxSupply = new(Amount).Mul(AmountFromUint64(10_000_000_000), AmountFromUint64(1_000_000_000))

const (
	// MaxMemoSize bounds a transfer's optional memo field.
	MaxMemoSize = 256
	// MaxMultiTransfers bounds the number of sub-transfers in one
	// multi-transfer knot.
	MaxMultiTransfers = 64
	// MaxTimestampDrift bounds how far into the future a knot's
	// timestamp may be relative to the validator's clock.
	MaxTimestampDrift Timestamp = 300
)

// Address re-exports keys.Address for callers that only need the thread
// package.
type Address = keys.Address

// PublicKey re-exports keys.PublicKey.
type PublicKey = keys.PublicKey
