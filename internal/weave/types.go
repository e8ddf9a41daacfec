// Package weave orchestrates consensus, mempool, staking, loom, and
// thread state into a single periodic block cycle: it drains the
// mempool, proposes and finalizes blocks through HotStuff, applies their
// contents to state, and distributes epoch rewards.
package weave

import (
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/thread"
)

// BlocksPerEpoch is how many blocks separate two epoch-reward
// distributions. No fixed value is specified upstream; ten thousand
// blocks at a target block time keeps reward payouts on a roughly daily
// cadence without the epoch accounting complicating short-lived tests.
const BlocksPerEpoch = 10_000

// TokenMeta is a token's definition plus its running supply, tracked by
// the engine itself rather than a standalone package — the upstream
// design keeps this bookkeeping inline with the engine that enforces it.
type TokenMeta struct {
	Name          string
	Symbol        string
	Decimals      uint8
	MaxSupply     *thread.Amount
	CurrentSupply *thread.Amount
	Creator       thread.Address
	CreatedAt     thread.Timestamp
}

// Encode writes the canonical encoding of a TokenMeta, the form
// internal/storage persists under the token prefix.
func (m TokenMeta) Encode(w *codec.Writer) {
	w.String(m.Name)
	w.String(m.Symbol)
	w.U8(m.Decimals)
	maxSupply := m.MaxSupply.Bytes32()
	w.Fixed(maxSupply[:])
	currentSupply := m.CurrentSupply.Bytes32()
	w.Fixed(currentSupply[:])
	w.Fixed(m.Creator[:])
	w.U64(m.CreatedAt)
}

// DecodeTokenMeta reads a TokenMeta written by Encode.
func DecodeTokenMeta(r *codec.Reader) (TokenMeta, error) {
	var m TokenMeta
	var err error
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	if m.Symbol, err = r.String(); err != nil {
		return m, err
	}
	if m.Decimals, err = r.U8(); err != nil {
		return m, err
	}
	maxSupply, err := r.Fixed(32)
	if err != nil {
		return m, err
	}
	m.MaxSupply = new(thread.Amount).SetBytes32(maxSupply)
	currentSupply, err := r.Fixed(32)
	if err != nil {
		return m, err
	}
	m.CurrentSupply = new(thread.Amount).SetBytes32(currentSupply)
	creator, err := r.Fixed(len(m.Creator))
	if err != nil {
		return m, err
	}
	copy(m.Creator[:], creator)
	if m.CreatedAt, err = r.U64(); err != nil {
		return m, err
	}
	return m, nil
}

// pendingLoomDeploy is the full loom-deploy request an operator
// submitted, keyed the same way the mempool dedups mempool.LoomDeploy
// envelopes, so the engine can recover deploy-time metadata (operator,
// participant cap) that the envelope itself doesn't carry.
type pendingLoomDeploy struct {
	Operator thread.Address
	Config   loom.LoomConfig
	Bytecode []byte
}

// pendingTokenDefinition, pendingTokenMint, and pendingTokenBurn recover
// the structured fields a mempool.TokenDefinition/TokenMint/TokenBurn's
// opaque Payload carries, stashed at submit time under the same key the
// mempool dedups the envelope by (token id for definitions, content hash
// for mints/burns) since no wire codec for these envelopes exists yet.
type pendingTokenDefinition struct {
	Name      string
	Symbol    string
	Decimals  uint8
	MaxSupply *thread.Amount
	Creator   thread.Address
}

type pendingTokenMint struct {
	TokenID thread.TokenID
	To      thread.Address
	Amount  *thread.Amount
}

type pendingTokenBurn struct {
	TokenID thread.TokenID
	From    thread.Address
	Amount  *thread.Amount
}

// pendingNameRecordUpdate recovers the key/value pair a
// mempool.NameRecordUpdate's opaque Payload carries, keyed by name to
// match the mempool's own dedup key.
type pendingNameRecordUpdate struct {
	Key   string
	Value string
}

// WeaveState is the global chain-head metadata the engine advances as
// blocks commit: current height and the hash of the last committed block.
// The fee state is held by Engine, not here.
type WeaveState struct {
	Height     uint64
	LatestHash hash.Hash
}
