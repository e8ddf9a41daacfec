// Package rpc names the JSON-RPC surface a weave node would expose to
// wallets, explorers, and other external tools: thread state and history
// queries, commitment/knot submission, name resolution, staking and loom
// queries. The surface itself — the actual HTTP/JSON-RPC server — is an
// external collaborator's concern and isn't implemented here; this
// package exists so the method set has one place to be named and kept in
// sync with internal/weave and internal/state as they grow.
package rpc

import (
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/naming"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/thread"
)

// NodeQuery is the read-only surface a JSON-RPC server would delegate to
// a running node's weave.Engine and state.Manager.
type NodeQuery interface {
	GetThreadState(addr thread.Address) *thread.State
	GetThreadMeta(addr thread.Address) (state.ThreadMeta, bool)
	GetHistory(addr thread.Address, limit, offset int) []state.TransferRecord
	ResolveName(name string) (state.NameRecord, bool)
	ActiveValidators() *staking.ValidatorSet
	IsLoomKnown(loomID thread.LoomID) bool
}

// NodeSubmit is the write surface: content a client hands the node for
// mempool inclusion, validated the same way a peer's gossip would be.
type NodeSubmit interface {
	SubmitCommitment(c *thread.CommitmentUpdate) error
	SubmitRegistration(r *thread.Registration) error
	SubmitNameRegistration(r *naming.Registration, existingNames map[string]bool) error
	SubmitLoomDeploy(loomID thread.LoomID, operator thread.Address, config loom.LoomConfig, bytecode []byte) error
}
