// Package loomvm is a fuel-metered WASM sandbox for loom contracts. It
// wraps wasmtime, registering the "norn" host ABI (state, transfers,
// logging, block context) that every loom contract is compiled against.
package loomvm

import (
	"errors"

	"norn.network/weave/internal/thread"
)

// DefaultGasLimit is the fuel budget for a call when the caller doesn't
// specify one.
const DefaultGasLimit = 10_000_000

// MaxMemoryBytes caps a loom instance's linear memory at 16 MiB.
const MaxMemoryBytes = 16 * 1024 * 1024

var (
	ErrOutOfBounds       = errors.New("loomvm: out-of-bounds memory access")
	ErrTransferNotSender = errors.New("loomvm: transfer from address must match the instance sender")
	ErrNonPositiveAmount = errors.New("loomvm: transfer amount must be positive")
)

// PendingTransfer is a token transfer a contract requested mid-call; the
// caller (LoomManager) only applies these once the whole call succeeds.
type PendingTransfer struct {
	From   thread.Address
	To     thread.Address
	Token  thread.TokenID
	Amount uint64
}

// Event is a structured event a contract emitted during execution.
type Event struct {
	Type       string
	Attributes [][2]string
}

// HostState is the per-call state the "norn" host functions read from and
// mutate. It is seeded with the loom's persisted key-value state before a
// call and, once the call returns, carries every state write, log line,
// pending transfer, and event the contract produced.
type HostState struct {
	Sender      thread.Address
	BlockHeight uint64
	Timestamp   uint64
	GasLimit    uint64

	State map[string][]byte

	Logs             []string
	PendingTransfers []PendingTransfer
	Events           []Event
}

// NewHostState builds an empty HostState for a call from sender at
// blockHeight/timestamp, metered at gasLimit units of fuel.
func NewHostState(sender thread.Address, blockHeight, timestamp, gasLimit uint64) *HostState {
	return &HostState{
		Sender:      sender,
		BlockHeight: blockHeight,
		Timestamp:   timestamp,
		GasLimit:    gasLimit,
		State:       make(map[string][]byte),
	}
}

// Log appends a UTF-8 log line emitted via norn_log.
func (h *HostState) Log(msg string) {
	h.Logs = append(h.Logs, msg)
}

// StateGet reads a key from the instance's KV state.
func (h *HostState) StateGet(key []byte) ([]byte, bool) {
	v, ok := h.State[string(key)]
	return v, ok
}

// StateSet writes a key into the instance's KV state, copying val so the
// contract's wasm memory can be reused or freed afterward.
func (h *HostState) StateSet(key, val []byte) {
	stored := make([]byte, len(val))
	copy(stored, val)
	h.State[string(key)] = stored
}

// Transfer records a pending outgoing transfer requested via
// norn_transfer. It rejects a non-positive amount and any from address
// that isn't the instance's own sender — a contract may only move its own
// funds, never impersonate another account.
func (h *HostState) Transfer(from, to thread.Address, token thread.TokenID, amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	if from != h.Sender {
		return ErrTransferNotSender
	}
	h.PendingTransfers = append(h.PendingTransfers, PendingTransfer{From: from, To: to, Token: token, Amount: uint64(amount)})
	return nil
}
