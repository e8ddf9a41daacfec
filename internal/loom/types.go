// Package loom implements the lifecycle of looms: multi-party WASM
// contracts deployed over the weave, with their own bytecode, key-value
// state, and participant roster. It wraps internal/loomvm's sandbox with
// the deploy/join/leave/execute/query/anchor operations the rest of the
// node drives.
package loom

import (
	"errors"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/loomvm"
	"norn.network/weave/internal/thread"
)

var (
	ErrLoomNotFound          = errors.New("loom: unknown loom id")
	ErrEmptyBytecode         = errors.New("loom: bytecode must not be empty")
	ErrAlreadyExists         = errors.New("loom: loom already deployed")
	ErrParticipantLimit      = errors.New("loom: participant limit reached")
	ErrNotParticipant        = errors.New("loom: sender is not an active participant")
	ErrNoBytecode            = errors.New("loom: loom has no bytecode attached")
	ErrBytecodeAlreadyExists = errors.New("loom: loom already has bytecode attached")
)

// LoomConfig is the on-chain configuration a loom is deployed with.
type LoomConfig struct {
	MaxParticipants uint32
}

// Participant is one member of a loom's roster. A participant that has
// left stays in the roster with Active=false so rejoining is idempotent
// rather than appending a duplicate entry.
type Participant struct {
	PubKey  thread.PublicKey
	Address thread.Address
	Active  bool
}

// Loom is a deployed loom's metadata: its configuration, roster, and
// version counter. The contract's bytecode and key-value state live
// separately, in the manager's bytecodes/states maps, so that a loom
// registered on-chain during Phase 1 can exist before its bytecode is
// uploaded in Phase 2.
type Loom struct {
	ID          thread.LoomID
	Operator    thread.Address
	Config      LoomConfig
	Version     thread.Version
	Active      bool
	Participants []Participant
	CreatedAt   thread.Timestamp
	LastUpdated thread.Timestamp
}

// ActiveParticipantCount reports how many participants currently have
// Active set.
func (l *Loom) ActiveParticipantCount() int {
	n := 0
	for _, p := range l.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// findParticipant returns the index of the participant with address, or
// -1 if none exists.
func (l *Loom) findParticipant(address thread.Address) int {
	for i, p := range l.Participants {
		if p.Address == address {
			return i
		}
	}
	return -1
}

// LoomBytecode is a loom's compiled contract, identified by the BLAKE3
// hash of its bytes.
type LoomBytecode struct {
	Bytes    []byte
	WasmHash hash.Hash
}

// LoomState is a loom's persisted key-value store, threaded into every
// execution and query as the contract's starting HostState.
type LoomState struct {
	Data map[string][]byte
}

// NewLoomState returns an empty state.
func NewLoomState() *LoomState {
	return &LoomState{Data: make(map[string][]byte)}
}

// stateHash returns a deterministic digest of a state's contents,
// independent of Go's randomized map iteration order.
func stateHash(data map[string][]byte) hash.Hash {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sortStrings(keys)

	buf := make([]byte, 0, 256)
	for _, k := range keys {
		v := data[k]
		buf = appendLenPrefixed(buf, []byte(k))
		buf = appendLenPrefixed(buf, v)
	}
	return hash.Sum(buf)
}

func appendLenPrefixed(buf, b []byte) []byte {
	var lenBuf [8]byte
	putUint64LE(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func putUint64LE(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// LoomStateTransition records the before/after of a single execute call,
// anchored into the weave alongside the block that carried it.
type LoomStateTransition struct {
	LoomID        thread.LoomID
	PrevStateHash hash.Hash
	NewStateHash  hash.Hash
	Inputs        []byte
	Outputs       []byte
}

// ExecutionOutcome is the full result of a successful Execute call.
type ExecutionOutcome struct {
	Transition       LoomStateTransition
	GasUsed          uint64
	Logs             []string
	PendingTransfers []loomvm.PendingTransfer
	Events           []loomvm.Event
}

// QueryOutcome is the result of a read-only Query call; it carries no
// state transition since query results are never persisted.
type QueryOutcome struct {
	Output  []byte
	GasUsed uint64
	Logs    []string
	Events  []loomvm.Event
}
