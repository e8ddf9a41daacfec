package loom

import (
	"fmt"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/loomvm"
	"norn.network/weave/internal/thread"
)

// Manager owns every deployed loom's metadata, bytecode, and state, and
// drives contract calls through internal/loomvm. It holds no lock of its
// own — callers (the weave engine applying a block) are expected to
// serialize access the same way they serialize every other state
// mutation.
type Manager struct {
	runtime *loomvm.Runtime

	looms     map[thread.LoomID]*Loom
	bytecodes map[thread.LoomID]*LoomBytecode
	states    map[thread.LoomID]*LoomState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		runtime:   loomvm.New(),
		looms:     make(map[thread.LoomID]*Loom),
		bytecodes: make(map[thread.LoomID]*LoomBytecode),
		states:    make(map[thread.LoomID]*LoomState),
	}
}

// Deploy registers a brand-new loom with its bytecode attached, starting
// at version 0 with an empty roster and empty state.
func (m *Manager) Deploy(id thread.LoomID, config LoomConfig, operator thread.Address, bytecode []byte, timestamp thread.Timestamp) error {
	if len(bytecode) == 0 {
		return ErrEmptyBytecode
	}
	if _, exists := m.looms[id]; exists {
		return ErrAlreadyExists
	}

	m.looms[id] = &Loom{
		ID:          id,
		Operator:    operator,
		Config:      config,
		Version:     0,
		Active:      true,
		CreatedAt:   timestamp,
		LastUpdated: timestamp,
	}
	m.bytecodes[id] = &LoomBytecode{Bytes: bytecode, WasmHash: hash.Sum(bytecode)}
	m.states[id] = NewLoomState()
	return nil
}

// Join adds pubkey/address as a participant of loom id, enforcing
// MaxParticipants. Joining twice while already active is a no-op;
// rejoining after having left reactivates the existing roster entry
// rather than appending a duplicate.
func (m *Manager) Join(id thread.LoomID, pubkey thread.PublicKey, address thread.Address, timestamp thread.Timestamp) error {
	l, ok := m.looms[id]
	if !ok {
		return ErrLoomNotFound
	}

	if idx := l.findParticipant(address); idx >= 0 {
		if l.Participants[idx].Active {
			return nil
		}
		if l.Config.MaxParticipants > 0 && uint32(l.ActiveParticipantCount()) >= l.Config.MaxParticipants {
			return ErrParticipantLimit
		}
		l.Participants[idx].Active = true
		l.Participants[idx].PubKey = pubkey
		l.LastUpdated = timestamp
		return nil
	}

	if l.Config.MaxParticipants > 0 && uint32(l.ActiveParticipantCount()) >= l.Config.MaxParticipants {
		return ErrParticipantLimit
	}
	l.Participants = append(l.Participants, Participant{PubKey: pubkey, Address: address, Active: true})
	l.LastUpdated = timestamp
	return nil
}

// Leave deactivates address's participation in loom id. It errors if
// address is not a currently active participant.
func (m *Manager) Leave(id thread.LoomID, address thread.Address, timestamp thread.Timestamp) error {
	l, ok := m.looms[id]
	if !ok {
		return ErrLoomNotFound
	}
	idx := l.findParticipant(address)
	if idx < 0 || !l.Participants[idx].Active {
		return ErrNotParticipant
	}
	l.Participants[idx].Active = false
	l.LastUpdated = timestamp
	return nil
}

// Execute runs the loom's exported execute function with input, applying
// any resulting state mutation and bumping the loom's version. sender
// must be an active participant.
func (m *Manager) Execute(id thread.LoomID, input []byte, sender thread.Address, blockHeight uint64, timestamp thread.Timestamp) (*ExecutionOutcome, error) {
	l, bc, st, err := m.lookupForCall(id, sender)
	if err != nil {
		return nil, err
	}

	prevHash := stateHash(st.Data)
	host := seedHostState(sender, blockHeight, timestamp, st.Data)

	inst, err := m.runtime.Instantiate(bc.Bytes, host)
	if err != nil {
		return nil, fmt.Errorf("loom: instantiate %x: %w", id, err)
	}
	output, err := inst.CallExecute(input)
	if err != nil {
		return nil, fmt.Errorf("loom: execute %x: %w", id, err)
	}

	st.Data = host.State
	newHash := stateHash(st.Data)
	l.Version++
	l.LastUpdated = timestamp

	return &ExecutionOutcome{
		Transition: LoomStateTransition{
			LoomID:        id,
			PrevStateHash: prevHash,
			NewStateHash:  newHash,
			Inputs:        input,
			Outputs:       output,
		},
		GasUsed:          inst.GasUsed(),
		Logs:             host.Logs,
		PendingTransfers: host.PendingTransfers,
		Events:           host.Events,
	}, nil
}

// Query runs the loom's exported query function with input, discarding
// any state mutation the call made.
func (m *Manager) Query(id thread.LoomID, input []byte, sender thread.Address, blockHeight uint64, timestamp thread.Timestamp) (*QueryOutcome, error) {
	_, bc, st, err := m.lookupForCall(id, sender)
	if err != nil {
		return nil, err
	}

	host := seedHostState(sender, blockHeight, timestamp, st.Data)
	inst, err := m.runtime.Instantiate(bc.Bytes, host)
	if err != nil {
		return nil, fmt.Errorf("loom: instantiate %x: %w", id, err)
	}
	output, err := inst.CallQuery(input)
	if err != nil {
		return nil, fmt.Errorf("loom: query %x: %w", id, err)
	}

	return &QueryOutcome{
		Output:  output,
		GasUsed: inst.GasUsed(),
		Logs:    host.Logs,
		Events:  host.Events,
	}, nil
}

// lookupForCall validates that id names a loom with bytecode attached and
// that sender is one of its active participants.
func (m *Manager) lookupForCall(id thread.LoomID, sender thread.Address) (*Loom, *LoomBytecode, *LoomState, error) {
	l, ok := m.looms[id]
	if !ok {
		return nil, nil, nil, ErrLoomNotFound
	}
	bc, ok := m.bytecodes[id]
	if !ok {
		return nil, nil, nil, ErrNoBytecode
	}
	st, ok := m.states[id]
	if !ok {
		st = NewLoomState()
		m.states[id] = st
	}
	idx := l.findParticipant(sender)
	if idx < 0 || !l.Participants[idx].Active {
		return nil, nil, nil, ErrNotParticipant
	}
	return l, bc, st, nil
}

func seedHostState(sender thread.Address, blockHeight uint64, timestamp thread.Timestamp, data map[string][]byte) *loomvm.HostState {
	host := loomvm.NewHostState(sender, blockHeight, timestamp, loomvm.DefaultGasLimit)
	for k, v := range data {
		cp := make([]byte, len(v))
		copy(cp, v)
		host.State[k] = cp
	}
	return host
}

// Anchor returns the current state hash and version of loom id, the pair
// committed into the weave's per-thread commitment chain.
func (m *Manager) Anchor(id thread.LoomID) (hash.Hash, thread.Version, error) {
	l, ok := m.looms[id]
	if !ok {
		return hash.Hash{}, 0, ErrLoomNotFound
	}
	st, ok := m.states[id]
	if !ok {
		st = NewLoomState()
	}
	return stateHash(st.Data), l.Version, nil
}

// UploadBytecode attaches bytecode to a loom that was registered on-chain
// without it (the deploy-then-upload bridge): it initializes a fresh
// state if none exists yet and calls the contract's init with initMsg.
func (m *Manager) UploadBytecode(id thread.LoomID, bytecode []byte, initMsg []byte, blockHeight uint64, timestamp thread.Timestamp) error {
	l, ok := m.looms[id]
	if !ok {
		return ErrLoomNotFound
	}
	if len(bytecode) == 0 {
		return ErrEmptyBytecode
	}
	if _, exists := m.bytecodes[id]; exists {
		return ErrBytecodeAlreadyExists
	}

	st, ok := m.states[id]
	if !ok {
		st = NewLoomState()
		m.states[id] = st
	}

	host := seedHostState(l.Operator, blockHeight, timestamp, st.Data)
	inst, err := m.runtime.Instantiate(bytecode, host)
	if err != nil {
		return fmt.Errorf("loom: instantiate %x: %w", id, err)
	}
	if err := inst.CallInit(initMsg); err != nil {
		return fmt.Errorf("loom: init %x: %w", id, err)
	}

	st.Data = host.State
	l.Version++
	l.LastUpdated = timestamp
	m.bytecodes[id] = &LoomBytecode{Bytes: bytecode, WasmHash: hash.Sum(bytecode)}
	return nil
}

// RegisterLoom registers loom metadata from an on-chain registration that
// carries no bytecode yet, for later UploadBytecode.
func (m *Manager) RegisterLoom(loom *Loom) {
	m.looms[loom.ID] = loom
	if _, ok := m.states[loom.ID]; !ok {
		m.states[loom.ID] = NewLoomState()
	}
}

// RestoreLoom reinstates a loom's metadata, bytecode and key-value state
// from previously saved records; storage.Rebuild does not call it.
func (m *Manager) RestoreLoom(loom *Loom, bytecode *LoomBytecode, stateData map[string][]byte) {
	m.looms[loom.ID] = loom
	if bytecode != nil {
		m.bytecodes[loom.ID] = bytecode
	}
	st := NewLoomState()
	for k, v := range stateData {
		st.Data[k] = v
	}
	m.states[loom.ID] = st
}

// GetLoom returns the metadata for loom id.
func (m *Manager) GetLoom(id thread.LoomID) (*Loom, bool) {
	l, ok := m.looms[id]
	return l, ok
}

// GetBytecode returns the bytecode for loom id.
func (m *Manager) GetBytecode(id thread.LoomID) (*LoomBytecode, bool) {
	bc, ok := m.bytecodes[id]
	return bc, ok
}

// GetState returns the current state for loom id.
func (m *Manager) GetState(id thread.LoomID) (*LoomState, bool) {
	st, ok := m.states[id]
	return st, ok
}

// GetStateData returns a copy of loom id's raw key-value data;
// internal/storage does not persist it.
func (m *Manager) GetStateData(id thread.LoomID) (map[string][]byte, bool) {
	st, ok := m.states[id]
	if !ok {
		return nil, false
	}
	out := make(map[string][]byte, len(st.Data))
	for k, v := range st.Data {
		out[k] = v
	}
	return out, true
}

// GetBytecodeBytes returns the raw bytecode bytes for loom id.
func (m *Manager) GetBytecodeBytes(id thread.LoomID) ([]byte, bool) {
	bc, ok := m.bytecodes[id]
	if !ok {
		return nil, false
	}
	return bc.Bytes, true
}

// HasBytecode reports whether loom id has bytecode attached.
func (m *Manager) HasBytecode(id thread.LoomID) bool {
	_, ok := m.bytecodes[id]
	return ok
}

// ParticipantCount reports how many active participants loom id has.
func (m *Manager) ParticipantCount(id thread.LoomID) (int, bool) {
	l, ok := m.looms[id]
	if !ok {
		return 0, false
	}
	return l.ActiveParticipantCount(), true
}

// ListLooms returns every registered loom id, in no particular order.
func (m *Manager) ListLooms() []thread.LoomID {
	ids := make([]thread.LoomID, 0, len(m.looms))
	for id := range m.looms {
		ids = append(ids, id)
	}
	return ids
}
