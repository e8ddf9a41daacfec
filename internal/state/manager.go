// Package state tracks the weave's global view: every thread's balances
// and history, the name registry, and the archive of finalized blocks.
// It sits above internal/thread (which only knows about one thread at a
// time) and is what the rest of the node — mempool application, RPC
// queries, block archival — actually talks to.
package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/naming"
	"norn.network/weave/internal/thread"
)

// Bounds on in-memory history; older entries are expected to be
// recoverable from internal/storage once a node restarts.
const (
	MaxBlockArchive = 1000
	MaxTransferLog  = 10_000
	MaxKnownKnotIDs = 50_000
)

var (
	ErrThreadNotFound      = errors.New("state: thread not found")
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrInvalidAmount       = errors.New("state: invalid amount")
	ErrSupplyCapExceeded   = errors.New("state: supply cap exceeded")
)

// ThreadMeta tracks bookkeeping about a thread beyond its raw balances:
// who owns it, its commitment version, and its last-known state hash.
type ThreadMeta struct {
	Owner          keys.PublicKey
	Version        thread.Version
	StateHash      hash.Hash
	LastCommitHash hash.Hash
}

// TransferRecord is a logged transfer, used to answer history queries.
type TransferRecord struct {
	KnotID      hash.Hash
	From        thread.Address
	To          thread.Address
	TokenID     thread.TokenID
	Amount      *thread.Amount
	Memo        []byte
	Timestamp   thread.Timestamp
	BlockHeight *uint64
}

// NameRecord is a registered name's ownership and registration details.
type NameRecord struct {
	Owner        thread.Address
	RegisteredAt thread.Timestamp
	FeePaid      *thread.Amount
	Records      map[string]string
}

// Store is the persistence boundary a Manager writes through to on every
// mutation. Implementations should treat failures as non-fatal warnings:
// in-memory state is always the node's source of truth for the current
// session, and persistence failures are recovered by replay, not by
// aborting the in-flight operation.
type Store interface {
	SaveThreadState(addr thread.Address, s *thread.State) error
	SaveThreadMeta(addr thread.Address, m ThreadMeta) error
	AppendTransfer(r TransferRecord) error
	SaveBlock(b *block.WeaveBlock) error
	SaveName(name string, r NameRecord) error
}

// Manager is the node-side aggregation of every thread's state, transfer
// history, and the archive of finalized blocks.
type Manager struct {
	mu sync.RWMutex

	threadStates map[thread.Address]*thread.State
	threadMeta   map[thread.Address]ThreadMeta
	transferLog  []TransferRecord
	blockArchive []*block.WeaveBlock

	nameRegistry map[string]NameRecord
	addressNames map[thread.Address][]string

	knownKnotIDs map[hash.Hash]bool

	totalSupplyCache *thread.Amount

	store Store
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		threadStates:     make(map[thread.Address]*thread.State),
		threadMeta:       make(map[thread.Address]ThreadMeta),
		nameRegistry:     make(map[string]NameRecord),
		addressNames:     make(map[thread.Address][]string),
		knownKnotIDs:     make(map[hash.Hash]bool),
		totalSupplyCache: thread.AmountFromUint64(0),
	}
}

// SetStore attaches a persistence layer for write-through.
func (m *Manager) SetStore(store Store) {
	m.store = store
}

func (m *Manager) persist(addr thread.Address) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveThreadState(addr, m.threadStates[addr]); err != nil {
		logrus.WithError(err).WithField("address", hex.EncodeToString(addr[:])).Warn("failed to persist thread state")
	}
	if meta, ok := m.threadMeta[addr]; ok {
		if err := m.store.SaveThreadMeta(addr, meta); err != nil {
			logrus.WithError(err).WithField("address", hex.EncodeToString(addr[:])).Warn("failed to persist thread meta")
		}
	}
}

// RegisterThread creates a new empty thread owned by pubkey. A no-op if
// the address is already registered.
func (m *Manager) RegisterThread(addr thread.Address, pubkey keys.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerThreadLocked(addr, pubkey)
}

func (m *Manager) registerThreadLocked(addr thread.Address, pubkey keys.PublicKey) {
	if _, ok := m.threadStates[addr]; ok {
		return
	}
	s := thread.NewState()
	m.threadStates[addr] = s
	m.threadMeta[addr] = ThreadMeta{Owner: pubkey, StateHash: thread.ComputeStateHash(s)}
	m.persist(addr)
}

// IsRegistered reports whether addr has a thread.
func (m *Manager) IsRegistered(addr thread.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.threadStates[addr]
	return ok
}

// AutoRegisterIfNeeded registers addr with a zero pubkey if it doesn't
// already exist — used for transfer recipients whose key is unknown.
func (m *Manager) AutoRegisterIfNeeded(addr thread.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threadStates[addr]; !ok {
		m.registerThreadLocked(addr, keys.PublicKey{})
	}
}

// AutoRegisterWithPubkey registers addr with pubkey if it doesn't already
// exist.
func (m *Manager) AutoRegisterWithPubkey(addr thread.Address, pubkey keys.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threadStates[addr]; !ok {
		m.registerThreadLocked(addr, pubkey)
	}
}

// HasTransfer reports whether a transfer with this knot ID has already
// been applied, guarding against double-application from gossip plus a
// finalized block.
func (m *Manager) HasTransfer(knotID hash.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.knownKnotIDs[knotID]
}

// TotalSupply returns the cached circulating native-token supply.
func (m *Manager) TotalSupply() *thread.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(thread.Amount).Set(m.totalSupplyCache)
}

// Credit adds amount of token to addr's balance. Native-token credits are
// bounded by thread.MaxSupply.
func (m *Manager) Credit(addr thread.Address, token thread.TokenID, amount *thread.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token == thread.NativeTokenID {
		newTotal := new(thread.Amount).Add(m.totalSupplyCache, amount)
		if newTotal.Cmp(thread.MaxSupply) > 0 {
			return ErrSupplyCapExceeded
		}
	}

	s, ok := m.threadStates[addr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, addr)
	}
	if err := s.Credit(token, amount); err != nil {
		return err
	}
	if token == thread.NativeTokenID {
		m.totalSupplyCache = new(thread.Amount).Add(m.totalSupplyCache, amount)
	}
	m.refreshStateHashLocked(addr)
	m.persist(addr)
	return nil
}

// DebitToken removes amount of token from addr's balance, the symmetric
// counterpart to Credit used when a token burn destroys supply rather
// than moving it to another thread.
func (m *Manager) DebitToken(addr thread.Address, token thread.TokenID, amount *thread.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.threadStates[addr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, addr)
	}
	if !s.Debit(token, amount) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, s.Balance(token), amount)
	}
	if token == thread.NativeTokenID {
		m.totalSupplyCache = saturatingSub(m.totalSupplyCache, amount)
	}
	m.refreshStateHashLocked(addr)
	m.persist(addr)
	return nil
}

func (m *Manager) refreshStateHashLocked(addr thread.Address) {
	meta, ok := m.threadMeta[addr]
	if !ok {
		return
	}
	meta.StateHash = thread.ComputeStateHash(m.threadStates[addr])
	m.threadMeta[addr] = meta
}

// ApplyTransfer debits from, credits to, and logs the transfer. Fails
// atomically: if the sender lacks balance or either address is
// unregistered, no state changes.
func (m *Manager) ApplyTransfer(from, to thread.Address, token thread.TokenID, amount *thread.Amount, knotID hash.Hash, memo []byte, timestamp thread.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.IsZero() {
		return ErrInvalidAmount
	}
	sender, ok := m.threadStates[from]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, from)
	}
	if !sender.HasBalance(token, amount) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, sender.Balance(token), amount)
	}
	receiver, ok := m.threadStates[to]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, to)
	}

	sender.Debit(token, amount)
	if err := receiver.Credit(token, amount); err != nil {
		return err
	}

	m.refreshStateHashLocked(from)
	m.refreshStateHashLocked(to)
	m.knownKnotIDs[knotID] = true
	m.logTransferLocked(TransferRecord{KnotID: knotID, From: from, To: to, TokenID: token, Amount: amount, Memo: memo, Timestamp: timestamp})

	m.persist(from)
	m.persist(to)
	if m.store != nil {
		if err := m.store.AppendTransfer(m.transferLog[len(m.transferLog)-1]); err != nil {
			logrus.WithError(err).Warn("failed to persist transfer record")
		}
	}
	return nil
}

// ApplyPeerTransfer applies a transfer received from a peer block or
// gossip: it debits the sender best-effort (warning, not failing, on
// insufficient balance — the sender's true balance is whatever the
// finalized block says) and always credits the receiver.
func (m *Manager) ApplyPeerTransfer(from, to thread.Address, token thread.TokenID, amount *thread.Amount, knotID hash.Hash, memo []byte, timestamp thread.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.IsZero() {
		return ErrInvalidAmount
	}

	if sender, ok := m.threadStates[from]; ok {
		if sender.HasBalance(token, amount) {
			sender.Debit(token, amount)
			m.refreshStateHashLocked(from)
		} else {
			logrus.WithFields(logrus.Fields{"from": hex.EncodeToString(from[:]), "amount": amount.String()}).Warn("peer transfer: sender has insufficient balance")
		}
	} else {
		logrus.WithField("from", hex.EncodeToString(from[:])).Warn("peer transfer: sender not registered, skipping debit")
	}

	receiver, ok := m.threadStates[to]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, to)
	}
	if err := receiver.Credit(token, amount); err != nil {
		return err
	}
	m.refreshStateHashLocked(to)
	m.knownKnotIDs[knotID] = true
	m.logTransferLocked(TransferRecord{KnotID: knotID, From: from, To: to, TokenID: token, Amount: amount, Memo: memo, Timestamp: timestamp})

	m.persist(from)
	m.persist(to)
	if m.store != nil {
		if err := m.store.AppendTransfer(m.transferLog[len(m.transferLog)-1]); err != nil {
			logrus.WithError(err).Warn("failed to persist transfer record")
		}
	}
	return nil
}

func (m *Manager) logTransferLocked(r TransferRecord) {
	m.transferLog = append(m.transferLog, r)
}

// GetBalance returns addr's balance of token, zero if unregistered.
func (m *Manager) GetBalance(addr thread.Address, token thread.TokenID) *thread.Amount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.threadStates[addr]
	if !ok {
		return thread.AmountFromUint64(0)
	}
	return s.Balance(token)
}

// DebitFee burns fee from addr's native-token balance. A best-effort
// operation: it logs and returns rather than failing the enclosing block
// if addr is unregistered or underfunded, since the block itself has
// already been finalized by the time fees are collected.
func (m *Manager) DebitFee(addr thread.Address, fee *thread.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fee.IsZero() {
		return
	}
	s, ok := m.threadStates[addr]
	if !ok {
		logrus.WithField("address", hex.EncodeToString(addr[:])).Warn("fee debit: address not registered, skipping")
		return
	}
	if !s.HasBalance(thread.NativeTokenID, fee) {
		logrus.WithField("address", hex.EncodeToString(addr[:])).Warn("fee debit: insufficient balance, skipping")
		return
	}
	s.Debit(thread.NativeTokenID, fee)
	m.totalSupplyCache = saturatingSub(m.totalSupplyCache, fee)
	m.refreshStateHashLocked(addr)
	m.persist(addr)
}

func saturatingSub(a, b *thread.Amount) *thread.Amount {
	if a.Cmp(b) < 0 {
		return thread.AmountFromUint64(0)
	}
	return new(thread.Amount).Sub(a, b)
}

// GetThreadState returns addr's thread state, or nil if unregistered.
func (m *Manager) GetThreadState(addr thread.Address) *thread.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threadStates[addr]
}

// GetThreadMeta returns addr's metadata and whether it exists.
func (m *Manager) GetThreadMeta(addr thread.Address) (ThreadMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.threadMeta[addr]
	return meta, ok
}

// GetHistory returns up to limit transfer records involving addr, newest
// first, skipping the first offset matches.
func (m *Manager) GetHistory(addr thread.Address, limit, offset int) []TransferRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TransferRecord
	skipped := 0
	for i := len(m.transferLog) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.transferLog[i]
		if r.From != addr && r.To != addr {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, r)
	}
	return out
}

// RecordCommitment updates a thread's version and state hash after a
// commitment is applied.
func (m *Manager) RecordCommitment(addr thread.Address, version thread.Version, stateHash, prevHash hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.threadMeta[addr]
	if !ok {
		return
	}
	meta.Version = version
	meta.StateHash = stateHash
	meta.LastCommitHash = prevHash
	m.threadMeta[addr] = meta
}

// ArchiveBlock appends a finalized block to the in-memory archive,
// evicting the oldest entries once MaxBlockArchive is exceeded (older
// blocks are expected to remain queryable via internal/storage).
func (m *Manager) ArchiveBlock(b *block.WeaveBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveBlock(b); err != nil {
			logrus.WithError(err).WithField("height", b.Height).Warn("failed to persist block")
		}
	}
	m.blockArchive = append(m.blockArchive, b)
	if len(m.blockArchive) > MaxBlockArchive {
		excess := len(m.blockArchive) - MaxBlockArchive
		m.blockArchive = m.blockArchive[excess:]
	}
	if len(m.transferLog) > MaxTransferLog {
		excess := len(m.transferLog) - MaxTransferLog
		m.transferLog = m.transferLog[excess:]
	}
	if len(m.knownKnotIDs) > MaxKnownKnotIDs {
		m.knownKnotIDs = make(map[hash.Hash]bool, len(m.transferLog))
		for _, r := range m.transferLog {
			m.knownKnotIDs[r.KnotID] = true
		}
	}
}

// GetBlock returns the archived block at height, or nil if it isn't in
// memory.
func (m *Manager) GetBlock(height uint64) *block.WeaveBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.blockArchive {
		if b.Height == height {
			return b
		}
	}
	return nil
}

// LatestBlockHeight returns the archive's highest height, 0 if empty.
func (m *Manager) LatestBlockHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.blockArchive) == 0 {
		return 0
	}
	return m.blockArchive[len(m.blockArchive)-1].Height
}

// RegisterName records a locally-originated name registration: deducts
// and burns the registration fee, then records ownership.
func (m *Manager) RegisterName(name string, owner thread.Address, timestamp thread.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := naming.ValidateName(name); err != nil {
		return err
	}
	if _, exists := m.nameRegistry[name]; exists {
		return fmt.Errorf("%w: %s", naming.ErrDuplicateName, name)
	}

	s, ok := m.threadStates[owner]
	if !ok {
		return fmt.Errorf("%w: %x", ErrThreadNotFound, owner)
	}
	fee := thread.AmountFromUint64(naming.RegistrationFee)
	if !s.HasBalance(thread.NativeTokenID, fee) {
		return fmt.Errorf("%w: available %s, required %s", ErrInsufficientBalance, s.Balance(thread.NativeTokenID), fee)
	}
	s.Debit(thread.NativeTokenID, fee)
	m.totalSupplyCache = saturatingSub(m.totalSupplyCache, fee)
	m.refreshStateHashLocked(owner)

	record := NameRecord{Owner: owner, RegisteredAt: timestamp, FeePaid: fee, Records: make(map[string]string)}
	m.nameRegistry[name] = record
	m.addressNames[owner] = append(m.addressNames[owner], name)

	m.persist(owner)
	if m.store != nil {
		if err := m.store.SaveName(name, record); err != nil {
			logrus.WithError(err).Warn("failed to persist name record")
		}
	}
	return nil
}

// ApplyPeerNameRegistration applies a name registration that arrived
// already-finalized in a block: the fee has already been burned on the
// originating node, so this only auto-registers the owner and records
// the name.
func (m *Manager) ApplyPeerNameRegistration(name string, owner thread.Address, ownerPubkey keys.PublicKey, timestamp thread.Timestamp, feePaid *thread.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := naming.ValidateName(name); err != nil {
		return err
	}
	if _, exists := m.nameRegistry[name]; exists {
		return fmt.Errorf("%w: %s", naming.ErrDuplicateName, name)
	}
	if _, ok := m.threadStates[owner]; !ok {
		m.registerThreadLocked(owner, ownerPubkey)
	}

	record := NameRecord{Owner: owner, RegisteredAt: timestamp, FeePaid: feePaid, Records: make(map[string]string)}
	m.nameRegistry[name] = record
	m.addressNames[owner] = append(m.addressNames[owner], name)

	if m.store != nil {
		if err := m.store.SaveName(name, record); err != nil {
			logrus.WithError(err).Warn("failed to persist name record")
		}
	}
	return nil
}

// ApplyNameTransfer moves a name to a new owner, recorded in the registry.
func (m *Manager) ApplyNameTransfer(name string, to thread.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.nameRegistry[name]
	if !ok {
		return fmt.Errorf("%w: %s", naming.ErrNameNotRegistered, name)
	}
	from := record.Owner
	record.Owner = to
	m.nameRegistry[name] = record

	for i, n := range m.addressNames[from] {
		if n == name {
			m.addressNames[from] = append(m.addressNames[from][:i], m.addressNames[from][i+1:]...)
			break
		}
	}
	m.addressNames[to] = append(m.addressNames[to], name)

	if m.store != nil {
		if err := m.store.SaveName(name, record); err != nil {
			logrus.WithError(err).Warn("failed to persist name record after transfer")
		}
	}
	return nil
}

// ApplyNameRecordUpdate sets a record key/value on an already-registered
// name.
func (m *Manager) ApplyNameRecordUpdate(name, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.nameRegistry[name]
	if !ok {
		return fmt.Errorf("%w: %s", naming.ErrNameNotRegistered, name)
	}
	if record.Records == nil {
		record.Records = make(map[string]string)
	}
	record.Records[key] = value
	m.nameRegistry[name] = record

	if m.store != nil {
		if err := m.store.SaveName(name, record); err != nil {
			logrus.WithError(err).Warn("failed to persist name record after update")
		}
	}
	return nil
}

// ResolveName returns the record for name, if registered.
func (m *Manager) ResolveName(name string) (NameRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.nameRegistry[name]
	return r, ok
}

// RegisteredNames returns every registered name string.
func (m *Manager) RegisteredNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.nameRegistry))
	for n := range m.nameRegistry {
		out = append(out, n)
	}
	return out
}

// RegisteredThreadIDs returns every registered thread address.
func (m *Manager) RegisteredThreadIDs() []thread.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]thread.Address, 0, len(m.threadStates))
	for a := range m.threadStates {
		out = append(out, a)
	}
	return out
}

// NamesForAddress returns every name addr owns.
func (m *Manager) NamesForAddress(addr thread.Address) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.addressNames[addr]...)
}

// CurrentNameOwners returns a snapshot of name -> owner address, used by
// internal/naming's transfer/record-update validators.
func (m *Manager) CurrentNameOwners() map[string]thread.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]thread.Address, len(m.nameRegistry))
	for n, r := range m.nameRegistry {
		out[n] = r.Owner
	}
	return out
}

// ExistingNames returns a snapshot of every registered name, used by
// internal/naming's registration validator to reject duplicates.
func (m *Manager) ExistingNames() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.nameRegistry))
	for n := range m.nameRegistry {
		out[n] = true
	}
	return out
}

// Restore repopulates the manager from persisted records, bypassing the
// normal mutation path since this data has already been persisted. It
// derives the address-to-names index from the name registry and
// recomputes the native-token supply cache from the restored balances,
// the same reconstruction internal/storage's Rebuild performs after
// loading every prefix back from disk.
func (m *Manager) Restore(
	threadStates map[thread.Address]*thread.State,
	threadMeta map[thread.Address]ThreadMeta,
	transfers []TransferRecord,
	names map[string]NameRecord,
	blocks []*block.WeaveBlock,
) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.threadStates = threadStates
	m.threadMeta = threadMeta
	m.transferLog = transfers
	m.nameRegistry = names

	m.addressNames = make(map[thread.Address][]string)
	for name, record := range names {
		m.addressNames[record.Owner] = append(m.addressNames[record.Owner], name)
	}

	m.knownKnotIDs = make(map[hash.Hash]bool, len(transfers))
	for _, r := range transfers {
		m.knownKnotIDs[r.KnotID] = true
	}

	supply := thread.AmountFromUint64(0)
	for _, s := range threadStates {
		supply = new(thread.Amount).Add(supply, s.Balance(thread.NativeTokenID))
	}
	m.totalSupplyCache = supply

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	m.blockArchive = blocks
	if len(m.blockArchive) > MaxBlockArchive {
		excess := len(m.blockArchive) - MaxBlockArchive
		m.blockArchive = m.blockArchive[excess:]
	}
}
