// Package mempool holds validated but not-yet-committed weave content,
// grouped into per-kind deduplicated queues, and drains them into blocks.
package mempool

import (
	"errors"
	"sync"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/thread"
)

var (
	ErrFull         = errors.New("mempool: full")
	ErrDuplicateKey = errors.New("mempool: duplicate key")
)

// GlobalCap bounds the total number of items held across every queue.
const GlobalCap = 100_000

// queue is a FIFO of items keyed for dedup by K. The weave's content kinds
// (commitments, registrations, name ops, token ops, ...) share this shape:
// insertion-ordered, unique by some canonical key, capped only globally.
type queue[K comparable, V any] struct {
	order []K
	items map[K]V
}

func newQueue[K comparable, V any]() *queue[K, V] {
	return &queue[K, V]{items: make(map[K]V)}
}

func (q *queue[K, V]) add(key K, v V) error {
	if _, exists := q.items[key]; exists {
		return ErrDuplicateKey
	}
	q.items[key] = v
	q.order = append(q.order, key)
	return nil
}

func (q *queue[K, V]) len() int {
	return len(q.order)
}

// drain removes up to n items (or all, if n < 0) in FIFO order.
func (q *queue[K, V]) drain(n int) []V {
	if n < 0 || n > len(q.order) {
		n = len(q.order)
	}
	out := make([]V, 0, n)
	for i := 0; i < n; i++ {
		key := q.order[i]
		out = append(out, q.items[key])
		delete(q.items, key)
	}
	q.order = q.order[n:]
	return out
}

// commitmentKey dedups commitments by (thread_id, version): a thread may
// only have one pending commitment per version.
type commitmentKey struct {
	threadID thread.Address
	version  thread.Version
}

// Mempool holds pending content grouped by kind. Each queue preserves
// insertion order while rejecting duplicate keys; a global item count
// enforces GlobalCap across all of them.
type Mempool struct {
	mu sync.Mutex

	commitments       *queue[commitmentKey, *thread.CommitmentUpdate]
	registrations     *queue[thread.Address, *thread.Registration]
	nameRegistrations *queue[string, *NameRegistration]
	nameTransfers     *queue[string, *NameTransfer]
	nameRecordUpdates *queue[string, *NameRecordUpdate]
	fraudProofs       *queue[hash.Hash, *FraudProof]
	transfers         *queue[hash.Hash, *thread.Knot]
	tokenDefinitions  *queue[thread.TokenID, *TokenDefinition]
	tokenMints        *queue[hash.Hash, *TokenMint]
	tokenBurns        *queue[hash.Hash, *TokenBurn]
	loomDeploys       *queue[thread.LoomID, *LoomDeploy]
	loomAnchors       *queue[hash.Hash, *LoomAnchor]
	stakeOperations   *queue[hash.Hash, *StakeOperation]

	total int
}

// New returns an empty Mempool.
func New() *Mempool {
	return &Mempool{
		commitments:       newQueue[commitmentKey, *thread.CommitmentUpdate](),
		registrations:     newQueue[thread.Address, *thread.Registration](),
		nameRegistrations: newQueue[string, *NameRegistration](),
		nameTransfers:     newQueue[string, *NameTransfer](),
		nameRecordUpdates: newQueue[string, *NameRecordUpdate](),
		fraudProofs:       newQueue[hash.Hash, *FraudProof](),
		transfers:         newQueue[hash.Hash, *thread.Knot](),
		tokenDefinitions:  newQueue[thread.TokenID, *TokenDefinition](),
		tokenMints:        newQueue[hash.Hash, *TokenMint](),
		tokenBurns:        newQueue[hash.Hash, *TokenBurn](),
		loomDeploys:       newQueue[thread.LoomID, *LoomDeploy](),
		loomAnchors:       newQueue[hash.Hash, *LoomAnchor](),
		stakeOperations:   newQueue[hash.Hash, *StakeOperation](),
	}
}

func (m *Mempool) checkCapLocked() error {
	if m.total >= GlobalCap {
		return ErrFull
	}
	return nil
}

// AddCommitment enqueues a commitment update, deduped by (thread_id,
// version).
func (m *Mempool) AddCommitment(c *thread.CommitmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCapLocked(); err != nil {
		return err
	}
	key := commitmentKey{threadID: c.ThreadID, version: c.Version}
	if err := m.commitments.add(key, c); err != nil {
		return err
	}
	m.total++
	return nil
}

// AddRegistration enqueues a thread registration, deduped by thread_id.
func (m *Mempool) AddRegistration(r *thread.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCapLocked(); err != nil {
		return err
	}
	if err := m.registrations.add(r.ThreadID, r); err != nil {
		return err
	}
	m.total++
	return nil
}

// AddTransferKnot enqueues a transfer/multi-transfer knot, deduped by knot
// id.
func (m *Mempool) AddTransferKnot(k *thread.Knot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCapLocked(); err != nil {
		return err
	}
	if err := m.transfers.add(k.ID, k); err != nil {
		return err
	}
	m.total++
	return nil
}

// AddNameRegistration enqueues a name registration, deduped by name.
func (m *Mempool) AddNameRegistration(v *NameRegistration) error {
	return addSimple(m, m.nameRegistrations, v.Name, v)
}

// AddNameTransfer enqueues a name transfer, deduped by name.
func (m *Mempool) AddNameTransfer(v *NameTransfer) error {
	return addSimple(m, m.nameTransfers, v.Name, v)
}

// AddNameRecordUpdate enqueues a name record update, deduped by name.
func (m *Mempool) AddNameRecordUpdate(v *NameRecordUpdate) error {
	return addSimple(m, m.nameRecordUpdates, v.Name, v)
}

// AddFraudProof enqueues a fraud proof, deduped by its content hash.
func (m *Mempool) AddFraudProof(v *FraudProof) error {
	return addSimple(m, m.fraudProofs, v.Hash(), v)
}

// AddTokenDefinition enqueues a token definition, deduped by token id.
func (m *Mempool) AddTokenDefinition(v *TokenDefinition) error {
	return addSimple(m, m.tokenDefinitions, v.TokenID, v)
}

// AddTokenMint enqueues a token mint, deduped by its content hash.
func (m *Mempool) AddTokenMint(v *TokenMint) error {
	return addSimple(m, m.tokenMints, v.Hash(), v)
}

// AddTokenBurn enqueues a token burn, deduped by its content hash.
func (m *Mempool) AddTokenBurn(v *TokenBurn) error {
	return addSimple(m, m.tokenBurns, v.Hash(), v)
}

// AddLoomDeploy enqueues a loom deploy, deduped by loom id.
func (m *Mempool) AddLoomDeploy(v *LoomDeploy) error {
	return addSimple(m, m.loomDeploys, v.LoomID, v)
}

// AddLoomAnchor enqueues a loom state anchor, deduped by its content hash.
func (m *Mempool) AddLoomAnchor(v *LoomAnchor) error {
	return addSimple(m, m.loomAnchors, v.Hash(), v)
}

// AddStakeOperation enqueues a stake/unstake operation, deduped by its
// content hash.
func (m *Mempool) AddStakeOperation(v *StakeOperation) error {
	return addSimple(m, m.stakeOperations, v.Hash(), v)
}

// addSimple is a free generic function rather than a method because Go
// methods cannot carry their own type parameters.
func addSimple[K comparable, V any](m *Mempool, q *queue[K, V], key K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCapLocked(); err != nil {
		return err
	}
	if err := q.add(key, v); err != nil {
		return err
	}
	m.total++
	return nil
}

// BlockContents is the per-kind drained content a block builder consumes.
type BlockContents struct {
	Commitments       []*thread.CommitmentUpdate
	Registrations     []*thread.Registration
	Transfers         []*thread.Knot
	NameRegistrations []*NameRegistration
	NameTransfers     []*NameTransfer
	NameRecordUpdates []*NameRecordUpdate
	FraudProofs       []*FraudProof
	TokenDefinitions  []*TokenDefinition
	TokenMints        []*TokenMint
	TokenBurns        []*TokenBurn
	LoomDeploys       []*LoomDeploy
	LoomAnchors       []*LoomAnchor
	StakeOperations   []*StakeOperation
}

// DrainForBlock removes up to maxCommitments commitments and every
// pending item of every other kind, returning them as BlockContents.
func (m *Mempool) DrainForBlock(maxCommitments int) BlockContents {
	m.mu.Lock()
	defer m.mu.Unlock()

	contents := BlockContents{
		Commitments:       m.commitments.drain(maxCommitments),
		Registrations:     m.registrations.drain(-1),
		Transfers:         m.transfers.drain(-1),
		NameRegistrations: m.nameRegistrations.drain(-1),
		NameTransfers:     m.nameTransfers.drain(-1),
		NameRecordUpdates: m.nameRecordUpdates.drain(-1),
		FraudProofs:       m.fraudProofs.drain(-1),
		TokenDefinitions:  m.tokenDefinitions.drain(-1),
		TokenMints:        m.tokenMints.drain(-1),
		TokenBurns:        m.tokenBurns.drain(-1),
		LoomDeploys:       m.loomDeploys.drain(-1),
		LoomAnchors:       m.loomAnchors.drain(-1),
		StakeOperations:   m.stakeOperations.drain(-1),
	}

	m.total -= len(contents.Commitments) + len(contents.Registrations) + len(contents.Transfers) +
		len(contents.NameRegistrations) + len(contents.NameTransfers) + len(contents.NameRecordUpdates) +
		len(contents.FraudProofs) + len(contents.TokenDefinitions) + len(contents.TokenMints) +
		len(contents.TokenBurns) + len(contents.LoomDeploys) + len(contents.LoomAnchors) + len(contents.StakeOperations)

	return contents
}

// Count returns the total number of pending items across all queues.
func (m *Mempool) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// CommitmentCount returns the number of pending commitments, used by the
// fee engine's utilization ratio.
func (m *Mempool) CommitmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitments.len()
}

// The content-kind structs below are intentionally minimal: their fields
// are produced and interpreted by internal/weave (names, tokens, loom
// deploys, stake operations) and internal/monitor (fraud proofs). The
// mempool only needs enough of each to queue, dedup, and drain it.

type NameRegistration struct {
	Name      string
	Owner     thread.Address
	Timestamp thread.Timestamp
	Payload   []byte
}

func (n *NameRegistration) Encode(w *codec.Writer) {
	w.String(n.Name)
	w.Fixed(n.Owner[:])
	w.U64(n.Timestamp)
	w.Bytes(n.Payload)
}

// DecodeNameRegistration reads back a NameRegistration written by Encode.
func DecodeNameRegistration(r *codec.Reader) (*NameRegistration, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	owner, err := r.Fixed(len(thread.Address{}))
	if err != nil {
		return nil, err
	}
	ts, err := r.U64()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	n := &NameRegistration{Name: name, Timestamp: ts, Payload: payload}
	copy(n.Owner[:], owner)
	return n, nil
}

type NameTransfer struct {
	Name      string
	From      thread.Address
	To        thread.Address
	Timestamp thread.Timestamp
	Payload   []byte
}

func (n *NameTransfer) Encode(w *codec.Writer) {
	w.String(n.Name)
	w.Fixed(n.From[:])
	w.Fixed(n.To[:])
	w.U64(n.Timestamp)
	w.Bytes(n.Payload)
}

// DecodeNameTransfer reads back a NameTransfer written by Encode.
func DecodeNameTransfer(r *codec.Reader) (*NameTransfer, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	from, err := r.Fixed(len(thread.Address{}))
	if err != nil {
		return nil, err
	}
	to, err := r.Fixed(len(thread.Address{}))
	if err != nil {
		return nil, err
	}
	ts, err := r.U64()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	n := &NameTransfer{Name: name, Timestamp: ts, Payload: payload}
	copy(n.From[:], from)
	copy(n.To[:], to)
	return n, nil
}

type NameRecordUpdate struct {
	Name      string
	Owner     thread.Address
	Timestamp thread.Timestamp
	Payload   []byte
}

func (n *NameRecordUpdate) Encode(w *codec.Writer) {
	w.String(n.Name)
	w.Fixed(n.Owner[:])
	w.U64(n.Timestamp)
	w.Bytes(n.Payload)
}

// DecodeNameRecordUpdate reads back a NameRecordUpdate written by Encode.
func DecodeNameRecordUpdate(r *codec.Reader) (*NameRecordUpdate, error) {
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	owner, err := r.Fixed(len(thread.Address{}))
	if err != nil {
		return nil, err
	}
	ts, err := r.U64()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	n := &NameRecordUpdate{Name: name, Timestamp: ts, Payload: payload}
	copy(n.Owner[:], owner)
	return n, nil
}

type FraudProof struct {
	Kind     string
	ThreadID thread.Address
	Evidence []byte
}

func (f *FraudProof) Encode(w *codec.Writer) {
	w.String(f.Kind)
	w.Fixed(f.ThreadID[:])
	w.Bytes(f.Evidence)
}

func (f *FraudProof) Hash() hash.Hash {
	w := codec.NewWriter()
	f.Encode(w)
	return hash.Sum(w.Encoded())
}

// DecodeMempoolFraudProof reads back a FraudProof written by Encode. Named
// DecodeMempoolFraudProof to avoid colliding with internal/monitor's own
// DecodeFraudProof, which decodes the richer typed proof this one merely
// carries as opaque Evidence.
func DecodeMempoolFraudProof(r *codec.Reader) (*FraudProof, error) {
	kind, err := r.String()
	if err != nil {
		return nil, err
	}
	threadID, err := r.Fixed(len(thread.Address{}))
	if err != nil {
		return nil, err
	}
	evidence, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	f := &FraudProof{Kind: kind, Evidence: evidence}
	copy(f.ThreadID[:], threadID)
	return f, nil
}

type TokenDefinition struct {
	TokenID thread.TokenID
	Payload []byte
}

func (t *TokenDefinition) Encode(w *codec.Writer) {
	w.Fixed(t.TokenID[:])
	w.Bytes(t.Payload)
}

// DecodeTokenDefinition reads back a TokenDefinition written by Encode.
func DecodeTokenDefinition(r *codec.Reader) (*TokenDefinition, error) {
	tokenID, err := r.Fixed(len(thread.TokenID{}))
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	t := &TokenDefinition{Payload: payload}
	copy(t.TokenID[:], tokenID)
	return t, nil
}

type TokenMint struct {
	TokenID thread.TokenID
	Payload []byte
}

func (t *TokenMint) Encode(w *codec.Writer) {
	w.Fixed(t.TokenID[:])
	w.Bytes(t.Payload)
}

func (t *TokenMint) Hash() hash.Hash {
	w := codec.NewWriter()
	t.Encode(w)
	return hash.Sum(w.Encoded())
}

// DecodeTokenMint reads back a TokenMint written by Encode.
func DecodeTokenMint(r *codec.Reader) (*TokenMint, error) {
	tokenID, err := r.Fixed(len(thread.TokenID{}))
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	t := &TokenMint{Payload: payload}
	copy(t.TokenID[:], tokenID)
	return t, nil
}

type TokenBurn struct {
	TokenID thread.TokenID
	Payload []byte
}

func (t *TokenBurn) Encode(w *codec.Writer) {
	w.Fixed(t.TokenID[:])
	w.Bytes(t.Payload)
}

func (t *TokenBurn) Hash() hash.Hash {
	w := codec.NewWriter()
	t.Encode(w)
	return hash.Sum(w.Encoded())
}

// DecodeTokenBurn reads back a TokenBurn written by Encode.
func DecodeTokenBurn(r *codec.Reader) (*TokenBurn, error) {
	tokenID, err := r.Fixed(len(thread.TokenID{}))
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	t := &TokenBurn{Payload: payload}
	copy(t.TokenID[:], tokenID)
	return t, nil
}

type LoomDeploy struct {
	LoomID  thread.LoomID
	Payload []byte
}

func (l *LoomDeploy) Encode(w *codec.Writer) {
	w.Fixed(l.LoomID[:])
	w.Bytes(l.Payload)
}

// DecodeLoomDeploy reads back a LoomDeploy written by Encode.
func DecodeLoomDeploy(r *codec.Reader) (*LoomDeploy, error) {
	loomID, err := r.Fixed(len(thread.LoomID{}))
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	l := &LoomDeploy{Payload: payload}
	copy(l.LoomID[:], loomID)
	return l, nil
}

// LoomAnchor periodically commits a loom contract's current state hash and
// version into the weave, the content-addressed counterpart to a thread's
// CommitmentUpdate.
type LoomAnchor struct {
	LoomID    thread.LoomID
	StateHash hash.Hash
	Version   thread.Version
	Timestamp thread.Timestamp
}

func (a *LoomAnchor) Encode(w *codec.Writer) {
	w.Fixed(a.LoomID[:])
	w.Fixed(a.StateHash[:])
	w.U64(a.Version)
	w.U64(a.Timestamp)
}

func (a *LoomAnchor) Hash() hash.Hash {
	w := codec.NewWriter()
	a.Encode(w)
	return hash.Sum(w.Encoded())
}

// DecodeLoomAnchor reads back a LoomAnchor written by Encode.
func DecodeLoomAnchor(r *codec.Reader) (*LoomAnchor, error) {
	loomID, err := r.Fixed(len(thread.LoomID{}))
	if err != nil {
		return nil, err
	}
	stateHash, err := r.Fixed(len(hash.Hash{}))
	if err != nil {
		return nil, err
	}
	version, err := r.U64()
	if err != nil {
		return nil, err
	}
	ts, err := r.U64()
	if err != nil {
		return nil, err
	}
	a := &LoomAnchor{Version: version, Timestamp: ts}
	copy(a.LoomID[:], loomID)
	copy(a.StateHash[:], stateHash)
	return a, nil
}

type StakeOperation struct {
	PubKey  [32]byte
	Payload []byte
}

func (s *StakeOperation) Encode(w *codec.Writer) {
	w.Fixed(s.PubKey[:])
	w.Bytes(s.Payload)
}

func (s *StakeOperation) Hash() hash.Hash {
	w := codec.NewWriter()
	s.Encode(w)
	return hash.Sum(w.Encoded())
}

// DecodeStakeOperation reads back a StakeOperation written by Encode.
func DecodeStakeOperation(r *codec.Reader) (*StakeOperation, error) {
	pubkey, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	s := &StakeOperation{Payload: payload}
	copy(s.PubKey[:], pubkey)
	return s, nil
}
