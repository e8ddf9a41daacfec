package weave

import (
	"encoding/hex"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/consensus"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/loom"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/monitor"
	"norn.network/weave/internal/naming"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/thread"
)

const maxPendingBlocks = 50

// DefaultFraudSlashAmount is how much stake a confirmed double-knot or
// stale-commit fraud proof costs its offender, applied the moment the
// block carrying the proof commits. No fixed value is specified upstream;
// this is deliberately smaller than a full unbond so repeated offenses
// compound rather than a first mistake wiping out a validator outright.
var DefaultFraudSlashAmount = thread.AmountFromUint64(1_000)

var (
	ErrUnknownToken  = errors.New("weave: unknown token id")
	ErrTokenExists   = errors.New("weave: token id already defined")
	ErrSymbolTaken   = errors.New("weave: token symbol already in use")
	ErrSupplyExceeds = errors.New("weave: mint would exceed max supply")
)

// Store is the persistence boundary for the engine's own registries —
// token definitions and known looms — that live outside internal/state's
// per-thread bookkeeping. As with state.Store, failures are logged and
// swallowed: in-memory state stays authoritative for the running node.
type Store interface {
	SaveToken(tokenID thread.TokenID, meta TokenMeta) error
	SaveLoom(loomID thread.LoomID) error
}

// Engine is the top-level orchestrator: it owns consensus, the mempool,
// staking, thread/name state, and the loom manager, and is the single
// place block contents get applied.
type Engine struct {
	consensus *consensus.Engine
	mempool   *mempool.Mempool
	staking   *staking.State
	stateMgr  *state.Manager
	loomMgr   *loom.Manager
	feeState  *mempool.FeeState

	keypair *keys.Keypair

	weaveState WeaveState

	knownThreads map[thread.Address]bool
	knownNames   map[string]bool
	knownTokens  map[thread.TokenID]*TokenMeta
	knownSymbols map[string]bool
	knownLooms   map[thread.LoomID]bool

	pendingLoomDeploys       map[hash.Hash]pendingLoomDeploy
	pendingTokenDefinitions  map[thread.TokenID]pendingTokenDefinition
	pendingTokenMints        map[hash.Hash]pendingTokenMint
	pendingTokenBurns        map[hash.Hash]pendingTokenBurn
	pendingStakeOps          map[hash.Hash]*staking.Operation
	pendingNameRecordUpdates map[string]pendingNameRecordUpdate

	pendingRewards []mempool.ValidatorShare
	lastBlock      *block.WeaveBlock

	currentTimestamp thread.Timestamp

	pendingBlocks map[hash.Hash]*block.WeaveBlock

	lastFinalizedHeight uint64
	finalizedBlockCount uint64

	store Store
}

// SetStore attaches the engine's token/loom persistence layer. Safe to
// call at any time; nil disables persistence.
func (e *Engine) SetStore(store Store) {
	e.store = store
}

// Restore repopulates the engine's token and loom registries from
// persisted records, bypassing the normal apply path since this data has
// already been durable. Callers must restore internal/state and
// internal/loom's own data separately; this only covers the engine's
// token metadata and known-loom bookkeeping.
func (e *Engine) Restore(tokens map[thread.TokenID]TokenMeta, looms map[thread.LoomID]bool) {
	for id, meta := range tokens {
		m := meta
		e.knownTokens[id] = &m
		e.knownSymbols[m.Symbol] = true
	}
	for id := range looms {
		e.knownLooms[id] = true
	}
}

// New builds an Engine around a freshly created staking state, mempool,
// and consensus engine. The consensus engine signs with a keypair derived
// from the node's own, the same separation of node identity from
// per-view consensus signing the upstream engine keeps.
func New(keypair *keys.Keypair, validators *staking.ValidatorSet, minStake *thread.Amount, bondingPeriod uint64, stateMgr *state.Manager, loomMgr *loom.Manager) *Engine {
	consensusKeypair := deriveConsensusKeypair(keypair)
	engine := &Engine{
		consensus:                consensus.New(consensusKeypair, validators),
		mempool:                  mempool.New(),
		staking:                  staking.New(minStake, bondingPeriod),
		stateMgr:                 stateMgr,
		loomMgr:                  loomMgr,
		feeState:                 mempool.NewFeeState(thread.AmountFromUint64(1)),
		keypair:                  keypair,
		knownThreads:             make(map[thread.Address]bool),
		knownNames:               make(map[string]bool),
		knownTokens:              make(map[thread.TokenID]*TokenMeta),
		knownSymbols:             make(map[string]bool),
		knownLooms:               make(map[thread.LoomID]bool),
		pendingLoomDeploys:       make(map[hash.Hash]pendingLoomDeploy),
		pendingTokenDefinitions:  make(map[thread.TokenID]pendingTokenDefinition),
		pendingTokenMints:        make(map[hash.Hash]pendingTokenMint),
		pendingTokenBurns:        make(map[hash.Hash]pendingTokenBurn),
		pendingStakeOps:          make(map[hash.Hash]*staking.Operation),
		pendingNameRecordUpdates: make(map[string]pendingNameRecordUpdate),
		pendingBlocks:            make(map[hash.Hash]*block.WeaveBlock),
	}
	for _, v := range validators.Validators {
		if err := engine.staking.Stake(v.PubKey, v.Address, v.Stake); err != nil {
			logrus.WithError(err).WithField("validator", hex.EncodeToString(v.Address[:])).Warn("failed to seed genesis validator stake")
		}
	}
	return engine
}

// deriveConsensusKeypair derives a distinct signing keypair for HotStuff
// votes from the node's main keypair, so a consensus key leak doesn't
// also compromise thread/name/stake signatures.
func deriveConsensusKeypair(main *keys.Keypair) *keys.Keypair {
	seed := hash.Sum(append([]byte("weave-consensus-key"), main.Public[:]...))
	return keys.FromSeed(seed[:])
}

// SetTimestamp records the current wall-clock timestamp, used to
// timestamp proposed blocks and validate incoming content.
func (e *Engine) SetTimestamp(ts thread.Timestamp) {
	e.currentTimestamp = ts
}

// IsLeader reports whether this node leads the consensus engine's
// current view.
func (e *Engine) IsLeader() bool {
	return e.consensus.IsLeader()
}

// --- submission: validate, enqueue, and (where the mempool envelope
// can't carry the full structured submission) stash a side-channel
// pending entry keyed the same way the mempool dedups the envelope. ---

// SubmitCommitment validates and enqueues a thread commitment update.
func (e *Engine) SubmitCommitment(c *thread.CommitmentUpdate) error {
	if !c.Verify() {
		return errors.New("weave: commitment signature invalid")
	}
	return e.mempool.AddCommitment(c)
}

// SubmitRegistration validates and enqueues a thread registration.
func (e *Engine) SubmitRegistration(r *thread.Registration) error {
	if !r.Verify() {
		return errors.New("weave: registration signature invalid")
	}
	return e.mempool.AddRegistration(r)
}

// SubmitTransferKnot validates and enqueues a signed transfer/multi-transfer
// knot. ctx supplies the before-state the knot transitions from.
func (e *Engine) SubmitTransferKnot(k *thread.Knot, ctx *thread.ValidationContext) error {
	if err := thread.ValidateKnot(k, ctx); err != nil {
		return err
	}
	return e.mempool.AddTransferKnot(k)
}

// SubmitNameRegistration validates and enqueues a name registration.
func (e *Engine) SubmitNameRegistration(r *naming.Registration, existingNames map[string]bool) error {
	if err := naming.ValidateRegistration(r, existingNames); err != nil {
		return err
	}
	return e.mempool.AddNameRegistration(&mempool.NameRegistration{
		Name:      r.Name,
		Owner:     r.Owner,
		Timestamp: r.Timestamp,
	})
}

// SubmitNameTransfer validates and enqueues a name transfer.
func (e *Engine) SubmitNameTransfer(t *naming.Transfer, currentOwners map[string]thread.Address) error {
	if err := naming.ValidateTransfer(t, currentOwners); err != nil {
		return err
	}
	return e.mempool.AddNameTransfer(&mempool.NameTransfer{
		Name:      t.Name,
		From:      t.From,
		To:        t.To,
		Timestamp: t.Timestamp,
	})
}

// SubmitNameRecordUpdate validates and enqueues a name record update,
// stashing the key/value pair the mempool envelope can't carry directly.
func (e *Engine) SubmitNameRecordUpdate(u *naming.RecordUpdate, currentOwners map[string]thread.Address) error {
	if err := naming.ValidateRecordUpdate(u, currentOwners); err != nil {
		return err
	}
	if err := e.mempool.AddNameRecordUpdate(&mempool.NameRecordUpdate{
		Name:      u.Name,
		Owner:     currentOwners[u.Name],
		Timestamp: u.Timestamp,
	}); err != nil {
		return err
	}
	e.pendingNameRecordUpdates[u.Name] = pendingNameRecordUpdate{Key: u.Key, Value: u.Value}
	return nil
}

// SubmitTokenDefinition validates and enqueues a new token definition.
func (e *Engine) SubmitTokenDefinition(tokenID thread.TokenID, name, symbol string, decimals uint8, maxSupply *thread.Amount, creator thread.Address, timestamp thread.Timestamp) error {
	if _, exists := e.knownTokens[tokenID]; exists {
		return ErrTokenExists
	}
	if e.knownSymbols[symbol] {
		return ErrSymbolTaken
	}
	if err := e.mempool.AddTokenDefinition(&mempool.TokenDefinition{TokenID: tokenID}); err != nil {
		return err
	}
	e.pendingTokenDefinitions[tokenID] = pendingTokenDefinition{
		Name:      name,
		Symbol:    symbol,
		Decimals:  decimals,
		MaxSupply: maxSupply,
		Creator:   creator,
	}
	return nil
}

// SubmitTokenMint validates and enqueues a token mint.
func (e *Engine) SubmitTokenMint(tokenID thread.TokenID, to thread.Address, amount *thread.Amount) error {
	if _, ok := e.knownTokens[tokenID]; !ok {
		if _, ok := e.pendingTokenDefinitions[tokenID]; !ok {
			return ErrUnknownToken
		}
	}
	mint := &mempool.TokenMint{TokenID: tokenID, Payload: mintBurnPayload(to, amount, e.currentTimestamp)}
	if err := e.mempool.AddTokenMint(mint); err != nil {
		return err
	}
	e.pendingTokenMints[mint.Hash()] = pendingTokenMint{TokenID: tokenID, To: to, Amount: amount}
	return nil
}

// SubmitTokenBurn validates and enqueues a token burn.
func (e *Engine) SubmitTokenBurn(tokenID thread.TokenID, from thread.Address, amount *thread.Amount) error {
	if _, ok := e.knownTokens[tokenID]; !ok {
		return ErrUnknownToken
	}
	burn := &mempool.TokenBurn{TokenID: tokenID, Payload: mintBurnPayload(from, amount, e.currentTimestamp)}
	if err := e.mempool.AddTokenBurn(burn); err != nil {
		return err
	}
	e.pendingTokenBurns[burn.Hash()] = pendingTokenBurn{TokenID: tokenID, From: from, Amount: amount}
	return nil
}

// mintBurnPayload gives a TokenMint/TokenBurn envelope enough distinct
// bytes to dedup correctly — otherwise two different mints of the same
// token would hash identically, since the envelope itself carries no
// structured fields. A full wire encoding is out of scope here.
func mintBurnPayload(addr thread.Address, amount *thread.Amount, timestamp thread.Timestamp) []byte {
	b := amount.Bytes32()
	buf := make([]byte, 0, len(addr)+len(b)+8)
	buf = append(buf, addr[:]...)
	buf = append(buf, b[:]...)
	var tsBytes [8]byte
	for i := 0; i < 8; i++ {
		tsBytes[i] = byte(timestamp >> (8 * i))
	}
	return append(buf, tsBytes[:]...)
}

// SubmitLoomDeploy validates and enqueues a loom deployment, stashing the
// operator/config/bytecode the mempool envelope can't carry directly.
func (e *Engine) SubmitLoomDeploy(loomID thread.LoomID, operator thread.Address, config loom.LoomConfig, bytecode []byte) error {
	if e.knownLooms[loomID] {
		return errors.New("weave: loom id already deployed")
	}
	if len(bytecode) == 0 {
		return errors.New("weave: empty loom bytecode")
	}
	if err := e.mempool.AddLoomDeploy(&mempool.LoomDeploy{LoomID: loomID}); err != nil {
		return err
	}
	e.pendingLoomDeploys[loomID] = pendingLoomDeploy{Operator: operator, Config: config, Bytecode: bytecode}
	return nil
}

// SubmitLoomAnchor validates and enqueues a loom state anchor.
func (e *Engine) SubmitLoomAnchor(loomID thread.LoomID) error {
	stateHash, version, err := e.loomMgr.Anchor(loomID)
	if err != nil {
		return err
	}
	return e.mempool.AddLoomAnchor(&mempool.LoomAnchor{
		LoomID:    loomID,
		StateHash: stateHash,
		Version:   version,
		Timestamp: e.currentTimestamp,
	})
}

// SubmitStakeOperation validates and enqueues a stake/unstake operation,
// stashing the fully structured staking.Operation under the envelope's
// dedup hash.
func (e *Engine) SubmitStakeOperation(op *staking.Operation) error {
	if err := staking.Validate(op, e.staking); err != nil {
		return err
	}
	envelope := &mempool.StakeOperation{PubKey: [32]byte(op.PubKey), Payload: codec.Encode(op)}
	if err := e.mempool.AddStakeOperation(envelope); err != nil {
		return err
	}
	e.pendingStakeOps[envelope.Hash()] = op
	return nil
}

// SubmitFraudProof enqueues a fraud proof for inclusion; its content is
// validated by internal/monitor before reaching the engine.
func (e *Engine) SubmitFraudProof(p *mempool.FraudProof) error {
	return e.mempool.AddFraudProof(p)
}

// OnTick drains the mempool and proposes a block if this node leads the
// current view and the mempool is non-empty, returning whatever consensus
// actions the proposal produced.
func (e *Engine) OnTick(ts thread.Timestamp) []consensus.Action {
	e.currentTimestamp = ts
	if !e.consensus.IsLeader() || e.mempool.Count() == 0 {
		return nil
	}

	contents := e.mempool.DrainForBlock(block.MaxCommitmentsPerBlock)
	b := block.Build(e.weaveState.LatestHash, e.weaveState.Height, contents, e.keypair, ts)

	if len(e.pendingBlocks) >= maxPendingBlocks {
		e.pendingBlocks = make(map[hash.Hash]*block.WeaveBlock)
	}
	e.pendingBlocks[b.Hash] = b

	actions := e.consensus.ProposeBlock(b.Hash, b.Hash[:], ts)
	return e.processActions(actions)
}

// OnConsensusMessage feeds an incoming HotStuff message to the consensus
// engine and processes the resulting actions.
func (e *Engine) OnConsensusMessage(from keys.PublicKey, msg consensus.Message) []consensus.Action {
	return e.processActions(e.consensus.OnMessage(from, msg))
}

// OnConsensusTimeout fires when this node's view timer expires.
func (e *Engine) OnConsensusTimeout() []consensus.Action {
	return e.processActions(e.consensus.OnTimeout())
}

// processActions finalizes any CommitBlock action by applying the
// referenced pending block to state, and forwards a RequestViewChange's
// resulting timeout actions one level deep — mirroring the upstream
// action-to-message translation layer. Broadcast/SendTo pass through
// unchanged for the caller's transport to deliver.
func (e *Engine) processActions(actions []consensus.Action) []consensus.Action {
	var out []consensus.Action
	for _, action := range actions {
		switch a := action.(type) {
		case consensus.CommitBlock:
			if b, ok := e.pendingBlocks[a.BlockHash]; ok {
				delete(e.pendingBlocks, a.BlockHash)
				e.applyBlockToState(b)
				e.lastFinalizedHeight = b.Height
				e.finalizedBlockCount++
			}
			out = append(out, action)
		case consensus.RequestViewChange:
			for _, ta := range e.consensus.OnTimeout() {
				switch ta.(type) {
				case consensus.CommitBlock, consensus.RequestViewChange:
					// Don't recurse further than one level.
				default:
					out = append(out, ta)
				}
			}
		default:
			out = append(out, action)
		}
	}
	return out
}

// ProduceBlock builds and immediately applies a block, bypassing HotStuff
// entirely — the single-validator ("solo") mode. It returns nil if the
// mempool has nothing to include.
func (e *Engine) ProduceBlock(ts thread.Timestamp) *block.WeaveBlock {
	if e.mempool.Count() == 0 {
		return nil
	}
	contents := e.mempool.DrainForBlock(block.MaxCommitmentsPerBlock)
	b := block.Build(e.weaveState.LatestHash, e.weaveState.Height, contents, e.keypair, ts)
	e.applyBlockToState(b)
	return b
}

// OnPeerBlock validates and, if valid, applies a block received directly
// from a peer (outside of the local HotStuff instance — a replica
// catching up, or a solo-mode chain relaying its head).
func (e *Engine) OnPeerBlock(b *block.WeaveBlock) error {
	expectedHeight := e.weaveState.Height + 1
	if b.Height != expectedHeight && e.weaveState.Height > 0 {
		return errors.New("weave: rejecting peer block: non-sequential height")
	}
	if e.weaveState.Height > 0 && b.PrevHash != e.weaveState.LatestHash {
		return errors.New("weave: rejecting peer block: prev_hash mismatch")
	}
	if err := block.Verify(b, e.staking.ActiveValidators()); err != nil {
		return err
	}
	e.applyBlockToState(b)
	return nil
}

// applyBlockToState is the single source of truth for turning a block's
// contents into state mutations, used by ProduceBlock, OnPeerBlock, and
// CommitBlock finalization alike.
func (e *Engine) applyBlockToState(b *block.WeaveBlock) {
	for _, c := range b.Commitments {
		e.stateMgr.RecordCommitment(c.ThreadID, c.Version, c.StateHash, c.PrevCommitmentHash)
	}
	for _, r := range b.Registrations {
		e.stateMgr.RegisterThread(r.ThreadID, r.PubKey)
		e.knownThreads[r.ThreadID] = true
	}
	for _, t := range b.Transfers {
		applyKnotToState(e.stateMgr, t)
	}
	for _, nr := range b.NameRegistrations {
		_ = e.stateMgr.ApplyPeerNameRegistration(nr.Name, nr.Owner, keys.PublicKey{}, nr.Timestamp, thread.AmountFromUint64(0))
		e.knownNames[nr.Name] = true
	}
	for _, nt := range b.NameTransfers {
		_ = e.stateMgr.ApplyNameTransfer(nt.Name, nt.To)
	}
	for _, nu := range b.NameRecordUpdates {
		if pending, ok := e.pendingNameRecordUpdates[nu.Name]; ok {
			_ = e.stateMgr.ApplyNameRecordUpdate(nu.Name, pending.Key, pending.Value)
			delete(e.pendingNameRecordUpdates, nu.Name)
		}
	}
	for _, td := range b.TokenDefinitions {
		e.applyTokenDefinition(td, b.Timestamp)
	}
	for _, tm := range b.TokenMints {
		e.applyTokenMint(tm)
	}
	for _, tb := range b.TokenBurns {
		e.applyTokenBurn(tb)
	}
	for _, ld := range b.LoomDeploys {
		if pending, ok := e.pendingLoomDeploys[ld.LoomID]; ok {
			_ = e.loomMgr.Deploy(ld.LoomID, pending.Config, pending.Operator, pending.Bytecode, b.Timestamp)
			delete(e.pendingLoomDeploys, ld.LoomID)
		}
		e.knownLooms[ld.LoomID] = true
		if e.store != nil {
			if err := e.store.SaveLoom(ld.LoomID); err != nil {
				logrus.WithError(err).WithField("loom", hex.EncodeToString(ld.LoomID[:])).Warn("failed to persist loom registration")
			}
		}
	}
	for _, so := range b.StakeOperations {
		e.applyStakeOperation(so, b.Height)
	}
	for _, fp := range b.FraudProofs {
		e.applyFraudProof(fp)
	}
	// Anchors are already reflected in the loom manager's own state; the
	// mempool entry exists for audit replay by a rebuilding StateStore.

	e.staking.ProcessEpoch(b.Height)

	newValidators := e.staking.ActiveValidators()
	if newValidators.Len() > 0 {
		e.consensus.UpdateValidatorSet(newValidators)
	}

	e.weaveState.Height = b.Height
	e.weaveState.LatestHash = b.Hash

	commitmentCount := len(b.Commitments)
	e.feeState.AdjustForUtilization(commitmentCount)
	e.feeState.AccumulateBlockFees(commitmentCount)

	if b.Height > 0 && b.Height%BlocksPerEpoch == 0 && !e.feeState.EpochFees.IsZero() {
		vs := e.staking.ActiveValidators()
		pubkeys := make([][32]byte, 0, vs.Len())
		stakes := make([]*thread.Amount, 0, vs.Len())
		for _, v := range vs.Validators {
			pubkeys = append(pubkeys, [32]byte(v.PubKey))
			stakes = append(stakes, v.Stake)
		}
		shares := e.feeState.DistributeEpochFees(pubkeys, stakes)
		if len(shares) > 0 {
			e.pendingRewards = shares
		}
	}

	e.lastBlock = b
}

func (e *Engine) applyTokenDefinition(td *mempool.TokenDefinition, timestamp thread.Timestamp) {
	pending, ok := e.pendingTokenDefinitions[td.TokenID]
	if !ok {
		return
	}
	delete(e.pendingTokenDefinitions, td.TokenID)
	if _, exists := e.knownTokens[td.TokenID]; exists {
		logrus.WithError(ErrTokenExists).WithField("token", hex.EncodeToString(td.TokenID[:])).Warn("dropping duplicate token definition at apply time")
		return
	}
	if e.knownSymbols[pending.Symbol] {
		logrus.WithError(ErrSymbolTaken).WithField("symbol", pending.Symbol).Warn("dropping token definition at apply time")
		return
	}
	meta := TokenMeta{
		Name:          pending.Name,
		Symbol:        pending.Symbol,
		Decimals:      pending.Decimals,
		MaxSupply:     pending.MaxSupply,
		CurrentSupply: thread.AmountFromUint64(0),
		Creator:       pending.Creator,
		CreatedAt:     timestamp,
	}
	e.knownTokens[td.TokenID] = &meta
	e.knownSymbols[pending.Symbol] = true
	e.persistToken(td.TokenID, meta)
}

func (e *Engine) applyTokenMint(tm *mempool.TokenMint) {
	pending, ok := e.pendingTokenMints[tm.Hash()]
	if !ok {
		return
	}
	delete(e.pendingTokenMints, tm.Hash())
	meta, ok := e.knownTokens[pending.TokenID]
	if !ok {
		return
	}
	newSupply := new(thread.Amount).Add(meta.CurrentSupply, pending.Amount)
	if meta.MaxSupply != nil && !meta.MaxSupply.IsZero() && newSupply.Gt(meta.MaxSupply) {
		logrus.WithError(ErrSupplyExceeds).WithFields(logrus.Fields{
			"token": hex.EncodeToString(pending.TokenID[:]),
			"want":  newSupply.String(),
			"max":   meta.MaxSupply.String(),
		}).Warn("dropping mint at apply time")
		return
	}
	meta.CurrentSupply = newSupply
	_ = e.stateMgr.Credit(pending.To, pending.TokenID, pending.Amount)
	e.persistToken(pending.TokenID, *meta)
}

func (e *Engine) applyTokenBurn(tb *mempool.TokenBurn) {
	pending, ok := e.pendingTokenBurns[tb.Hash()]
	if !ok {
		return
	}
	delete(e.pendingTokenBurns, tb.Hash())
	meta, ok := e.knownTokens[pending.TokenID]
	if !ok {
		return
	}
	if meta.CurrentSupply.Lt(pending.Amount) {
		logrus.WithField("token", hex.EncodeToString(pending.TokenID[:])).Warn("dropping burn at apply time: exceeds current supply")
		return
	}
	if err := e.stateMgr.DebitToken(pending.From, pending.TokenID, pending.Amount); err != nil {
		logrus.WithError(err).WithField("token", hex.EncodeToString(pending.TokenID[:])).Warn("dropping burn at apply time")
		return
	}
	meta.CurrentSupply = new(thread.Amount).Sub(meta.CurrentSupply, pending.Amount)
	e.persistToken(pending.TokenID, *meta)
}

// persistToken writes meta through the attached store, if any, logging a
// warning rather than failing the apply on a persistence error.
func (e *Engine) persistToken(tokenID thread.TokenID, meta TokenMeta) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveToken(tokenID, meta); err != nil {
		logrus.WithError(err).WithField("token", hex.EncodeToString(tokenID[:])).Warn("failed to persist token metadata")
	}
}

func (e *Engine) applyStakeOperation(so *mempool.StakeOperation, height uint64) {
	op, ok := e.pendingStakeOps[so.Hash()]
	if !ok {
		return
	}
	delete(e.pendingStakeOps, so.Hash())
	switch op.Kind {
	case staking.OpStake:
		_ = e.staking.Stake(op.PubKey, op.Address, op.Amount)
	case staking.OpUnstake:
		_ = e.staking.Unstake(op.PubKey, op.Amount, height)
	}
}

// applyFraudProof decodes a mempool fraud proof envelope's evidence,
// re-validates it independently of whatever the submitter claimed, and
// slashes the offender's stake on a confirmed double-knot or stale
// commit. A proof that fails to decode or validate is silently ignored —
// it has no effect on state, the same as never having been submitted;
// any validator is free to independently decide whether to keep
// gossiping it.
func (e *Engine) applyFraudProof(fp *mempool.FraudProof) {
	sub, err := monitor.DecodeFraudProofSubmission(codec.NewReader(fp.Evidence))
	if err != nil {
		logrus.WithError(err).WithField("thread", hex.EncodeToString(fp.ThreadID[:])).Warn("failed to decode fraud proof evidence")
		return
	}
	result := monitor.ValidateFraudProof(sub)
	switch result.Verdict {
	case monitor.VerdictValidDoubleKnot, monitor.VerdictValidStaleCommit:
		pubkey, ok := monitor.OffendingPubKey(sub.Proof)
		if !ok {
			return
		}
		if err := e.staking.Slash(pubkey, DefaultFraudSlashAmount); err != nil {
			logrus.WithError(err).WithField("thread", hex.EncodeToString(fp.ThreadID[:])).Warn("failed to slash confirmed fraud offender")
		}
	default:
		// Invalid, or a loom-transition dispute this path can't resolve
		// without a LoomDisputeContext — no state change either way.
	}
}

// applyKnotToState applies a transfer knot's balance change, skipping the
// knot-level signature/version checks a submit-time ValidateKnot call
// already performed. Multi-transfer and loom-interaction knots are
// skipped: the engine applies no balance or loom-membership change for
// them.
func applyKnotToState(mgr *state.Manager, k *thread.Knot) {
	p, ok := k.Payload.(*thread.TransferPayload)
	if !ok {
		return
	}
	_ = mgr.ApplyPeerTransfer(p.From, p.To, p.TokenID, p.Amount, k.ID, p.Memo, k.Timestamp)
}

// TakePendingRewards returns and clears any epoch reward shares computed
// during the last applied block.
func (e *Engine) TakePendingRewards() []mempool.ValidatorShare {
	rewards := e.pendingRewards
	e.pendingRewards = nil
	return rewards
}

// LastBlock returns the most recently applied block, or nil if none has
// been applied yet.
func (e *Engine) LastBlock() *block.WeaveBlock { return e.lastBlock }

// Height returns the current chain height.
func (e *Engine) Height() uint64 { return e.weaveState.Height }

// WeaveState returns the current chain head.
func (e *Engine) WeaveState() WeaveState { return e.weaveState }

// Mempool returns the engine's mempool.
func (e *Engine) Mempool() *mempool.Mempool { return e.mempool }

// Staking returns the engine's staking state.
func (e *Engine) Staking() *staking.State { return e.staking }

// StateManager returns the engine's thread/name state manager.
func (e *Engine) StateManager() *state.Manager { return e.stateMgr }

// LoomManager returns the engine's loom manager.
func (e *Engine) LoomManager() *loom.Manager { return e.loomMgr }

// FeeEstimate returns the current per-commitment fee.
func (e *Engine) FeeEstimate() *thread.Amount { return e.feeState.FeePerCommitment() }

// FinalizedBlockCount reports how many blocks have been committed
// through consensus (as opposed to solo-mode ProduceBlock calls).
func (e *Engine) FinalizedBlockCount() uint64 { return e.finalizedBlockCount }

// LastFinalizedHeight reports the height of the last block committed
// through consensus.
func (e *Engine) LastFinalizedHeight() uint64 { return e.lastFinalizedHeight }

// TokenMetadata returns the definition and running supply for tokenID.
func (e *Engine) TokenMetadata(tokenID thread.TokenID) (*TokenMeta, bool) {
	meta, ok := e.knownTokens[tokenID]
	return meta, ok
}

// KnownTokenIDs returns every defined token id, sorted for deterministic
// iteration by callers (e.g. RPC listing endpoints).
func (e *Engine) KnownTokenIDs() []thread.TokenID {
	ids := make([]thread.TokenID, 0, len(e.knownTokens))
	for id := range e.knownTokens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		for k := range ids[i] {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})
	return ids
}

// IsThreadKnown reports whether addr has been registered.
func (e *Engine) IsThreadKnown(addr thread.Address) bool { return e.knownThreads[addr] }

// IsNameKnown reports whether name has been registered.
func (e *Engine) IsNameKnown(name string) bool { return e.knownNames[name] }

// IsLoomKnown reports whether loomID has been deployed.
func (e *Engine) IsLoomKnown(loomID thread.LoomID) bool { return e.knownLooms[loomID] }
