package consensus

import (
	"encoding/binary"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

// Engine is a 3-phase HotStuff consensus state machine for a single
// validator. It holds no network or storage handles: callers drive it by
// feeding in messages and timeouts and carrying out the Actions it
// returns.
type Engine struct {
	keypair        *keys.Keypair
	myKey          keys.PublicKey
	validatorSet   *staking.ValidatorSet
	leaderRotation *LeaderRotation

	currentView uint64
	phase       Phase

	// Votes collected for the current view, keyed by the block hash they
	// endorse.
	prepareVotes   map[hash.Hash][]Vote
	precommitVotes map[hash.Hash][]Vote
	commitVotes    map[hash.Hash][]Vote

	timeoutVotes []TimeoutVote

	prepareQC *QuorumCertificate
	lockedQC  *QuorumCertificate

	pendingBlockHash *hash.Hash
}

// New builds a HotStuff engine for keypair, participating in validatorSet
// starting at view 0.
func New(keypair *keys.Keypair, validatorSet *staking.ValidatorSet) *Engine {
	e := &Engine{
		keypair:      keypair,
		myKey:        keypair.Public,
		validatorSet: validatorSet,
		phase:        PhasePrepare,
	}
	e.leaderRotation = NewLeaderRotation(validatorPubkeys(validatorSet))
	e.resetViewState()
	return e
}

func validatorPubkeys(vs *staking.ValidatorSet) []keys.PublicKey {
	pubkeys := make([]keys.PublicKey, len(vs.Validators))
	for i, v := range vs.Validators {
		pubkeys[i] = v.PubKey
	}
	return pubkeys
}

func (e *Engine) resetViewState() {
	e.prepareVotes = make(map[hash.Hash][]Vote)
	e.precommitVotes = make(map[hash.Hash][]Vote)
	e.commitVotes = make(map[hash.Hash][]Vote)
	e.timeoutVotes = nil
	e.pendingBlockHash = nil
}

// UpdateValidatorSet replaces the active validator set, e.g. after a
// staking epoch transition, and rebuilds the leader rotation over it.
func (e *Engine) UpdateValidatorSet(vs *staking.ValidatorSet) {
	e.leaderRotation = NewLeaderRotation(validatorPubkeys(vs))
	e.validatorSet = vs
}

// CurrentView returns the view the engine is currently in.
func (e *Engine) CurrentView() uint64 { return e.currentView }

// LeaderRotation exposes the engine's rotation, e.g. for diagnostics.
func (e *Engine) LeaderRotation() *LeaderRotation { return e.leaderRotation }

// IsLeader reports whether this engine's key leads the current view.
func (e *Engine) IsLeader() bool {
	return e.leaderRotation.IsLeader(e.currentView, e.myKey)
}

// ProposeBlock broadcasts a Prepare message for blockHash, if and only if
// this engine is the leader of the current view. timestamp is accepted
// for symmetry with the block being proposed but does not affect the
// consensus message itself.
func (e *Engine) ProposeBlock(blockHash hash.Hash, blockData []byte, _ thread.Timestamp) []Action {
	if !e.IsLeader() {
		return nil
	}

	bh := blockHash
	e.pendingBlockHash = &bh
	e.phase = PhasePrepare

	msg := Prepare{
		View:      e.currentView,
		BlockHash: blockHash,
		BlockData: blockData,
		Justify:   e.prepareQC,
	}
	return []Action{Broadcast{Message: msg}}
}

// OnMessage processes an incoming consensus message from from, returning
// whatever actions the caller must now carry out. Messages from a sender
// outside the validator set are silently dropped.
func (e *Engine) OnMessage(from keys.PublicKey, msg Message) []Action {
	if !e.validatorSet.Contains(from) {
		return nil
	}

	switch m := msg.(type) {
	case Prepare:
		return e.handlePrepare(from, m.View, m.BlockHash)
	case PrepareVote:
		return e.handlePrepareVote(m.Vote)
	case PreCommit:
		return e.handlePreCommit(from, m.View, m.PrepareQC)
	case PreCommitVote:
		return e.handlePreCommitVote(m.Vote)
	case Commit:
		return e.handleCommit(from, m.View, m.PreCommitQC)
	case CommitVote:
		return e.handleCommitVote(m.Vote)
	case ViewChange:
		return e.handleViewChange(m.TimeoutVote)
	case NewView:
		return e.handleNewView(m.View, m.Proof)
	default:
		return nil
	}
}

// OnTimeout is called when the current view has failed to make progress
// in time; it broadcasts a signed timeout vote for the view change.
func (e *Engine) OnTimeout() []Action {
	highestQCView := uint64(0)
	if e.lockedQC != nil {
		highestQCView = e.lockedQC.View
	} else if e.prepareQC != nil {
		highestQCView = e.prepareQC.View
	}

	sigData := timeoutSigningData(e.currentView, highestQCView)
	tv := TimeoutVote{
		View:          e.currentView,
		Voter:         e.myKey,
		HighestQCView: highestQCView,
		Signature:     e.keypair.Sign(sigData),
	}
	return []Action{Broadcast{Message: ViewChange{TimeoutVote: tv}}}
}

// advanceView moves to the next view, clearing all per-view vote state.
func (e *Engine) advanceView() {
	e.currentView++
	e.phase = PhasePrepare
	e.resetViewState()
}

// ─── Message handlers ───────────────────────────────────────────────────

func (e *Engine) handlePrepare(from keys.PublicKey, view uint64, blockHash hash.Hash) []Action {
	if !e.leaderRotation.IsLeader(view, from) {
		return nil
	}
	if view != e.currentView {
		return nil
	}

	bh := blockHash
	e.pendingBlockHash = &bh

	vote := e.makeVote(view, blockHash)
	leader, ok := e.leaderRotation.LeaderForView(view)
	if !ok {
		return nil
	}
	return []Action{SendTo{To: leader, Message: PrepareVote{Vote: vote}}}
}

func (e *Engine) handlePrepareVote(vote Vote) []Action {
	if vote.View != e.currentView || !e.IsLeader() {
		return nil
	}
	if !keys.Verify(vote.Voter, voteSigningData(vote.View, vote.BlockHash), vote.Signature) {
		return nil
	}

	votes := appendUniqueVote(e.prepareVotes, vote)
	if len(votes) < e.validatorSet.QuorumSize() {
		return nil
	}

	qc := QuorumCertificate{View: e.currentView, BlockHash: vote.BlockHash, Phase: PhasePrepare, Votes: votes}
	e.prepareQC = &qc
	e.phase = PhasePreCommit

	return []Action{Broadcast{Message: PreCommit{View: e.currentView, PrepareQC: qc}}}
}

func (e *Engine) handlePreCommit(from keys.PublicKey, view uint64, prepareQC QuorumCertificate) []Action {
	if !e.leaderRotation.IsLeader(view, from) || view != e.currentView {
		return nil
	}

	blockHash := prepareQC.BlockHash
	e.prepareQC = &prepareQC

	vote := e.makeVote(view, blockHash)
	leader, ok := e.leaderRotation.LeaderForView(view)
	if !ok {
		return nil
	}
	return []Action{SendTo{To: leader, Message: PreCommitVote{Vote: vote}}}
}

func (e *Engine) handlePreCommitVote(vote Vote) []Action {
	if vote.View != e.currentView || !e.IsLeader() {
		return nil
	}
	if !keys.Verify(vote.Voter, voteSigningData(vote.View, vote.BlockHash), vote.Signature) {
		return nil
	}

	votes := appendUniqueVote(e.precommitVotes, vote)
	if len(votes) < e.validatorSet.QuorumSize() {
		return nil
	}

	qc := QuorumCertificate{View: e.currentView, BlockHash: vote.BlockHash, Phase: PhasePreCommit, Votes: votes}
	e.lockedQC = &qc
	e.phase = PhaseCommit

	return []Action{Broadcast{Message: Commit{View: e.currentView, PreCommitQC: qc}}}
}

func (e *Engine) handleCommit(from keys.PublicKey, view uint64, precommitQC QuorumCertificate) []Action {
	if !e.leaderRotation.IsLeader(view, from) || view != e.currentView {
		return nil
	}

	blockHash := precommitQC.BlockHash
	e.lockedQC = &precommitQC

	vote := e.makeVote(view, blockHash)
	leader, ok := e.leaderRotation.LeaderForView(view)
	if !ok {
		return nil
	}
	return []Action{SendTo{To: leader, Message: CommitVote{Vote: vote}}}
}

func (e *Engine) handleCommitVote(vote Vote) []Action {
	if vote.View != e.currentView || !e.IsLeader() {
		return nil
	}
	if !keys.Verify(vote.Voter, voteSigningData(vote.View, vote.BlockHash), vote.Signature) {
		return nil
	}

	votes := appendUniqueVote(e.commitVotes, vote)
	if len(votes) < e.validatorSet.QuorumSize() {
		return nil
	}

	action := CommitBlock{BlockHash: vote.BlockHash}
	e.advanceView()
	return []Action{action}
}

func (e *Engine) handleViewChange(tv TimeoutVote) []Action {
	if !keys.Verify(tv.Voter, timeoutSigningData(tv.View, tv.HighestQCView), tv.Signature) {
		return nil
	}
	if tv.View != e.currentView {
		return nil
	}
	for _, seen := range e.timeoutVotes {
		if seen.Voter == tv.Voter {
			return nil
		}
	}
	e.timeoutVotes = append(e.timeoutVotes, tv)

	if len(e.timeoutVotes) < e.validatorSet.QuorumSize() {
		return nil
	}

	newView := e.currentView + 1
	highestQC := e.lockedQC
	if highestQC == nil {
		highestQC = e.prepareQC
	}
	proof := ViewChangeProof{
		OldView:      e.currentView,
		NewView:      newView,
		TimeoutVotes: append([]TimeoutVote(nil), e.timeoutVotes...),
		HighestQC:    highestQC,
	}

	e.advanceView()

	if e.IsLeader() {
		return []Action{Broadcast{Message: NewView{View: e.currentView, Proof: proof}}}
	}
	return nil
}

func (e *Engine) handleNewView(view uint64, proof ViewChangeProof) []Action {
	if view <= e.currentView {
		return nil
	}
	if len(proof.TimeoutVotes) < e.validatorSet.QuorumSize() {
		return nil
	}
	if proof.OldView >= proof.NewView {
		return nil
	}

	seenVoters := make(map[keys.PublicKey]bool, len(proof.TimeoutVotes))
	for _, tv := range proof.TimeoutVotes {
		if tv.View != proof.OldView {
			return nil
		}
		if !e.validatorSet.Contains(tv.Voter) {
			return nil
		}
		if seenVoters[tv.Voter] {
			return nil
		}
		seenVoters[tv.Voter] = true
		if !keys.Verify(tv.Voter, timeoutSigningData(tv.View, tv.HighestQCView), tv.Signature) {
			return nil
		}
	}

	e.currentView = view
	e.phase = PhasePrepare
	e.resetViewState()

	if proof.HighestQC != nil {
		if proof.HighestQC.Phase == PhasePreCommit {
			e.lockedQC = proof.HighestQC
		}
		e.prepareQC = proof.HighestQC
	}

	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────

func (e *Engine) makeVote(view uint64, blockHash hash.Hash) Vote {
	return Vote{
		View:      view,
		BlockHash: blockHash,
		Voter:     e.myKey,
		Signature: e.keypair.Sign(voteSigningData(view, blockHash)),
	}
}

func appendUniqueVote(votes map[hash.Hash][]Vote, vote Vote) []Vote {
	existing := votes[vote.BlockHash]
	for _, v := range existing {
		if v.Voter == vote.Voter {
			return existing
		}
	}
	existing = append(existing, vote)
	votes[vote.BlockHash] = existing
	return existing
}

// voteSigningData returns the bytes a validator signs to cast a vote:
// BLAKE3(view_le || block_hash).
func voteSigningData(view uint64, blockHash hash.Hash) []byte {
	buf := make([]byte, 8+hash.Size)
	binary.LittleEndian.PutUint64(buf[:8], view)
	copy(buf[8:], blockHash[:])
	sum := hash.Sum(buf)
	return sum[:]
}

// timeoutSigningData returns the bytes a validator signs to cast a
// timeout vote: BLAKE3(view_le || highest_qc_view_le).
func timeoutSigningData(view, highestQCView uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[:8], view)
	binary.LittleEndian.PutUint64(buf[8:], highestQCView)
	sum := hash.Sum(buf)
	return sum[:]
}
