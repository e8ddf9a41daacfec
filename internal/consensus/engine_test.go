package consensus

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

func makeKeypairs(n int) []*keys.Keypair {
	kps := make([]*keys.Keypair, n)
	for i := range kps {
		seed := make([]byte, 32)
		seed[0] = byte(i)
		kps[i] = keys.FromSeed(seed)
	}
	return kps
}

func makeValidatorSet(kps []*keys.Keypair) *staking.ValidatorSet {
	validators := make([]staking.Validator, len(kps))
	for i, kp := range kps {
		validators[i] = staking.Validator{PubKey: kp.Public, Stake: thread.AmountFromUint64(1000), Active: true}
	}
	return &staking.ValidatorSet{Validators: validators, TotalStake: thread.AmountFromUint64(uint64(len(kps)) * 1000)}
}

func TestFourValidatorFullCommitFlow(t *testing.T) {
	kps := makeKeypairs(4)
	vs := makeValidatorSet(kps)

	engines := make([]*Engine, len(kps))
	for i, kp := range kps {
		engines[i] = New(kp, vs)
	}

	if !engines[0].IsLeader() {
		t.Fatalf("expected validator 0 to lead view 0")
	}
	if engines[1].IsLeader() {
		t.Fatalf("expected validator 1 not to lead view 0")
	}

	blockHash := hash.Hash{42}
	leaderKey := engines[0].myKey

	actions := engines[0].ProposeBlock(blockHash, []byte{1, 2, 3}, 1000)
	if len(actions) != 1 {
		t.Fatalf("expected 1 action from ProposeBlock, got %d", len(actions))
	}
	prepareMsg, ok := actions[0].(Broadcast)
	if !ok {
		t.Fatalf("expected Broadcast action")
	}

	var prepareVotes []Message
	for i := 1; i < 4; i++ {
		acts := engines[i].OnMessage(leaderKey, prepareMsg.Message)
		if len(acts) != 1 {
			t.Fatalf("validator %d: expected 1 action from Prepare, got %d", i, len(acts))
		}
		sendTo, ok := acts[0].(SendTo)
		if !ok || sendTo.To != leaderKey {
			t.Fatalf("validator %d: expected SendTo leader", i)
		}
		prepareVotes = append(prepareVotes, sendTo.Message)
	}
	// Leader votes for its own proposal too.
	ownActs := engines[0].OnMessage(leaderKey, prepareMsg.Message)
	if len(ownActs) != 1 {
		t.Fatalf("expected leader self-vote action")
	}
	if sendTo, ok := ownActs[0].(SendTo); ok {
		prepareVotes = append(prepareVotes, sendTo.Message)
	}

	var precommitMsg Message
	for _, voteMsg := range prepareVotes {
		pv := voteMsg.(PrepareVote)
		acts := engines[0].OnMessage(pv.Vote.Voter, voteMsg)
		if len(acts) > 0 {
			if b, ok := acts[0].(Broadcast); ok {
				precommitMsg = b.Message
			}
		}
	}
	if precommitMsg == nil {
		t.Fatalf("expected leader to broadcast PreCommit after quorum")
	}

	var precommitVotes []Message
	for i := 1; i < 4; i++ {
		acts := engines[i].OnMessage(leaderKey, precommitMsg)
		if len(acts) != 1 {
			t.Fatalf("validator %d: expected 1 action from PreCommit", i)
		}
		sendTo := acts[0].(SendTo)
		precommitVotes = append(precommitVotes, sendTo.Message)
	}
	ownActs = engines[0].OnMessage(leaderKey, precommitMsg)
	if sendTo, ok := ownActs[0].(SendTo); ok {
		precommitVotes = append(precommitVotes, sendTo.Message)
	}

	var commitMsg Message
	for _, voteMsg := range precommitVotes {
		pv := voteMsg.(PreCommitVote)
		acts := engines[0].OnMessage(pv.Vote.Voter, voteMsg)
		if len(acts) > 0 {
			if b, ok := acts[0].(Broadcast); ok {
				commitMsg = b.Message
			}
		}
	}
	if commitMsg == nil {
		t.Fatalf("expected leader to broadcast Commit after quorum")
	}

	var commitVotes []Message
	for i := 1; i < 4; i++ {
		acts := engines[i].OnMessage(leaderKey, commitMsg)
		sendTo := acts[0].(SendTo)
		commitVotes = append(commitVotes, sendTo.Message)
	}
	ownActs = engines[0].OnMessage(leaderKey, commitMsg)
	if sendTo, ok := ownActs[0].(SendTo); ok {
		commitVotes = append(commitVotes, sendTo.Message)
	}

	committed := false
	for _, voteMsg := range commitVotes {
		cv := voteMsg.(CommitVote)
		acts := engines[0].OnMessage(cv.Vote.Voter, voteMsg)
		if len(acts) > 0 {
			if cb, ok := acts[0].(CommitBlock); ok {
				if cb.BlockHash != blockHash {
					t.Fatalf("committed wrong block hash")
				}
				committed = true
			}
		}
	}
	if !committed {
		t.Fatalf("expected block to commit after commit-vote quorum")
	}
	if engines[0].CurrentView() != 1 {
		t.Fatalf("expected leader to advance to view 1 after commit, got %d", engines[0].CurrentView())
	}
}

func TestNonValidatorMessagesAreDropped(t *testing.T) {
	kps := makeKeypairs(4)
	vs := makeValidatorSet(kps)
	engine := New(kps[0], vs)

	outsiderSeed := make([]byte, 32)
	outsiderSeed[0] = 0xFF
	outsider := keys.FromSeed(outsiderSeed)
	actions := engine.OnMessage(outsider.Public, Prepare{View: 0, BlockHash: hash.Hash{1}})
	if actions != nil {
		t.Fatalf("expected message from non-validator to be dropped")
	}
}

func TestViewChangeQuorumAdvancesView(t *testing.T) {
	kps := makeKeypairs(4)
	vs := makeValidatorSet(kps)
	engines := make([]*Engine, len(kps))
	for i, kp := range kps {
		engines[i] = New(kp, vs)
	}

	var newViewBroadcast Message
	for i := 0; i < 3; i++ {
		actions := engines[i].OnTimeout()
		tv := actions[0].(Broadcast).Message.(ViewChange).TimeoutVote

		for j := 0; j < 4; j++ {
			acts := engines[j].OnMessage(tv.Voter, ViewChange{TimeoutVote: tv})
			for _, a := range acts {
				if b, ok := a.(Broadcast); ok {
					newViewBroadcast = b.Message
				}
			}
		}
	}

	if newViewBroadcast == nil {
		t.Fatalf("expected a NewView broadcast once a view-change quorum formed")
	}
	nv := newViewBroadcast.(NewView)
	if nv.View != 1 {
		t.Fatalf("expected NewView for view 1, got %d", nv.View)
	}
	if engines[1].CurrentView() != 1 {
		t.Fatalf("expected validator 1 to have advanced to view 1, got view %d", engines[1].CurrentView())
	}
}
