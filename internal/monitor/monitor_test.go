package monitor

import (
	"testing"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

func simpleKnot(t *testing.T, threadID thread.Address, version thread.Version, ts thread.Timestamp, salt byte) *thread.Knot {
	t.Helper()
	payload := &thread.TransferPayload{TokenID: thread.NativeTokenID, Amount: thread.AmountFromUint64(1), From: threadID, To: threadID}
	k := &thread.Knot{
		KnotType:  "transfer",
		Timestamp: ts,
		BeforeStates: []thread.ParticipantState{
			{ThreadID: threadID, Version: version},
		},
		AfterStates: []thread.ParticipantState{
			{ThreadID: threadID, Version: version + 1},
		},
		Payload: payload,
	}
	// salt perturbs the id without affecting validity fields this test
	// cares about, so two knots built from the same inputs are distinct.
	k.Timestamp += thread.Timestamp(salt)
	k.ID = thread.ComputeKnotID(k)
	return k
}

func TestDetectDoubleKnot(t *testing.T) {
	m := NewThreadMonitor()
	var threadID thread.Address
	threadID[0] = 1
	m.Watch(threadID)

	k1 := simpleKnot(t, threadID, 5, 1000, 0)
	k2 := simpleKnot(t, threadID, 5, 1000, 1)

	if alerts := m.OnKnot(k1); len(alerts) != 0 {
		t.Fatalf("expected no alert on first knot, got %v", alerts)
	}
	alerts := m.OnKnot(k2)
	if len(alerts) != 1 {
		t.Fatalf("expected one double-knot alert, got %d", len(alerts))
	}
	if alerts[0].Kind != AlertDoubleKnot {
		t.Fatalf("expected AlertDoubleKnot, got %v", alerts[0].Kind)
	}
	if alerts[0].KnotA.ID != k1.ID || alerts[0].KnotB.ID != k2.ID {
		t.Fatalf("alert does not reference the two colliding knots")
	}
}

func TestNoFalsePositiveSequentialVersions(t *testing.T) {
	m := NewThreadMonitor()
	var threadID thread.Address
	threadID[0] = 2
	m.Watch(threadID)

	k1 := simpleKnot(t, threadID, 5, 1000, 0)
	k2 := simpleKnot(t, threadID, 6, 1001, 0)

	if alerts := m.OnKnot(k1); len(alerts) != 0 {
		t.Fatalf("expected no alert, got %v", alerts)
	}
	if alerts := m.OnKnot(k2); len(alerts) != 0 {
		t.Fatalf("expected no alert for sequential versions, got %v", alerts)
	}
}

func TestSameKnotTwiceNotDoubleKnot(t *testing.T) {
	m := NewThreadMonitor()
	var threadID thread.Address
	threadID[0] = 3
	m.Watch(threadID)

	k1 := simpleKnot(t, threadID, 5, 1000, 0)
	m.OnKnot(k1)
	if alerts := m.OnKnot(k1); len(alerts) != 0 {
		t.Fatalf("expected replaying the same knot to not trigger an alert, got %v", alerts)
	}
}

func TestUnwatchStopsDetection(t *testing.T) {
	m := NewThreadMonitor()
	var threadID thread.Address
	threadID[0] = 4
	m.Watch(threadID)

	k1 := simpleKnot(t, threadID, 5, 1000, 0)
	m.OnKnot(k1)
	m.Unwatch(threadID)
	if m.IsWatching(threadID) {
		t.Fatal("expected thread to no longer be watched")
	}

	k2 := simpleKnot(t, threadID, 5, 1000, 1)
	if alerts := m.OnKnot(k2); len(alerts) != 0 {
		t.Fatalf("expected no alert once unwatched, got %v", alerts)
	}
}

func TestStaleCommitDetectedForVersionRegression(t *testing.T) {
	m := NewThreadMonitor()
	owner, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	threadID := keys.AddressFromPublicKey(owner.Public)
	m.Watch(threadID)

	m.OnKnot(simpleKnot(t, threadID, 10, 1000, 0))

	c := &thread.CommitmentUpdate{ThreadID: threadID, Owner: owner.Public, Version: 3, Timestamp: 1001}
	digest := hash.Sum(c.SigningData())
	c.Signature = owner.Sign(digest[:])

	alert := m.OnCommitment(c)
	if alert == nil {
		t.Fatal("expected a stale commit alert")
	}
	if alert.Kind != AlertStaleCommit {
		t.Fatalf("expected AlertStaleCommit, got %v", alert.Kind)
	}
	if alert.ExpectedVersion != 11 || alert.ActualVersion != 3 {
		t.Fatalf("unexpected versions: expected=%d actual=%d", alert.ExpectedVersion, alert.ActualVersion)
	}
}

func TestStaleCommitNotTriggeredForValidCommitment(t *testing.T) {
	m := NewThreadMonitor()
	owner, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	threadID := keys.AddressFromPublicKey(owner.Public)
	m.Watch(threadID)

	m.OnKnot(simpleKnot(t, threadID, 10, 1000, 0))

	c := &thread.CommitmentUpdate{ThreadID: threadID, Owner: owner.Public, Version: 11, Timestamp: 1001}
	digest := hash.Sum(c.SigningData())
	c.Signature = owner.Sign(digest[:])

	if alert := m.OnCommitment(c); alert != nil {
		t.Fatalf("expected no alert for a commitment at the known version, got %+v", alert)
	}
}

func TestBuildFraudProofFromDoubleKnotAlert(t *testing.T) {
	m := NewThreadMonitor()
	var threadID thread.Address
	threadID[0] = 5
	m.Watch(threadID)

	k1 := simpleKnot(t, threadID, 5, 1000, 0)
	k2 := simpleKnot(t, threadID, 5, 1000, 1)
	m.OnKnot(k1)
	alerts := m.OnKnot(k2)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}

	signer, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sub, err := BuildFraudProof(alerts[0], signer, 2000)
	if err != nil {
		t.Fatalf("build fraud proof: %v", err)
	}
	if sub.Proof.Kind != ProofDoubleKnot {
		t.Fatalf("expected ProofDoubleKnot, got %v", sub.Proof.Kind)
	}
	if !sub.VerifySubmitterSignature() {
		t.Fatal("expected submission signature to verify")
	}

	result := ValidateFraudProof(sub)
	if result.Verdict != VerdictValidDoubleKnot {
		t.Fatalf("expected valid double knot verdict, got %v (%s)", result.Verdict, result.Reason)
	}
}

func TestBuildFraudProofFromStaleCommitAlert(t *testing.T) {
	m := NewThreadMonitor()
	owner, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	threadID := keys.AddressFromPublicKey(owner.Public)
	m.Watch(threadID)
	m.OnKnot(simpleKnot(t, threadID, 10, 1000, 0))

	c := &thread.CommitmentUpdate{ThreadID: threadID, Owner: owner.Public, Version: 3, Timestamp: 1001}
	digest := hash.Sum(c.SigningData())
	c.Signature = owner.Sign(digest[:])
	alert := m.OnCommitment(c)
	if alert == nil {
		t.Fatal("expected stale commit alert")
	}

	signer, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sub, err := BuildFraudProof(*alert, signer, 2000)
	if err != nil {
		t.Fatalf("build fraud proof: %v", err)
	}
	result := ValidateFraudProof(sub)
	if result.Verdict != VerdictValidStaleCommit {
		t.Fatalf("expected valid stale commit verdict, got %v (%s)", result.Verdict, result.Reason)
	}
}

