// Package monitor watches committed knots and commitment updates for a
// set of threads a node has chosen to observe, and turns what it sees
// into fraud proofs the rest of the node can submit to the mempool. It
// does not itself decide consensus outcomes — it only detects evidence
// and packages it for validator review (see ValidateFraudProof).
package monitor

import (
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

// maxVersionsPerThread bounds how many distinct (version -> knots) entries
// a single watched thread's history can accumulate before the oldest is
// evicted. A thread under active double-knot attack could otherwise grow
// this map without bound for as long as the node keeps watching it.
const maxVersionsPerThread = 1000

// AlertKind distinguishes the two forms of evidence a monitor can produce.
type AlertKind uint8

const (
	// AlertDoubleKnot fires when two distinct knots both claim the same
	// (thread, version) as their before-state.
	AlertDoubleKnot AlertKind = iota
	// AlertStaleCommit fires when a thread owner signs a commitment
	// update whose version regresses behind one the monitor already
	// observed via a knot.
	AlertStaleCommit
)

func (k AlertKind) String() string {
	switch k {
	case AlertDoubleKnot:
		return "double_knot"
	case AlertStaleCommit:
		return "stale_commit"
	default:
		return "unknown"
	}
}

// Alert is evidence of misbehavior a ThreadMonitor has observed for one
// watched thread. Exactly one of the two evidence shapes is populated,
// selected by Kind.
type Alert struct {
	Kind     AlertKind
	ThreadID thread.Address

	// DoubleKnot fields.
	KnotA *thread.Knot
	KnotB *thread.Knot

	// StaleCommit fields.
	Commitment      *thread.CommitmentUpdate
	ExpectedVersion thread.Version
	ActualVersion   thread.Version
}

// versionEntry is one watched thread's record of the distinct knots seen
// claiming a given version as their before-state.
type versionEntry struct {
	version thread.Version
	knots   []*thread.Knot
}

// ThreadWatch is the accumulated history for a single watched thread: the
// highest version confirmed by a knot, and the recent per-version knot
// sightings used to detect double-knots.
type ThreadWatch struct {
	threadID     thread.Address
	knownVersion thread.Version
	// versions is ordered oldest-first so eviction can drop index 0; a
	// thread rarely has more than a handful of in-flight versions, so a
	// linear scan to find an existing entry is cheap enough.
	versions []versionEntry
}

func newThreadWatch(threadID thread.Address) *ThreadWatch {
	return &ThreadWatch{threadID: threadID}
}

func (w *ThreadWatch) entryIndex(version thread.Version) int {
	for i := range w.versions {
		if w.versions[i].version == version {
			return i
		}
	}
	return -1
}

func (w *ThreadWatch) hasKnot(entry *versionEntry, id hash.Hash) bool {
	for _, k := range entry.knots {
		if k.ID == id {
			return true
		}
	}
	return false
}

// ThreadMonitor watches a configurable set of threads for double-knots
// (two knots built against the same before-state version) and stale
// commitments (a commitment update that regresses behind a version the
// monitor already confirmed).
type ThreadMonitor struct {
	watched map[thread.Address]*ThreadWatch
}

// NewThreadMonitor returns a monitor watching no threads.
func NewThreadMonitor() *ThreadMonitor {
	return &ThreadMonitor{watched: make(map[thread.Address]*ThreadWatch)}
}

// Watch begins observing threadID. Calling Watch on an already-watched
// thread is a no-op; its accumulated history is kept.
func (m *ThreadMonitor) Watch(threadID thread.Address) {
	if _, ok := m.watched[threadID]; ok {
		return
	}
	m.watched[threadID] = newThreadWatch(threadID)
}

// Unwatch stops observing threadID and discards its history.
func (m *ThreadMonitor) Unwatch(threadID thread.Address) {
	delete(m.watched, threadID)
}

// IsWatching reports whether threadID is currently observed.
func (m *ThreadMonitor) IsWatching(threadID thread.Address) bool {
	_, ok := m.watched[threadID]
	return ok
}

// OnKnot records a committed knot against every watched thread named in
// its BeforeStates, returning an Alert each time a knot distinct from
// those already recorded claims a (thread, version) pair an earlier knot
// claimed; the alert pairs the first knot seen for that pair with the new
// one. Replaying a knot already recorded for the pair does not fire.
func (m *ThreadMonitor) OnKnot(k *thread.Knot) []Alert {
	var alerts []Alert
	for _, before := range k.BeforeStates {
		watch, ok := m.watched[before.ThreadID]
		if !ok {
			continue
		}
		for _, after := range k.AfterStates {
			if after.ThreadID == before.ThreadID && after.Version > watch.knownVersion {
				watch.knownVersion = after.Version
			}
		}

		idx := watch.entryIndex(before.Version)
		if idx == -1 {
			watch.versions = append(watch.versions, versionEntry{version: before.Version, knots: []*thread.Knot{k}})
			watch.evictIfNeeded()
			continue
		}
		entry := &watch.versions[idx]
		if watch.hasKnot(entry, k.ID) {
			continue
		}
		if len(entry.knots) >= 1 {
			alerts = append(alerts, Alert{
				Kind:     AlertDoubleKnot,
				ThreadID: before.ThreadID,
				KnotA:    entry.knots[0],
				KnotB:    k,
			})
		}
		entry.knots = append(entry.knots, k)
	}
	return alerts
}

// evictIfNeeded drops the oldest version entry once the watch has grown
// past maxVersionsPerThread.
func (w *ThreadWatch) evictIfNeeded() {
	if len(w.versions) <= maxVersionsPerThread {
		return
	}
	w.versions = w.versions[1:]
}

// OnCommitment checks a commitment update against its thread's known
// version, returning an Alert if the commitment regresses behind a
// version the monitor already confirmed via OnKnot. Unwatched threads are
// ignored.
func (m *ThreadMonitor) OnCommitment(c *thread.CommitmentUpdate) *Alert {
	watch, ok := m.watched[c.ThreadID]
	if !ok {
		return nil
	}
	if c.Version >= watch.knownVersion {
		return nil
	}
	return &Alert{
		Kind:            AlertStaleCommit,
		ThreadID:        c.ThreadID,
		Commitment:      c,
		ExpectedVersion: watch.knownVersion,
		ActualVersion:   c.Version,
	}
}

// BuildFraudProof converts an alert observed by this monitor into a
// signed submission ready for ValidateFraudProof, using signer as the
// submitter identity and timestamp as the submission time.
func BuildFraudProof(alert Alert, signer *keys.Keypair, timestamp thread.Timestamp) (*FraudProofSubmission, error) {
	proof, err := proofFromAlert(alert)
	if err != nil {
		return nil, err
	}
	return SignFraudProof(proof, signer, timestamp)
}
