// Package consensus implements HotStuff, a 3-phase (Prepare, PreCommit,
// Commit) Byzantine fault-tolerant consensus protocol used to finalize
// weave blocks proposed by a rotating validator leader.
//
// The engine is a pure state machine: it consumes incoming messages and
// timeouts and produces a list of actions (broadcast, send, commit,
// request-view-change) for the caller to carry out. It performs no I/O
// of its own.
package consensus
