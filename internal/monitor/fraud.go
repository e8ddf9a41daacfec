package monitor

import (
	"errors"
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/loomvm"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/thread"
)

// ErrUnsupportedKind is returned by proofFromAlert for an AlertKind the
// monitor doesn't know how to package.
var ErrUnsupportedKind = errors.New("monitor: unsupported alert kind")

// ProofKind mirrors AlertKind but names the evidence actually embedded in
// a FraudProof, including the loom-dispute variant a monitor never
// produces on its own (it arrives only from a loom participant disputing
// a state transition, via ValidateFraudProofWithLoom).
type ProofKind uint8

const (
	ProofDoubleKnot ProofKind = iota
	ProofStaleCommit
	ProofInvalidLoomTransition
)

func (k ProofKind) String() string {
	switch k {
	case ProofDoubleKnot:
		return "double_knot"
	case ProofStaleCommit:
		return "stale_commit"
	case ProofInvalidLoomTransition:
		return "invalid_loom_transition"
	default:
		return "unknown"
	}
}

// FraudProof is the structured evidence this package produces and
// consumes; it is the decoded form of an internal/mempool.FraudProof's
// opaque Evidence bytes, keyed by the same Kind string as the envelope.
type FraudProof struct {
	Kind     ProofKind
	ThreadID thread.Address

	// ProofDoubleKnot fields.
	KnotA *thread.Knot
	KnotB *thread.Knot

	// ProofStaleCommit fields.
	Commitment      *thread.CommitmentUpdate
	ExpectedVersion thread.Version
	ActualVersion   thread.Version

	// ProofInvalidLoomTransition fields.
	LoomID     thread.LoomID
	Transition *LoomTransitionClaim
}

// LoomTransitionClaim is the disputed execute call a ProofInvalidLoomTransition
// proof re-runs to check: the sender and input a loom participant claims
// produced a different result than the one committed on-chain.
type LoomTransitionClaim struct {
	Sender           thread.Address
	BlockHeight      uint64
	Timestamp        thread.Timestamp
	Input            []byte
	ClaimedNewState  hash.Hash
	CommittedNewHash hash.Hash
}

func proofFromAlert(alert Alert) (*FraudProof, error) {
	switch alert.Kind {
	case AlertDoubleKnot:
		return &FraudProof{
			Kind:     ProofDoubleKnot,
			ThreadID: alert.ThreadID,
			KnotA:    alert.KnotA,
			KnotB:    alert.KnotB,
		}, nil
	case AlertStaleCommit:
		return &FraudProof{
			Kind:            ProofStaleCommit,
			ThreadID:        alert.ThreadID,
			Commitment:      alert.Commitment,
			ExpectedVersion: alert.ExpectedVersion,
			ActualVersion:   alert.ActualVersion,
		}, nil
	default:
		return nil, ErrUnsupportedKind
	}
}

// Encode writes the canonical encoding of a FraudProof, the preimage
// embedded in a FraudProofSubmission's signing data and carried as an
// internal/mempool.FraudProof's Evidence bytes.
func (f *FraudProof) Encode(w *codec.Writer) {
	w.U8(uint8(f.Kind))
	w.Fixed(f.ThreadID[:])
	switch f.Kind {
	case ProofDoubleKnot:
		f.KnotA.Encode(w)
		f.KnotB.Encode(w)
	case ProofStaleCommit:
		f.Commitment.Encode(w)
		w.U64(f.ExpectedVersion)
		w.U64(f.ActualVersion)
	case ProofInvalidLoomTransition:
		w.Fixed(f.LoomID[:])
		w.Fixed(f.Transition.Sender[:])
		w.U64(f.Transition.BlockHeight)
		w.U64(f.Transition.Timestamp)
		w.Bytes(f.Transition.Input)
		w.Fixed(f.Transition.ClaimedNewState[:])
		w.Fixed(f.Transition.CommittedNewHash[:])
	}
}

// DecodeFraudProof reads a FraudProof written by Encode.
func DecodeFraudProof(r *codec.Reader) (*FraudProof, error) {
	f := &FraudProof{}
	kindByte, err := r.U8()
	if err != nil {
		return nil, err
	}
	f.Kind = ProofKind(kindByte)
	tb, err := r.Fixed(len(f.ThreadID))
	if err != nil {
		return nil, err
	}
	copy(f.ThreadID[:], tb)

	switch f.Kind {
	case ProofDoubleKnot:
		if f.KnotA, err = thread.DecodeKnot(r); err != nil {
			return nil, err
		}
		if f.KnotB, err = thread.DecodeKnot(r); err != nil {
			return nil, err
		}
	case ProofStaleCommit:
		if f.Commitment, err = thread.DecodeCommitmentUpdate(r); err != nil {
			return nil, err
		}
		if f.ExpectedVersion, err = r.U64(); err != nil {
			return nil, err
		}
		if f.ActualVersion, err = r.U64(); err != nil {
			return nil, err
		}
	case ProofInvalidLoomTransition:
		lb, err := r.Fixed(len(f.LoomID))
		if err != nil {
			return nil, err
		}
		copy(f.LoomID[:], lb)
		f.Transition = &LoomTransitionClaim{}
		sb, err := r.Fixed(len(f.Transition.Sender))
		if err != nil {
			return nil, err
		}
		copy(f.Transition.Sender[:], sb)
		if f.Transition.BlockHeight, err = r.U64(); err != nil {
			return nil, err
		}
		if f.Transition.Timestamp, err = r.U64(); err != nil {
			return nil, err
		}
		if f.Transition.Input, err = r.Bytes(); err != nil {
			return nil, err
		}
		cns, err := r.Fixed(len(f.Transition.ClaimedNewState))
		if err != nil {
			return nil, err
		}
		copy(f.Transition.ClaimedNewState[:], cns)
		chh, err := r.Fixed(len(f.Transition.CommittedNewHash))
		if err != nil {
			return nil, err
		}
		copy(f.Transition.CommittedNewHash[:], chh)
	default:
		return nil, fmt.Errorf("monitor: unknown fraud proof kind %d", f.Kind)
	}
	return f, nil
}

// FraudProofSubmission pairs a FraudProof with the submitter identity and
// signature a validator checks before acting on it.
type FraudProofSubmission struct {
	Proof     *FraudProof
	Submitter keys.PublicKey
	Timestamp thread.Timestamp
	Signature keys.Signature
}

// Encode writes the canonical encoding of a submission: its proof,
// submitter key, timestamp, and signature, in that order. This is the
// form stashed whole as an internal/mempool.FraudProof's Evidence bytes.
func (s *FraudProofSubmission) Encode(w *codec.Writer) {
	s.Proof.Encode(w)
	w.Fixed(s.Submitter[:])
	w.U64(s.Timestamp)
	w.Fixed(s.Signature[:])
}

// DecodeFraudProofSubmission reads a FraudProofSubmission written by
// Encode.
func DecodeFraudProofSubmission(r *codec.Reader) (*FraudProofSubmission, error) {
	proof, err := DecodeFraudProof(r)
	if err != nil {
		return nil, err
	}
	s := &FraudProofSubmission{Proof: proof}
	sb, err := r.Fixed(len(s.Submitter))
	if err != nil {
		return nil, err
	}
	copy(s.Submitter[:], sb)
	if s.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	sigBytes, err := r.Fixed(len(s.Signature))
	if err != nil {
		return nil, err
	}
	copy(s.Signature[:], sigBytes)
	return s, nil
}

// signingData returns the canonical preimage a submission's Signature is
// computed over: the encoded proof, the submitter key, and the submission
// timestamp, in that order.
func signingData(proof *FraudProof, submitter keys.PublicKey, timestamp thread.Timestamp) []byte {
	w := codec.NewWriter()
	proof.Encode(w)
	w.Fixed(submitter[:])
	w.U64(timestamp)
	return w.Encoded()
}

// SignFraudProof builds a signed submission for proof using signer as the
// submitter identity and timestamp as the submission time.
func SignFraudProof(proof *FraudProof, signer *keys.Keypair, timestamp thread.Timestamp) (*FraudProofSubmission, error) {
	sub := &FraudProofSubmission{
		Proof:     proof,
		Submitter: signer.Public,
		Timestamp: timestamp,
	}
	data := signingData(proof, sub.Submitter, sub.Timestamp)
	digest := hash.Sum(data)
	sub.Signature = signer.Sign(digest[:])
	return sub, nil
}

// VerifySubmitterSignature checks a submission's signature against its
// own claimed submitter key.
func (s *FraudProofSubmission) VerifySubmitterSignature() bool {
	digest := hash.Sum(signingData(s.Proof, s.Submitter, s.Timestamp))
	return keys.Verify(s.Submitter, digest[:], s.Signature)
}

// ToMempoolFraudProof wraps a signed submission as the opaque envelope
// internal/mempool queues, dedups, and drains into a block. The envelope's
// Kind names the evidence shape so a consumer can decide whether it has
// enough context to validate without decoding Evidence first.
func (s *FraudProofSubmission) ToMempoolFraudProof() *mempool.FraudProof {
	w := codec.NewWriter()
	s.Encode(w)
	return &mempool.FraudProof{
		Kind:     s.Proof.Kind.String(),
		ThreadID: s.Proof.ThreadID,
		Evidence: w.Encoded(),
	}
}

// Verdict is the outcome of validating a fraud proof submission.
type Verdict uint8

const (
	VerdictValidDoubleKnot Verdict = iota
	VerdictValidStaleCommit
	VerdictValidInvalidLoomTransition
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictValidDoubleKnot:
		return "valid_double_knot"
	case VerdictValidStaleCommit:
		return "valid_stale_commit"
	case VerdictValidInvalidLoomTransition:
		return "valid_invalid_loom_transition"
	default:
		return "invalid"
	}
}

// Result pairs a Verdict with the reason an Invalid verdict was reached,
// empty for every valid verdict.
type Result struct {
	Verdict Verdict
	Reason  string
}

func invalid(reason string, args ...any) Result {
	return Result{Verdict: VerdictInvalid, Reason: fmt.Sprintf(reason, args...)}
}

// ValidateFraudProof checks a submission's signature and, for the
// DoubleKnot and StaleCommit kinds, the embedded evidence itself. A
// ProofInvalidLoomTransition submission is always rejected here — it
// requires re-executing the disputed loom call, which only
// ValidateFraudProofWithLoom can do.
func ValidateFraudProof(sub *FraudProofSubmission) Result {
	if !sub.VerifySubmitterSignature() {
		return invalid("submitter signature does not verify")
	}
	proof := sub.Proof
	switch proof.Kind {
	case ProofDoubleKnot:
		return validateDoubleKnot(proof)
	case ProofStaleCommit:
		return validateStaleCommit(proof)
	case ProofInvalidLoomTransition:
		return invalid("loom transition disputes require ValidateFraudProofWithLoom")
	default:
		return invalid("unknown proof kind %d", proof.Kind)
	}
}

func validateDoubleKnot(proof *FraudProof) Result {
	if proof.KnotA == nil || proof.KnotB == nil {
		return invalid("double knot proof missing one or both knots")
	}
	if proof.KnotA.ID == proof.KnotB.ID {
		return invalid("double knot proof names the same knot twice")
	}
	versionA, okA := sharedVersion(proof.KnotA, proof.ThreadID)
	versionB, okB := sharedVersion(proof.KnotB, proof.ThreadID)
	if !okA || !okB {
		return invalid("one or both knots do not reference thread %x", proof.ThreadID)
	}
	if versionA != versionB {
		return invalid("knots claim different before-versions (%d vs %d)", versionA, versionB)
	}
	return Result{Verdict: VerdictValidDoubleKnot}
}

func sharedVersion(k *thread.Knot, threadID thread.Address) (thread.Version, bool) {
	for _, before := range k.BeforeStates {
		if before.ThreadID == threadID {
			return before.Version, true
		}
	}
	return 0, false
}

// OffendingPubKey returns the public key whose stake a validator should
// slash for a CONFIRMED proof, derived from the evidence itself rather
// than trusted input: the shared before-state's key for a double-knot,
// the commitment's own signer for a stale commit. It has no meaning for
// ProofInvalidLoomTransition, which names a loom rather than a thread
// owner.
func OffendingPubKey(proof *FraudProof) (keys.PublicKey, bool) {
	switch proof.Kind {
	case ProofDoubleKnot:
		for _, before := range proof.KnotA.BeforeStates {
			if before.ThreadID == proof.ThreadID {
				return before.PubKey, true
			}
		}
		return keys.PublicKey{}, false
	case ProofStaleCommit:
		if proof.Commitment == nil {
			return keys.PublicKey{}, false
		}
		return proof.Commitment.Owner, true
	default:
		return keys.PublicKey{}, false
	}
}

func validateStaleCommit(proof *FraudProof) Result {
	if proof.Commitment == nil {
		return invalid("stale commit proof missing commitment")
	}
	if !proof.Commitment.Verify() {
		return invalid("commitment signature does not verify")
	}
	if proof.Commitment.ThreadID != proof.ThreadID {
		return invalid("commitment thread id does not match proof thread id")
	}
	if proof.ActualVersion >= proof.ExpectedVersion {
		return invalid("claimed actual version %d is not behind expected version %d", proof.ActualVersion, proof.ExpectedVersion)
	}
	if proof.Commitment.Version != proof.ActualVersion {
		return invalid("commitment version %d does not match claimed actual version %d", proof.Commitment.Version, proof.ActualVersion)
	}
	return Result{Verdict: VerdictValidStaleCommit}
}

// LoomDisputeContext is the state a ValidateFraudProofWithLoom call
// re-executes the disputed call against: the loom's bytecode and its
// key-value state immediately before the disputed call, as agreed by the
// loom's participants (or recovered from an anchored commitment).
type LoomDisputeContext struct {
	Bytecode     []byte
	InitialState map[string][]byte
}

// ValidateFraudProofWithLoom extends ValidateFraudProof with the one case
// it cannot resolve alone: a ProofInvalidLoomTransition is validated by
// re-running the disputed call against ctx and comparing the resulting
// state hash to what the proof claims. Every other proof kind is
// delegated to ValidateFraudProof unchanged.
func ValidateFraudProofWithLoom(sub *FraudProofSubmission, ctx *LoomDisputeContext) (Result, error) {
	if sub.Proof.Kind != ProofInvalidLoomTransition {
		return ValidateFraudProof(sub), nil
	}
	if !sub.VerifySubmitterSignature() {
		return invalid("submitter signature does not verify"), nil
	}
	claim := sub.Proof.Transition
	if claim == nil {
		return invalid("loom transition proof missing claim"), nil
	}

	runtime := loomvm.New()
	host := loomvm.NewHostState(claim.Sender, claim.BlockHeight, claim.Timestamp, loomvm.DefaultGasLimit)
	for k, v := range ctx.InitialState {
		cp := make([]byte, len(v))
		copy(cp, v)
		host.State[k] = cp
	}

	inst, err := runtime.Instantiate(ctx.Bytecode, host)
	if err != nil {
		return Result{}, fmt.Errorf("monitor: instantiate disputed loom: %w", err)
	}
	if _, err := inst.CallExecute(claim.Input); err != nil {
		return Result{}, fmt.Errorf("monitor: execute disputed loom call: %w", err)
	}
	actualHash := stateHash(host.State)

	if actualHash == claim.CommittedNewHash {
		return invalid("committed state hash matches re-execution; no fraud"), nil
	}
	if actualHash != claim.ClaimedNewState {
		return invalid("re-execution produced neither the committed nor the claimed state hash"), nil
	}
	return Result{Verdict: VerdictValidInvalidLoomTransition}, nil
}

// stateHash mirrors internal/loom's deterministic key-value state digest
// so re-execution here produces hashes comparable to on-chain commitments.
func stateHash(data map[string][]byte) hash.Hash {
	keysList := make([]string, 0, len(data))
	for k := range data {
		keysList = append(keysList, k)
	}
	for i := 1; i < len(keysList); i++ {
		for j := i; j > 0 && keysList[j-1] > keysList[j]; j-- {
			keysList[j-1], keysList[j] = keysList[j], keysList[j-1]
		}
	}

	w := codec.NewWriter()
	for _, k := range keysList {
		w.Bytes([]byte(k))
		w.Bytes(data[k])
	}
	return hash.Sum(w.Encoded())
}
