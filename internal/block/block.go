// Package block builds and verifies weave blocks: the periodic
// aggregation of everything the mempool has accumulated, anchored by
// thirteen per-category Merkle roots and signed by a quorum of
// validators.
package block

import (
	"errors"
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/smt"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

// MaxCommitmentsPerBlock bounds how many thread commitments a single
// block may include, keeping block verification cost bounded.
const MaxCommitmentsPerBlock = 4096

var (
	ErrInvalidBlock       = errors.New("block: invalid")
	ErrInsufficientQuorum = errors.New("block: insufficient validator quorum")
)

// ValidatorSignature pairs a validator's public key with its signature
// over the block hash.
type ValidatorSignature struct {
	Validator keys.PublicKey
	Signature keys.Signature
}

// WeaveBlock is a single periodic weave block: thirteen content-category
// Merkle roots, the content itself, and proposer plus validator
// signatures over the block hash.
type WeaveBlock struct {
	Height    uint64
	Hash      hash.Hash
	PrevHash  hash.Hash
	Timestamp thread.Timestamp
	Proposer  keys.PublicKey

	CommitmentsRoot       hash.Hash
	RegistrationsRoot     hash.Hash
	AnchorsRoot           hash.Hash
	NameRegistrationsRoot hash.Hash
	FraudProofsRoot       hash.Hash
	TransfersRoot         hash.Hash
	TokenDefinitionsRoot  hash.Hash
	TokenMintsRoot        hash.Hash
	TokenBurnsRoot        hash.Hash
	LoomDeploysRoot       hash.Hash
	NameTransfersRoot     hash.Hash
	NameRecordUpdatesRoot hash.Hash
	StakeOperationsRoot   hash.Hash

	Commitments       []*thread.CommitmentUpdate
	Registrations     []*thread.Registration
	Anchors           []*mempool.LoomAnchor
	NameRegistrations []*mempool.NameRegistration
	FraudProofs       []*mempool.FraudProof
	Transfers         []*thread.Knot
	TokenDefinitions  []*mempool.TokenDefinition
	TokenMints        []*mempool.TokenMint
	TokenBurns        []*mempool.TokenBurn
	LoomDeploys       []*mempool.LoomDeploy
	NameTransfers     []*mempool.NameTransfer
	NameRecordUpdates []*mempool.NameRecordUpdate
	StakeOperations   []*mempool.StakeOperation

	ValidatorSignatures []ValidatorSignature
}

// Build assembles a WeaveBlock from drained mempool contents: computes
// the thirteen category Merkle roots, the block hash, and the proposer's
// signature over that hash.
func Build(prevHash hash.Hash, prevHeight uint64, contents mempool.BlockContents, proposer *keys.Keypair, timestamp thread.Timestamp) *WeaveBlock {
	b := &WeaveBlock{
		Height:            prevHeight + 1,
		PrevHash:          prevHash,
		Timestamp:         timestamp,
		Proposer:          proposer.Public,
		Commitments:       contents.Commitments,
		Registrations:     contents.Registrations,
		Anchors:           contents.LoomAnchors,
		NameRegistrations: contents.NameRegistrations,
		FraudProofs:       contents.FraudProofs,
		Transfers:         contents.Transfers,
		TokenDefinitions:  contents.TokenDefinitions,
		TokenMints:        contents.TokenMints,
		TokenBurns:        contents.TokenBurns,
		LoomDeploys:       contents.LoomDeploys,
		NameTransfers:     contents.NameTransfers,
		NameRecordUpdates: contents.NameRecordUpdates,
		StakeOperations:   contents.StakeOperations,
	}

	computeRoots(b)
	b.Hash = ComputeHash(b)

	sig := proposer.Sign(b.Hash[:])
	b.ValidatorSignatures = append(b.ValidatorSignatures, ValidatorSignature{
		Validator: proposer.Public,
		Signature: sig,
	})
	return b
}

func computeRoots(b *WeaveBlock) {
	b.CommitmentsRoot = merkleRoot(b.Commitments)
	b.RegistrationsRoot = merkleRoot(b.Registrations)
	b.AnchorsRoot = merkleRoot(b.Anchors)
	b.NameRegistrationsRoot = merkleRoot(b.NameRegistrations)
	b.FraudProofsRoot = merkleRoot(b.FraudProofs)
	b.TransfersRoot = merkleRoot(b.Transfers)
	b.TokenDefinitionsRoot = merkleRoot(b.TokenDefinitions)
	b.TokenMintsRoot = merkleRoot(b.TokenMints)
	b.TokenBurnsRoot = merkleRoot(b.TokenBurns)
	b.LoomDeploysRoot = merkleRoot(b.LoomDeploys)
	b.NameTransfersRoot = merkleRoot(b.NameTransfers)
	b.NameRecordUpdatesRoot = merkleRoot(b.NameRecordUpdates)
	b.StakeOperationsRoot = merkleRoot(b.StakeOperations)
}

// ComputeHash computes the deterministic block hash over every field
// except Hash itself and ValidatorSignatures, so a signature over the
// hash never needs to cover itself.
func ComputeHash(b *WeaveBlock) hash.Hash {
	w := codec.NewWriter()
	w.U64(b.Height)
	w.Fixed(b.PrevHash[:])
	w.Fixed(b.CommitmentsRoot[:])
	w.Fixed(b.RegistrationsRoot[:])
	w.Fixed(b.AnchorsRoot[:])
	w.Fixed(b.NameRegistrationsRoot[:])
	w.Fixed(b.FraudProofsRoot[:])
	w.Fixed(b.TransfersRoot[:])
	w.Fixed(b.TokenDefinitionsRoot[:])
	w.Fixed(b.TokenMintsRoot[:])
	w.Fixed(b.TokenBurnsRoot[:])
	w.Fixed(b.LoomDeploysRoot[:])
	w.Fixed(b.NameTransfersRoot[:])
	w.Fixed(b.NameRecordUpdatesRoot[:])
	w.Fixed(b.StakeOperationsRoot[:])
	w.U64(b.Timestamp)
	w.Fixed(b.Proposer[:])

	// Fold a whole-category content digest into the preimage in addition
	// to the roots: two distinct content sets can share a Merkle root
	// only via a hash collision, but this costs nothing and matches how
	// the block was originally specified.
	w.Fixed(categoryDigest(b.Commitments)[:])
	w.Fixed(categoryDigest(b.Registrations)[:])
	w.Fixed(categoryDigest(b.Anchors)[:])
	w.Fixed(categoryDigest(b.NameRegistrations)[:])
	w.Fixed(categoryDigest(b.FraudProofs)[:])
	w.Fixed(categoryDigest(b.Transfers)[:])
	w.Fixed(categoryDigest(b.TokenDefinitions)[:])
	w.Fixed(categoryDigest(b.TokenMints)[:])
	w.Fixed(categoryDigest(b.TokenBurns)[:])
	w.Fixed(categoryDigest(b.LoomDeploys)[:])
	w.Fixed(categoryDigest(b.NameTransfers)[:])
	w.Fixed(categoryDigest(b.NameRecordUpdates)[:])
	w.Fixed(categoryDigest(b.StakeOperations)[:])

	return hash.Sum(w.Encoded())
}

// Verify checks a block's size, hash, proposer membership, Merkle roots,
// and validator quorum against the given validator set.
func Verify(b *WeaveBlock, validators *staking.ValidatorSet) error {
	if len(b.Commitments) > MaxCommitmentsPerBlock {
		return fmt.Errorf("%w: too many commitments: %d > %d", ErrInvalidBlock, len(b.Commitments), MaxCommitmentsPerBlock)
	}

	if expected := ComputeHash(b); expected != b.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrInvalidBlock)
	}

	if !validators.Contains(b.Proposer) {
		return fmt.Errorf("%w: proposer not in validator set", ErrInvalidBlock)
	}

	roots := []struct {
		name      string
		got, want hash.Hash
	}{
		{"commitments", b.CommitmentsRoot, merkleRoot(b.Commitments)},
		{"registrations", b.RegistrationsRoot, merkleRoot(b.Registrations)},
		{"anchors", b.AnchorsRoot, merkleRoot(b.Anchors)},
		{"name registrations", b.NameRegistrationsRoot, merkleRoot(b.NameRegistrations)},
		{"fraud proofs", b.FraudProofsRoot, merkleRoot(b.FraudProofs)},
		{"transfers", b.TransfersRoot, merkleRoot(b.Transfers)},
		{"token definitions", b.TokenDefinitionsRoot, merkleRoot(b.TokenDefinitions)},
		{"token mints", b.TokenMintsRoot, merkleRoot(b.TokenMints)},
		{"token burns", b.TokenBurnsRoot, merkleRoot(b.TokenBurns)},
		{"loom deploys", b.LoomDeploysRoot, merkleRoot(b.LoomDeploys)},
		{"name transfers", b.NameTransfersRoot, merkleRoot(b.NameTransfers)},
		{"name record updates", b.NameRecordUpdatesRoot, merkleRoot(b.NameRecordUpdates)},
		{"stake operations", b.StakeOperationsRoot, merkleRoot(b.StakeOperations)},
	}
	for _, r := range roots {
		if r.got != r.want {
			return fmt.Errorf("%w: %s merkle root mismatch", ErrInvalidBlock, r.name)
		}
	}

	quorum := validators.QuorumSize()
	var items []keys.BatchItem
	for _, vs := range b.ValidatorSignatures {
		if !validators.Contains(vs.Validator) {
			continue
		}
		items = append(items, keys.BatchItem{Public: vs.Validator, Message: b.Hash[:], Signature: vs.Signature})
	}
	if len(items) < quorum {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientQuorum, len(items), quorum)
	}
	for i, ok := range keys.VerifyBatch(items) {
		if !ok {
			return fmt.Errorf("%w: signature %d failed verification", ErrInsufficientQuorum, i)
		}
	}

	return nil
}

// Encode writes the full canonical encoding of a WeaveBlock: every root,
// every content category in order, and the validator signature set. Used
// to carry a block over internal/wire rather than to compute its hash
// (ComputeHash has its own narrower preimage).
func (b *WeaveBlock) Encode(w *codec.Writer) {
	w.U64(b.Height)
	w.Fixed(b.Hash[:])
	w.Fixed(b.PrevHash[:])
	w.U64(b.Timestamp)
	w.Fixed(b.Proposer[:])

	w.Fixed(b.CommitmentsRoot[:])
	w.Fixed(b.RegistrationsRoot[:])
	w.Fixed(b.AnchorsRoot[:])
	w.Fixed(b.NameRegistrationsRoot[:])
	w.Fixed(b.FraudProofsRoot[:])
	w.Fixed(b.TransfersRoot[:])
	w.Fixed(b.TokenDefinitionsRoot[:])
	w.Fixed(b.TokenMintsRoot[:])
	w.Fixed(b.TokenBurnsRoot[:])
	w.Fixed(b.LoomDeploysRoot[:])
	w.Fixed(b.NameTransfersRoot[:])
	w.Fixed(b.NameRecordUpdatesRoot[:])
	w.Fixed(b.StakeOperationsRoot[:])

	encodeSlice(w, b.Commitments)
	encodeSlice(w, b.Registrations)
	encodeSlice(w, b.Anchors)
	encodeSlice(w, b.NameRegistrations)
	encodeSlice(w, b.FraudProofs)
	encodeSlice(w, b.Transfers)
	encodeSlice(w, b.TokenDefinitions)
	encodeSlice(w, b.TokenMints)
	encodeSlice(w, b.TokenBurns)
	encodeSlice(w, b.LoomDeploys)
	encodeSlice(w, b.NameTransfers)
	encodeSlice(w, b.NameRecordUpdates)
	encodeSlice(w, b.StakeOperations)

	w.U32(uint32(len(b.ValidatorSignatures)))
	for _, vs := range b.ValidatorSignatures {
		w.Fixed(vs.Validator[:])
		w.Fixed(vs.Signature[:])
	}
}

// encodeSlice writes a u32 element count followed by each element's
// canonical encoding, the category-list shape every WeaveBlock content
// field shares.
func encodeSlice[T codec.Encoder](w *codec.Writer, items []T) {
	w.U32(uint32(len(items)))
	for _, item := range items {
		item.Encode(w)
	}
}

// DecodeWeaveBlock reads a WeaveBlock written by Encode.
func DecodeWeaveBlock(r *codec.Reader) (*WeaveBlock, error) {
	b := &WeaveBlock{}
	var err error
	if b.Height, err = r.U64(); err != nil {
		return nil, err
	}
	if err := readFixed(r, b.Hash[:]); err != nil {
		return nil, err
	}
	if err := readFixed(r, b.PrevHash[:]); err != nil {
		return nil, err
	}
	if b.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	if err := readFixed(r, b.Proposer[:]); err != nil {
		return nil, err
	}

	roots := []*hash.Hash{
		&b.CommitmentsRoot, &b.RegistrationsRoot, &b.AnchorsRoot,
		&b.NameRegistrationsRoot, &b.FraudProofsRoot, &b.TransfersRoot,
		&b.TokenDefinitionsRoot, &b.TokenMintsRoot, &b.TokenBurnsRoot,
		&b.LoomDeploysRoot, &b.NameTransfersRoot, &b.NameRecordUpdatesRoot,
		&b.StakeOperationsRoot,
	}
	for _, root := range roots {
		if err := readFixed(r, root[:]); err != nil {
			return nil, err
		}
	}

	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.Commitments = make([]*thread.CommitmentUpdate, n)
	for i := range b.Commitments {
		if b.Commitments[i], err = thread.DecodeCommitmentUpdate(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.Registrations = make([]*thread.Registration, n)
	for i := range b.Registrations {
		if b.Registrations[i], err = thread.DecodeRegistration(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.Anchors = make([]*mempool.LoomAnchor, n)
	for i := range b.Anchors {
		if b.Anchors[i], err = mempool.DecodeLoomAnchor(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.NameRegistrations = make([]*mempool.NameRegistration, n)
	for i := range b.NameRegistrations {
		if b.NameRegistrations[i], err = mempool.DecodeNameRegistration(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.FraudProofs = make([]*mempool.FraudProof, n)
	for i := range b.FraudProofs {
		if b.FraudProofs[i], err = mempool.DecodeMempoolFraudProof(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.Transfers = make([]*thread.Knot, n)
	for i := range b.Transfers {
		if b.Transfers[i], err = thread.DecodeKnot(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.TokenDefinitions = make([]*mempool.TokenDefinition, n)
	for i := range b.TokenDefinitions {
		if b.TokenDefinitions[i], err = mempool.DecodeTokenDefinition(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.TokenMints = make([]*mempool.TokenMint, n)
	for i := range b.TokenMints {
		if b.TokenMints[i], err = mempool.DecodeTokenMint(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.TokenBurns = make([]*mempool.TokenBurn, n)
	for i := range b.TokenBurns {
		if b.TokenBurns[i], err = mempool.DecodeTokenBurn(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.LoomDeploys = make([]*mempool.LoomDeploy, n)
	for i := range b.LoomDeploys {
		if b.LoomDeploys[i], err = mempool.DecodeLoomDeploy(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.NameTransfers = make([]*mempool.NameTransfer, n)
	for i := range b.NameTransfers {
		if b.NameTransfers[i], err = mempool.DecodeNameTransfer(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.NameRecordUpdates = make([]*mempool.NameRecordUpdate, n)
	for i := range b.NameRecordUpdates {
		if b.NameRecordUpdates[i], err = mempool.DecodeNameRecordUpdate(r); err != nil {
			return nil, err
		}
	}
	if n, err = r.U32(); err != nil {
		return nil, err
	}
	b.StakeOperations = make([]*mempool.StakeOperation, n)
	for i := range b.StakeOperations {
		if b.StakeOperations[i], err = mempool.DecodeStakeOperation(r); err != nil {
			return nil, err
		}
	}

	sigCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.ValidatorSignatures = make([]ValidatorSignature, sigCount)
	for i := range b.ValidatorSignatures {
		vb, err := r.Fixed(len(b.ValidatorSignatures[i].Validator))
		if err != nil {
			return nil, err
		}
		copy(b.ValidatorSignatures[i].Validator[:], vb)
		sb, err := r.Fixed(len(b.ValidatorSignatures[i].Signature))
		if err != nil {
			return nil, err
		}
		copy(b.ValidatorSignatures[i].Signature[:], sb)
	}

	return b, nil
}

func readFixed(r *codec.Reader, dst []byte) error {
	b, err := r.Fixed(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// merkleRoot builds a sparse Merkle tree keyed by the BLAKE3 hash of each
// item's canonical encoding and returns its root — the same anchoring
// scheme used to commit thread state into the weave's global tree.
func merkleRoot[T codec.Encoder](items []T) hash.Hash {
	tree := smt.New()
	for _, item := range items {
		b := codec.Encode(item)
		key := hash.Sum(b)
		tree.Insert(key, b)
	}
	return tree.Root()
}

// categoryDigest hashes the concatenation of every item's canonical
// encoding, in order, as one more layer of content-determinism alongside
// the category's Merkle root.
func categoryDigest[T codec.Encoder](items []T) hash.Hash {
	w := codec.NewWriter()
	for _, item := range items {
		item.Encode(w)
	}
	return hash.Sum(w.Encoded())
}
