package block

import (
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/thread"
)

// Encode writes the full archival encoding of a block: every root, every
// piece of content, and every validator signature. This is distinct from
// ComputeHash, which only folds roots and category digests into the
// signed preimage — Encode is what internal/storage persists and
// internal/wire relays so a peer can reconstruct the block verbatim.
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

	encodeList(w, b.Commitments)
	encodeList(w, b.Registrations)
	encodeList(w, b.Anchors)
	encodeList(w, b.NameRegistrations)
	encodeList(w, b.FraudProofs)
	encodeList(w, b.Transfers)
	encodeList(w, b.TokenDefinitions)
	encodeList(w, b.TokenMints)
	encodeList(w, b.TokenBurns)
	encodeList(w, b.LoomDeploys)
	encodeList(w, b.NameTransfers)
	encodeList(w, b.NameRecordUpdates)
	encodeList(w, b.StakeOperations)

	w.U32(uint32(len(b.ValidatorSignatures)))
	for _, vs := range b.ValidatorSignatures {
		w.Fixed(vs.Validator[:])
		w.Fixed(vs.Signature[:])
	}
}

func encodeList[T codec.Encoder](w *codec.Writer, items []T) {
	w.U32(uint32(len(items)))
	for _, item := range items {
		item.Encode(w)
	}
}

// Decode reads a block written by Encode.
func Decode(r *codec.Reader) (*WeaveBlock, error) {
	b := &WeaveBlock{}
	var err error
	if b.Height, err = r.U64(); err != nil {
		return nil, err
	}
	if err = readFixed(r, b.Hash[:]); err != nil {
		return nil, err
	}
	if err = readFixed(r, b.PrevHash[:]); err != nil {
		return nil, err
	}
	if b.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	if err = readFixed(r, b.Proposer[:]); err != nil {
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
		if err = readFixed(r, root[:]); err != nil {
			return nil, err
		}
	}

	numCommitments, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.Commitments = make([]*thread.CommitmentUpdate, numCommitments)
	for i := range b.Commitments {
		if b.Commitments[i], err = thread.DecodeCommitmentUpdate(r); err != nil {
			return nil, err
		}
	}

	numRegs, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.Registrations = make([]*thread.Registration, numRegs)
	for i := range b.Registrations {
		if b.Registrations[i], err = thread.DecodeRegistration(r); err != nil {
			return nil, err
		}
	}

	numAnchors, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.Anchors = make([]*mempool.LoomAnchor, numAnchors)
	for i := range b.Anchors {
		if b.Anchors[i], err = mempool.DecodeLoomAnchor(r); err != nil {
			return nil, err
		}
	}

	numNameRegs, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.NameRegistrations = make([]*mempool.NameRegistration, numNameRegs)
	for i := range b.NameRegistrations {
		if b.NameRegistrations[i], err = mempool.DecodeNameRegistration(r); err != nil {
			return nil, err
		}
	}

	numFraud, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.FraudProofs = make([]*mempool.FraudProof, numFraud)
	for i := range b.FraudProofs {
		if b.FraudProofs[i], err = mempool.DecodeFraudProof(r); err != nil {
			return nil, err
		}
	}

	numTransfers, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.Transfers = make([]*thread.Knot, numTransfers)
	for i := range b.Transfers {
		if b.Transfers[i], err = thread.DecodeKnot(r); err != nil {
			return nil, err
		}
	}

	numTokenDefs, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.TokenDefinitions = make([]*mempool.TokenDefinition, numTokenDefs)
	for i := range b.TokenDefinitions {
		if b.TokenDefinitions[i], err = mempool.DecodeTokenDefinition(r); err != nil {
			return nil, err
		}
	}

	numMints, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.TokenMints = make([]*mempool.TokenMint, numMints)
	for i := range b.TokenMints {
		if b.TokenMints[i], err = mempool.DecodeTokenMint(r); err != nil {
			return nil, err
		}
	}

	numBurns, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.TokenBurns = make([]*mempool.TokenBurn, numBurns)
	for i := range b.TokenBurns {
		if b.TokenBurns[i], err = mempool.DecodeTokenBurn(r); err != nil {
			return nil, err
		}
	}

	numLoomDeploys, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.LoomDeploys = make([]*mempool.LoomDeploy, numLoomDeploys)
	for i := range b.LoomDeploys {
		if b.LoomDeploys[i], err = mempool.DecodeLoomDeploy(r); err != nil {
			return nil, err
		}
	}

	numNameTransfers, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.NameTransfers = make([]*mempool.NameTransfer, numNameTransfers)
	for i := range b.NameTransfers {
		if b.NameTransfers[i], err = mempool.DecodeNameTransfer(r); err != nil {
			return nil, err
		}
	}

	numNameRecordUpdates, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.NameRecordUpdates = make([]*mempool.NameRecordUpdate, numNameRecordUpdates)
	for i := range b.NameRecordUpdates {
		if b.NameRecordUpdates[i], err = mempool.DecodeNameRecordUpdate(r); err != nil {
			return nil, err
		}
	}

	numStakeOps, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.StakeOperations = make([]*mempool.StakeOperation, numStakeOps)
	for i := range b.StakeOperations {
		if b.StakeOperations[i], err = mempool.DecodeStakeOperation(r); err != nil {
			return nil, err
		}
	}

	numSigs, err := r.U32()
	if err != nil {
		return nil, err
	}
	b.ValidatorSignatures = make([]ValidatorSignature, numSigs)
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
