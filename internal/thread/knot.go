package thread

import (
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/keys"
)

// LoomInteractionType tags the kind of LoomInteractionPayload.
type LoomInteractionType uint8

const (
	LoomInteractionDeposit LoomInteractionType = iota
	LoomInteractionWithdraw
	LoomInteractionStateUpdate
)

// TransferPayload moves Amount of TokenID from From to To, both of which
// must be knot participants.
type TransferPayload struct {
	TokenID TokenID
	Amount  *Amount
	From    Address
	To      Address
	Memo    []byte // nil if absent
}

// MultiTransferPayload bundles several transfers into one atomic knot.
type MultiTransferPayload struct {
	Transfers []TransferPayload
}

// LoomInteractionPayload deposits into, withdraws from, or opaquely
// updates a thread's membership state in a loom.
type LoomInteractionPayload struct {
	LoomID  LoomID
	Type    LoomInteractionType
	TokenID *TokenID // required for Deposit/Withdraw
	Amount  *Amount  // required for Deposit/Withdraw
	Data    []byte
}

// KnotPayload is the tagged union of knot payload kinds. Only
// *TransferPayload, *MultiTransferPayload, and *LoomInteractionPayload
// implement it.
type KnotPayload interface {
	knotPayload()
	Encode(w *codec.Writer)
}

const (
	payloadKindTransfer uint8 = iota
	payloadKindMultiTransfer
	payloadKindLoomInteraction
)

func (*TransferPayload) knotPayload()        {}
func (*MultiTransferPayload) knotPayload()   {}
func (*LoomInteractionPayload) knotPayload() {}

// Encode writes the canonical encoding of a transfer payload, prefixed
// with its tagged-union discriminant.
func (p *TransferPayload) Encode(w *codec.Writer) {
	w.U8(payloadKindTransfer)
	w.Fixed(p.TokenID[:])
	b := p.Amount.Bytes32()
	w.Fixed(b[:])
	w.Fixed(p.From[:])
	w.Fixed(p.To[:])
	w.OptionBytes(p.Memo, p.Memo != nil)
}

// Encode writes the canonical encoding of a multi-transfer payload.
func (p *MultiTransferPayload) Encode(w *codec.Writer) {
	w.U8(payloadKindMultiTransfer)
	w.U32(uint32(len(p.Transfers)))
	for i := range p.Transfers {
		tr := &p.Transfers[i]
		w.Fixed(tr.TokenID[:])
		b := tr.Amount.Bytes32()
		w.Fixed(b[:])
		w.Fixed(tr.From[:])
		w.Fixed(tr.To[:])
		w.OptionBytes(tr.Memo, tr.Memo != nil)
	}
}

// Encode writes the canonical encoding of a loom interaction payload.
func (p *LoomInteractionPayload) Encode(w *codec.Writer) {
	w.U8(payloadKindLoomInteraction)
	w.Fixed(p.LoomID[:])
	w.U8(uint8(p.Type))
	w.OptionBytes(optTokenBytes(p.TokenID), p.TokenID != nil)
	if p.Amount != nil {
		b := p.Amount.Bytes32()
		w.OptionBytes(b[:], true)
	} else {
		w.OptionBytes(nil, false)
	}
	w.Bytes(p.Data)
}

func optTokenBytes(t *TokenID) []byte {
	if t == nil {
		return nil
	}
	return t[:]
}

// DecodeKnotPayload reads a tagged-union KnotPayload written by any of
// TransferPayload.Encode, MultiTransferPayload.Encode, or
// LoomInteractionPayload.Encode.
func DecodeKnotPayload(r *codec.Reader) (KnotPayload, error) {
	kind, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch kind {
	case payloadKindTransfer:
		return decodeTransferPayload(r)
	case payloadKindMultiTransfer:
		return decodeMultiTransferPayload(r)
	case payloadKindLoomInteraction:
		return decodeLoomInteractionPayload(r)
	default:
		return nil, fmt.Errorf("thread: unknown knot payload kind %d", kind)
	}
}

func decodeTransferPayload(r *codec.Reader) (*TransferPayload, error) {
	p := &TransferPayload{}
	tb, err := r.Fixed(len(p.TokenID))
	if err != nil {
		return nil, err
	}
	copy(p.TokenID[:], tb)
	ab, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	p.Amount = new(Amount).SetBytes32(ab)
	fb, err := r.Fixed(len(p.From))
	if err != nil {
		return nil, err
	}
	copy(p.From[:], fb)
	tob, err := r.Fixed(len(p.To))
	if err != nil {
		return nil, err
	}
	copy(p.To[:], tob)
	memo, present, err := r.OptionBytes()
	if err != nil {
		return nil, err
	}
	if present {
		p.Memo = memo
	}
	return p, nil
}

func decodeMultiTransferPayload(r *codec.Reader) (*MultiTransferPayload, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	p := &MultiTransferPayload{Transfers: make([]TransferPayload, n)}
	for i := uint32(0); i < n; i++ {
		tr := &p.Transfers[i]
		tb, err := r.Fixed(len(tr.TokenID))
		if err != nil {
			return nil, err
		}
		copy(tr.TokenID[:], tb)
		ab, err := r.Fixed(32)
		if err != nil {
			return nil, err
		}
		tr.Amount = new(Amount).SetBytes32(ab)
		fb, err := r.Fixed(len(tr.From))
		if err != nil {
			return nil, err
		}
		copy(tr.From[:], fb)
		tob, err := r.Fixed(len(tr.To))
		if err != nil {
			return nil, err
		}
		copy(tr.To[:], tob)
		memo, present, err := r.OptionBytes()
		if err != nil {
			return nil, err
		}
		if present {
			tr.Memo = memo
		}
	}
	return p, nil
}

func decodeLoomInteractionPayload(r *codec.Reader) (*LoomInteractionPayload, error) {
	p := &LoomInteractionPayload{}
	lb, err := r.Fixed(len(p.LoomID))
	if err != nil {
		return nil, err
	}
	copy(p.LoomID[:], lb)
	typ, err := r.U8()
	if err != nil {
		return nil, err
	}
	p.Type = LoomInteractionType(typ)
	tokenBytes, present, err := r.OptionBytes()
	if err != nil {
		return nil, err
	}
	if present {
		var t TokenID
		copy(t[:], tokenBytes)
		p.TokenID = &t
	}
	amountBytes, present, err := r.OptionBytes()
	if err != nil {
		return nil, err
	}
	if present {
		p.Amount = new(Amount).SetBytes32(amountBytes)
	}
	if p.Data, err = r.Bytes(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeParticipantState(r *codec.Reader) (ParticipantState, error) {
	var p ParticipantState
	tb, err := r.Fixed(len(p.ThreadID))
	if err != nil {
		return p, err
	}
	copy(p.ThreadID[:], tb)
	pb, err := r.Fixed(len(p.PubKey))
	if err != nil {
		return p, err
	}
	copy(p.PubKey[:], pb)
	if p.Version, err = r.U64(); err != nil {
		return p, err
	}
	sh, err := r.Fixed(len(p.StateHash))
	if err != nil {
		return p, err
	}
	copy(p.StateHash[:], sh)
	return p, nil
}

// ParticipantState is one entry of a knot's BeforeStates/AfterStates list.
type ParticipantState struct {
	ThreadID  Address
	PubKey    PublicKey
	Version   Version
	StateHash hash.Hash
}

func (p *ParticipantState) encode(w *codec.Writer) {
	w.Fixed(p.ThreadID[:])
	w.Fixed(p.PubKey[:])
	w.U64(p.Version)
	w.Fixed(p.StateHash[:])
}

// Knot is a signed multi-party atomic transition across two or more
// threads.
type Knot struct {
	ID           hash.Hash
	KnotType     string
	Timestamp    Timestamp
	Expiry       *Timestamp
	BeforeStates []ParticipantState
	AfterStates  []ParticipantState
	Payload      KnotPayload
	Signatures   []keys.Signature // one per BeforeStates entry, same order
}

// encodeWithoutSignatures writes every field except Signatures — the
// preimage both ComputeKnotID and signature verification (each signature
// is over ID) are built from.
func (k *Knot) encodeWithoutSignatures(w *codec.Writer) {
	w.String(k.KnotType)
	w.U64(k.Timestamp)
	if k.Expiry != nil {
		w.OptionBytes(u64Bytes(*k.Expiry), true)
	} else {
		w.OptionBytes(nil, false)
	}
	w.U32(uint32(len(k.BeforeStates)))
	for i := range k.BeforeStates {
		k.BeforeStates[i].encode(w)
	}
	w.U32(uint32(len(k.AfterStates)))
	for i := range k.AfterStates {
		k.AfterStates[i].encode(w)
	}
	k.Payload.Encode(w)
}

func u64Bytes(v uint64) []byte {
	w := codec.NewWriter()
	w.U64(v)
	return w.Encoded()
}

// ComputeKnotID returns BLAKE3 of the canonical encoding of every field of
// k except Signatures.
func ComputeKnotID(k *Knot) hash.Hash {
	w := codec.NewWriter()
	k.encodeWithoutSignatures(w)
	return hash.Sum(w.Encoded())
}

// Encode writes the full canonical encoding of k, signatures included —
// the form used to key a knot into a block's transfers Merkle tree.
func (k *Knot) Encode(w *codec.Writer) {
	k.encodeWithoutSignatures(w)
	w.U32(uint32(len(k.Signatures)))
	for _, sig := range k.Signatures {
		w.Fixed(sig[:])
	}
}

// DecodeKnot reads a Knot written by Encode. ID is not part of the wire
// encoding (it is derived from every other field), so DecodeKnot
// recomputes it via ComputeKnotID rather than reading it.
func DecodeKnot(r *codec.Reader) (*Knot, error) {
	k := &Knot{}
	var err error
	if k.KnotType, err = r.String(); err != nil {
		return nil, err
	}
	if k.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	expiryBytes, present, err := r.OptionBytes()
	if err != nil {
		return nil, err
	}
	if present {
		er := codec.NewReader(expiryBytes)
		v, err := er.U64()
		if err != nil {
			return nil, err
		}
		k.Expiry = &v
	}

	numBefore, err := r.U32()
	if err != nil {
		return nil, err
	}
	k.BeforeStates = make([]ParticipantState, numBefore)
	for i := uint32(0); i < numBefore; i++ {
		if k.BeforeStates[i], err = decodeParticipantState(r); err != nil {
			return nil, err
		}
	}

	numAfter, err := r.U32()
	if err != nil {
		return nil, err
	}
	k.AfterStates = make([]ParticipantState, numAfter)
	for i := uint32(0); i < numAfter; i++ {
		if k.AfterStates[i], err = decodeParticipantState(r); err != nil {
			return nil, err
		}
	}

	if k.Payload, err = DecodeKnotPayload(r); err != nil {
		return nil, err
	}

	numSigs, err := r.U32()
	if err != nil {
		return nil, err
	}
	k.Signatures = make([]keys.Signature, numSigs)
	for i := uint32(0); i < numSigs; i++ {
		sb, err := r.Fixed(len(k.Signatures[i]))
		if err != nil {
			return nil, err
		}
		copy(k.Signatures[i][:], sb)
	}

	k.ID = ComputeKnotID(k)
	return k, nil
}
