package consensus

import (
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/hash"
)

const (
	messageKindPrepare uint8 = iota
	messageKindPrepareVote
	messageKindPreCommit
	messageKindPreCommitVote
	messageKindCommit
	messageKindCommitVote
	messageKindViewChange
	messageKindNewView
)

// Encode writes the canonical encoding of a Vote.
func (v *Vote) Encode(w *codec.Writer) {
	w.U64(v.View)
	w.Fixed(v.BlockHash[:])
	w.Fixed(v.Voter[:])
	w.Fixed(v.Signature[:])
}

// DecodeVote reads a Vote written by Encode.
func DecodeVote(r *codec.Reader) (Vote, error) {
	v := Vote{}
	view, err := r.U64()
	if err != nil {
		return v, err
	}
	v.View = view
	if err := readFixed(r, v.BlockHash[:]); err != nil {
		return v, err
	}
	if err := readFixed(r, v.Voter[:]); err != nil {
		return v, err
	}
	if err := readFixed(r, v.Signature[:]); err != nil {
		return v, err
	}
	return v, nil
}

// Encode writes the canonical encoding of a QuorumCertificate.
func (qc *QuorumCertificate) Encode(w *codec.Writer) {
	w.U64(qc.View)
	w.Fixed(qc.BlockHash[:])
	w.U8(uint8(qc.Phase))
	w.U32(uint32(len(qc.Votes)))
	for i := range qc.Votes {
		qc.Votes[i].Encode(w)
	}
}

// DecodeQuorumCertificate reads a QuorumCertificate written by Encode.
func DecodeQuorumCertificate(r *codec.Reader) (QuorumCertificate, error) {
	qc := QuorumCertificate{}
	view, err := r.U64()
	if err != nil {
		return qc, err
	}
	qc.View = view
	if err := readFixed(r, qc.BlockHash[:]); err != nil {
		return qc, err
	}
	phase, err := r.U8()
	if err != nil {
		return qc, err
	}
	qc.Phase = Phase(phase)
	n, err := r.U32()
	if err != nil {
		return qc, err
	}
	qc.Votes = make([]Vote, n)
	for i := range qc.Votes {
		if qc.Votes[i], err = DecodeVote(r); err != nil {
			return qc, err
		}
	}
	return qc, nil
}

// Encode writes the canonical encoding of a TimeoutVote.
func (tv *TimeoutVote) Encode(w *codec.Writer) {
	w.U64(tv.View)
	w.Fixed(tv.Voter[:])
	w.U64(tv.HighestQCView)
	w.Fixed(tv.Signature[:])
}

// DecodeTimeoutVote reads a TimeoutVote written by Encode.
func DecodeTimeoutVote(r *codec.Reader) (TimeoutVote, error) {
	tv := TimeoutVote{}
	view, err := r.U64()
	if err != nil {
		return tv, err
	}
	tv.View = view
	if err := readFixed(r, tv.Voter[:]); err != nil {
		return tv, err
	}
	if tv.HighestQCView, err = r.U64(); err != nil {
		return tv, err
	}
	if err := readFixed(r, tv.Signature[:]); err != nil {
		return tv, err
	}
	return tv, nil
}

// Encode writes the canonical encoding of a ViewChangeProof.
func (p *ViewChangeProof) Encode(w *codec.Writer) {
	w.U64(p.OldView)
	w.U64(p.NewView)
	w.U32(uint32(len(p.TimeoutVotes)))
	for i := range p.TimeoutVotes {
		p.TimeoutVotes[i].Encode(w)
	}
	present := p.HighestQC != nil
	w.Bool(present)
	if present {
		p.HighestQC.Encode(w)
	}
}

// DecodeViewChangeProof reads a ViewChangeProof written by Encode.
func DecodeViewChangeProof(r *codec.Reader) (ViewChangeProof, error) {
	p := ViewChangeProof{}
	var err error
	if p.OldView, err = r.U64(); err != nil {
		return p, err
	}
	if p.NewView, err = r.U64(); err != nil {
		return p, err
	}
	n, err := r.U32()
	if err != nil {
		return p, err
	}
	p.TimeoutVotes = make([]TimeoutVote, n)
	for i := range p.TimeoutVotes {
		if p.TimeoutVotes[i], err = DecodeTimeoutVote(r); err != nil {
			return p, err
		}
	}
	present, err := r.Bool()
	if err != nil {
		return p, err
	}
	if present {
		qc, err := DecodeQuorumCertificate(r)
		if err != nil {
			return p, err
		}
		p.HighestQC = &qc
	}
	return p, nil
}

// Encode writes the tagged-union encoding of a Message: a one-byte kind
// discriminant followed by the concrete variant's fields.
func Encode(msg Message, w *codec.Writer) error {
	switch m := msg.(type) {
	case Prepare:
		w.U8(messageKindPrepare)
		w.U64(m.View)
		w.Fixed(m.BlockHash[:])
		w.Bytes(m.BlockData)
		present := m.Justify != nil
		w.Bool(present)
		if present {
			m.Justify.Encode(w)
		}
	case PrepareVote:
		w.U8(messageKindPrepareVote)
		m.Vote.Encode(w)
	case PreCommit:
		w.U8(messageKindPreCommit)
		w.U64(m.View)
		m.PrepareQC.Encode(w)
	case PreCommitVote:
		w.U8(messageKindPreCommitVote)
		m.Vote.Encode(w)
	case Commit:
		w.U8(messageKindCommit)
		w.U64(m.View)
		m.PreCommitQC.Encode(w)
	case CommitVote:
		w.U8(messageKindCommitVote)
		m.Vote.Encode(w)
	case ViewChange:
		w.U8(messageKindViewChange)
		m.TimeoutVote.Encode(w)
	case NewView:
		w.U8(messageKindNewView)
		w.U64(m.View)
		m.Proof.Encode(w)
	default:
		return fmt.Errorf("consensus: unknown message type %T", msg)
	}
	return nil
}

// Decode reads a Message written by Encode.
func Decode(r *codec.Reader) (Message, error) {
	kind, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch kind {
	case messageKindPrepare:
		view, err := r.U64()
		if err != nil {
			return nil, err
		}
		var blockHash hash.Hash
		if err := readFixed(r, blockHash[:]); err != nil {
			return nil, err
		}
		blockData, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		present, err := r.Bool()
		if err != nil {
			return nil, err
		}
		var justify *QuorumCertificate
		if present {
			qc, err := DecodeQuorumCertificate(r)
			if err != nil {
				return nil, err
			}
			justify = &qc
		}
		return Prepare{View: view, BlockHash: blockHash, BlockData: blockData, Justify: justify}, nil
	case messageKindPrepareVote:
		v, err := DecodeVote(r)
		if err != nil {
			return nil, err
		}
		return PrepareVote{Vote: v}, nil
	case messageKindPreCommit:
		view, err := r.U64()
		if err != nil {
			return nil, err
		}
		qc, err := DecodeQuorumCertificate(r)
		if err != nil {
			return nil, err
		}
		return PreCommit{View: view, PrepareQC: qc}, nil
	case messageKindPreCommitVote:
		v, err := DecodeVote(r)
		if err != nil {
			return nil, err
		}
		return PreCommitVote{Vote: v}, nil
	case messageKindCommit:
		view, err := r.U64()
		if err != nil {
			return nil, err
		}
		qc, err := DecodeQuorumCertificate(r)
		if err != nil {
			return nil, err
		}
		return Commit{View: view, PreCommitQC: qc}, nil
	case messageKindCommitVote:
		v, err := DecodeVote(r)
		if err != nil {
			return nil, err
		}
		return CommitVote{Vote: v}, nil
	case messageKindViewChange:
		tv, err := DecodeTimeoutVote(r)
		if err != nil {
			return nil, err
		}
		return ViewChange{TimeoutVote: tv}, nil
	case messageKindNewView:
		view, err := r.U64()
		if err != nil {
			return nil, err
		}
		proof, err := DecodeViewChangeProof(r)
		if err != nil {
			return nil, err
		}
		return NewView{View: view, Proof: proof}, nil
	default:
		return nil, fmt.Errorf("consensus: unknown message kind %d", kind)
	}
}

func readFixed(r *codec.Reader, dst []byte) error {
	b, err := r.Fixed(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}
