package mempool

import (
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/thread"
)

// The Decode* functions below mirror each content kind's Encode method
// field for field; they exist for internal/storage's block archive and
// internal/wire's peer relay, neither of which can reconstruct a typed
// value from a bare byte slice otherwise.

func decodeAddress(r *codec.Reader) (thread.Address, error) {
	var a thread.Address
	b, err := r.Fixed(len(a))
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

func decodeTokenID(r *codec.Reader) (thread.TokenID, error) {
	var id thread.TokenID
	b, err := r.Fixed(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func DecodeNameRegistration(r *codec.Reader) (*NameRegistration, error) {
	n := &NameRegistration{}
	var err error
	if n.Name, err = r.String(); err != nil {
		return nil, err
	}
	if n.Owner, err = decodeAddress(r); err != nil {
		return nil, err
	}
	if n.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	if n.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return n, nil
}

func DecodeNameTransfer(r *codec.Reader) (*NameTransfer, error) {
	n := &NameTransfer{}
	var err error
	if n.Name, err = r.String(); err != nil {
		return nil, err
	}
	if n.From, err = decodeAddress(r); err != nil {
		return nil, err
	}
	if n.To, err = decodeAddress(r); err != nil {
		return nil, err
	}
	if n.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	if n.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return n, nil
}

func DecodeNameRecordUpdate(r *codec.Reader) (*NameRecordUpdate, error) {
	n := &NameRecordUpdate{}
	var err error
	if n.Name, err = r.String(); err != nil {
		return nil, err
	}
	if n.Owner, err = decodeAddress(r); err != nil {
		return nil, err
	}
	if n.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	if n.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return n, nil
}

func DecodeFraudProof(r *codec.Reader) (*FraudProof, error) {
	f := &FraudProof{}
	var err error
	if f.Kind, err = r.String(); err != nil {
		return nil, err
	}
	if f.ThreadID, err = decodeAddress(r); err != nil {
		return nil, err
	}
	if f.Evidence, err = r.Bytes(); err != nil {
		return nil, err
	}
	return f, nil
}

func DecodeTokenDefinition(r *codec.Reader) (*TokenDefinition, error) {
	t := &TokenDefinition{}
	var err error
	if t.TokenID, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if t.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return t, nil
}

func DecodeTokenMint(r *codec.Reader) (*TokenMint, error) {
	t := &TokenMint{}
	var err error
	if t.TokenID, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if t.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return t, nil
}

func DecodeTokenBurn(r *codec.Reader) (*TokenBurn, error) {
	t := &TokenBurn{}
	var err error
	if t.TokenID, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if t.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return t, nil
}

func DecodeLoomDeploy(r *codec.Reader) (*LoomDeploy, error) {
	l := &LoomDeploy{}
	var err error
	if l.LoomID, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if l.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return l, nil
}

func DecodeLoomAnchor(r *codec.Reader) (*LoomAnchor, error) {
	a := &LoomAnchor{}
	var err error
	if a.LoomID, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if a.StateHash, err = decodeTokenID(r); err != nil {
		return nil, err
	}
	if a.Version, err = r.U64(); err != nil {
		return nil, err
	}
	if a.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	return a, nil
}

func DecodeStakeOperation(r *codec.Reader) (*StakeOperation, error) {
	s := &StakeOperation{}
	b, err := r.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(s.PubKey[:], b)
	if s.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return s, nil
}
