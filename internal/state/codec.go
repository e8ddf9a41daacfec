package state

import (
	"sort"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/thread"
)

// Encode writes the canonical encoding of a ThreadMeta, the form
// internal/storage persists under the thread-meta prefix.
func (m ThreadMeta) Encode(w *codec.Writer) {
	w.Fixed(m.Owner[:])
	w.U64(m.Version)
	w.Fixed(m.StateHash[:])
	w.Fixed(m.LastCommitHash[:])
}

// DecodeThreadMeta reads a ThreadMeta written by Encode.
func DecodeThreadMeta(r *codec.Reader) (ThreadMeta, error) {
	var m ThreadMeta
	ob, err := r.Fixed(len(m.Owner))
	if err != nil {
		return m, err
	}
	copy(m.Owner[:], ob)
	if m.Version, err = r.U64(); err != nil {
		return m, err
	}
	sh, err := r.Fixed(len(m.StateHash))
	if err != nil {
		return m, err
	}
	copy(m.StateHash[:], sh)
	lc, err := r.Fixed(len(m.LastCommitHash))
	if err != nil {
		return m, err
	}
	copy(m.LastCommitHash[:], lc)
	return m, nil
}

// Encode writes the canonical encoding of a TransferRecord, the form
// internal/storage appends under the transfer-log prefix.
func (r TransferRecord) Encode(w *codec.Writer) {
	w.Fixed(r.KnotID[:])
	w.Fixed(r.From[:])
	w.Fixed(r.To[:])
	w.Fixed(r.TokenID[:])
	b := r.Amount.Bytes32()
	w.Fixed(b[:])
	w.Bytes(r.Memo)
	w.U64(r.Timestamp)
	if r.BlockHeight != nil {
		w.OptionBytes(u64Bytes(*r.BlockHeight), true)
	} else {
		w.OptionBytes(nil, false)
	}
}

func u64Bytes(v uint64) []byte {
	w := codec.NewWriter()
	w.U64(v)
	return w.Encoded()
}

// DecodeTransferRecord reads a TransferRecord written by Encode.
func DecodeTransferRecord(r *codec.Reader) (TransferRecord, error) {
	var rec TransferRecord
	kb, err := r.Fixed(len(rec.KnotID))
	if err != nil {
		return rec, err
	}
	copy(rec.KnotID[:], kb)
	fb, err := r.Fixed(len(rec.From))
	if err != nil {
		return rec, err
	}
	copy(rec.From[:], fb)
	tb, err := r.Fixed(len(rec.To))
	if err != nil {
		return rec, err
	}
	copy(rec.To[:], tb)
	tkb, err := r.Fixed(len(rec.TokenID))
	if err != nil {
		return rec, err
	}
	copy(rec.TokenID[:], tkb)
	ab, err := r.Fixed(32)
	if err != nil {
		return rec, err
	}
	rec.Amount = new(thread.Amount).SetBytes32(ab)
	if rec.Memo, err = r.Bytes(); err != nil {
		return rec, err
	}
	if rec.Timestamp, err = r.U64(); err != nil {
		return rec, err
	}
	heightBytes, present, err := r.OptionBytes()
	if err != nil {
		return rec, err
	}
	if present {
		hr := codec.NewReader(heightBytes)
		v, err := hr.U64()
		if err != nil {
			return rec, err
		}
		rec.BlockHeight = &v
	}
	return rec, nil
}

// Encode writes the canonical encoding of a NameRecord, the form
// internal/storage persists under the name-registry prefix. Record keys
// are sorted so the encoding is deterministic regardless of map order.
func (r NameRecord) Encode(w *codec.Writer) {
	w.Fixed(r.Owner[:])
	w.U64(r.RegisteredAt)
	if r.FeePaid != nil {
		b := r.FeePaid.Bytes32()
		w.OptionBytes(b[:], true)
	} else {
		w.OptionBytes(nil, false)
	}

	keysList := make([]string, 0, len(r.Records))
	for k := range r.Records {
		keysList = append(keysList, k)
	}
	sort.Strings(keysList)
	w.U32(uint32(len(keysList)))
	for _, k := range keysList {
		w.String(k)
		w.String(r.Records[k])
	}
}

// DecodeNameRecord reads a NameRecord written by Encode.
func DecodeNameRecord(r *codec.Reader) (NameRecord, error) {
	var rec NameRecord
	ob, err := r.Fixed(len(rec.Owner))
	if err != nil {
		return rec, err
	}
	copy(rec.Owner[:], ob)
	if rec.RegisteredAt, err = r.U64(); err != nil {
		return rec, err
	}
	feeBytes, present, err := r.OptionBytes()
	if err != nil {
		return rec, err
	}
	if present {
		rec.FeePaid = new(thread.Amount).SetBytes32(feeBytes)
	}
	n, err := r.U32()
	if err != nil {
		return rec, err
	}
	rec.Records = make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.String()
		if err != nil {
			return rec, err
		}
		v, err := r.String()
		if err != nil {
			return rec, err
		}
		rec.Records[k] = v
	}
	return rec, nil
}
