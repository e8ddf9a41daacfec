// Package codec implements the weave's canonical binary encoding: a small,
// deterministic, borsh-style little-endian format used for every hashed or
// signed payload in the system (knot ids, state hashes, block hashes,
// signing preimages) and for on-disk/on-wire content serialization.
//
// The format has no self-description: every Encode method must be paired
// with a Decode that reads fields in the identical order. Byte-for-byte
// determinism, not compactness or schema evolution, is the goal.
package codec

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrTruncated     = errors.New("codec: truncated input")
	ErrBytesTooLarge = errors.New("codec: byte slice length exceeds limit")
)

// maxBytesLen bounds length-prefixed reads against a malicious or corrupt
// peer claiming a multi-gigabyte slice.
const maxBytesLen = 64 << 20

// Writer accumulates a canonical encoding into an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Encoded returns the accumulated encoding.
func (w *Writer) Encoded() []byte {
	return w.buf
}

// Fixed appends raw bytes with no length prefix — used for fixed-size
// fields (hashes, public keys, signatures, addresses) where the length is
// implied by the type.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// U8 appends a single byte.
func (w *Writer) U8(v uint8) {
	w.buf = append(w.buf, v)
}

// Bool appends a byte: 1 for true, 0 for false.
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// I64 appends a little-endian int64.
func (w *Writer) I64(v int64) {
	w.U64(uint64(v))
}

// Bytes appends a u32-length-prefixed byte slice.
func (w *Writer) Bytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// String appends a u32-length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Bytes([]byte(s))
}

// OptionBytes appends a presence byte followed by the value if present.
func (w *Writer) OptionBytes(b []byte, present bool) {
	w.Bool(present)
	if present {
		w.Bytes(b)
	}
}

// Reader consumes a canonical encoding produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Fixed reads exactly n raw bytes.
func (r *Reader) Fixed(n int) ([]byte, error) {
	return r.take(n)
}

// U8 reads a single byte.
func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a single byte and interprets it as a boolean.
func (r *Reader) Bool() (bool, error) {
	b, err := r.U8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I64 reads a little-endian int64.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// Bytes reads a u32-length-prefixed byte slice, copying it out of the
// underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if n > maxBytesLen {
		return nil, ErrBytesTooLarge
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// String reads a u32-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OptionBytes reads a presence byte and, if present, a length-prefixed
// value.
func (r *Reader) OptionBytes() ([]byte, bool, error) {
	present, err := r.Bool()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}
	b, err := r.Bytes()
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Encoder is implemented by any type with a canonical binary encoding.
type Encoder interface {
	Encode(w *Writer)
}

// Encode runs v's Encode method and returns the resulting bytes.
func Encode(v Encoder) []byte {
	w := NewWriter()
	v.Encode(w)
	return w.Encoded()
}

// WriteLenPrefixedFrame writes a u32-big-endian length prefix followed by
// payload — the wire framing used by internal/wire, kept here since it
// shares the "big-endian length, little-endian payload" convention callers
// must not confuse.
func WriteLenPrefixedFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadLenPrefixedFrame reads a u32-big-endian length prefix and then that
// many payload bytes.
func ReadLenPrefixedFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, ErrBytesTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
