// Package wire implements the weave's external message envelope: the
// versioned framing every NetworkTransport carries, the MessageKind
// registry used to route an incoming frame to the right decoder, and the
// gossip topic names published alongside it.
//
// Wire format: `[u32 BE length][u8 envelope_version][borsh Envelope]`. A
// legacy path accepts `[u32 BE length][u8 legacy_version=3][u8
// MessageKind][borsh payload]` — one layer thinner than the current
// envelope, with no version negotiation fields — and is normalized into
// the same in-memory Envelope so callers never branch on wire generation.
package wire

import (
	"errors"
	"fmt"
	"io"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

// EnvelopeVersion is the frame marker byte for the current envelope
// format.
const EnvelopeVersion uint8 = 1

// LegacyVersion is the frame marker byte accepted from peers still on the
// pre-envelope wire format.
const LegacyVersion uint8 = 3

// ProtocolVersion is this build's protocol version, carried in every
// outbound Envelope and compared against a peer's to decide whether an
// UpgradeNotice is warranted.
const ProtocolVersion uint8 = 4

// MaxMessageSize bounds the whole frame (marker byte plus body), guarding
// against a peer claiming an unbounded length prefix.
const MaxMessageSize = 16 << 20

var (
	ErrTruncatedFrame    = errors.New("wire: truncated frame")
	ErrUnsupportedMarker = errors.New("wire: unsupported frame marker")
	ErrUnknownKind       = errors.New("wire: unknown message kind")
)

// MessageKind identifies the payload carried by an Envelope.
type MessageKind uint8

const (
	KindBlock MessageKind = iota
	KindCommitment
	KindRegistration
	KindNameRegistration
	KindNameTransfer
	KindNameRecordUpdate
	KindFraudProof
	KindTokenDefinition
	KindTokenMint
	KindTokenBurn
	KindLoomDeploy
	KindStakeOperation
	KindConsensus
	KindRelay
	KindStateRequest
	KindStateResponse
	KindUpgradeNotice

	// firstUnknownKind is one past the last kind this build recognizes.
	// Anything at or beyond it decodes to an Envelope whose MessageType
	// is preserved but whose Payload is left for the caller to skip —
	// the forward-compatible "Unknown" case a newer peer's message type
	// produces.
	firstUnknownKind
)

func (k MessageKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindCommitment:
		return "commitment"
	case KindRegistration:
		return "registration"
	case KindNameRegistration:
		return "name_registration"
	case KindNameTransfer:
		return "name_transfer"
	case KindNameRecordUpdate:
		return "name_record_update"
	case KindFraudProof:
		return "fraud_proof"
	case KindTokenDefinition:
		return "token_definition"
	case KindTokenMint:
		return "token_mint"
	case KindTokenBurn:
		return "token_burn"
	case KindLoomDeploy:
		return "loom_deploy"
	case KindStakeOperation:
		return "stake_operation"
	case KindConsensus:
		return "consensus"
	case KindRelay:
		return "relay"
	case KindStateRequest:
		return "state_request"
	case KindStateResponse:
		return "state_response"
	case KindUpgradeNotice:
		return "upgrade_notice"
	default:
		return "unknown"
	}
}

// Known reports whether this build recognizes k — false for any
// discriminant a newer peer might send that predates this binary.
func (k MessageKind) Known() bool {
	return k < firstUnknownKind
}

// Gossip topic names. cmd/weaved subscribes to each on both its
// unversioned form (for peers mid-upgrade) and its versioned form via
// VersionedTopic; it publishes on the unversioned form only.
const (
	TopicBlocks       = "norn/blocks"
	TopicCommitments  = "norn/commitments"
	TopicFraudProofs  = "norn/fraud_proofs"
	TopicGeneral      = "norn/general"
)

// VersionedTopic returns the versioned gossip topic name for base, e.g.
// "norn/blocks/v4".
func VersionedTopic(base string, version uint8) string {
	return fmt.Sprintf("%s/v%d", base, version)
}

// TopicForKind returns the gossip topic a message of the given kind is
// published on. Blocks, commitments, and fraud proofs get their own
// topic; everything else shares the general topic.
func TopicForKind(kind MessageKind) string {
	switch kind {
	case KindBlock:
		return TopicBlocks
	case KindCommitment:
		return TopicCommitments
	case KindFraudProof:
		return TopicFraudProofs
	default:
		return TopicGeneral
	}
}

// Envelope is the decoded form of any message received over a
// NetworkTransport, regardless of which wire generation it arrived in.
type Envelope struct {
	Version         uint8
	ProtocolVersion uint8
	MessageType     MessageKind
	Payload         []byte
}

// Wrap builds an Envelope carrying content's canonical encoding, stamped
// with this build's envelope and protocol versions.
func Wrap(kind MessageKind, content codec.Encoder) *Envelope {
	return &Envelope{
		Version:         EnvelopeVersion,
		ProtocolVersion: ProtocolVersion,
		MessageType:     kind,
		Payload:         codec.Encode(content),
	}
}

// Encode writes the canonical encoding of an Envelope's fields (not the
// outer frame — see WriteFrame).
func (e *Envelope) Encode(w *codec.Writer) {
	w.U8(e.Version)
	w.U8(e.ProtocolVersion)
	w.U8(uint8(e.MessageType))
	w.Bytes(e.Payload)
}

// DecodeEnvelope reads an Envelope written by Encode.
func DecodeEnvelope(r *codec.Reader) (*Envelope, error) {
	e := &Envelope{}
	var err error
	if e.Version, err = r.U8(); err != nil {
		return nil, err
	}
	if e.ProtocolVersion, err = r.U8(); err != nil {
		return nil, err
	}
	kindByte, err := r.U8()
	if err != nil {
		return nil, err
	}
	e.MessageType = MessageKind(kindByte)
	if e.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	return e, nil
}

// WriteFrame writes e as a length-prefixed frame: `[u32 BE
// length][EnvelopeVersion][borsh Envelope]`.
func WriteFrame(w io.Writer, e *Envelope) error {
	body := codec.Encode(e)
	if len(body)+1 > MaxMessageSize {
		return fmt.Errorf("wire: envelope too large: %d bytes", len(body)+1)
	}
	framed := make([]byte, 0, 1+len(body))
	framed = append(framed, EnvelopeVersion)
	framed = append(framed, body...)
	return codec.WriteLenPrefixedFrame(w, framed)
}

// ReadFrame reads one length-prefixed frame from r and normalizes it into
// an Envelope, transparently accepting both the current envelope format
// and the legacy one-byte-kind format.
func ReadFrame(r io.Reader) (*Envelope, error) {
	body, err := codec.ReadLenPrefixedFrame(r, MaxMessageSize)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, ErrTruncatedFrame
	}
	marker, rest := body[0], body[1:]
	switch marker {
	case EnvelopeVersion:
		return DecodeEnvelope(codec.NewReader(rest))
	case LegacyVersion:
		return decodeLegacy(rest)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMarker, marker)
	}
}

// decodeLegacy reads the pre-envelope format — a bare MessageKind byte
// followed by the borsh payload, with no version negotiation fields — and
// normalizes it into an Envelope stamped with LegacyVersion throughout.
func decodeLegacy(b []byte) (*Envelope, error) {
	r := codec.NewReader(b)
	kindByte, err := r.U8()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:         LegacyVersion,
		ProtocolVersion: LegacyVersion,
		MessageType:     MessageKind(kindByte),
		Payload:         payload,
	}, nil
}

// EncodeLegacyFrame writes content in the legacy one-byte-kind format,
// used only by tests exercising the backward-compatibility path.
func EncodeLegacyFrame(w io.Writer, kind MessageKind, content codec.Encoder) error {
	payload := codec.Encode(content)
	body := codec.NewWriter()
	body.U8(uint8(kind))
	body.Bytes(payload)
	encoded := body.Encoded()
	if len(encoded)+1 > MaxMessageSize {
		return fmt.Errorf("wire: legacy message too large: %d bytes", len(encoded)+1)
	}
	framed := make([]byte, 0, 1+len(encoded))
	framed = append(framed, LegacyVersion)
	framed = append(framed, encoded...)
	return codec.WriteLenPrefixedFrame(w, framed)
}

// DecodeBlock decodes an Envelope's Payload as a block.WeaveBlock. Callers
// dispatch on Envelope.MessageType before calling the matching DecodeX.
func DecodeBlock(e *Envelope) (*block.WeaveBlock, error) {
	return block.DecodeWeaveBlock(codec.NewReader(e.Payload))
}

// RelayMessage is an opaque, directly-addressed payload routed by address
// rather than broadcast on a gossip topic — the weave's analogue of a
// direct message between two known participants.
type RelayMessage struct {
	From      thread.Address
	To        thread.Address
	Payload   []byte
	Timestamp thread.Timestamp
	Signature keys.Signature
}

// SigningData returns the bytes a relay message's sender signs: from, to,
// payload, timestamp.
func (m *RelayMessage) SigningData() []byte {
	w := codec.NewWriter()
	w.Fixed(m.From[:])
	w.Fixed(m.To[:])
	w.Bytes(m.Payload)
	w.U64(m.Timestamp)
	return w.Encoded()
}

// Encode writes the canonical encoding of a RelayMessage.
func (m *RelayMessage) Encode(w *codec.Writer) {
	w.Fixed(m.From[:])
	w.Fixed(m.To[:])
	w.Bytes(m.Payload)
	w.U64(m.Timestamp)
	w.Fixed(m.Signature[:])
}

// DecodeRelayMessage reads a RelayMessage written by Encode.
func DecodeRelayMessage(r *codec.Reader) (*RelayMessage, error) {
	m := &RelayMessage{}
	from, err := r.Fixed(len(m.From))
	if err != nil {
		return nil, err
	}
	copy(m.From[:], from)
	to, err := r.Fixed(len(m.To))
	if err != nil {
		return nil, err
	}
	copy(m.To[:], to)
	if m.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	if m.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	sig, err := r.Fixed(len(m.Signature))
	if err != nil {
		return nil, err
	}
	copy(m.Signature[:], sig)
	return m, nil
}

// StateRequest asks a peer for every block since CurrentHeight, the
// weave's minimal catch-up sync primitive.
type StateRequest struct {
	CurrentHeight uint64
}

// Encode writes the canonical encoding of a StateRequest.
func (req *StateRequest) Encode(w *codec.Writer) {
	w.U64(req.CurrentHeight)
}

// DecodeStateRequest reads a StateRequest written by Encode.
func DecodeStateRequest(r *codec.Reader) (*StateRequest, error) {
	height, err := r.U64()
	if err != nil {
		return nil, err
	}
	return &StateRequest{CurrentHeight: height}, nil
}

// StateResponse answers a StateRequest with every block the responder has
// past the requested height, plus its own tip height so the requester can
// tell whether it is now caught up.
type StateResponse struct {
	Blocks    []*block.WeaveBlock
	TipHeight uint64
}

// Encode writes the canonical encoding of a StateResponse.
func (resp *StateResponse) Encode(w *codec.Writer) {
	w.U32(uint32(len(resp.Blocks)))
	for _, b := range resp.Blocks {
		b.Encode(w)
	}
	w.U64(resp.TipHeight)
}

// DecodeStateResponse reads a StateResponse written by Encode.
func DecodeStateResponse(r *codec.Reader) (*StateResponse, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	blocks := make([]*block.WeaveBlock, n)
	for i := range blocks {
		if blocks[i], err = block.DecodeWeaveBlock(r); err != nil {
			return nil, err
		}
	}
	tip, err := r.U64()
	if err != nil {
		return nil, err
	}
	return &StateResponse{Blocks: blocks, TipHeight: tip}, nil
}

// UpgradeNotice is broadcast, at most once per observed protocol version,
// when a peer running a newer protocol version is detected — a courtesy
// heads-up, never a protocol requirement.
type UpgradeNotice struct {
	ProtocolVersion uint8
	Message         string
	Timestamp       thread.Timestamp
}

// Encode writes the canonical encoding of an UpgradeNotice.
func (n *UpgradeNotice) Encode(w *codec.Writer) {
	w.U8(n.ProtocolVersion)
	w.String(n.Message)
	w.U64(n.Timestamp)
}

// DecodeUpgradeNotice reads an UpgradeNotice written by Encode.
func DecodeUpgradeNotice(r *codec.Reader) (*UpgradeNotice, error) {
	n := &UpgradeNotice{}
	var err error
	if n.ProtocolVersion, err = r.U8(); err != nil {
		return nil, err
	}
	if n.Message, err = r.String(); err != nil {
		return nil, err
	}
	if n.Timestamp, err = r.U64(); err != nil {
		return nil, err
	}
	return n, nil
}
