package wire

import (
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/consensus"
)

// WrapConsensus encodes a HotStuff message into a KindConsensus envelope.
// consensus.Message doesn't implement codec.Encoder directly (its
// encoding is a tagged union keyed by concrete type, not a single method),
// so this bypasses Wrap and drives consensus.Encode itself.
func WrapConsensus(msg consensus.Message) (*Envelope, error) {
	w := codec.NewWriter()
	if err := consensus.Encode(msg, w); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:         EnvelopeVersion,
		ProtocolVersion: ProtocolVersion,
		MessageType:     KindConsensus,
		Payload:         w.Encoded(),
	}, nil
}
