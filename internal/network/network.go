// Package network carries weave messages between peers: node discovery,
// gossip broadcast, and direct request/response, all in terms of
// wire.Envelope rather than any one transport's own framing.
package network

import (
	"context"
	"errors"

	"norn.network/weave/internal/wire"
)

var (
	ErrClosed       = errors.New("network: transport closed")
	ErrUnknownPeer  = errors.New("network: unknown peer")
	ErrNoPeers      = errors.New("network: no peers connected")
)

// Handler processes an Envelope received from peerID on the given topic.
// "" as topic marks a direct (non-gossip) delivery.
type Handler func(peerID string, topic string, env *wire.Envelope)

// NetworkTransport is the weave's peer-to-peer transport boundary.
// Implementations range from the in-memory SimulatedNetwork used in tests
// to WebSocketTransport's real (if minimal) socket link; both speak
// strictly in wire.Envelope so internal/weave never depends on a
// transport's own wire format.
type NetworkTransport interface {
	// Publish broadcasts env to every peer subscribed to topic.
	Publish(ctx context.Context, topic string, env *wire.Envelope) error

	// Send delivers env directly to a single peer, bypassing gossip.
	Send(ctx context.Context, peerID string, env *wire.Envelope) error

	// Subscribe registers handler for every Envelope published on topic.
	// Passing wire.TopicGeneral subscribes to the catch-all topic.
	Subscribe(topic string, handler Handler)

	// Peers returns the IDs of currently connected peers.
	Peers() []string

	// Close shuts the transport down, releasing any goroutines or
	// connections it holds.
	Close() error
}
