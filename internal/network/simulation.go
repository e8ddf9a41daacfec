package network

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"norn.network/weave/internal/wire"
)

// simulatedMessage is what crosses a Peer's IncomingMessages channel: one
// node's Publish/Send, addressed by topic ("" for a direct Send).
type simulatedMessage struct {
	From  string
	Topic string
	Env   *wire.Envelope
}

// Peer is this node's connection to one remote node in a SimulatedHub. Its
// processor goroutine is the conceptual wire: messages enqueued here are
// delivered to the remote node's own dispatch, exactly as a socket would.
type Peer struct {
	ID               string
	IncomingMessages chan simulatedMessage
	stopChan         chan struct{}
	wg               sync.WaitGroup
	hub              *SimulatedHub
	ownerID          string
}

func newPeer(ownerID, peerID string, hub *SimulatedHub) *Peer {
	return &Peer{
		ID:               peerID,
		IncomingMessages: make(chan simulatedMessage, 256),
		stopChan:         make(chan struct{}),
		hub:              hub,
		ownerID:          ownerID,
	}
}

func (p *Peer) processor() {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-p.IncomingMessages:
			if !ok {
				return
			}
			target := p.hub.node(p.ID)
			if target == nil {
				logrus.WithField("peer", p.ID).Debug("simnet: message routed to peer with no registered node, dropping")
				continue
			}
			target.dispatch(msg.From, msg.Topic, msg.Env)
		case <-p.stopChan:
			return
		}
	}
}

func (p *Peer) start() {
	p.wg.Add(1)
	go p.processor()
}

func (p *Peer) stop() {
	close(p.stopChan)
	p.wg.Wait()
}

// SimulatedHub is the shared in-memory bus every SimulatedNetwork node in a
// test joins, standing in for whatever discovery/relay infrastructure a
// real deployment would use.
type SimulatedHub struct {
	mu    sync.RWMutex
	nodes map[string]*SimulatedNetwork
}

// NewSimulatedHub returns an empty hub.
func NewSimulatedHub() *SimulatedHub {
	return &SimulatedHub{nodes: make(map[string]*SimulatedNetwork)}
}

func (h *SimulatedHub) node(id string) *SimulatedNetwork {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[id]
}

// Join creates a SimulatedNetwork for nodeID, connects it to every node
// already on the hub, and connects every existing node back to it.
func (h *SimulatedHub) Join(nodeID string) *SimulatedNetwork {
	h.mu.Lock()
	sn := newSimulatedNetwork(nodeID, h)
	existing := make([]*SimulatedNetwork, 0, len(h.nodes))
	for _, other := range h.nodes {
		existing = append(existing, other)
	}
	h.nodes[nodeID] = sn
	h.mu.Unlock()

	for _, other := range existing {
		sn.connectPeer(other.NodeID)
		other.connectPeer(sn.NodeID)
	}
	return sn
}

// Leave removes nodeID from the hub and stops its transport.
func (h *SimulatedHub) Leave(nodeID string) {
	h.mu.Lock()
	sn, ok := h.nodes[nodeID]
	if ok {
		delete(h.nodes, nodeID)
	}
	h.mu.Unlock()
	if ok {
		sn.Close()
	}
}

// SimulatedNetwork is an in-memory NetworkTransport: a node on a
// SimulatedHub whose Publish/Send fan out through per-peer goroutines
// rather than any real socket.
type SimulatedNetwork struct {
	NodeID string

	mu       sync.RWMutex
	hub      *SimulatedHub
	peers    map[string]*Peer
	handlers map[string][]Handler
	closed   bool
}

func newSimulatedNetwork(nodeID string, hub *SimulatedHub) *SimulatedNetwork {
	if nodeID == "" {
		nodeID = "sim-node"
	}
	return &SimulatedNetwork{
		NodeID:   nodeID,
		hub:      hub,
		peers:    make(map[string]*Peer),
		handlers: make(map[string][]Handler),
	}
}

func (sn *SimulatedNetwork) connectPeer(peerID string) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if _, exists := sn.peers[peerID]; exists || peerID == sn.NodeID {
		return
	}
	p := newPeer(sn.NodeID, peerID, sn.hub)
	p.start()
	sn.peers[peerID] = p
	logrus.WithFields(logrus.Fields{"node": sn.NodeID, "peer": peerID}).Debug("simnet: connected")
}

// Publish implements NetworkTransport.
func (sn *SimulatedNetwork) Publish(ctx context.Context, topic string, env *wire.Envelope) error {
	sn.mu.RLock()
	if sn.closed {
		sn.mu.RUnlock()
		return ErrClosed
	}
	peers := make([]*Peer, 0, len(sn.peers))
	for _, p := range sn.peers {
		peers = append(peers, p)
	}
	sn.mu.RUnlock()

	msg := simulatedMessage{From: sn.NodeID, Topic: topic, Env: env}
	for _, p := range peers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.IncomingMessages <- msg:
		default:
			logrus.WithFields(logrus.Fields{"node": sn.NodeID, "peer": p.ID, "topic": topic}).
				Warn("simnet: peer inbox full, message dropped")
		}
	}
	return nil
}

// Send implements NetworkTransport.
func (sn *SimulatedNetwork) Send(ctx context.Context, peerID string, env *wire.Envelope) error {
	sn.mu.RLock()
	if sn.closed {
		sn.mu.RUnlock()
		return ErrClosed
	}
	p, ok := sn.peers[peerID]
	sn.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.IncomingMessages <- (simulatedMessage{From: sn.NodeID, Topic: "", Env: env}):
		return nil
	}
}

// Subscribe implements NetworkTransport.
func (sn *SimulatedNetwork) Subscribe(topic string, handler Handler) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.handlers[topic] = append(sn.handlers[topic], handler)
}

// Peers implements NetworkTransport.
func (sn *SimulatedNetwork) Peers() []string {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	ids := make([]string, 0, len(sn.peers))
	for id := range sn.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close implements NetworkTransport.
func (sn *SimulatedNetwork) Close() error {
	sn.mu.Lock()
	if sn.closed {
		sn.mu.Unlock()
		return nil
	}
	sn.closed = true
	peers := make([]*Peer, 0, len(sn.peers))
	for _, p := range sn.peers {
		peers = append(peers, p)
	}
	sn.peers = make(map[string]*Peer)
	sn.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
	return nil
}

// dispatch runs every handler subscribed to exactly topic; a direct send
// arrives with topic "" and reaches only handlers subscribed to "".
func (sn *SimulatedNetwork) dispatch(from, topic string, env *wire.Envelope) {
	sn.mu.RLock()
	handlers := append([]Handler{}, sn.handlers[topic]...)
	sn.mu.RUnlock()
	for _, h := range handlers {
		h(from, topic, env)
	}
}
