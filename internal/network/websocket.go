package network

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/wire"
)

// topicWrapper is the one frame every websocket connection exchanges: a
// topic name ("" for a direct Send) alongside an already wire-encoded
// Envelope. Topic travels outside the Envelope itself since gossip topic
// isn't one of Envelope's own fields.
type topicWrapper struct {
	Topic   string
	Payload []byte
}

func (t *topicWrapper) Encode(w *codec.Writer) {
	w.String(t.Topic)
	w.Bytes(t.Payload)
}

func decodeTopicWrapper(r *codec.Reader) (*topicWrapper, error) {
	topic, err := r.String()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return &topicWrapper{Topic: topic, Payload: payload}, nil
}

func writeFrame(conn *websocket.Conn, tw *topicWrapper) error {
	return conn.WriteMessage(websocket.BinaryMessage, codec.Encode(tw))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one peer connection: a gorilla/websocket connection plus the
// writer goroutine that serializes every outbound frame, since a *Conn
// isn't safe for concurrent writers.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan *topicWrapper
	stop chan struct{}
	wg   sync.WaitGroup
}

// WebSocketTransport is a NetworkTransport backed by real gorilla/websocket
// connections: one dialed or accepted *websocket.Conn per peer, each with
// its own reader and writer goroutine.
type WebSocketTransport struct {
	selfID string

	mu       sync.RWMutex
	peers    map[string]*wsConn
	handlers map[string][]Handler
	closed   bool

	server *http.Server
}

// NewWebSocketTransport returns a transport identified by selfID. Call
// Listen to accept inbound peers and/or Dial to connect outbound.
func NewWebSocketTransport(selfID string) *WebSocketTransport {
	return &WebSocketTransport{
		selfID:   selfID,
		peers:    make(map[string]*wsConn),
		handlers: make(map[string][]Handler),
	}
}

// Listen starts accepting inbound peer connections on addr. A connecting
// peer identifies itself via the `id` query parameter.
func (t *WebSocketTransport) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/weave/ws", t.handleUpgrade)
	t.server = &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).WithField("addr", addr).Error("websocket transport: listener stopped")
		}
	}()
	return nil
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("id")
	if peerID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket transport: upgrade failed")
		return
	}
	t.adopt(peerID, conn)
}

// Dial connects outbound to a peer already listening at addr.
func (t *WebSocketTransport) Dial(ctx context.Context, peerID, addr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := "ws://" + addr + "/weave/ws?id=" + t.selfID
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	t.adopt(peerID, conn)
	return nil
}

func (t *WebSocketTransport) adopt(peerID string, conn *websocket.Conn) {
	pc := &wsConn{id: peerID, conn: conn, send: make(chan *topicWrapper, 256), stop: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.peers[peerID] = pc
	t.mu.Unlock()

	pc.wg.Add(2)
	go t.writeLoop(pc)
	go t.readLoop(pc)
	logrus.WithFields(logrus.Fields{"self": t.selfID, "peer": peerID}).Info("websocket transport: peer connected")
}

func (t *WebSocketTransport) writeLoop(pc *wsConn) {
	defer pc.wg.Done()
	for {
		select {
		case tw, ok := <-pc.send:
			if !ok {
				return
			}
			if err := writeFrame(pc.conn, tw); err != nil {
				logrus.WithError(err).WithField("peer", pc.id).Warn("websocket transport: write failed, dropping peer")
				t.dropPeer(pc.id)
				return
			}
		case <-pc.stop:
			return
		}
	}
}

func (t *WebSocketTransport) readLoop(pc *wsConn) {
	defer pc.wg.Done()
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			logrus.WithError(err).WithField("peer", pc.id).Debug("websocket transport: read loop exiting")
			t.dropPeer(pc.id)
			return
		}
		tw, err := decodeTopicWrapper(codec.NewReader(data))
		if err != nil {
			logrus.WithError(err).WithField("peer", pc.id).Warn("websocket transport: malformed frame, dropping")
			continue
		}
		env, err := wire.DecodeEnvelope(codec.NewReader(tw.Payload))
		if err != nil {
			logrus.WithError(err).WithField("peer", pc.id).Warn("websocket transport: malformed envelope, dropping")
			continue
		}
		t.dispatch(pc.id, tw.Topic, env)
	}
}

func (t *WebSocketTransport) dropPeer(peerID string) {
	t.mu.Lock()
	pc, ok := t.peers[peerID]
	if ok {
		delete(t.peers, peerID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-pc.stop:
	default:
		close(pc.stop)
	}
	pc.conn.Close()
}

func (t *WebSocketTransport) dispatch(peerID, topic string, env *wire.Envelope) {
	t.mu.RLock()
	handlers := append([]Handler{}, t.handlers[topic]...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(peerID, topic, env)
	}
}

// Publish implements NetworkTransport.
func (t *WebSocketTransport) Publish(ctx context.Context, topic string, env *wire.Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	conns := make([]*wsConn, 0, len(t.peers))
	for _, pc := range t.peers {
		conns = append(conns, pc)
	}
	t.mu.RUnlock()

	tw := &topicWrapper{Topic: topic, Payload: codec.Encode(env)}
	for _, pc := range conns {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pc.send <- tw:
		default:
			logrus.WithFields(logrus.Fields{"peer": pc.id, "topic": topic}).Warn("websocket transport: send queue full, message dropped")
		}
	}
	return nil
}

// Send implements NetworkTransport.
func (t *WebSocketTransport) Send(ctx context.Context, peerID string, env *wire.Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	tw := &topicWrapper{Topic: "", Payload: codec.Encode(env)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case pc.send <- tw:
		return nil
	}
}

// Subscribe implements NetworkTransport.
func (t *WebSocketTransport) Subscribe(topic string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = append(t.handlers[topic], handler)
}

// Peers implements NetworkTransport.
func (t *WebSocketTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close implements NetworkTransport.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*wsConn, 0, len(t.peers))
	for _, pc := range t.peers {
		conns = append(conns, pc)
	}
	t.peers = make(map[string]*wsConn)
	t.mu.Unlock()

	for _, pc := range conns {
		select {
		case <-pc.stop:
		default:
			close(pc.stop)
		}
		pc.conn.Close()
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
