package network

import (
	"context"
	"testing"
	"time"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/wire"
)

func TestWebSocketTransportRoundTrip(t *testing.T) {
	server := NewWebSocketTransport("server")
	if err := server.Listen("127.0.0.1:18765"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	received := make(chan *wire.Envelope, 1)
	server.Subscribe(wire.TopicGeneral, func(peerID, topic string, env *wire.Envelope) {
		received <- env
	})

	client := NewWebSocketTransport("client")
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Dial(ctx, "server", "127.0.0.1:18765"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Give the server's handshake goroutine a moment to register the peer.
	time.Sleep(50 * time.Millisecond)

	notice := &wire.UpgradeNotice{ProtocolVersion: wire.ProtocolVersion, Message: "hi", Timestamp: 1}
	env := wire.Wrap(wire.KindUpgradeNotice, notice)
	if err := client.Publish(ctx, wire.TopicGeneral, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		decoded, err := wire.DecodeUpgradeNotice(codec.NewReader(got.Payload))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Message != "hi" {
			t.Errorf("Message = %q, want hi", decoded.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}
