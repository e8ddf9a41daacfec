package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/wire"
)

func testEnvelope(msg string) *wire.Envelope {
	return wire.Wrap(wire.KindUpgradeNotice, &wire.UpgradeNotice{
		ProtocolVersion: wire.ProtocolVersion,
		Message:         msg,
		Timestamp:       1,
	})
}

func TestSimulatedHubJoinConnectsExistingNodes(t *testing.T) {
	hub := NewSimulatedHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	if got := a.Peers(); len(got) != 1 || got[0] != "b" {
		t.Errorf("a.Peers() = %v, want [b]", got)
	}
	if got := b.Peers(); len(got) != 1 || got[0] != "a" {
		t.Errorf("b.Peers() = %v, want [a]", got)
	}

	c := hub.Join("c")
	defer c.Close()
	if got := c.Peers(); len(got) != 2 {
		t.Errorf("c.Peers() = %v, want 2 peers", got)
	}
	if got := a.Peers(); len(got) != 2 {
		t.Errorf("a.Peers() after join = %v, want 2 peers", got)
	}
}

func TestSimulatedNetworkPublishDeliversToSubscribers(t *testing.T) {
	hub := NewSimulatedHub()
	a := hub.Join("a")
	b := hub.Join("b")
	defer a.Close()
	defer b.Close()

	received := make(chan *wire.Envelope, 1)
	b.Subscribe(wire.TopicGeneral, func(peerID, topic string, env *wire.Envelope) {
		if peerID != "a" {
			t.Errorf("dispatch peerID = %q, want a", peerID)
		}
		received <- env
	})

	env := testEnvelope("hello")
	if err := a.Publish(context.Background(), wire.TopicGeneral, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		notice, err := wire.DecodeUpgradeNotice(codec.NewReader(got.Payload))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if notice.Message != "hello" {
			t.Errorf("Message = %q, want hello", notice.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSimulatedNetworkSendIsDirect(t *testing.T) {
	hub := NewSimulatedHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe("", func(peerID, topic string, env *wire.Envelope) {
		wg.Done()
	})
	cReceived := false
	c.Subscribe("", func(peerID, topic string, env *wire.Envelope) {
		cReceived = true
	})

	if err := a.Send(context.Background(), "b", testEnvelope("direct")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wg.Wait()
	if cReceived {
		t.Error("Send delivered to an uninvolved peer")
	}
}

func TestSimulatedNetworkSendUnknownPeer(t *testing.T) {
	hub := NewSimulatedHub()
	a := hub.Join("a")
	defer a.Close()

	err := a.Send(context.Background(), "ghost", testEnvelope("x"))
	if err != ErrUnknownPeer {
		t.Errorf("Send to unknown peer: err = %v, want ErrUnknownPeer", err)
	}
}

func TestSimulatedNetworkCloseRejectsFurtherPublish(t *testing.T) {
	hub := NewSimulatedHub()
	a := hub.Join("a")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Publish(context.Background(), wire.TopicGeneral, testEnvelope("x")); err != ErrClosed {
		t.Errorf("Publish after close: err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
