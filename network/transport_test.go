package network

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type receivedDatagram struct {
	payload []byte
	address string
	port    int
}

func startTestTransport(t *testing.T) (*UDPTransport, int) {
	t.Helper()

	transport := NewUDPTransport("127.0.0.1")
	port, err := transport.Start(0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := transport.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	})
	return transport, port
}

func TestUDPTransportSendAndReceive(t *testing.T) {
	a, aPort := startTestTransport(t)
	b, bPort := startTestTransport(t)

	if aPort == 0 || bPort == 0 {
		t.Fatalf("expected OS assigned ports, got %d %d", aPort, bPort)
	}
	if got, ok := a.Port(); !ok || got != aPort {
		t.Fatalf("Port() = %d %v, want %d", got, ok, aPort)
	}

	received := make(chan receivedDatagram, 1)
	b.SetReceiveHandler(func(payload []byte, address string, port int) {
		received <- receivedDatagram{payload: payload, address: address, port: port}
	})

	if err := a.Send([]byte("hello"), "127.0.0.1", bPort); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got.payload, []byte("hello")) {
			t.Fatalf("unexpected payload %q", got.payload)
		}
		if got.address != "127.0.0.1" || got.port != aPort {
			t.Fatalf("unexpected sender %s:%d", got.address, got.port)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("datagram not received")
	}
}

func TestUDPTransportReplacesHandler(t *testing.T) {
	a, _ := startTestTransport(t)
	b, bPort := startTestTransport(t)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.SetReceiveHandler(func([]byte, string, int) { first <- struct{}{} })
	b.SetReceiveHandler(func([]byte, string, int) { second <- struct{}{} })

	if err := a.Send([]byte("x"), "127.0.0.1", bPort); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("replacement handler not invoked")
	}
	select {
	case <-first:
		t.Fatalf("replaced handler should not be invoked")
	default:
	}
}

func TestUDPTransportErrors(t *testing.T) {
	transport := NewUDPTransport("127.0.0.1")
	if err := transport.Send([]byte("x"), "127.0.0.1", 9); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := transport.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op: %v", err)
	}

	port, err := transport.Start(0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer transport.Stop()

	if _, err := transport.Start(0); !errors.Is(err, ErrBind) {
		t.Fatalf("expected ErrBind on double start, got %v", err)
	}

	other := NewUDPTransport("127.0.0.1")
	if _, err := other.Start(port); !errors.Is(err, ErrBind) {
		_ = other.Stop()
		t.Fatalf("expected ErrBind for port in use, got %v", err)
	}

	oversized := make([]byte, MaxDatagramSize+1)
	if err := transport.Send(oversized, "127.0.0.1", port); !errors.Is(err, ErrSend) {
		t.Fatalf("expected ErrSend for oversized payload, got %v", err)
	}
}

func TestUDPTransportStopIsIdempotentAndRestartable(t *testing.T) {
	transport := NewUDPTransport("127.0.0.1")
	if _, err := transport.Start(0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := transport.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := transport.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if _, ok := transport.Port(); ok {
		t.Fatalf("expected stopped transport to report no port")
	}
	if err := transport.Send([]byte("x"), "127.0.0.1", 9); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after Stop, got %v", err)
	}

	if _, err := transport.Start(0); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := transport.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
