package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drds/index"
	"drds/network"

	"go.uber.org/zap/zaptest"
)

type countingDialer struct {
	inner network.Dialer
	calls atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, peer network.Peer) (*network.Conn, error) {
	d.calls.Add(1)
	return d.inner.Dial(ctx, peer)
}

func newBareNode(t *testing.T, dialer Dialer, retries int) *Node {
	t.Helper()
	ix, err := index.New(t.TempDir(), index.Options{})
	if err != nil {
		t.Fatalf("index.New failed: %v", err)
	}
	n, err := New(Options{
		Username:    "alice",
		LocalPeerID: "bare-node",
		Index:       ix,
		Dialer:      dialer,
		Logger:      zaptest.NewLogger(t),
		DialTimeout: 2 * time.Second,
		DialRetries: retries,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = n.Close()
	})
	return n
}

func TestConnectIsIdempotentUnderConcurrency(t *testing.T) {
	target := startTestNode(t, "alice")
	dialer := &countingDialer{inner: network.Dialer{Options: network.Options{LocalPeerID: "bare-node"}}}
	n := newBareNode(t, dialer, -1)

	s, err := n.session(target.id)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	s.setAddress(target.address())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if got := dialer.calls.Load(); got != 1 {
		t.Fatalf("expected one dial, got %d", got)
	}
	if s.State() != SessionConnected {
		t.Fatalf("expected CONNECTED, got %s", s.State())
	}
}

func TestDroppedOutboundReconnectsLazily(t *testing.T) {
	target := startTestNode(t, "alice")
	dialer := &countingDialer{inner: network.Dialer{Options: network.Options{LocalPeerID: "bare-node"}}}
	n := newBareNode(t, dialer, -1)

	s, err := n.session(target.id)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	s.setAddress(target.address())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.mu.RLock()
	out := s.out
	s.mu.RUnlock()
	_ = out.Close()

	waitForCondition(t, 2*time.Second, func() bool {
		return s.State() == SessionDisconnected
	})

	if err := s.Send(context.Background(), []byte{9}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if s.State() != SessionConnected {
		t.Fatalf("expected reconnect on send, got %s", s.State())
	}
	if got := dialer.calls.Load(); got != 2 {
		t.Fatalf("expected two dials, got %d", got)
	}
}

func TestDialFailureReturnsToDisconnected(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	dialer := &countingDialer{inner: network.Dialer{Options: network.Options{LocalPeerID: "bare-node"}}}
	n := newBareNode(t, dialer, 1)

	s, err := n.session("gone")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	s.setAddress(address)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if s.State() != SessionDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", s.State())
	}
	if got := dialer.calls.Load(); got != 2 {
		t.Fatalf("expected one retry, got %d dials", got)
	}
}

func TestSendWithoutRouteFails(t *testing.T) {
	n := newBareNode(t, network.Dialer{}, -1)
	s, err := n.session("unknown")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	if err := s.Send(context.Background(), []byte{0}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestClosedSessionIsTerminal(t *testing.T) {
	n := newBareNode(t, network.Dialer{}, -1)
	s, err := n.session("peer")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	s.setAddress("127.0.0.1:1")
	s.Close()

	if s.State() != SessionClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Send(context.Background(), []byte{0}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from Send, got %v", err)
	}
	s.SendFile("ignored.txt")
	if s.QueueLen() != 0 {
		t.Fatalf("expected closed session to ignore queued files")
	}
}
