package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-peer", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 2
	})

	if !waitForEvent(scanner.Events(), EventPeerUpserted, "peer-2", time.Second) {
		t.Fatalf("expected upsert event for peer-2")
	}
}

func TestPeerScannerKeepsMissingPeerUntilStale(t *testing.T) {
	var browseCalls int32
	mock := clock.NewMock()
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      time.Minute,
		Clock:           mock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListPeers()) == 2
	})

	// One missed scan is not enough to drop a peer.
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := len(scanner.ListPeers()); got != 2 {
		t.Fatalf("expected missing peer to be retained, got %d peers", got)
	}

	mock.Add(2 * time.Minute)
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	peers := scanner.ListPeers()
	if len(peers) != 1 || peers[0].PeerID != "peer-2" {
		t.Fatalf("expected only peer-2 after stale removal, got %+v", peers)
	}
	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", time.Second) {
		t.Fatalf("expected peer removal event for peer-1")
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})
}

func TestPeerScannerRefreshReturnsBrowseError(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestNewPeerScannerRequiresSelfPeerID(t *testing.T) {
	if _, err := NewPeerScanner(Config{}); !errors.Is(err, ErrMissingPeerID) {
		t.Fatalf("expected ErrMissingPeerID, got %v", err)
	}
}

func TestDiscoveredPeerAddressPrefersIPv4(t *testing.T) {
	peer := DiscoveredPeer{
		Port:      9000,
		Addresses: []string{"10.0.0.5", "fe80::1"},
	}
	if got := peer.Address(); got != "10.0.0.5:9000" {
		t.Fatalf("unexpected address %q", got)
	}

	v6 := DiscoveredPeer{Port: 9000, Addresses: []string{"fe80::1"}}
	if got := v6.Address(); got != "[fe80::1]:9000" {
		t.Fatalf("unexpected IPv6 address %q", got)
	}

	hostOnly := DiscoveredPeer{Port: 9000, HostName: "bob.local."}
	if got := hostOnly.Address(); got != "bob.local:9000" {
		t.Fatalf("unexpected host address %q", got)
	}

	if got := (DiscoveredPeer{Addresses: []string{"10.0.0.5"}}).Address(); got != "" {
		t.Fatalf("expected empty address without port, got %q", got)
	}
}

func testServiceEntry(peerID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"peer_id=" + peerID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
