package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drds/index"
	"drds/network"
	"drds/protocol"
	"drds/storage"

	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"
)

type testNode struct {
	*Node
	id     string
	root   string
	server *network.Server
	stats  tally.TestScope
	store  *storage.Store

	usersMu   sync.Mutex
	userLists [][]string
}

func startTestNode(t *testing.T, username string) *testNode {
	t.Helper()

	tn := &testNode{
		id:    uuid.NewString(),
		root:  t.TempDir(),
		stats: tally.NewTestScope("", nil),
	}

	ix, err := index.New(tn.root, index.Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("index.New failed: %v", err)
	}

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	tn.store = store

	netOpts := network.Options{LocalPeerID: tn.id, ChunkSize: 1024}
	server, err := network.Listen("127.0.0.1:0", netOpts)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	tn.server = server

	n, err := New(Options{
		Username:    username,
		LocalPeerID: tn.id,
		Index:       ix,
		Dialer:      network.Dialer{Options: netOpts},
		Store:       store,
		Logger:      zaptest.NewLogger(t),
		Stats:       tn.stats,
		OnUserListChanged: func(usernames []string) {
			tn.usersMu.Lock()
			tn.userLists = append(tn.userLists, usernames)
			tn.usersMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tn.Node = n

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = n.Serve(ctx, Sources{Incoming: server.Incoming()})
	}()

	t.Cleanup(func() {
		cancel()
		<-served
		_ = server.Close()
		_ = n.Close()
		_ = store.Close()
	})
	return tn
}

func (tn *testNode) address() string {
	return tn.server.Addr().String()
}

func (tn *testNode) lastUserList() ([]string, bool) {
	tn.usersMu.Lock()
	defer tn.usersMu.Unlock()
	if len(tn.userLists) == 0 {
		return nil, false
	}
	return tn.userLists[len(tn.userLists)-1], true
}

func (tn *testNode) counter(name string) int64 {
	for _, c := range tn.stats.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func (tn *testNode) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	writeFileAt(t, tn.root, rel, content)
}

func writeFileAt(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func (tn *testNode) rescan(t *testing.T) {
	t.Helper()
	if _, err := tn.Rescan(); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}
}

// link makes a and b discover each other.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.PeerDiscovered(ctx, network.Peer{ID: b.id, Address: b.address()}); err != nil {
		t.Fatalf("PeerDiscovered a->b failed: %v", err)
	}
	if err := b.PeerDiscovered(ctx, network.Peer{ID: a.id, Address: a.address()}); err != nil {
		t.Fatalf("PeerDiscovered b->a failed: %v", err)
	}
}

// dialRaw opens a bare transport connection to tn as peerID.
func dialRaw(t *testing.T, tn *testNode, peerID string) *network.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := network.Dial(ctx, network.Peer{ID: tn.id, Address: tn.address()}, network.Options{
		LocalPeerID: peerID,
		ChunkSize:   4,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendMessage(t *testing.T, conn *network.Conn, msg protocol.Message) {
	t.Helper()
	payload, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := conn.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func sendFileStream(t *testing.T, conn *network.Conn, rel string, content []byte) {
	t.Helper()
	header, err := protocol.Marshal(protocol.TransferAnnounce{Path: rel})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	provider := func(position int64, length int) ([]byte, error) {
		end := position + int64(length)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		return content[position:end], nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.SendStream(header, int64(len(content)), provider, nil).Wait(ctx); err != nil {
		t.Fatalf("SendStream failed: %v", err)
	}
}

func nextMessage(t *testing.T, conn *network.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatalf("connection closed while waiting for a message")
			}
			if ev.Kind != network.EventMessage {
				continue
			}
			msg, err := protocol.Unmarshal(ev.Payload)
			if err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			return msg
		case <-deadline:
			t.Fatalf("no message before timeout %s", timeout)
		}
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

func fileContent(root, rel string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(raw), true
}
