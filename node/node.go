// Package node ties peer sessions, the file index and the transport together
// into one synchronizing participant.
package node

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"drds/index"
	"drds/models"
	"drds/network"
	"drds/protocol"
	"drds/storage"
	"drds/watcher"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultDialRetries = 2
)

var (
	// ErrSessionClosed is returned by operations on a closed peer session.
	ErrSessionClosed = errors.New("node: session closed")
	// ErrNoRoute is returned when a session has neither a dialable address nor an inbound connection.
	ErrNoRoute = errors.New("node: no route to peer")
)

// Dialer opens outbound connections to peers.
type Dialer interface {
	Dial(ctx context.Context, peer network.Peer) (*network.Conn, error)
}

// Options configures a Node.
type Options struct {
	Username    string
	LocalPeerID string
	Index       *index.Index
	Dialer      Dialer

	// Store records transfer history when set.
	Store *storage.Store

	Logger *zap.Logger
	Stats  tally.Scope
	Clock  clock.Clock

	DialTimeout time.Duration
	DialRetries int

	// OnUserListChanged receives the sorted online usernames after every change.
	// It is called without any node lock held.
	OnUserListChanged func(usernames []string)
}

// Node is the local participant: it owns the peer registry and reconciles the
// local index with peers announcing the same username.
type Node struct {
	opts    Options
	logger  *zap.Logger
	metrics metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	identMu     sync.RWMutex
	usernames   map[string]string
	peersByUser map[string][]string

	sessMu   sync.Mutex
	sessions map[string]*PeerConnection
}

// New validates options and returns a Node with no peers.
func New(options Options) (*Node, error) {
	if options.Username == "" {
		return nil, errors.New("username is required")
	}
	if options.LocalPeerID == "" {
		return nil, errors.New("local peer ID is required")
	}
	if options.Index == nil {
		return nil, errors.New("index is required")
	}
	if options.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Stats == nil {
		options.Stats = tally.NoopScope
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.DialRetries < 0 {
		options.DialRetries = 0
	} else if options.DialRetries == 0 {
		options.DialRetries = defaultDialRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		opts: options,
		logger: options.Logger.With(
			zap.String("username", options.Username),
			zap.String("local_peer_id", options.LocalPeerID)),
		metrics:     newMetrics(options.Stats),
		ctx:         ctx,
		cancel:      cancel,
		usernames:   make(map[string]string),
		peersByUser: make(map[string][]string),
		sessions:    make(map[string]*PeerConnection),
	}, nil
}

// Username returns the local username.
func (n *Node) Username() string {
	return n.opts.Username
}

// PeerID returns the local transport peer ID.
func (n *Node) PeerID() string {
	return n.opts.LocalPeerID
}

// Index returns the local file index.
func (n *Node) Index() *index.Index {
	return n.opts.Index
}

// Close tears down every session and waits for node goroutines to exit.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		n.sessMu.Lock()
		sessions := make([]*PeerConnection, 0, len(n.sessions))
		for id, s := range n.sessions {
			sessions = append(sessions, s)
			delete(n.sessions, id)
		}
		n.sessMu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		n.wg.Wait()
	})
	return nil
}

// PeerDiscovered connects to a newly seen peer and announces the local username.
func (n *Node) PeerDiscovered(ctx context.Context, peer network.Peer) error {
	s, err := n.discoveredSession(peer)
	if s == nil {
		return err
	}
	return n.connectAndAnnounce(ctx, s)
}

// discoveredSession returns the session for a discovered peer with its address
// updated. It returns nil for self and empty IDs.
func (n *Node) discoveredSession(peer network.Peer) (*PeerConnection, error) {
	if peer.ID == "" || peer.ID == n.opts.LocalPeerID {
		return nil, nil
	}
	s, err := n.session(peer.ID)
	if err != nil {
		return nil, err
	}
	s.setAddress(peer.Address)
	return s, nil
}

func (n *Node) connectAndAnnounce(ctx context.Context, s *PeerConnection) error {
	if err := s.Connect(ctx); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		n.logger.Warn("connect to discovered peer failed",
			zap.String("peer_id", s.PeerID()),
			zap.String("address", s.Address()),
			zap.Error(err))
		return err
	}
	return n.announceTo(ctx, s)
}

// PeerRemoved forgets everything known about peerID and closes its session.
func (n *Node) PeerRemoved(peerID string) {
	// The session goes first: handleAnnounce only writes identities for a
	// registered session, so nothing can re-add peerID after this point.
	n.sessMu.Lock()
	s := n.sessions[peerID]
	delete(n.sessions, peerID)
	n.sessMu.Unlock()

	if s != nil {
		s.Close()
	}

	n.identMu.Lock()
	username, known := n.usernames[peerID]
	if known {
		delete(n.usernames, peerID)
		n.peersByUser[username] = removeString(n.peersByUser[username], peerID)
		if len(n.peersByUser[username]) == 0 {
			delete(n.peersByUser, username)
		}
	}
	online := len(n.usernames)
	n.identMu.Unlock()

	n.opts.Index.ForgetPeer(peerID)

	n.logger.Info("peer removed", zap.String("peer_id", peerID), zap.String("peer_username", username))
	n.metrics.onlinePeers.Update(float64(online))
	if known {
		n.notifyUserList()
	}
}

// IncomingConnection binds an accepted connection to the session for its peer.
func (n *Node) IncomingConnection(conn *network.Conn) {
	if conn == nil {
		return
	}
	if conn.PeerID() == "" || conn.PeerID() == n.opts.LocalPeerID {
		_ = conn.Close()
		return
	}
	s, err := n.session(conn.PeerID())
	if err != nil {
		_ = conn.Close()
		return
	}
	s.BindInbound(conn)
}

// BroadcastToUsername sends payload to every online peer of username and
// returns how many sends succeeded. An unknown username is a no-op.
func (n *Node) BroadcastToUsername(ctx context.Context, username string, payload []byte) int {
	n.identMu.RLock()
	peerIDs := append([]string(nil), n.peersByUser[username]...)
	n.identMu.RUnlock()

	if len(peerIDs) == 0 {
		return 0
	}
	n.metrics.broadcasts.Inc(1)

	sent := 0
	for _, peerID := range peerIDs {
		s := n.existingSession(peerID)
		if s == nil {
			continue
		}
		if err := s.Send(ctx, payload); err != nil {
			n.logger.Warn("broadcast send failed", zap.String("peer_id", peerID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// OnlineUsernames returns the sorted distinct usernames with at least one online peer.
func (n *Node) OnlineUsernames() []string {
	n.identMu.RLock()
	out := make([]string, 0, len(n.peersByUser))
	for username := range n.peersByUser {
		out = append(out, username)
	}
	n.identMu.RUnlock()

	sort.Strings(out)
	return out
}

// OnlinePeers returns every peer that has announced a username.
func (n *Node) OnlinePeers() []models.PeerIdentity {
	n.identMu.RLock()
	out := make([]models.PeerIdentity, 0, len(n.usernames))
	for peerID, username := range n.usernames {
		out = append(out, models.PeerIdentity{PeerID: peerID, Username: username})
	}
	n.identMu.RUnlock()

	for i := range out {
		if s := n.existingSession(out[i].PeerID); s != nil {
			out[i].Address = s.Address()
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// PeerUsername returns the username peerID announced.
func (n *Node) PeerUsername(peerID string) (string, bool) {
	n.identMu.RLock()
	defer n.identMu.RUnlock()
	username, ok := n.usernames[peerID]
	return username, ok
}

// SyncNow sends the local manifest to every peer sharing the local username.
func (n *Node) SyncNow(ctx context.Context) int {
	payload, err := protocol.Marshal(protocol.Manifest{Paths: n.opts.Index.Manifest()})
	if err != nil {
		n.logger.Error("marshal manifest failed", zap.Error(err))
		return 0
	}
	return n.BroadcastToUsername(ctx, n.opts.Username, payload)
}

// Rescan rebuilds the local manifest from disk.
func (n *Node) Rescan() (int, error) {
	return n.opts.Index.Rescan()
}

// HandleWatchEvent applies one watcher event to the index and pushes genuinely
// new files to peers sharing the local username.
func (n *Node) HandleWatchEvent(ev watcher.Event) {
	switch ev.Op {
	case watcher.OpCreate:
		if n.opts.Index.HandleCreate(ev.Path, ev.IsDir) == index.CreateCreated {
			n.pushToUsername(ev.Path)
		}
	case watcher.OpDelete:
		n.opts.Index.HandleDelete(ev.Path)
	case watcher.OpModify:
		n.logger.Debug("modified", zap.String("path", ev.Path))
	}
}

func (n *Node) pushToUsername(rel string) {
	n.identMu.RLock()
	peerIDs := append([]string(nil), n.peersByUser[n.opts.Username]...)
	n.identMu.RUnlock()

	for _, peerID := range peerIDs {
		if s := n.existingSession(peerID); s != nil {
			s.SendFile(rel)
		}
	}
}

// session returns the session for peerID, creating it if needed.
func (n *Node) session(peerID string) (*PeerConnection, error) {
	if n.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}

	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	if s, ok := n.sessions[peerID]; ok {
		return s, nil
	}
	s := newPeerConnection(n, peerID)
	n.sessions[peerID] = s
	return s, nil
}

func (n *Node) existingSession(peerID string) *PeerConnection {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	return n.sessions[peerID]
}

// registered reports whether s is still the live session for its peer.
// Envelopes still buffered on a removed session must not touch node state.
func (n *Node) registered(s *PeerConnection) bool {
	return s.State() != SessionClosed && n.existingSession(s.PeerID()) == s
}

func (n *Node) announceTo(ctx context.Context, s *PeerConnection) error {
	if !s.announced.CompareAndSwap(false, true) {
		return nil
	}
	payload, err := protocol.Marshal(protocol.Announce{Username: n.opts.Username})
	if err != nil {
		return err
	}
	if err := s.Send(ctx, payload); err != nil {
		s.announced.Store(false)
		n.logger.Warn("announce failed", zap.String("peer_id", s.PeerID()), zap.Error(err))
		return err
	}
	return nil
}

// handleMessage applies one decoded envelope received from s.
func (n *Node) handleMessage(ctx context.Context, s *PeerConnection, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Announce:
		n.handleAnnounce(ctx, s, m.Username)
	case protocol.Manifest:
		n.handleManifest(s, m.Paths)
	}
}

func (n *Node) handleAnnounce(ctx context.Context, s *PeerConnection, username string) {
	peerID := s.PeerID()
	if username == "" {
		n.logger.Warn("ignoring empty username announce", zap.String("peer_id", peerID))
		return
	}

	n.identMu.Lock()
	if !n.registered(s) {
		n.identMu.Unlock()
		n.logger.Debug("ignoring announce on removed session", zap.String("peer_id", peerID))
		return
	}
	previous, known := n.usernames[peerID]
	if known && previous != username {
		n.peersByUser[previous] = removeString(n.peersByUser[previous], peerID)
		if len(n.peersByUser[previous]) == 0 {
			delete(n.peersByUser, previous)
		}
	}
	n.usernames[peerID] = username
	if !containsString(n.peersByUser[username], peerID) {
		n.peersByUser[username] = append(n.peersByUser[username], peerID)
	}
	online := len(n.usernames)
	n.identMu.Unlock()

	n.logger.Info("peer announced",
		zap.String("peer_id", peerID),
		zap.String("peer_username", username),
		zap.Bool("moved", known && previous != username))
	n.metrics.onlinePeers.Update(float64(online))
	n.notifyUserList()

	// A peer that reached us first still needs to learn who we are. The reply
	// and the manifest share one connection so they arrive in order.
	var batch [][]byte
	replying := s.announced.CompareAndSwap(false, true)
	if replying {
		payload, err := protocol.Marshal(protocol.Announce{Username: n.opts.Username})
		if err != nil {
			n.logger.Error("marshal announce failed", zap.Error(err))
			return
		}
		batch = append(batch, payload)
	}
	if username == n.opts.Username {
		payload, err := protocol.Marshal(protocol.Manifest{Paths: n.opts.Index.Manifest()})
		if err != nil {
			n.logger.Error("marshal manifest failed", zap.Error(err))
			return
		}
		batch = append(batch, payload)
	}
	if len(batch) == 0 {
		return
	}
	if err := s.Send(ctx, batch...); err != nil {
		if replying {
			s.announced.Store(false)
		}
		n.logger.Warn("announce reply failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (n *Node) handleManifest(s *PeerConnection, paths []string) {
	peerID := s.PeerID()
	if !n.registered(s) {
		n.logger.Debug("ignoring manifest on removed session", zap.String("peer_id", peerID))
		return
	}
	if !n.sharesUsername(peerID) {
		n.logger.Debug("ignoring manifest from peer with another username", zap.String("peer_id", peerID))
		return
	}

	missing := n.opts.Index.Reconcile(peerID, paths)
	if !n.registered(s) {
		n.opts.Index.ForgetPeer(peerID)
		return
	}
	n.logger.Info("manifest received",
		zap.String("peer_id", peerID),
		zap.Int("peer_files", len(paths)),
		zap.Int("missing", len(missing)))
	for _, rel := range missing {
		s.SendFile(rel)
	}
}

func (n *Node) sharesUsername(peerID string) bool {
	username, ok := n.PeerUsername(peerID)
	return ok && username == n.opts.Username
}

func (n *Node) notifyUserList() {
	if n.opts.OnUserListChanged == nil {
		return
	}
	n.opts.OnUserListChanged(n.OnlineUsernames())
}

func (n *Node) nowMillis() int64 {
	return n.opts.Clock.Now().UnixMilli()
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
