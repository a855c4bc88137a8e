package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"drds/network"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a PeerConnection.
type SessionState string

const (
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionClosed       SessionState = "CLOSED"
)

// PeerConnection is the session with one remote peer. It owns at most one
// outbound and one inbound connection and a queue of files to push.
type PeerConnection struct {
	node   *Node
	peerID string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// connectMu serializes dials so concurrent callers share one result.
	connectMu sync.Mutex

	mu      sync.RWMutex
	state   SessionState
	address string
	out     *network.Conn
	in      *network.Conn

	announced atomic.Bool

	queueMu     sync.Mutex
	queue       []string
	queued      map[string]struct{}
	wake        chan struct{}
	workerStart sync.Once

	closeOnce sync.Once
}

func newPeerConnection(n *Node, peerID string) *PeerConnection {
	ctx, cancel := context.WithCancel(n.ctx)
	return &PeerConnection{
		node:   n,
		peerID: peerID,
		logger: n.logger.With(zap.String("peer_id", peerID)),
		ctx:    ctx,
		cancel: cancel,
		state:  SessionDisconnected,
		queued: make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// PeerID returns the remote peer ID.
func (s *PeerConnection) PeerID() string {
	return s.peerID
}

// State returns the outbound lifecycle state.
func (s *PeerConnection) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Address returns the last known dialable address, if any.
func (s *PeerConnection) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

func (s *PeerConnection) setAddress(address string) {
	if address == "" {
		return
	}
	s.mu.Lock()
	s.address = address
	s.mu.Unlock()
}

// Connect opens the outbound connection. It is a no-op while connected.
func (s *PeerConnection) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == SessionClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.out != nil && s.out.State() == network.StateReady:
		s.mu.Unlock()
		return nil
	case s.address == "":
		s.mu.Unlock()
		return fmt.Errorf("%w: %s has no known address", ErrNoRoute, s.peerID)
	}
	s.state = SessionConnecting
	peer := network.Peer{ID: s.peerID, Address: s.address}
	s.mu.Unlock()

	conn, err := s.dial(ctx, peer)

	s.mu.Lock()
	if err != nil {
		if s.state != SessionClosed {
			s.state = SessionDisconnected
		}
		s.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", s.peerID, err)
	}
	if s.state == SessionClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.out = conn
	s.state = SessionConnected
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("address", peer.Address))
	s.startDispatch(conn)
	return nil
}

func (s *PeerConnection) dial(ctx context.Context, peer network.Peer) (*network.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = s.node.opts.DialTimeout

	var conn *network.Conn
	attempt := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, s.node.opts.DialTimeout)
		defer cancel()

		c, err := s.node.opts.Dialer.Dial(dialCtx, peer)
		if err != nil {
			s.logger.Debug("dial attempt failed", zap.Error(err))
			return err
		}
		conn = c
		return nil
	}

	retries := backoff.WithMaxRetries(policy, uint64(s.node.opts.DialRetries))
	if err := backoff.Retry(attempt, backoff.WithContext(retries, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// BindInbound attaches conn as the inbound connection, replacing any previous one.
func (s *PeerConnection) BindInbound(conn *network.Conn) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	previous := s.in
	s.in = conn
	s.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close()
	}
	s.logger.Debug("inbound connection bound", zap.String("remote", conn.RemoteAddr().String()))
	s.startDispatch(conn)
}

// Send writes payloads in order on the outbound connection, connecting first
// if needed. A session with no known address falls back to its inbound connection.
func (s *PeerConnection) Send(ctx context.Context, payloads ...[]byte) error {
	conn, err := s.route(ctx)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if err := conn.Send(payload); err != nil {
			return fmt.Errorf("send to %s: %w", s.peerID, err)
		}
	}
	return nil
}

// route returns the connection to write on.
func (s *PeerConnection) route(ctx context.Context) (*network.Conn, error) {
	s.mu.RLock()
	state, out, in, address := s.state, s.out, s.in, s.address
	s.mu.RUnlock()

	switch {
	case state == SessionClosed:
		return nil, ErrSessionClosed
	case out != nil && out.State() == network.StateReady:
		return out, nil
	case address == "":
		if in != nil && in.State() == network.StateReady {
			return in, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, s.peerID)
	}

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out = s.out
	s.mu.RUnlock()
	if out == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, s.peerID)
	}
	return out, nil
}

// SendFile queues rel for transfer. A path already waiting in the queue is not queued again.
func (s *PeerConnection) SendFile(rel string) {
	if s.ctx.Err() != nil {
		return
	}

	s.queueMu.Lock()
	if _, exists := s.queued[rel]; exists {
		s.queueMu.Unlock()
		return
	}
	s.queued[rel] = struct{}{}
	s.queue = append(s.queue, rel)
	s.queueMu.Unlock()

	s.workerStart.Do(func() {
		s.node.wg.Add(1)
		go s.transferWorker()
	})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueLen returns how many files are waiting to be sent.
func (s *PeerConnection) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

func (s *PeerConnection) nextQueued() (string, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	rel := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, rel)
	return rel, true
}

func (s *PeerConnection) transferWorker() {
	defer s.node.wg.Done()
	for {
		for {
			rel, ok := s.nextQueued()
			if !ok {
				break
			}
			if err := s.node.sendFile(s.ctx, s, rel); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("file transfer failed", zap.String("path", rel), zap.Error(err))
			}
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

// Close closes both connections. A closed session is never reopened.
func (s *PeerConnection) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.state = SessionClosed
		out, in := s.out, s.in
		s.out, s.in = nil, nil
		s.mu.Unlock()

		if out != nil {
			_ = out.Close()
		}
		if in != nil {
			_ = in.Close()
		}
	})
}

// detach forgets conn once its read side has ended.
func (s *PeerConnection) detach(conn *network.Conn) {
	s.mu.Lock()
	if s.out == conn {
		s.out = nil
		if s.state != SessionClosed {
			s.state = SessionDisconnected
		}
	}
	if s.in == conn {
		s.in = nil
	}
	s.mu.Unlock()

	if err := conn.LastError(); err != nil {
		s.logger.Info("connection closed", zap.Error(err))
	} else {
		s.logger.Debug("connection closed")
	}
}

func (s *PeerConnection) startDispatch(conn *network.Conn) {
	s.node.wg.Add(1)
	go func() {
		defer s.node.wg.Done()
		s.node.dispatch(s, conn)
		s.detach(conn)
	}()
}
