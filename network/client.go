package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Peer is a dialable remote endpoint.
type Peer struct {
	ID      string
	Address string
}

// Dial connects to a peer, exchanges hello frames, and returns a ready Conn.
// When peer.ID is set the remote must announce the same ID.
func Dial(ctx context.Context, peer Peer, options Options) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if peer.Address == "" {
		return nil, errors.New("peer address is required")
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", peer.Address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	if err := writeHello(conn, opts.LocalPeerID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	hello, err := readHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if peer.ID != "" && hello.PeerID != peer.ID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: dialed %q, remote is %q", ErrUnexpectedPeer, peer.ID, hello.PeerID)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return newConn(conn, hello.PeerID, opts), nil
}

// Dialer binds Options so callers can dial peers without carrying them around.
type Dialer struct {
	Options Options
}

// Dial connects to peer using the dialer's options.
func (d Dialer) Dial(ctx context.Context, peer Peer) (*Conn, error) {
	return Dial(ctx, peer, d.Options)
}
