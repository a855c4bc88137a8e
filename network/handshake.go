package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Options configures the hello exchange and connection behavior.
type Options struct {
	// LocalPeerID is advertised to the remote side in the hello frame.
	LocalPeerID string

	ConnectionTimeout time.Duration
	// ChunkSize is the length requested from stream chunk providers.
	ChunkSize int
	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxFrameSize-1 {
		out.ChunkSize = MaxFrameSize - 1
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 64
	}
	return out
}

func (o Options) validate() error {
	if o.LocalPeerID == "" {
		return errors.New("local peer ID is required")
	}
	return nil
}

func writeHello(conn net.Conn, localPeerID string) error {
	payload, err := EncodeJSON(HelloMessage{
		Type:            TypeHello,
		PeerID:          localPeerID,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, FrameHello, payload); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	return nil
}

func readHello(conn net.Conn) (HelloMessage, error) {
	kind, payload, err := ReadFrame(conn)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}
	if kind != FrameHello {
		return HelloMessage{}, fmt.Errorf("expected %s frame, got %s", FrameHello, kind)
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return HelloMessage{}, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, ProtocolVersion, hello.ProtocolVersion)
	}
	if hello.PeerID == "" {
		return HelloMessage{}, errors.New("hello is missing peer_id")
	}
	return hello, nil
}
