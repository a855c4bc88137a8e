package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// ProtocolVersion is the current transport protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial and hello exchange duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultChunkSize is the stream chunk length requested from providers.
	DefaultChunkSize = 64 * 1024
)

// FrameKind is the first byte of every frame body.
type FrameKind byte

const (
	FrameHello FrameKind = iota + 1
	FrameMessage
	FrameStreamBegin
	FrameStreamChunk
	FrameStreamEnd
	FrameStreamAbort
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameMessage:
		return "message"
	case FrameStreamBegin:
		return "stream_begin"
	case FrameStreamChunk:
		return "stream_chunk"
	case FrameStreamEnd:
		return "stream_end"
	case FrameStreamAbort:
		return "stream_abort"
	default:
		return fmt.Sprintf("frame(%d)", byte(k))
	}
}

const TypeHello = "hello"

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEmptyFrame indicates a frame without a kind byte.
	ErrEmptyFrame = errors.New("network: empty frame")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrUnexpectedPeer indicates the remote announced a different peer ID than the one dialed.
	ErrUnexpectedPeer = errors.New("network: unexpected peer id")
)

// HelloMessage is exchanged once in each direction when a connection opens.
type HelloMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame in a single write.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)+1))
	frame[4] = byte(kind)
	copy(frame[5:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if length == 0 {
		return 0, nil, ErrEmptyFrame
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}

	return FrameKind(body[0]), body[1:], nil
}

func encodeStreamSize(size int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(size))
	return buf
}

func decodeStreamSize(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("stream begin: expected 8 byte size, got %d bytes", len(payload))
	}
	size := int64(binary.BigEndian.Uint64(payload))
	if size < 0 {
		return 0, fmt.Errorf("stream begin: negative size %d", size)
	}
	return size, nil
}
