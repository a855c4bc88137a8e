package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

var (
	// ErrConnectionClosed is returned by writes on a closed connection.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrStreamAborted is reported when the sender aborts a stream.
	ErrStreamAborted = errors.New("network: stream aborted by sender")
	// ErrShortStream is reported when a stream ends before its announced size.
	ErrShortStream = errors.New("network: stream ended before announced size")
)

// ConnectionState represents the lifecycle state of one connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventMessage carries one message frame payload.
	EventMessage EventKind = iota + 1
	// EventTransferStarted opens an inbound stream of Size bytes.
	EventTransferStarted
	// EventTransferData carries one chunk of the open inbound stream.
	EventTransferData
	// EventTransferEnd closes the open inbound stream. Err is nil on success.
	EventTransferEnd
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventTransferStarted:
		return "transfer_started"
	case EventTransferData:
		return "transfer_data"
	case EventTransferEnd:
		return "transfer_end"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound occurrence on a Conn, delivered in wire order.
type Event struct {
	Kind    EventKind
	Payload []byte
	Size    int64
	Err     error
}

// Conn is a framed, full-duplex TCP session with one remote peer.
type Conn struct {
	conn    net.Conn
	peerID  string
	options Options

	sendMu   sync.Mutex
	streamMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, peerID string, options Options) *Conn {
	c := &Conn{
		conn:    conn,
		peerID:  peerID,
		options: options.withDefaults(),
		state:   StateReady,
		closed:  make(chan struct{}),
	}
	c.events = make(chan Event, c.options.EventBuffer)

	go c.readLoop()
	return c
}

// PeerID returns the remote peer ID learned in the hello exchange.
func (c *Conn) PeerID() string {
	return c.peerID
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Events returns inbound events. The channel is closed after the connection closes.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send writes payload as one message frame.
func (c *Conn) Send(payload []byte) error {
	return c.writeFrames(frame{kind: FrameMessage, payload: payload})
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

type frame struct {
	kind    FrameKind
	payload []byte
}

// writeFrames writes frames back to back with no other frame in between.
func (c *Conn) writeFrames(frames ...frame) error {
	if c.State() == StateDisconnected {
		if err := c.LastError(); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range frames {
		if err := WriteFrame(c.conn, f.kind, f.payload); err != nil {
			if !errors.Is(err, ErrFrameTooLarge) {
				c.closeWithError(err)
			}
			return err
		}
	}
	return nil
}

func (c *Conn) readLoop() {
	var (
		streaming bool
		size      int64
		received  int64
	)
	defer func() {
		if streaming {
			// Best effort: the consumer also treats a closed channel as an aborted stream.
			select {
			case c.events <- Event{Kind: EventTransferEnd, Size: size, Err: io.ErrUnexpectedEOF}:
			default:
			}
		}
		close(c.events)
	}()

	for {
		kind, payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		var ev Event
		switch kind {
		case FrameMessage:
			ev = Event{Kind: EventMessage, Payload: payload}
		case FrameStreamBegin:
			streamSize, err := decodeStreamSize(payload)
			if err != nil {
				c.closeWithError(err)
				return
			}
			if streaming {
				if !c.deliver(Event{Kind: EventTransferEnd, Size: size, Err: ErrShortStream}) {
					return
				}
			}
			streaming, size, received = true, streamSize, 0
			ev = Event{Kind: EventTransferStarted, Size: size}
		case FrameStreamChunk:
			if !streaming {
				continue
			}
			received += int64(len(payload))
			ev = Event{Kind: EventTransferData, Payload: payload, Size: size}
		case FrameStreamEnd:
			if !streaming {
				continue
			}
			streaming = false
			var endErr error
			if received != size {
				endErr = fmt.Errorf("%w: got %d of %d bytes", ErrShortStream, received, size)
			}
			ev = Event{Kind: EventTransferEnd, Size: size, Err: endErr}
		case FrameStreamAbort:
			if !streaming {
				continue
			}
			streaming = false
			ev = Event{Kind: EventTransferEnd, Size: size, Err: fmt.Errorf("%w: %s", ErrStreamAborted, payload)}
		default:
			// Hello frames after the exchange and unknown kinds are ignored.
			continue
		}

		if !c.deliver(ev) {
			return
		}
	}
}

func (c *Conn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.conn.Close()
		close(c.closed)
	})
}
