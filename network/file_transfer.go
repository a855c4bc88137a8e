package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ChunkProvider returns up to length bytes of the stream starting at position.
// It is called sequentially from a single goroutine.
type ChunkProvider func(position int64, length int) ([]byte, error)

// ProgressFunc observes bytes sent so far out of total.
type ProgressFunc func(sent, total int64)

// OutTransfer tracks one outbound stream.
type OutTransfer struct {
	size int64
	sent atomic.Int64

	done chan struct{}

	errMu sync.RWMutex
	err   error
}

// Done is closed when the stream finished or failed.
func (t *OutTransfer) Done() <-chan struct{} {
	return t.done
}

// Err returns the terminal stream error. It is only meaningful after Done.
func (t *OutTransfer) Err() error {
	t.errMu.RLock()
	defer t.errMu.RUnlock()
	return t.err
}

// Size returns the announced stream size.
func (t *OutTransfer) Size() int64 {
	return t.size
}

// BytesSent returns how many bytes have been written so far.
func (t *OutTransfer) BytesSent() int64 {
	return t.sent.Load()
}

// Wait blocks until the stream finishes or ctx is done.
func (t *OutTransfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *OutTransfer) finish(err error) {
	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()
	close(t.done)
}

// SendStream pushes size bytes pulled from provider as one stream. When header
// is non-nil it is written as a message frame immediately before the stream
// begin frame, with nothing interleaved. Streams on one connection are sent one
// at a time; message frames sent with Send may interleave with chunks.
func (c *Conn) SendStream(header []byte, size int64, provider ChunkProvider, onProgress ProgressFunc) *OutTransfer {
	transfer := &OutTransfer{
		size: size,
		done: make(chan struct{}),
	}
	if size < 0 {
		transfer.finish(fmt.Errorf("invalid stream size %d", size))
		return transfer
	}
	if provider == nil {
		transfer.finish(errors.New("chunk provider is required"))
		return transfer
	}

	go func() {
		transfer.finish(c.runStream(transfer, header, provider, onProgress))
	}()
	return transfer
}

func (c *Conn) runStream(transfer *OutTransfer, header []byte, provider ChunkProvider, onProgress ProgressFunc) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	begin := frame{kind: FrameStreamBegin, payload: encodeStreamSize(transfer.size)}
	var err error
	if header != nil {
		err = c.writeFrames(frame{kind: FrameMessage, payload: header}, begin)
	} else {
		err = c.writeFrames(begin)
	}
	if err != nil {
		return fmt.Errorf("begin stream: %w", err)
	}

	chunkSize := int64(c.options.ChunkSize)
	var position int64
	for position < transfer.size {
		length := transfer.size - position
		if length > chunkSize {
			length = chunkSize
		}

		chunk, err := provider(position, int(length))
		if err == nil && len(chunk) == 0 {
			err = io.ErrUnexpectedEOF
		}
		if err == nil && int64(len(chunk)) > length {
			chunk = chunk[:length]
		}
		if err != nil {
			_ = c.writeFrames(frame{kind: FrameStreamAbort, payload: []byte(err.Error())})
			return fmt.Errorf("read chunk at %d: %w", position, err)
		}

		if err := c.writeFrames(frame{kind: FrameStreamChunk, payload: chunk}); err != nil {
			return fmt.Errorf("write chunk at %d: %w", position, err)
		}
		position += int64(len(chunk))
		transfer.sent.Store(position)
		if onProgress != nil {
			onProgress(position, transfer.size)
		}
	}

	if err := c.writeFrames(frame{kind: FrameStreamEnd}); err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	return nil
}
