package node

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"drds/crypto"
	"drds/index"
	"drds/models"
	"drds/network"
	"drds/protocol"
	"drds/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dispatch consumes conn's events in order until the connection closes.
// A TransferAnnounce names the next stream on the same connection only.
func (n *Node) dispatch(s *PeerConnection, conn *network.Conn) {
	var (
		pendingPath string
		recv        *inboundFile
	)
	defer func() {
		if recv != nil {
			recv.finish(io.ErrUnexpectedEOF)
		}
	}()

	for ev := range conn.Events() {
		switch ev.Kind {
		case network.EventMessage:
			n.metrics.envelopesReceived.Inc(1)
			msg, err := protocol.Unmarshal(ev.Payload)
			if err != nil {
				n.metrics.envelopesDropped.Inc(1)
				s.logger.Warn("dropping envelope", zap.Error(err))
				continue
			}
			if announce, ok := msg.(protocol.TransferAnnounce); ok {
				rel, err := index.Normalize(announce.Path)
				if err != nil {
					n.metrics.envelopesDropped.Inc(1)
					s.logger.Warn("dropping transfer announce", zap.String("path", announce.Path), zap.Error(err))
					pendingPath = ""
					continue
				}
				pendingPath = rel
				continue
			}
			n.handleMessage(s.ctx, s, msg)

		case network.EventTransferStarted:
			if recv != nil {
				recv.finish(network.ErrShortStream)
				recv = nil
			}
			rel := pendingPath
			pendingPath = ""
			if rel == "" {
				s.logger.Warn("discarding stream without transfer announce", zap.Int64("bytes", ev.Size))
				continue
			}
			if !n.sharesUsername(s.PeerID()) {
				s.logger.Warn("discarding file from peer with another username", zap.String("path", rel))
				continue
			}
			recv = n.beginReceive(s, rel, ev.Size)

		case network.EventTransferData:
			if recv == nil {
				continue
			}
			if err := recv.write(ev.Payload); err != nil {
				recv.finish(err)
				recv = nil
			}

		case network.EventTransferEnd:
			if recv == nil {
				continue
			}
			recv.finish(ev.Err)
			recv = nil
		}
	}
}

// sendFile pushes one file to s and waits for the stream to finish.
func (n *Node) sendFile(ctx context.Context, s *PeerConnection, rel string) error {
	abs := n.opts.Index.Abs(rel)
	file, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", rel)
	}

	header, err := protocol.Marshal(protocol.TransferAnnounce{Path: rel})
	if err != nil {
		return err
	}

	conn, err := s.route(ctx)
	if err != nil {
		return err
	}

	record := models.Transfer{
		TransferID: uuid.NewString(),
		PeerID:     s.PeerID(),
		Username:   n.opts.Username,
		Path:       rel,
		Direction:  models.TransferDirectionSend,
		Size:       info.Size(),
		StartedAt:  n.nowMillis(),
	}
	n.recordBegin(record)

	sum := crypto.NewHash()
	provider := func(position int64, length int) ([]byte, error) {
		buf := make([]byte, length)
		read, err := file.ReadAt(buf, position)
		if read > 0 {
			sum.Write(buf[:read])
			return buf[:read], nil
		}
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	transfer := conn.SendStream(header, info.Size(), provider, nil)
	err = transfer.Wait(ctx)

	result := storage.TransferResult{
		Status:           models.TransferStatusComplete,
		BytesTransferred: transfer.BytesSent(),
		FinishedAt:       n.nowMillis(),
	}
	if err != nil {
		n.metrics.transferFailures.Inc(1)
		result.Status = models.TransferStatusFailed
		result.Error = err.Error()
		n.recordFinish(record.TransferID, result)
		return fmt.Errorf("send %s: %w", rel, err)
	}

	result.Checksum = crypto.SumHex(sum)
	n.recordFinish(record.TransferID, result)
	n.metrics.filesSent.Inc(1)
	s.logger.Info("file sent",
		zap.String("path", rel),
		zap.Int64("bytes", info.Size()),
		zap.String("checksum", crypto.ShortChecksum(result.Checksum)))
	return nil
}

// inboundFile is one stream being written to disk.
type inboundFile struct {
	node    *Node
	session *PeerConnection

	transferID string
	rel        string
	size       int64
	written    int64

	file *os.File
	sum  hash.Hash
}

// beginReceive prepares the destination for rel. It returns nil when the
// stream has to be discarded.
func (n *Node) beginReceive(s *PeerConnection, rel string, size int64) *inboundFile {
	// Marked before touching disk so the watcher event for this write is not pushed back out.
	n.opts.Index.MarkReceived(rel)

	recv := &inboundFile{
		node:       n,
		session:    s,
		transferID: uuid.NewString(),
		rel:        rel,
		size:       size,
		sum:        crypto.NewHash(),
	}
	n.recordBegin(models.Transfer{
		TransferID: recv.transferID,
		PeerID:     s.PeerID(),
		Username:   n.opts.Username,
		Path:       rel,
		Direction:  models.TransferDirectionReceive,
		Size:       size,
		StartedAt:  n.nowMillis(),
	})

	abs := n.opts.Index.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		recv.fail(fmt.Errorf("create parent directory: %w", err))
		return nil
	}
	file, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		recv.fail(fmt.Errorf("open destination: %w", err))
		return nil
	}
	recv.file = file

	s.logger.Debug("receiving file", zap.String("path", rel), zap.Int64("bytes", size))
	return recv
}

func (r *inboundFile) write(chunk []byte) error {
	written, err := r.file.Write(chunk)
	r.written += int64(written)
	if err != nil {
		return fmt.Errorf("write %s: %w", r.rel, err)
	}
	r.sum.Write(chunk)
	return nil
}

// finish closes the destination and records the outcome. streamErr is the
// transport's verdict on the stream.
func (r *inboundFile) finish(streamErr error) {
	if streamErr != nil {
		_ = r.file.Close()
		r.fail(streamErr)
		return
	}
	if err := r.file.Sync(); err != nil {
		_ = r.file.Close()
		r.fail(fmt.Errorf("sync %s: %w", r.rel, err))
		return
	}
	if err := r.file.Close(); err != nil {
		r.fail(fmt.Errorf("close %s: %w", r.rel, err))
		return
	}

	n := r.node
	if err := n.opts.Index.Add(r.rel); err != nil {
		r.fail(err)
		return
	}

	checksum := crypto.SumHex(r.sum)
	n.recordFinish(r.transferID, storage.TransferResult{
		Status:           models.TransferStatusComplete,
		BytesTransferred: r.written,
		Checksum:         checksum,
		FinishedAt:       n.nowMillis(),
	})
	n.metrics.filesReceived.Inc(1)
	r.session.logger.Info("file received",
		zap.String("path", r.rel),
		zap.Int64("bytes", r.written),
		zap.String("checksum", crypto.ShortChecksum(checksum)))
}

// fail abandons the transfer. Whatever was written stays on disk.
func (r *inboundFile) fail(err error) {
	n := r.node
	n.metrics.transferFailures.Inc(1)
	n.recordFinish(r.transferID, storage.TransferResult{
		Status:           models.TransferStatusFailed,
		BytesTransferred: r.written,
		Error:            err.Error(),
		FinishedAt:       n.nowMillis(),
	})
	r.session.logger.Warn("file receive failed", zap.String("path", r.rel), zap.Error(err))
}

func (n *Node) recordBegin(transfer models.Transfer) {
	if n.opts.Store == nil {
		return
	}
	if err := n.opts.Store.BeginTransfer(transfer); err != nil {
		n.logger.Warn("record transfer failed", zap.String("path", transfer.Path), zap.Error(err))
	}
}

func (n *Node) recordFinish(transferID string, result storage.TransferResult) {
	if n.opts.Store == nil {
		return
	}
	if err := n.opts.Store.FinishTransfer(transferID, result); err != nil {
		n.logger.Warn("record transfer result failed", zap.String("transfer_id", transferID), zap.Error(err))
	}
}
