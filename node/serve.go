package node

import (
	"context"

	"drds/discovery"
	"drds/network"
	"drds/watcher"

	"go.uber.org/zap"
)

// Sources are the event streams a running node consumes. Nil channels are skipped.
type Sources struct {
	Discovery <-chan discovery.Event
	Incoming  <-chan *network.Conn
	Watch     <-chan watcher.Event
}

// Serve pumps sources into the node until ctx is done or the node is closed.
// Discovered peers are connected in the background so one slow dial does not
// hold up the others.
func (n *Node) Serve(ctx context.Context, src Sources) error {
	discovered, incoming, watched := src.Discovery, src.Incoming, src.Watch

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return nil

		case ev, ok := <-discovered:
			if !ok {
				discovered = nil
				continue
			}
			n.handleDiscoveryEvent(ctx, ev)

		case conn, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			n.IncomingConnection(conn)

		case ev, ok := <-watched:
			if !ok {
				n.logger.Info("watcher stopped")
				watched = nil
				continue
			}
			n.HandleWatchEvent(ev)
		}
	}
}

func (n *Node) handleDiscoveryEvent(ctx context.Context, ev discovery.Event) {
	switch ev.Type {
	case discovery.EventPeerUpserted:
		peer := network.Peer{ID: ev.Peer.PeerID, Address: ev.Peer.Address()}
		if peer.Address == "" {
			n.logger.Debug("discovered peer has no address", zap.String("peer_id", peer.ID))
			return
		}
		// The session is created here, in event order, so a later removal
		// closes it before the background connect can register anything.
		s, err := n.discoveredSession(peer)
		if s == nil {
			if err != nil {
				n.logger.Debug("discovered peer skipped", zap.String("peer_id", peer.ID), zap.Error(err))
			}
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			_ = n.connectAndAnnounce(ctx, s)
		}()
	case discovery.EventPeerRemoved:
		n.PeerRemoved(ev.Peer.PeerID)
	}
}
