package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/schema"
)

// memoryRoom keeps its document and peers in process memory. A per-room
// mutex gives single-writer semantics: apply and broadcast happen as one step.
type memoryRoom struct {
	key     schema.RoomKey
	prune   bool
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	doc        codec.Document
	peers      map[schema.PeerID]Peer
	awareness  *awarenessMap
	closed     bool
	idleSince  time.Time
	lastAccess time.Time
}

func newMemoryRoom(key schema.RoomKey, doc codec.Document, prune bool, m *metrics.Metrics, now func() time.Time) *memoryRoom {
	created := now()
	return &memoryRoom{
		key:        key,
		prune:      prune,
		metrics:    m,
		now:        now,
		doc:        doc,
		peers:      make(map[schema.PeerID]Peer),
		awareness:  newAwarenessMap(),
		idleSince:  created,
		lastAccess: created,
	}
}

func (r *memoryRoom) Key() schema.RoomKey { return r.key }

func (r *memoryRoom) Join(ctx context.Context, peer Peer) error {
	if peer == nil {
		return fmt.Errorf("join %s: peer is nil", r.key)
	}
	log := logx.WithRoomPeer(ctx, r.key, peer.ID())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return schema.ErrRoomClosed
	}
	if _, exists := r.peers[peer.ID()]; exists {
		return fmt.Errorf("join %s: peer %s already joined", r.key, peer.ID())
	}
	snapshot := r.doc.State()
	users := r.awareness.list()
	// Counted before the snapshot is queued.
	r.peers[peer.ID()] = peer
	r.metrics.PeerJoined()
	if err := peer.Send(schema.BinaryFrame(snapshot)); err != nil {
		r.dropLocked(peer.ID())
		return fmt.Errorf("join %s: send snapshot: %w", r.key, err)
	}
	if err := peer.Send(schema.TextFrame(schema.AwarenessSnapshotMessage(users))); err != nil {
		r.dropLocked(peer.ID())
		return fmt.Errorf("join %s: send awareness: %w", r.key, err)
	}
	r.idleSince = time.Time{}
	log.Info("room peer joined", "peers", len(r.peers), "snapshot_bytes", len(snapshot), "users", len(users))
	return nil
}

func (r *memoryRoom) Leave(ctx context.Context, peerID schema.PeerID) error {
	log := logx.WithRoomPeer(ctx, r.key, peerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return schema.ErrPeerNotFound
	}
	delete(r.peers, peerID)
	r.metrics.PeerLeft()
	pruned := 0
	if r.prune {
		pruned = r.awareness.pruneOwner(peerID)
	}
	if len(r.peers) == 0 {
		r.idleSince = r.now()
	}
	r.lastAccess = r.now()
	failed := r.broadcastLocked(schema.TextFrame(schema.AwarenessSnapshotMessage(r.awareness.list())), "")
	log.Info("room peer left", "peers", len(r.peers), "pruned", pruned, "failed", failed)
	return nil
}

func (r *memoryRoom) ApplyUpdate(ctx context.Context, from schema.PeerID, update []byte) error {
	log := logx.WithRoomPeer(ctx, r.key, from)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return schema.ErrRoomClosed
	}
	if err := codec.SafeApply(ctx, r.doc, update); err != nil {
		r.metrics.UpdateRejected()
		return err
	}
	r.metrics.UpdateApplied()
	failed := r.broadcastLocked(schema.BinaryFrame(update), from)
	log.Trace("room update applied", "len", len(update), "peers", len(r.peers), "failed", failed)
	return nil
}

func (r *memoryRoom) UpdateAwareness(ctx context.Context, from schema.PeerID, entry schema.AwarenessEntry) error {
	if entry.ClientID == "" {
		return fmt.Errorf("%w: awareness without clientId", schema.ErrInvalidMessage)
	}
	log := logx.WithClient(logx.WithRoomPeer(ctx, r.key, from), entry.ClientID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return schema.ErrRoomClosed
	}
	r.awareness.set(from, entry)
	users := r.awareness.list()
	failed := r.broadcastLocked(schema.TextFrame(schema.AwarenessSnapshotMessage(users)), "")
	log.Trace("room awareness updated", "users", len(users), "failed", failed)
	return nil
}

func (r *memoryRoom) Resync(ctx context.Context, peerID schema.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return schema.ErrPeerNotFound
	}
	snapshot := r.doc.State()
	if err := peer.Send(schema.BinaryFrame(snapshot)); err != nil {
		return err
	}
	logx.WithRoomPeer(ctx, r.key, peerID).Debug("room resync sent", "snapshot_bytes", len(snapshot))
	return nil
}

func (r *memoryRoom) Snapshot(context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.State(), nil
}

func (r *memoryRoom) Awareness(context.Context) ([]schema.AwarenessEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awareness.list(), nil
}

func (r *memoryRoom) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// broadcastLocked delivers frame to every peer except skip. Each delivery is
// independent; failures are counted and never stop the loop.
func (r *memoryRoom) broadcastLocked(frame schema.Frame, skip schema.PeerID) int {
	failed := 0
	for id, peer := range r.peers {
		if id == skip {
			continue
		}
		if err := peer.Send(frame); err != nil {
			failed++
		}
	}
	r.metrics.BroadcastFailed(failed)
	return failed
}

func (r *memoryRoom) touch(now time.Time) {
	r.mu.Lock()
	r.lastAccess = now
	r.mu.Unlock()
}

// closeIfIdle closes the room when it has had no peers and no lookups for
// at least idle. It returns the final snapshot when closed.
func (r *memoryRoom) closeIfIdle(now time.Time, idle time.Duration) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.peers) > 0 || r.idleSince.IsZero() {
		return nil, false
	}
	if now.Sub(r.idleSince) < idle || now.Sub(r.lastAccess) < idle {
		return nil, false
	}
	r.closed = true
	return r.doc.State(), true
}

func (r *memoryRoom) close() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.doc.State()
}

func (r *memoryRoom) dropLocked(peerID schema.PeerID) {
	delete(r.peers, peerID)
	r.metrics.PeerLeft()
}
