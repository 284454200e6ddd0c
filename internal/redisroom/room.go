package redisroom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

type redisRoom struct {
	reg    *Registry
	key    schema.RoomKey
	keys   roomKeys
	pubsub *redis.PubSub

	mu         sync.Mutex
	peers      map[schema.PeerID]room.Peer
	closed     bool
	idleSince  time.Time
	lastAccess time.Time
}

func newRedisRoom(reg *Registry, key schema.RoomKey, keys roomKeys, pubsub *redis.PubSub) *redisRoom {
	now := reg.deps.Now()
	return &redisRoom{
		reg:        reg,
		key:        key,
		keys:       keys,
		pubsub:     pubsub,
		peers:      make(map[schema.PeerID]room.Peer),
		idleSince:  now,
		lastAccess: now,
	}
}

func (r *redisRoom) Key() schema.RoomKey { return r.key }

// owner identifies a peer across processes in awareness records.
func (r *redisRoom) owner(peerID schema.PeerID) string {
	return r.reg.opts.InstanceID + "/" + string(peerID)
}

func (r *redisRoom) Join(ctx context.Context, peer room.Peer) error {
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
	var updatesCmd *redis.StringSliceCmd
	var awarenessCmd *redis.MapStringStringCmd
	_, err := r.reg.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		updatesCmd = pipe.LRange(ctx, r.keys.updates, 0, -1)
		awarenessCmd = pipe.HGetAll(ctx, r.keys.awareness)
		return nil
	})
	if err != nil {
		return unavailable("join", err)
	}
	snapshot := r.merge(ctx, updatesCmd.Val())
	users := decodeAwareness(awarenessCmd.Val())
	// Counted before the snapshot is queued.
	r.peers[peer.ID()] = peer
	r.reg.deps.Metrics.PeerJoined()
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

func (r *redisRoom) Leave(ctx context.Context, peerID schema.PeerID) error {
	log := logx.WithRoomPeer(ctx, r.key, peerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return schema.ErrPeerNotFound
	}
	delete(r.peers, peerID)
	r.reg.deps.Metrics.PeerLeft()
	now := r.reg.deps.Now()
	if len(r.peers) == 0 {
		r.idleSince = now
	}
	r.lastAccess = now

	var fields map[string]string
	if r.reg.cfg.PruneAwarenessOnLeave {
		reply, err := pruneOwner.Run(ctx, r.reg.client, []string{r.keys.awareness}, r.owner(peerID)).Result()
		if err != nil {
			return unavailable("prune awareness", err)
		}
		if fields, err = pairsToMap(reply); err != nil {
			return unavailable("prune awareness", err)
		}
	} else {
		var err error
		if fields, err = r.reg.client.HGetAll(ctx, r.keys.awareness).Result(); err != nil {
			return unavailable("hgetall", err)
		}
	}
	msg := schema.AwarenessSnapshotMessage(decodeAwareness(fields))
	if err := r.publish(ctx, peerID, eventAwareness, msg); err != nil {
		log.Warn("room awareness publish failed", "err", err)
	}
	failed := r.broadcastLocked(schema.TextFrame(msg), "")
	log.Info("room peer left", "peers", len(r.peers), "failed", failed)
	return nil
}

func (r *redisRoom) ApplyUpdate(ctx context.Context, from schema.PeerID, update []byte) error {
	log := logx.WithRoomPeer(ctx, r.key, from)
	if err := codec.SafeApply(ctx, r.reg.deps.Codec(), update); err != nil {
		r.reg.deps.Metrics.UpdateRejected()
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return schema.ErrRoomClosed
	}
	env, err := json.Marshal(envelope{Origin: r.reg.opts.InstanceID, Peer: from, Kind: eventUpdate, Data: update})
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var lengthCmd *redis.IntCmd
	_, err = r.reg.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lengthCmd = pipe.RPush(ctx, r.keys.updates, update)
		pipe.Publish(ctx, r.keys.events, env)
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return unavailable("append update", err)
	}
	r.reg.deps.Metrics.UpdateApplied()
	failed := r.broadcastLocked(schema.BinaryFrame(update), from)
	r.mu.Unlock()
	log.Trace("room update applied", "len", len(update), "failed", failed, "list_len", lengthCmd.Val())

	if int(lengthCmd.Val()) > r.reg.opts.CompactAfter {
		if err := r.compact(ctx); err != nil {
			log.Warn("room compaction failed", "err", err)
		}
	}
	return nil
}

func (r *redisRoom) UpdateAwareness(ctx context.Context, from schema.PeerID, entry schema.AwarenessEntry) error {
	if entry.ClientID == "" {
		return fmt.Errorf("%w: awareness without clientId", schema.ErrInvalidMessage)
	}
	log := logx.WithClient(logx.WithRoomPeer(ctx, r.key, from), entry.ClientID)
	state := entry.State
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	record, err := json.Marshal(awarenessRecord{Owner: r.owner(from), State: state})
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidMessage, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return schema.ErrRoomClosed
	}
	reply, err := setAwareness.Run(ctx, r.reg.client, []string{r.keys.awareness}, string(entry.ClientID), record).Result()
	if err != nil {
		return unavailable("set awareness", err)
	}
	fields, err := pairsToMap(reply)
	if err != nil {
		return unavailable("set awareness", err)
	}
	msg := schema.AwarenessSnapshotMessage(decodeAwareness(fields))
	if err := r.publish(ctx, from, eventAwareness, msg); err != nil {
		return err
	}
	failed := r.broadcastLocked(schema.TextFrame(msg), "")
	log.Trace("room awareness updated", "users", len(fields), "failed", failed)
	return nil
}

func (r *redisRoom) Resync(ctx context.Context, peerID schema.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return schema.ErrPeerNotFound
	}
	snapshot, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := peer.Send(schema.BinaryFrame(snapshot)); err != nil {
		return err
	}
	logx.WithRoomPeer(ctx, r.key, peerID).Debug("room resync sent", "snapshot_bytes", len(snapshot))
	return nil
}

func (r *redisRoom) Snapshot(ctx context.Context) ([]byte, error) {
	return r.snapshot(ctx)
}

func (r *redisRoom) Awareness(ctx context.Context) ([]schema.AwarenessEntry, error) {
	fields, err := r.reg.client.HGetAll(ctx, r.keys.awareness).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return decodeAwareness(fields), nil
}

func (r *redisRoom) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *redisRoom) snapshot(ctx context.Context) ([]byte, error) {
	updates, err := r.reg.client.LRange(ctx, r.keys.updates, 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	return r.merge(ctx, updates), nil
}

// merge folds stored updates into one state. Items that fail to decode are
// skipped; they were validated on the way in.
func (r *redisRoom) merge(ctx context.Context, updates []string) []byte {
	doc := r.reg.deps.Codec()
	for _, u := range updates {
		if err := codec.SafeApply(ctx, doc, []byte(u)); err != nil {
			logx.WithRoom(ctx, r.key).Warn("room stored update skipped", "err", err)
		}
	}
	return doc.State()
}

// compact folds the update list into a single state item. Another process
// compacting or appending at the head makes this a no-op.
func (r *redisRoom) compact(ctx context.Context) error {
	updates, err := r.reg.client.LRange(ctx, r.keys.updates, 0, -1).Result()
	if err != nil {
		return unavailable("lrange", err)
	}
	if len(updates) < 2 {
		return nil
	}
	state := r.merge(ctx, updates)
	done, err := compactUpdates.Run(ctx, r.reg.client, []string{r.keys.updates}, updates[0], len(updates), state).Int()
	if err != nil {
		return unavailable("compact", err)
	}
	logx.WithRoom(ctx, r.key).Debug("room updates compacted", "items", len(updates), "state_bytes", len(state), "applied", done == 1)
	return nil
}

func (r *redisRoom) publish(ctx context.Context, from schema.PeerID, kind eventKind, data []byte) error {
	env, err := json.Marshal(envelope{Origin: r.reg.opts.InstanceID, Peer: from, Kind: kind, Data: data})
	if err != nil {
		return err
	}
	if err := r.reg.client.Publish(ctx, r.keys.events, env).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// listen relays events published by other processes to local peers until
// the subscription is closed.
func (r *redisRoom) listen(ctx context.Context) {
	log := logx.WithRoom(ctx, r.key)
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warn("room event discarded", "err", err)
			continue
		}
		if env.Origin == r.reg.opts.InstanceID {
			continue
		}
		r.deliver(env)
	}
	log.Debug("room subscription ended")
}

func (r *redisRoom) deliver(env envelope) {
	var frame schema.Frame
	switch env.Kind {
	case eventUpdate:
		frame = schema.BinaryFrame(env.Data)
	case eventAwareness:
		frame = schema.TextFrame(env.Data)
	default:
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.broadcastLocked(frame, "")
}

func (r *redisRoom) broadcastLocked(frame schema.Frame, skip schema.PeerID) int {
	failed := 0
	for id, peer := range r.peers {
		if id == skip {
			continue
		}
		if err := peer.Send(frame); err != nil {
			failed++
		}
	}
	r.reg.deps.Metrics.BroadcastFailed(failed)
	return failed
}

func (r *redisRoom) touch(now time.Time) {
	r.mu.Lock()
	r.lastAccess = now
	r.mu.Unlock()
}

func (r *redisRoom) closeIfIdle(now time.Time, idle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.peers) > 0 || r.idleSince.IsZero() {
		return false
	}
	if now.Sub(r.idleSince) < idle || now.Sub(r.lastAccess) < idle {
		return false
	}
	r.closed = true
	return true
}

func (r *redisRoom) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *redisRoom) dropLocked(peerID schema.PeerID) {
	delete(r.peers, peerID)
	r.reg.deps.Metrics.PeerLeft()
}
