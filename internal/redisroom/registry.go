package redisroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

const (
	// DefaultPrefix namespaces every key written by the registry.
	DefaultPrefix = "roomsync"
	// DefaultCompactAfter is the update list length that triggers compaction.
	DefaultCompactAfter = 500
)

// Options configures a Registry.
type Options struct {
	Prefix       string
	CompactAfter int
	// InstanceID identifies this process on the events channels. A random
	// id is generated when empty.
	InstanceID string
}

// Registry serves rooms whose state lives in Redis. Peers are local to the
// process; updates and awareness reach peers on other processes through
// each room's pub/sub channel.
type Registry struct {
	client redis.UniversalClient
	cfg    schema.RoomsConfig
	opts   Options
	deps   room.Deps

	mu     sync.Mutex
	rooms  map[schema.RoomKey]*redisRoom
	closed bool
}

// New returns a registry backed by client. The caller owns the client.
func New(client redis.UniversalClient, cfg schema.RoomsConfig, opts Options, deps room.Deps) (*Registry, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	normalized, err := schema.NormalizeRoomsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Prefix = strings.TrimSpace(opts.Prefix)
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = DefaultCompactAfter
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Registry{
		client: client,
		cfg:    normalized,
		opts:   opts,
		deps:   deps.WithDefaults(),
		rooms:  make(map[schema.RoomKey]*redisRoom),
	}, nil
}

// InstanceID returns the id this registry publishes under.
func (r *Registry) InstanceID() string {
	return r.opts.InstanceID
}

// Ping reports whether Redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// GetOrCreate returns the local handle for key, subscribing to the room's
// events channel on first use.
func (r *Registry) GetOrCreate(ctx context.Context, key schema.RoomKey) (room.Room, error) {
	if !r.cfg.AllowsType(key.Type) {
		return nil, fmt.Errorf("%w: %q", schema.ErrInvalidRoomType, key.Type)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, schema.ErrRoomClosed
	}
	if existing, ok := r.rooms[key]; ok {
		existing.touch(r.deps.Now())
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	keys := keysFor(r.opts.Prefix, key)
	if err := r.seed(ctx, key, keys); err != nil {
		return nil, err
	}
	pubsub := r.client.Subscribe(ctx, keys.events)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = pubsub.Close()
		return nil, schema.ErrRoomClosed
	}
	if existing, ok := r.rooms[key]; ok {
		_ = pubsub.Close()
		existing.touch(r.deps.Now())
		return existing, nil
	}
	rm := newRedisRoom(r, key, keys, pubsub)
	r.rooms[key] = rm
	go rm.listen(context.WithoutCancel(ctx))
	r.deps.Metrics.RoomOpened()
	logx.WithRoom(ctx, key).Debug("room subscribed", "channel", keys.events, "instance", r.opts.InstanceID)
	return rm, nil
}

// seed loads a stored snapshot into an empty update list.
func (r *Registry) seed(ctx context.Context, key schema.RoomKey, keys roomKeys) error {
	if r.deps.Store == nil {
		return nil
	}
	n, err := r.client.LLen(ctx, keys.updates).Result()
	if err != nil {
		return unavailable("llen", err)
	}
	if n > 0 {
		return nil
	}
	state, ok, err := r.deps.Store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load room %s: %w", key, err)
	}
	if !ok || len(state) == 0 {
		return nil
	}
	if err := codec.SafeApply(ctx, r.deps.Codec(), state); err != nil {
		logx.WithRoom(ctx, key).Warn("room snapshot discarded", "err", err)
		return nil
	}
	if err := r.client.RPush(ctx, keys.updates, state).Err(); err != nil {
		return unavailable("rpush", err)
	}
	return nil
}

// Presence reads the awareness hash directly; no subscription is created.
func (r *Registry) Presence(ctx context.Context, key schema.RoomKey) (schema.PresenceResponse, error) {
	if !r.cfg.AllowsType(key.Type) {
		return schema.PresenceResponse{}, fmt.Errorf("%w: %q", schema.ErrInvalidRoomType, key.Type)
	}
	fields, err := r.client.HGetAll(ctx, keysFor(r.opts.Prefix, key).awareness).Result()
	if err != nil {
		return schema.PresenceResponse{}, unavailable("hgetall", err)
	}
	return schema.NewPresenceResponse(decodeAwareness(fields)), nil
}

// Rooms lists the rooms with a local subscription.
func (r *Registry) Rooms() []schema.RoomInfo {
	r.mu.Lock()
	rooms := make([]*redisRoom, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()
	out := make([]schema.RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, schema.RoomInfo{Key: rm.key, Peers: rm.PeerCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Sweep drops local subscriptions of rooms idle for the configured timeout.
// The room's state stays in Redis.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := r.deps.Now()
	var evicted []*redisRoom
	r.mu.Lock()
	for key, rm := range r.rooms {
		if rm.closeIfIdle(now, r.cfg.IdleTimeout) {
			delete(r.rooms, key)
			evicted = append(evicted, rm)
		}
	}
	r.mu.Unlock()
	for _, rm := range evicted {
		r.release(ctx, rm, true)
		logx.WithRoom(ctx, rm.key).Info("room evicted", "idle", r.cfg.IdleTimeout.String())
	}
	return len(evicted)
}

// Run sweeps idle rooms on the janitor interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close drops every local subscription. It does not close the client.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[schema.RoomKey]*redisRoom)
	r.mu.Unlock()

	var errs []error
	for _, rm := range rooms {
		rm.markClosed()
		if err := r.release(ctx, rm, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) release(ctx context.Context, rm *redisRoom, evicted bool) error {
	_ = rm.pubsub.Close()
	r.deps.Metrics.RoomClosed(evicted)
	if r.deps.Store == nil {
		return nil
	}
	state, err := rm.Snapshot(ctx)
	if err != nil {
		logx.WithRoom(ctx, rm.key).Warn("room snapshot unavailable", "err", err)
		return err
	}
	if err := r.deps.Store.Save(ctx, rm.key, state); err != nil {
		logx.WithRoom(ctx, rm.key).Error("room snapshot save failed", "err", err)
		return fmt.Errorf("save room %s: %w", rm.key, err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, schema.ErrBackingUnavailable, err)
}

func decodeAwareness(fields map[string]string) []schema.AwarenessEntry {
	out := make([]schema.AwarenessEntry, 0, len(fields))
	for clientID, raw := range fields {
		var rec awarenessRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		state := rec.State
		if len(state) == 0 {
			state = json.RawMessage(`{}`)
		}
		out = append(out, schema.AwarenessEntry{ClientID: schema.ClientID(clientID), State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// pairsToMap converts a flat HGETALL script reply into a map.
func pairsToMap(reply any) (map[string]string, error) {
	items, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, kok := items[i].(string)
		v, vok := items[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected script reply item %T/%T", items[i], items[i+1])
		}
		out[k] = v
	}
	return out, nil
}
