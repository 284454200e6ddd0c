package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/schema"
)

// Deps carries the collaborators of a registry. Zero values select defaults.
type Deps struct {
	Codec   codec.Factory
	Store   SnapshotStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// WithDefaults fills unset collaborators.
func (d Deps) WithDefaults() Deps {
	if d.Codec == nil {
		d.Codec = codec.DefaultFactory
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// MemoryRegistry holds rooms in process memory. Rooms are created on first
// lookup. With a SnapshotStore they are evicted after the configured idle
// timeout; without one they live until Close.
type MemoryRegistry struct {
	cfg  schema.RoomsConfig
	deps Deps

	mu     sync.Mutex
	rooms  map[schema.RoomKey]*memoryRoom
	saving map[schema.RoomKey]chan struct{}
	closed bool

	// evictions lets a lookup that loaded a snapshot tell whether a newer
	// one was written meanwhile.
	evictions uint64
}

// NewMemoryRegistry validates cfg and returns an empty registry.
func NewMemoryRegistry(cfg schema.RoomsConfig, deps Deps) (*MemoryRegistry, error) {
	normalized, err := schema.NormalizeRoomsConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &MemoryRegistry{
		cfg:    normalized,
		deps:   deps.WithDefaults(),
		rooms:  make(map[schema.RoomKey]*memoryRoom),
		saving: make(map[schema.RoomKey]chan struct{}),
	}, nil
}

// Config returns the normalized rooms config.
func (r *MemoryRegistry) Config() schema.RoomsConfig {
	return r.cfg
}

// GetOrCreate returns the room for key. Concurrent first lookups observe the
// same room; a stored snapshot is loaded outside the registry lock. A lookup
// of a room whose eviction snapshot is still being saved waits for the save.
func (r *MemoryRegistry) GetOrCreate(ctx context.Context, key schema.RoomKey) (Room, error) {
	if !r.cfg.AllowsType(key.Type) {
		return nil, fmt.Errorf("%w: %q", schema.ErrInvalidRoomType, key.Type)
	}
	for {
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
		if pending, ok := r.saving[key]; ok {
			r.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		seen := r.evictions
		r.mu.Unlock()

		doc, err := r.load(ctx, key)
		if err != nil {
			return nil, err
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
		if r.evictions != seen {
			// A room was evicted while loading; the snapshot may be stale.
			r.mu.Unlock()
			continue
		}
		room := newMemoryRoom(key, doc, r.cfg.PruneAwarenessOnLeave, r.deps.Metrics, r.deps.Now)
		r.rooms[key] = room
		n := len(r.rooms)
		r.mu.Unlock()
		r.deps.Metrics.RoomOpened()
		logx.WithRoom(ctx, key).Debug("room created", "rooms", n)
		return room, nil
	}
}

func (r *MemoryRegistry) load(ctx context.Context, key schema.RoomKey) (codec.Document, error) {
	doc := r.deps.Codec()
	if r.deps.Store == nil {
		return doc, nil
	}
	state, ok, err := r.deps.Store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", key, err)
	}
	if !ok {
		return doc, nil
	}
	if err := codec.SafeApply(ctx, doc, state); err != nil {
		logx.WithRoom(ctx, key).Warn("room snapshot discarded", "err", err)
		return r.deps.Codec(), nil
	}
	return doc, nil
}

// Presence returns the awareness list a joining peer would receive. It
// neither creates the room nor counts as an access for idle eviction.
func (r *MemoryRegistry) Presence(ctx context.Context, key schema.RoomKey) (schema.PresenceResponse, error) {
	if !r.cfg.AllowsType(key.Type) {
		return schema.PresenceResponse{}, fmt.Errorf("%w: %q", schema.ErrInvalidRoomType, key.Type)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return schema.PresenceResponse{}, schema.ErrRoomClosed
	}
	room, ok := r.rooms[key]
	r.mu.Unlock()
	if !ok {
		return schema.NewPresenceResponse(nil), nil
	}
	entries, err := room.Awareness(ctx)
	if err != nil {
		return schema.PresenceResponse{}, err
	}
	return schema.NewPresenceResponse(entries), nil
}

// Rooms lists the rooms currently held, ordered by key.
func (r *MemoryRegistry) Rooms() []schema.RoomInfo {
	r.mu.Lock()
	rooms := make([]*memoryRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()
	out := make([]schema.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, schema.RoomInfo{Key: room.key, Peers: room.PeerCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Sweep evicts idle rooms and returns how many were removed. Without a
// SnapshotStore nothing is evicted, since the document would be lost.
func (r *MemoryRegistry) Sweep(ctx context.Context) int {
	if !r.evicting() {
		return 0
	}
	now := r.deps.Now()
	type evicted struct {
		key   schema.RoomKey
		state []byte
		done  chan struct{}
	}
	var out []evicted
	r.mu.Lock()
	for key, room := range r.rooms {
		state, ok := room.closeIfIdle(now, r.cfg.IdleTimeout)
		if !ok {
			continue
		}
		done := make(chan struct{})
		delete(r.rooms, key)
		r.saving[key] = done
		r.evictions++
		out = append(out, evicted{key: key, state: state, done: done})
	}
	r.mu.Unlock()
	for _, ev := range out {
		r.deps.Metrics.RoomClosed(true)
		_ = r.save(ctx, ev.key, ev.state)
		r.mu.Lock()
		delete(r.saving, ev.key)
		r.mu.Unlock()
		close(ev.done)
		logx.WithRoom(ctx, ev.key).Info("room evicted", "idle", r.cfg.IdleTimeout.String())
	}
	return len(out)
}

func (r *MemoryRegistry) evicting() bool {
	return r.cfg.IdleTimeout > 0 && r.deps.Store != nil
}

// Run sweeps idle rooms on the janitor interval until ctx is done.
func (r *MemoryRegistry) Run(ctx context.Context) error {
	if !r.evicting() {
		if r.cfg.IdleTimeout > 0 {
			pslog.Ctx(ctx).Info("room eviction disabled", "reason", "no snapshot store")
		}
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

// Close closes every room and persists its final snapshot.
func (r *MemoryRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[schema.RoomKey]*memoryRoom)
	r.mu.Unlock()

	var errs []error
	for key, room := range rooms {
		state := room.close()
		r.deps.Metrics.RoomClosed(false)
		if err := r.save(ctx, key, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *MemoryRegistry) save(ctx context.Context, key schema.RoomKey, state []byte) error {
	if r.deps.Store == nil {
		return nil
	}
	if err := r.deps.Store.Save(ctx, key, state); err != nil {
		logx.WithRoom(ctx, key).Error("room snapshot save failed", "err", err)
		return fmt.Errorf("save room %s: %w", key, err)
	}
	return nil
}
