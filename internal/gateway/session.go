package gateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

const (
	// DefaultMaxFrameBytes is the largest inbound frame accepted.
	DefaultMaxFrameBytes = 8 << 20
	// DefaultSendQueue is the outbound frame buffer per peer.
	DefaultSendQueue = 256
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often idle connections are pinged.
	DefaultPingInterval = 30 * time.Second
	// DefaultFramesPerSecond is the sustained inbound frame rate per peer.
	DefaultFramesPerSecond = 200
	// DefaultFrameBurst is the inbound frame burst per peer.
	DefaultFrameBurst = 400
)

// Config tunes per-connection limits.
type Config struct {
	MaxFrameBytes int64
	SendQueue     int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	// FramesPerSecond limits inbound frames. Zero or negative disables limiting.
	FramesPerSecond float64
	FrameBurst      int
}

// DefaultConfig returns the built-in connection limits.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:   DefaultMaxFrameBytes,
		SendQueue:       DefaultSendQueue,
		WriteTimeout:    DefaultWriteTimeout,
		PingInterval:    DefaultPingInterval,
		FramesPerSecond: DefaultFramesPerSecond,
		FrameBurst:      DefaultFrameBurst,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = DefaultFrameBurst
	}
	return c
}

// Session applies the room protocol for one connection. Open, Handle,
// Close and Error are called from the connection's read loop only.
type Session struct {
	reg     room.Registry
	key     schema.RoomKey
	peer    room.Peer
	cfg     Config
	metrics *metrics.Metrics
	limiter *rate.Limiter

	room room.Room
}

// NewSession binds a peer to a room key.
func NewSession(reg room.Registry, key schema.RoomKey, peer room.Peer, cfg Config, m *metrics.Metrics) *Session {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.FramesPerSecond > 0 {
		limit = rate.Limit(cfg.FramesPerSecond)
	}
	return &Session{
		reg:     reg,
		key:     key,
		peer:    peer,
		cfg:     cfg,
		metrics: m,
		limiter: rate.NewLimiter(limit, cfg.FrameBurst),
	}
}

// Room returns the joined room, or nil before Open succeeds.
func (s *Session) Room() room.Room { return s.room }

// Open resolves the room and joins it. A room evicted between lookup and
// join is looked up once more.
func (s *Session) Open(ctx context.Context) error {
	log := s.log(ctx)
	for attempt := 0; ; attempt++ {
		rm, err := s.reg.GetOrCreate(ctx, s.key)
		if err != nil {
			log.Warn("gateway room lookup failed", "err", err)
			return err
		}
		err = rm.Join(ctx, s.peer)
		if errors.Is(err, schema.ErrRoomClosed) && attempt == 0 {
			log.Debug("gateway room closed during join, retrying")
			continue
		}
		if err != nil {
			log.Warn("gateway join failed", "err", err)
			return err
		}
		s.room = rm
		log.Info("gateway peer joined")
		return nil
	}
}

// Handle processes one inbound frame. Malformed, unknown, rate-limited and
// rejected frames are logged and dropped with a nil error. A non-nil error
// means the connection can no longer be served and should be closed.
func (s *Session) Handle(ctx context.Context, frame schema.Frame) error {
	if s.room == nil {
		return schema.ErrRoomClosed
	}
	log := s.log(ctx)
	if !s.limiter.Allow() {
		s.metrics.FrameDropped(metrics.ReasonRateLimited)
		log.Warn("gateway frame rate limited", "kind", frame.Kind, "len", len(frame.Data))
		return nil
	}
	if int64(len(frame.Data)) > s.cfg.MaxFrameBytes {
		s.metrics.FrameDropped(metrics.ReasonTooLarge)
		log.Warn("gateway frame too large", "kind", frame.Kind, "len", len(frame.Data))
		return nil
	}
	class, err := Classify(frame)
	if err != nil {
		s.metrics.FrameDropped(metrics.ReasonMalformed)
		log.Warn("gateway frame dropped", "err", err)
		return nil
	}
	switch class {
	case ClassUpdate:
		return s.handleUpdate(ctx, log, frame.Data)
	default:
		return s.handleControl(ctx, log, frame.Data)
	}
}

func (s *Session) handleUpdate(ctx context.Context, log pslog.Logger, update []byte) error {
	err := s.room.ApplyUpdate(ctx, s.peer.ID(), update)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, schema.ErrInvalidUpdate):
		log.Warn("gateway update rejected", "len", len(update), "head", codec.Head(update), "err", err)
		return nil
	default:
		log.Error("gateway update failed", "len", len(update), "err", err)
		return err
	}
}

func (s *Session) handleControl(ctx context.Context, log pslog.Logger, data []byte) error {
	msg, err := schema.ParseControlMessage(data)
	if err != nil {
		s.metrics.FrameDropped(metrics.ReasonMalformed)
		log.Warn("gateway control message dropped", "len", len(data), "err", err)
		return nil
	}
	switch msg.Type {
	case schema.MessageAwareness:
		entry := schema.AwarenessEntry{ClientID: msg.ClientID, State: msg.State}
		if err := s.room.UpdateAwareness(ctx, s.peer.ID(), entry); err != nil {
			if errors.Is(err, schema.ErrInvalidMessage) {
				log.Warn("gateway awareness dropped", "err", err)
				return nil
			}
			log.Error("gateway awareness failed", "err", err)
			return err
		}
	case schema.MessageSyncRequest:
		if err := s.room.Resync(ctx, s.peer.ID()); err != nil {
			if isDeliveryError(err) {
				log.Warn("gateway resync not delivered", "err", err)
				return nil
			}
			log.Error("gateway resync failed", "err", err)
			return err
		}
	case schema.MessagePing:
		if err := s.peer.Send(schema.TextFrame(pongMessage)); err != nil {
			log.Debug("gateway pong not delivered", "err", err)
		}
	case schema.MessagePong:
	}
	return nil
}

// Close leaves the room. It is safe to call when Open failed.
func (s *Session) Close(ctx context.Context) {
	if s.room == nil {
		return
	}
	if err := s.room.Leave(ctx, s.peer.ID()); err != nil && !errors.Is(err, schema.ErrPeerNotFound) {
		s.log(ctx).Warn("gateway leave failed", "err", err)
	}
	s.log(ctx).Info("gateway peer closed")
}

// Error records a transport error. Cleanup happens in Close.
func (s *Session) Error(ctx context.Context, err error) {
	s.log(ctx).Warn("gateway connection error", "err", err)
}

func (s *Session) log(ctx context.Context) pslog.Logger {
	return logx.WithRoomPeer(ctx, s.key, s.peer.ID())
}

var pongMessage = []byte(`{"type":"pong"}`)

func isDeliveryError(err error) bool {
	return errors.Is(err, schema.ErrPeerQueueFull) || errors.Is(err, schema.ErrPeerClosed) || errors.Is(err, schema.ErrPeerNotFound)
}
