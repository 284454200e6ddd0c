package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/internal/room/roomtest"
	"pkt.systems/roomsync/schema"
)

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func testContext(capture *logCapture) context.Context {
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.DebugLevel,
		VerboseFields: true,
	})
	return pslog.ContextWithLogger(context.Background(), logger)
}

var flowKey = schema.RoomKey{Type: "flow", ID: "f1"}

func newRegistry(t *testing.T) *room.MemoryRegistry {
	t.Helper()
	reg, err := room.NewMemoryRegistry(schema.RoomsConfig{PruneAwarenessOnLeave: true}, room.Deps{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg
}

func openSession(t *testing.T, ctx context.Context, reg room.Registry, id string, cfg Config) (*Session, *roomtest.Peer) {
	t.Helper()
	peer := roomtest.NewPeer(id)
	s := NewSession(reg, flowKey, peer, cfg, nil)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	return s, peer
}

func TestSessionProtocol(t *testing.T) {
	ctx := testContext(&logCapture{})
	reg := newRegistry(t)
	a, pa := openSession(t, ctx, reg, "a", DefaultConfig())
	_, pb := openSession(t, ctx, reg, "b", DefaultConfig())
	if len(pa.Frames()) != 2 || len(pb.Frames()) != 2 {
		t.Fatalf("expected snapshot and awareness on open")
	}
	pa.Reset()
	pb.Reset()

	writer, _ := codec.NewReplica("w")
	update, _ := writer.Set("node", []byte("1"))
	if err := a.Handle(ctx, schema.BinaryFrame(update)); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if len(pa.Frames()) != 0 || len(pb.Frames()) != 1 {
		t.Fatalf("update must reach b only: a=%d b=%d", len(pa.Frames()), len(pb.Frames()))
	}

	aw := []byte(`{"type":"awareness","clientId":"c1","state":{"cursor":3}}`)
	if err := a.Handle(ctx, schema.BinaryFrame(aw)); err != nil {
		t.Fatalf("handle awareness: %v", err)
	}
	if len(pa.Frames()) != 1 || len(pb.Frames()) != 2 {
		t.Fatalf("awareness must reach both peers: a=%d b=%d", len(pa.Frames()), len(pb.Frames()))
	}

	pa.Reset()
	if err := a.Handle(ctx, schema.TextFrame([]byte(`{"type":"sync-request"}`))); err != nil {
		t.Fatalf("handle sync: %v", err)
	}
	state, _ := a.Room().Snapshot(ctx)
	frames := pa.Frames()
	if len(frames) != 1 || !bytes.Equal(frames[0].Data, state) {
		t.Fatalf("sync-request must resend the full state")
	}

	pa.Reset()
	if err := a.Handle(ctx, schema.TextFrame([]byte(`{"type":"ping"}`))); err != nil {
		t.Fatalf("handle ping: %v", err)
	}
	frames = pa.Frames()
	if len(frames) != 1 || string(frames[0].Data) != `{"type":"pong"}` {
		t.Fatalf("expected pong, got %+v", frames)
	}
}

func TestSessionDropsBadFramesAndStaysOpen(t *testing.T) {
	capture := &logCapture{}
	ctx := testContext(capture)
	reg := newRegistry(t)
	a, _ := openSession(t, ctx, reg, "a", DefaultConfig())
	_, pb := openSession(t, ctx, reg, "b", DefaultConfig())
	before, _ := a.Room().Snapshot(ctx)
	pb.Reset()

	bad := []schema.Frame{
		schema.BinaryFrame([]byte{0xff, 0xfe, 0xfd}),
		schema.TextFrame([]byte("not json")),
		schema.TextFrame([]byte(`{"type":"mystery"}`)),
		schema.TextFrame([]byte(`{"type":"awareness"}`)),
		schema.BinaryFrame(nil),
	}
	for _, frame := range bad {
		if err := a.Handle(ctx, frame); err != nil {
			t.Fatalf("bad frame must not end the session: %v", err)
		}
	}
	if len(pb.Frames()) != 0 {
		t.Fatalf("bad frames must never be broadcast")
	}
	after, _ := a.Room().Snapshot(ctx)
	if !bytes.Equal(before, after) {
		t.Fatalf("state changed after bad frames")
	}
	logs := capture.String()
	if !strings.Contains(logs, "gateway update rejected") || !strings.Contains(logs, `"head":"fffefd"`) {
		t.Fatalf("expected rejected update log with head, got %s", logs)
	}
}

func TestSessionRateLimit(t *testing.T) {
	ctx := testContext(&logCapture{})
	reg := newRegistry(t)
	cfg := DefaultConfig()
	cfg.FramesPerSecond = 0.001
	cfg.FrameBurst = 1
	a, _ := openSession(t, ctx, reg, "a", cfg)
	_, pb := openSession(t, ctx, reg, "b", DefaultConfig())
	pb.Reset()

	writer, _ := codec.NewReplica("w")
	for i := 0; i < 3; i++ {
		update, _ := writer.Set("k", []byte{byte(i)})
		if err := a.Handle(ctx, schema.BinaryFrame(update)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := len(pb.Frames()); got != 1 {
		t.Fatalf("expected only the burst to pass, got %d frames", got)
	}
}

func TestSessionCloseBroadcastsAwareness(t *testing.T) {
	ctx := testContext(&logCapture{})
	reg := newRegistry(t)
	a, pa := openSession(t, ctx, reg, "a", DefaultConfig())
	b, _ := openSession(t, ctx, reg, "b", DefaultConfig())
	_ = a.Handle(ctx, schema.TextFrame([]byte(`{"type":"awareness","clientId":"c1","state":{}}`)))
	_ = b.Handle(ctx, schema.TextFrame([]byte(`{"type":"awareness","clientId":"c2","state":{}}`)))
	pa.Reset()

	b.Close(ctx)
	frames := pa.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected one awareness frame, got %d", len(frames))
	}
	var msg schema.ControlMessage
	if err := json.Unmarshal(frames[0].Data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Users) != 1 || msg.Users[0].ClientID != "c1" {
		t.Fatalf("expected c1 to survive, got %+v", msg.Users)
	}
}

type closingRegistry struct {
	room.Registry
	calls int
	first room.Room
}

func (r *closingRegistry) GetOrCreate(ctx context.Context, key schema.RoomKey) (room.Room, error) {
	r.calls++
	if r.calls == 1 {
		return r.first, nil
	}
	return r.Registry.GetOrCreate(ctx, key)
}

func TestSessionOpenRetriesEvictedRoom(t *testing.T) {
	ctx := context.Background()
	stale, err := room.NewMemoryRegistry(schema.RoomsConfig{}, room.Deps{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	evicted, _ := stale.GetOrCreate(ctx, flowKey)
	_ = stale.Close(ctx)

	reg := &closingRegistry{Registry: newRegistry(t), first: evicted}
	s := NewSession(reg, flowKey, roomtest.NewPeer("p"), DefaultConfig(), nil)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if reg.calls != 2 {
		t.Fatalf("expected one retry, got %d lookups", reg.calls)
	}
	if s.Room() == evicted {
		t.Fatalf("expected the fresh room")
	}
}

func TestSessionHandleBeforeOpen(t *testing.T) {
	s := NewSession(newRegistry(t), flowKey, roomtest.NewPeer("p"), DefaultConfig(), nil)
	if err := s.Handle(context.Background(), schema.TextFrame([]byte(`{"type":"ping"}`))); !errors.Is(err, schema.ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestCloseCode(t *testing.T) {
	code, _ := CloseCode(errors.Join(schema.ErrBackingUnavailable, errors.New("redis down")))
	if code != 1013 {
		t.Fatalf("expected 1013, got %d", code)
	}
	if code, _ := CloseCode(nil); code != 1000 {
		t.Fatalf("expected 1000, got %d", code)
	}
}

func TestDefaultConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxFrameBytes != DefaultMaxFrameBytes || cfg.SendQueue != DefaultSendQueue || cfg.FrameBurst != DefaultFrameBurst {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.WriteTimeout != DefaultWriteTimeout || cfg.PingInterval != DefaultPingInterval || cfg.FramesPerSecond != DefaultFramesPerSecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := (Config{}).withDefaults(); got.MaxFrameBytes != DefaultMaxFrameBytes || got.WriteTimeout != DefaultWriteTimeout || got.FrameBurst != DefaultFrameBurst {
		t.Fatalf("zero config not defaulted: %+v", got)
	}
}
