package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/roomsync/httpapi"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/gateway"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

func TestRoomURL(t *testing.T) {
	cases := []struct {
		base, room, typ string
		want            string
	}{
		{"http://localhost:27490", "board", "flow", "ws://localhost:27490/rooms/board?type=flow"},
		{"https://sync.example.com/base/", "a b", "", "wss://sync.example.com/base/rooms/a%20b"},
		{"ws://h", "r", "document", "ws://h/rooms/r?type=document"},
	}
	for _, tc := range cases {
		got, err := RoomURL(tc.base, tc.room, tc.typ)
		if err != nil {
			t.Fatalf("RoomURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("RoomURL(%q, %q, %q) = %q, want %q", tc.base, tc.room, tc.typ, got, tc.want)
		}
	}
	if _, err := RoomURL("ftp://h", "r", ""); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := RoomURL("http://h", "", ""); err == nil {
		t.Fatalf("expected error for empty room")
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg, err := room.NewMemoryRegistry(schema.RoomsConfig{PruneAwarenessOnLeave: true}, room.Deps{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	api := httpapi.NewServer(httpapi.Config{Gateway: gateway.DefaultConfig()}, reg, nil, nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return srv
}

func waitUpdate(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case u := <-c.Updates():
		return u
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for update")
		return nil
	}
}

func waitAwareness(t *testing.T, c *Client) []schema.AwarenessEntry {
	t.Helper()
	select {
	case users := <-c.Awareness():
		return users
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for awareness")
		return nil
	}
}

func TestClientsConverge(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Dial(ctx, Config{URL: srv.URL, Room: "r1", ClientID: "alice"})
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	go func() { _ = a.Run(ctx) }()
	waitUpdate(t, a)
	waitAwareness(t, a)

	b, err := Dial(ctx, Config{URL: srv.URL, Room: "r1", ClientID: "bob"})
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	go func() { _ = b.Run(ctx) }()
	waitUpdate(t, b)
	waitAwareness(t, b)

	if err := a.Set("title", []byte("hello")); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitUpdate(t, b)
	if got, ok := b.Replica().Get("title"); !ok || string(got) != "hello" {
		t.Fatalf("expected b to converge, got %q", got)
	}

	if err := b.SetAwareness(map[string]string{"name": "bob"}); err != nil {
		t.Fatalf("awareness: %v", err)
	}
	for _, c := range []*Client{a, b} {
		users := waitAwareness(t, c)
		if len(users) != 1 || users[0].ClientID != "bob" {
			t.Fatalf("unexpected users: %+v", users)
		}
	}

	if err := a.SyncRequest(); err != nil {
		t.Fatalf("sync request: %v", err)
	}
	state := waitUpdate(t, a)
	doc := codec.NewLWW()
	if err := doc.Apply(state); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got, _ := doc.Get("title"); string(got) != "hello" {
		t.Fatalf("resync missing title")
	}
}

func TestClientReconnectsAndResnapshots(t *testing.T) {
	seed, _ := codec.NewReplica("server")
	snapshot, _ := seed.Set("k", []byte("v"))

	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			return
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, snapshot)
		_ = ws.WriteMessage(websocket.TextMessage, schema.AwarenessSnapshotMessage(nil))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := Dial(ctx, Config{URL: srv.URL, Room: "r", MaxReconnectInterval: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	waitUpdate(t, c)
	if got, ok := c.Replica().Get("k"); !ok || string(got) != "v" {
		t.Fatalf("expected replica re-seeded after reconnect")
	}
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c, err := New(Config{URL: "http://localhost:1", Room: "r"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Ping(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSlowConsumerDoesNotBlockReadLoop(t *testing.T) {
	c, err := New(Config{URL: "http://localhost:1", Room: "r"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(c.updates)+10; i++ {
			c.deliverUpdate(ctx, []byte{byte(i)})
		}
		for i := 0; i < cap(c.awareness)+10; i++ {
			c.handleControl(ctx, []byte(`{"type":"awareness","users":[{"clientId":"c`+string(rune('a'+i%26))+`","state":{}}]}`))
		}
		c.handleControl(ctx, []byte(`{"type":"awareness","users":[{"clientId":"last","state":{}}]}`))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery blocked on full buffers")
	}
	if len(c.updates) != cap(c.updates) {
		t.Fatalf("expected full update buffer, got %d", len(c.updates))
	}
	var newest []schema.AwarenessEntry
	for len(c.awareness) > 0 {
		newest = <-c.awareness
	}
	if len(newest) != 1 || newest[0].ClientID != "last" {
		t.Fatalf("expected newest awareness snapshot kept, got %+v", newest)
	}
}
