package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/roomsync/httpapi"
	"pkt.systems/roomsync/internal/client"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

func newTestServer(t *testing.T) (*httptest.Server, *room.MemoryRegistry) {
	t.Helper()
	rooms := schema.RoomsConfig{PruneAwarenessOnLeave: true}
	reg, err := room.NewMemoryRegistry(rooms, room.Deps{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewServer(httpapi.Config{Rooms: rooms}, reg, nil, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return srv, reg
}

func TestPeerAppliesEditsAndAnnounces(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runPeer(ctx, out, peerOptions{
			serverURL: srv.URL,
			roomID:    "board",
			name:      "dana",
			clientID:  "dana-1",
			sets:      []string{"title=hello"},
		})
	}()

	key := schema.RoomKey{Type: schema.DefaultRoomType, ID: "board"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		presence, err := client.FetchPresence(ctx, srv.Client(), srv.URL, "board", "")
		if err != nil {
			t.Fatalf("presence: %v", err)
		}
		state := roomValue(t, reg, key, "title")
		if presence.Count == 1 && state == "hello" && strings.Contains(out.String(), "dana-1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer edits not visible: presence=%+v title=%q out=%q", presence, state, out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("peer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer did not stop")
	}
	if !strings.Contains(out.String(), `"kind":"awareness"`) {
		t.Fatalf("expected awareness output, got %q", out.String())
	}
}

func TestPeerRequiresValidSets(t *testing.T) {
	err := runPeer(context.Background(), &bytes.Buffer{}, peerOptions{serverURL: "http://127.0.0.1:1", roomID: "r", sets: []string{"bad"}})
	if err == nil || !strings.Contains(err.Error(), "--set") {
		t.Fatalf("expected --set error, got %v", err)
	}
}

func TestPollPresenceOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	var out bytes.Buffer
	if err := pollPresence(context.Background(), &out, srv.Client(), srv.URL, "empty", "", 0); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if strings.TrimSpace(out.String()) != `{"users":[],"count":0}` {
		t.Fatalf("unexpected output %q", out.String())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func roomValue(t *testing.T, reg *room.MemoryRegistry, key schema.RoomKey, field string) string {
	t.Helper()
	rm, err := reg.GetOrCreate(context.Background(), key)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	state, err := rm.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	doc := codec.NewLWW()
	if err := doc.Apply(state); err != nil {
		t.Fatalf("apply: %v", err)
	}
	value, _ := doc.Get(field)
	return string(value)
}
