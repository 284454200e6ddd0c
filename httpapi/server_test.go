package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/roomsync/internal/codec"
	"pkt.systems/roomsync/internal/gateway"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

type testEnv struct {
	srv *httptest.Server
	reg *room.MemoryRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rooms := schema.RoomsConfig{
		Types:                 []schema.RoomType{"generic", "flow", "document"},
		PruneAwarenessOnLeave: true,
	}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg, err := room.NewMemoryRegistry(rooms, room.Deps{Metrics: m})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	server := NewServer(Config{Rooms: rooms, EnableMetrics: true, Gateway: gateway.DefaultConfig()}, reg, m, promReg)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return &testEnv{srv: srv, reg: reg}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return mt, data
}

func readUsers(t *testing.T, ws *websocket.Conn) []schema.AwarenessEntry {
	t.Helper()
	mt, data := readFrame(t, ws)
	if mt != websocket.TextMessage {
		t.Fatalf("expected text awareness frame, got type %d", mt)
	}
	var msg schema.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	if msg.Type != schema.MessageAwareness {
		t.Fatalf("expected awareness, got %s", msg.Type)
	}
	return msg.Users
}

func expectJoinFrames(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	mt, snapshot := readFrame(t, ws)
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary snapshot first, got type %d", mt)
	}
	readUsers(t, ws)
	return snapshot
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestWebsocketRoomProtocol(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/rooms/board?type=flow")
	expectJoinFrames(t, a)
	b := env.dial(t, "/rooms/board?type=flow")
	expectJoinFrames(t, b)

	writer, _ := codec.NewReplica("a")
	update, _ := writer.Set("node-1", []byte(`{"x":1}`))
	if err := a.WriteMessage(websocket.BinaryMessage, update); err != nil {
		t.Fatalf("write update: %v", err)
	}
	mt, got := readFrame(t, b)
	if mt != websocket.BinaryMessage || string(got) != string(update) {
		t.Fatalf("expected update relayed verbatim")
	}

	// The next frame for a must be its pong, proving the update was not echoed.
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, pong := readFrame(t, a)
	if string(pong) != `{"type":"pong"}` {
		t.Fatalf("expected pong, got %s", pong)
	}

	aw := `{"type":"awareness","clientId":"alice","state":{"color":"red"}}`
	if err := a.WriteMessage(websocket.BinaryMessage, []byte(aw)); err != nil {
		t.Fatalf("write awareness: %v", err)
	}
	for _, ws := range []*websocket.Conn{a, b} {
		users := readUsers(t, ws)
		if len(users) != 1 || users[0].ClientID != "alice" {
			t.Fatalf("unexpected users: %+v", users)
		}
	}

	var presence schema.PresenceResponse
	if status := getJSON(t, env.srv.URL+"/rooms/board/presence?type=flow", &presence); status != http.StatusOK {
		t.Fatalf("presence status %d", status)
	}
	if presence.Count != 1 || presence.Users[0].ClientID != "alice" {
		t.Fatalf("unexpected presence: %+v", presence)
	}

	if err := b.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync-request"}`)); err != nil {
		t.Fatalf("write sync: %v", err)
	}
	mt, state := readFrame(t, b)
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary resync")
	}
	doc := codec.NewLWW()
	if err := doc.Apply(state); err != nil {
		t.Fatalf("apply resync: %v", err)
	}
	if v, ok := doc.Get("node-1"); !ok || string(v) != `{"x":1}` {
		t.Fatalf("resync missing node-1")
	}
}

func TestWebsocketDisconnectBroadcastsAwareness(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/rooms/doc?type=document")
	expectJoinFrames(t, a)
	b := env.dial(t, "/rooms/doc?type=document")
	expectJoinFrames(t, b)

	_ = a.WriteMessage(websocket.TextMessage, []byte(`{"type":"awareness","clientId":"c1","state":{}}`))
	readUsers(t, a)
	readUsers(t, b)
	_ = b.WriteMessage(websocket.TextMessage, []byte(`{"type":"awareness","clientId":"c2","state":{}}`))
	readUsers(t, a)
	readUsers(t, b)

	_ = b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = b.Close()
	users := readUsers(t, a)
	if len(users) != 1 || users[0].ClientID != "c1" {
		t.Fatalf("expected c1 to remain after disconnect, got %+v", users)
	}
}

func TestWebsocketMalformedFramesKeepConnection(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/rooms/m")
	expectJoinFrames(t, a)
	_ = a.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x13})
	_ = a.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`))
	_ = a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	_, data := readFrame(t, a)
	if string(data) != `{"type":"pong"}` {
		t.Fatalf("expected connection to survive bad frames, got %s", data)
	}
}

func TestRoomRouteValidation(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	if status := getJSON(t, env.srv.URL+"/rooms/x?type=unknown", &body); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", status)
	}
	if status := getJSON(t, env.srv.URL+"/rooms/x/presence?type=unknown", &body); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", status)
	}
	if status := getJSON(t, env.srv.URL+"/rooms/x", &body); status != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 without upgrade, got %d", status)
	}
}

func TestPresenceEmptyRoom(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/rooms/empty/presence")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(data)) != `{"users":[],"count":0}` {
		t.Fatalf("unexpected body: %s", data)
	}
}

func TestOperationalRoutes(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/rooms/ops?type=flow")
	expectJoinFrames(t, a)

	var health map[string]any
	if status := getJSON(t, env.srv.URL+"/healthz", &health); status != http.StatusOK || health["ok"] != true {
		t.Fatalf("unexpected health: %d %+v", status, health)
	}
	var listing struct {
		Rooms []schema.RoomInfo `json:"rooms"`
	}
	getJSON(t, env.srv.URL+"/api/rooms", &listing)
	if len(listing.Rooms) != 1 || listing.Rooms[0].Key.ID != "ops" || listing.Rooms[0].Peers != 1 {
		t.Fatalf("unexpected rooms: %+v", listing.Rooms)
	}

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "roomsync_peers_connected 1") {
		t.Fatalf("expected peer gauge in metrics output")
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, nil, nil, nil)
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/rooms/x", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := s.checkOrigin(r); got != tc.want {
			t.Fatalf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}
