package persist

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/roomsync/schema"
)

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load(context.Background(), schema.RoomKey{Type: "flow", ID: "a"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing snapshot")
	}
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key := schema.RoomKey{Type: "flow", ID: "board 1"}
	state := []byte{0x08, 0x01, 0xff, 0x00}
	if err := store.Save(context.Background(), key, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, state) {
		t.Fatalf("state mismatch: got %x want %x", got, state)
	}
	info, err := os.Stat(filepath.Join(dir, "flow", "board_1.json"))
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestFileStoreSeparatesRoomTypes(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	_ = store.Save(ctx, schema.RoomKey{Type: "flow", ID: "x"}, []byte("flow"))
	_ = store.Save(ctx, schema.RoomKey{Type: "document", ID: "x"}, []byte("doc"))
	got, _, _ := store.Load(ctx, schema.RoomKey{Type: "flow", ID: "x"})
	if string(got) != "flow" {
		t.Fatalf("expected flow state, got %q", got)
	}
}

func TestFileStoreDetectsSanitizedCollision(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, schema.RoomKey{Type: "flow", ID: "a b"}, []byte("1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, _, err := store.Load(ctx, schema.RoomKey{Type: "flow", ID: "a:b"}); err == nil {
		t.Fatalf("expected collision to be reported")
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"room-1", "room-1"},
		{"a/b", "a_b"},
		{"..", "__"},
		{"héllo", "héllo"},
		{"x y\tz", "x_y_z"},
	}
	for _, tc := range cases {
		if got := sanitize(tc.in); got != tc.want {
			t.Fatalf("sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
