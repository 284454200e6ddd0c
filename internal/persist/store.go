// Package persist stores room document snapshots outside the process.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/schema"
)

// RoomSnapshot is the on-disk record for one room.
type RoomSnapshot struct {
	Type    schema.RoomType `json:"type"`
	ID      schema.RoomID   `json:"id"`
	State   []byte          `json:"state"`
	SavedAt time.Time       `json:"saved_at"`
}

// FileStore persists room snapshots as JSON files under a directory,
// one subdirectory per room type.
type FileStore struct {
	dir string
	log pslog.Logger
	now func() time.Time
}

// NewFileStore constructs a file store at the given directory.
func NewFileStore(dir string) (*FileStore, error) {
	return NewFileStoreWithLogger(dir, nil)
}

// NewFileStoreWithLogger constructs a file store with logging.
func NewFileStoreWithLogger(dir string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &FileStore{dir: dir, log: logger, now: time.Now}, nil
}

// Load reads a room snapshot from disk.
func (s *FileStore) Load(_ context.Context, key schema.RoomKey) ([]byte, bool, error) {
	path := s.pathForRoom(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("room state load miss", key)
			return nil, false, nil
		}
		s.warn("room state load failed", key, err)
		return nil, false, err
	}
	var snapshot RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.warn("room state load failed", key, err)
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	if snapshot.Type != key.Type || snapshot.ID != key.ID {
		err := fmt.Errorf("snapshot %s belongs to %s/%s", path, snapshot.Type, snapshot.ID)
		s.warn("room state load failed", key, err)
		return nil, false, err
	}
	if s.log != nil {
		s.log.Debug("room state load ok", "room_type", key.Type, "room", key.ID, "bytes", len(snapshot.State))
	}
	return snapshot.State, true, nil
}

// Save writes a room snapshot to disk atomically.
func (s *FileStore) Save(_ context.Context, key schema.RoomKey, state []byte) error {
	path := s.pathForRoom(key)
	if err := s.write(path, RoomSnapshot{Type: key.Type, ID: key.ID, State: state, SavedAt: s.now().UTC()}); err != nil {
		s.warn("room state save failed", key, err)
		return err
	}
	if s.log != nil {
		s.log.Trace("room state save ok", "room_type", key.Type, "room", key.ID, "bytes", len(state))
	}
	return nil
}

func (s *FileStore) write(path string, snapshot RoomSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "room-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) debug(msg string, key schema.RoomKey) {
	if s.log != nil {
		s.log.Debug(msg, "room_type", key.Type, "room", key.ID)
	}
}

func (s *FileStore) warn(msg string, key schema.RoomKey, err error) {
	if s.log != nil {
		s.log.Warn(msg, "room_type", key.Type, "room", key.ID, "err", err)
	}
}

func (s *FileStore) pathForRoom(key schema.RoomKey) string {
	typeDir := sanitize(string(key.Type))
	if typeDir == "" {
		typeDir = string(schema.DefaultRoomType)
	}
	name := sanitize(string(key.ID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, typeDir, name+".json")
}

// sanitize maps a room id onto a safe file name. Distinct ids that differ
// only in replaced characters collide, so the decoded record carries its
// key and Load verifies it.
func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	out := b.String()
	if out == "." || out == ".." {
		return strings.Repeat("_", len(out))
	}
	return out
}
