package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"
	"pkt.systems/roomsync/schema"
)

const createSnapshotsTable = `CREATE TABLE IF NOT EXISTS room_snapshots (
	room_type TEXT NOT NULL,
	room_id   TEXT NOT NULL,
	state     BYTEA NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_type, room_id)
)`

const selectSnapshot = `SELECT state FROM room_snapshots WHERE room_type = $1 AND room_id = $2`

const upsertSnapshot = `INSERT INTO room_snapshots (room_type, room_id, state, saved_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (room_type, room_id) DO UPDATE SET state = EXCLUDED.state, saved_at = EXCLUDED.saved_at`

// querier is the subset of *pgxpool.Pool used by PostgresStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists room snapshots in the room_snapshots table.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
	log  pslog.Logger
}

// OpenPostgres connects to url, ensures the schema exists and returns a store.
func OpenPostgres(ctx context.Context, url string, logger pslog.Logger) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := newPostgresStore(pool, logger)
	store.pool = pool
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db querier, logger pslog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger}
}

// EnsureSchema creates the snapshots table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("create room_snapshots: %w", err)
	}
	return nil
}

// Load reads the latest snapshot for key.
func (s *PostgresStore) Load(ctx context.Context, key schema.RoomKey) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRow(ctx, selectSnapshot, string(key.Type), string(key.ID)).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("room state load failed", "room_type", key.Type, "room", key.ID, "err", err)
		}
		return nil, false, fmt.Errorf("load room %s: %w", key, err)
	}
	return state, true, nil
}

// Save upserts the snapshot for key.
func (s *PostgresStore) Save(ctx context.Context, key schema.RoomKey, state []byte) error {
	if state == nil {
		state = []byte{}
	}
	if _, err := s.db.Exec(ctx, upsertSnapshot, string(key.Type), string(key.ID), state); err != nil {
		if s.log != nil {
			s.log.Warn("room state save failed", "room_type", key.Type, "room", key.ID, "err", err)
		}
		return fmt.Errorf("save room %s: %w", key, err)
	}
	if s.log != nil {
		s.log.Trace("room state save ok", "room_type", key.Type, "room", key.ID, "bytes", len(state))
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
