// Package room defines the collaboration unit (a Room) and the Registry that
// resolves room keys to rooms, plus the in-memory implementation of both.
package room

import (
	"context"

	"pkt.systems/roomsync/schema"
)

// Peer is one live connection registered in a room. Send must not block:
// it either queues the frame or returns an error.
type Peer interface {
	ID() schema.PeerID
	Send(frame schema.Frame) error
}

// Room is a shared document plus its connected peers and awareness map.
// Implementations serialize operations per room: each call runs as one
// atomic step with respect to the others.
type Room interface {
	Key() schema.RoomKey
	// Join registers peer and queues the document snapshot followed by the
	// awareness snapshot, before any other frame can reach the peer.
	Join(ctx context.Context, peer Peer) error
	// Leave removes the peer and broadcasts the updated awareness snapshot.
	Leave(ctx context.Context, peerID schema.PeerID) error
	// ApplyUpdate merges a document update and relays it to every other peer.
	// Invalid updates return schema.ErrInvalidUpdate and are never relayed.
	ApplyUpdate(ctx context.Context, from schema.PeerID, update []byte) error
	// UpdateAwareness stores an entry and sends the full awareness snapshot
	// to every peer, the sender included.
	UpdateAwareness(ctx context.Context, from schema.PeerID, entry schema.AwarenessEntry) error
	// Resync queues a full document snapshot to one peer.
	Resync(ctx context.Context, peerID schema.PeerID) error
	Snapshot(ctx context.Context) ([]byte, error)
	Awareness(ctx context.Context) ([]schema.AwarenessEntry, error)
	PeerCount() int
}

// Registry resolves room keys to rooms. It is the only seam between the
// gateway and the backing: in-memory and durable registries are interchangeable.
type Registry interface {
	// GetOrCreate returns the room for key, creating it on first use.
	GetOrCreate(ctx context.Context, key schema.RoomKey) (Room, error)
	// Presence returns the awareness snapshot a newly joining peer would receive.
	Presence(ctx context.Context, key schema.RoomKey) (schema.PresenceResponse, error)
	// Rooms lists rooms held by this process.
	Rooms() []schema.RoomInfo
	// Close releases all rooms. Later calls return schema.ErrRoomClosed.
	Close(ctx context.Context) error
}

// SnapshotStore persists document snapshots across room lifetimes.
type SnapshotStore interface {
	Load(ctx context.Context, key schema.RoomKey) ([]byte, bool, error)
	Save(ctx context.Context, key schema.RoomKey, state []byte) error
}
