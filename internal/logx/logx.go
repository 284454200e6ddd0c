package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/schema"
)

type contextKey int

const (
	roomKey contextKey = iota
	peerKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRoom annotates the logger with the room key if present.
func WithRoom(ctx context.Context, key schema.RoomKey) pslog.Logger {
	log := pslog.Ctx(ctx)
	if key.ID != "" {
		if current, ok := ctx.Value(roomKey).(schema.RoomKey); ok && current == key {
			return log
		}
		log = log.With("room_type", key.Type, "room", key.ID)
	}
	return log
}

// WithRoomPeer annotates the logger with room and peer identifiers.
func WithRoomPeer(ctx context.Context, key schema.RoomKey, peerID schema.PeerID) pslog.Logger {
	log := WithRoom(ctx, key)
	if peerID != "" {
		if current, ok := ctx.Value(peerKey).(schema.PeerID); ok && current == peerID {
			return log
		}
		log = log.With("peer", peerID)
	}
	return log
}

// WithClient annotates the logger with an awareness client id when available.
func WithClient(log pslog.Logger, clientID schema.ClientID) pslog.Logger {
	if clientID != "" {
		log = log.With("client", clientID)
	}
	return log
}

// ContextWithRoom stores the room marker on the context for log de-duplication.
func ContextWithRoom(ctx context.Context, key schema.RoomKey) context.Context {
	if ctx == nil || key.ID == "" {
		return ctx
	}
	return context.WithValue(ctx, roomKey, key)
}

// ContextWithPeer stores the peer marker on the context for log de-duplication.
func ContextWithPeer(ctx context.Context, peerID schema.PeerID) context.Context {
	if ctx == nil || peerID == "" {
		return ctx
	}
	return context.WithValue(ctx, peerKey, peerID)
}

// ContextWithRoomPeerLogger attaches the logger and room/peer markers to the context.
func ContextWithRoomPeerLogger(ctx context.Context, log pslog.Logger, key schema.RoomKey, peerID schema.PeerID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithPeer(ContextWithRoom(ctx, key), peerID)
}
