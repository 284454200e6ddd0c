package schema

import "errors"

var (
	// ErrInvalidRoomType indicates a malformed or unknown room type.
	ErrInvalidRoomType = errors.New("invalid room type")
	// ErrInvalidRoomID indicates a malformed room id.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrRoomClosed indicates the room was evicted or the registry shut down.
	ErrRoomClosed = errors.New("room closed")
	// ErrPeerNotFound indicates the peer is not registered in the room.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrInvalidUpdate indicates a document update could not be applied.
	ErrInvalidUpdate = errors.New("invalid document update")
	// ErrInvalidMessage indicates a malformed control message.
	ErrInvalidMessage = errors.New("invalid control message")
	// ErrUnknownMessage indicates a control message of an unknown type.
	ErrUnknownMessage = errors.New("unknown control message")
	// ErrPeerQueueFull indicates a peer could not accept more outbound frames.
	ErrPeerQueueFull = errors.New("peer send queue full")
	// ErrPeerClosed indicates a peer connection is gone.
	ErrPeerClosed = errors.New("peer closed")
	// ErrBackingUnavailable indicates the durable backing failed; callers may retry.
	ErrBackingUnavailable = errors.New("room backing unavailable")
)
