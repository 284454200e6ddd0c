package schema

import "encoding/json"

// RoomType partitions the room id namespace (for example "flow" or "document").
type RoomType string

// RoomID identifies a room within its type.
type RoomID string

// ClientID identifies an ephemeral client announced through awareness.
type ClientID string

// PeerID identifies one live connection to a room.
type PeerID string

// DefaultRoomType is used when a connection does not name a type.
const DefaultRoomType RoomType = "generic"

// RoomKey addresses a room. Two keys are equal only when both parts match.
type RoomKey struct {
	Type RoomType `json:"type"`
	ID   RoomID   `json:"id"`
}

// String returns "type/id". Neither part may contain '/', so the result is unique per key.
func (k RoomKey) String() string {
	return string(k.Type) + "/" + string(k.ID)
}

// AwarenessEntry is the ephemeral presence payload announced by one client.
type AwarenessEntry struct {
	ClientID ClientID        `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

// PresenceResponse is returned by the presence read endpoint.
type PresenceResponse struct {
	Users []AwarenessEntry `json:"users"`
	Count int              `json:"count"`
}

// NewPresenceResponse wraps entries, never returning a nil list.
func NewPresenceResponse(entries []AwarenessEntry) PresenceResponse {
	if entries == nil {
		entries = []AwarenessEntry{}
	}
	return PresenceResponse{Users: entries, Count: len(entries)}
}

// RoomInfo summarizes a room for listing.
type RoomInfo struct {
	Key   RoomKey `json:"key"`
	Peers int     `json:"peers"`
}
