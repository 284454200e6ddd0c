// Package redisroom implements the room registry on Redis so that several
// server processes can serve the same room. Each room owns an append-only
// update list, an awareness hash and a pub/sub channel.
package redisroom

import (
	"encoding/json"
	"fmt"

	"pkt.systems/roomsync/schema"
)

// roomKeys names the Redis keys of one room. The room key sits in a hash
// tag so every key of a room maps to the same cluster slot.
type roomKeys struct {
	updates   string
	awareness string
	events    string
}

func keysFor(prefix string, key schema.RoomKey) roomKeys {
	base := fmt.Sprintf("%s:{%s}", prefix, key.String())
	return roomKeys{
		updates:   base + ":updates",
		awareness: base + ":awareness",
		events:    base + ":events",
	}
}

type eventKind string

const (
	eventUpdate    eventKind = "update"
	eventAwareness eventKind = "awareness"
)

// envelope is published on a room's events channel.
type envelope struct {
	Origin string        `json:"origin"`
	Peer   schema.PeerID `json:"peer,omitempty"`
	Kind   eventKind     `json:"kind"`
	Data   []byte        `json:"data"`
}

// awarenessRecord is stored per client id in the awareness hash.
type awarenessRecord struct {
	Owner string          `json:"owner"`
	State json.RawMessage `json:"state"`
}
