package room

import (
	"encoding/json"
	"sort"

	"pkt.systems/roomsync/schema"
)

type awarenessRecord struct {
	state json.RawMessage
	owner schema.PeerID
}

// awarenessMap tracks entries by client id and the peer that announced them.
type awarenessMap struct {
	entries map[schema.ClientID]awarenessRecord
}

func newAwarenessMap() *awarenessMap {
	return &awarenessMap{entries: make(map[schema.ClientID]awarenessRecord)}
}

func (a *awarenessMap) set(owner schema.PeerID, entry schema.AwarenessEntry) {
	state := append(json.RawMessage(nil), entry.State...)
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	a.entries[entry.ClientID] = awarenessRecord{
		state: state,
		owner: owner,
	}
}

// pruneOwner removes entries announced through owner and returns how many were removed.
func (a *awarenessMap) pruneOwner(owner schema.PeerID) int {
	removed := 0
	for id, rec := range a.entries {
		if rec.owner == owner {
			delete(a.entries, id)
			removed++
		}
	}
	return removed
}

// list returns entries ordered by client id so push and poll agree byte for byte.
func (a *awarenessMap) list() []schema.AwarenessEntry {
	out := make([]schema.AwarenessEntry, 0, len(a.entries))
	for id, rec := range a.entries {
		out = append(out, schema.AwarenessEntry{
			ClientID: id,
			State:    append(json.RawMessage(nil), rec.state...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
