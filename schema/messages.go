package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType names a control message.
type MessageType string

const (
	// MessageAwareness carries a presence update (client to server) or a full
	// awareness snapshot (server to client).
	MessageAwareness MessageType = "awareness"
	// MessageSyncRequest asks the server to resend the full document.
	MessageSyncRequest MessageType = "sync-request"
	// MessagePing is a liveness probe.
	MessagePing MessageType = "ping"
	// MessagePong answers a ping.
	MessagePong MessageType = "pong"
)

// ControlMessage is the JSON shape shared by all control frames.
type ControlMessage struct {
	Type     MessageType      `json:"type"`
	ClientID ClientID         `json:"clientId,omitempty"`
	State    json.RawMessage  `json:"state,omitempty"`
	Users    []AwarenessEntry `json:"users,omitempty"`
}

var emptyState = json.RawMessage(`{}`)

// ParseControlMessage decodes and validates a control frame.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case MessageAwareness:
		if msg.ClientID == "" {
			return ControlMessage{}, fmt.Errorf("%w: awareness without clientId", ErrInvalidMessage)
		}
		if len(bytes.TrimSpace(msg.State)) == 0 || bytes.Equal(bytes.TrimSpace(msg.State), []byte("null")) {
			msg.State = emptyState
		}
	case MessageSyncRequest, MessagePing, MessagePong:
	case "":
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return msg, nil
}

// AwarenessSnapshotMessage encodes the server-to-client awareness frame.
func AwarenessSnapshotMessage(entries []AwarenessEntry) []byte {
	if entries == nil {
		entries = []AwarenessEntry{}
	}
	data, _ := json.Marshal(struct {
		Type  MessageType      `json:"type"`
		Users []AwarenessEntry `json:"users"`
	}{Type: MessageAwareness, Users: entries})
	return data
}

// EncodeControlMessage marshals a control message for sending.
func EncodeControlMessage(msg ControlMessage) ([]byte, error) {
	return json.Marshal(msg)
}
