package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseControlMessageAwareness(t *testing.T) {
	msg, err := ParseControlMessage([]byte(`{"type":"awareness","clientId":"c1","state":{"name":"Ann"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != MessageAwareness || msg.ClientID != "c1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if string(msg.State) != `{"name":"Ann"}` {
		t.Fatalf("unexpected state: %s", msg.State)
	}
}

func TestParseControlMessageDefaultsState(t *testing.T) {
	msg, err := ParseControlMessage([]byte(`{"type":"awareness","clientId":"c1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(msg.State) != `{}` {
		t.Fatalf("expected empty state object, got %s", msg.State)
	}
}

func TestParseControlMessageErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"not-json", `{nope`, ErrInvalidMessage},
		{"array", `[1,2]`, ErrInvalidMessage},
		{"missing-type", `{"clientId":"c1"}`, ErrInvalidMessage},
		{"awareness-no-client", `{"type":"awareness","state":{}}`, ErrInvalidMessage},
		{"unknown", `{"type":"shout"}`, ErrUnknownMessage},
	}
	for _, tc := range cases {
		if _, err := ParseControlMessage([]byte(tc.data)); !errors.Is(err, tc.want) {
			t.Fatalf("case %q expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestAwarenessSnapshotMessage(t *testing.T) {
	data := AwarenessSnapshotMessage(nil)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != "awareness" {
		t.Fatalf("unexpected type: %v", decoded["type"])
	}
	users, ok := decoded["users"].([]any)
	if !ok || len(users) != 0 {
		t.Fatalf("expected empty users list, got %v", decoded["users"])
	}
}
