package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/roomsync/schema"
)

// PresenceURL builds the presence endpoint URL of a room.
func PresenceURL(base, room, roomType string) (string, error) {
	return roomURL(base, room, roomType, "/presence", map[string]string{
		"http": "http", "https": "https", "ws": "http", "wss": "https",
	})
}

// FetchPresence reads the current awareness entries of a room without
// joining it. A nil httpClient uses http.DefaultClient.
func FetchPresence(ctx context.Context, httpClient *http.Client, base, room, roomType string) (schema.PresenceResponse, error) {
	target, err := PresenceURL(base, room, roomType)
	if err != nil {
		return schema.PresenceResponse{}, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return schema.PresenceResponse{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return schema.PresenceResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schema.PresenceResponse{}, fmt.Errorf("presence %s: %s: %s", target, resp.Status, string(body))
	}
	var out schema.PresenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return schema.PresenceResponse{}, fmt.Errorf("decode presence: %w", err)
	}
	if out.Users == nil {
		out.Users = []schema.AwarenessEntry{}
	}
	return out, nil
}
