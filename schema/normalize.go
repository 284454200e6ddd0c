package schema

import (
	"strings"
	"unicode"
)

const (
	maxRoomTypeLen = 64
	maxRoomIDLen   = 256
)

// NormalizeRoomType validates and normalizes a room type. An empty value
// resolves to fallback (or DefaultRoomType when fallback is empty).
// Allowed characters: a-z, 0-9, '.', '_', '-'.
func NormalizeRoomType(value string, fallback RoomType) (RoomType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		if fallback == "" {
			return DefaultRoomType, nil
		}
		trimmed = string(fallback)
	}
	if len(trimmed) > maxRoomTypeLen {
		return "", ErrInvalidRoomType
	}
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return "", ErrInvalidRoomType
	}
	return RoomType(trimmed), nil
}

// NormalizeRoomID validates a room id. Ids are opaque but may not be empty,
// contain '/', or contain control characters.
func NormalizeRoomID(value string) (RoomID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || len(trimmed) > maxRoomIDLen {
		return "", ErrInvalidRoomID
	}
	for _, r := range trimmed {
		if r == '/' || unicode.IsControl(r) {
			return "", ErrInvalidRoomID
		}
	}
	return RoomID(trimmed), nil
}

// NewRoomKey builds a validated key from raw connection parameters.
func NewRoomKey(roomType, roomID string, fallback RoomType) (RoomKey, error) {
	t, err := NormalizeRoomType(roomType, fallback)
	if err != nil {
		return RoomKey{}, err
	}
	id, err := NormalizeRoomID(roomID)
	if err != nil {
		return RoomKey{}, err
	}
	return RoomKey{Type: t, ID: id}, nil
}
