package httpapi

import (
	"pkt.systems/roomsync/internal/gateway"
	"pkt.systems/roomsync/schema"
)

// Config defines the HTTP surface settings.
type Config struct {
	Addr     string
	BasePath string
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// allows any origin.
	AllowedOrigins []string
	EnableMetrics  bool
	Rooms          schema.RoomsConfig
	Gateway        gateway.Config
}
