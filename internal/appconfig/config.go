package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	HTTP          HTTPConfig        `mapstructure:"http" yaml:"http"`
	Rooms         RoomsConfig       `mapstructure:"rooms" yaml:"rooms"`
	Gateway       GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Backend       BackendConfig     `mapstructure:"backend" yaml:"backend"`
	Persistence   PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Persistence kinds.
const (
	PersistenceNone     = "none"
	PersistenceFile     = "file"
	PersistencePostgres = "postgres"
)

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	BasePath       string   `mapstructure:"base_path" yaml:"base_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	EnableMetrics  bool     `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// RoomsConfig controls room types and lifecycle.
type RoomsConfig struct {
	Types                  []string `mapstructure:"types" yaml:"types"`
	DefaultType            string   `mapstructure:"default_type" yaml:"default_type"`
	IdleEvictionSeconds    int      `mapstructure:"idle_eviction_seconds" yaml:"idle_eviction_seconds"`
	JanitorIntervalSeconds int      `mapstructure:"janitor_interval_seconds" yaml:"janitor_interval_seconds"`
	PruneAwarenessOnLeave  bool     `mapstructure:"prune_awareness_on_leave" yaml:"prune_awareness_on_leave"`
}

// GatewayConfig bounds per-connection resources.
type GatewayConfig struct {
	MaxFrameBytes       int64   `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	SendQueue           int     `mapstructure:"send_queue" yaml:"send_queue"`
	WriteTimeoutSeconds int     `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	PingIntervalSeconds int     `mapstructure:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	FramesPerSecond     float64 `mapstructure:"frames_per_second" yaml:"frames_per_second"`
	FrameBurst          int     `mapstructure:"frame_burst" yaml:"frame_burst"`
}

// BackendConfig selects where room state lives.
type BackendConfig struct {
	Kind  string      `mapstructure:"kind" yaml:"kind"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the redis backing.
type RedisConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	CompactAfter int    `mapstructure:"compact_after" yaml:"compact_after"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Kind        string `mapstructure:"kind" yaml:"kind"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		HTTP: HTTPConfig{
			Addr:           ":27490",
			BasePath:       "",
			AllowedOrigins: []string{},
			EnableMetrics:  true,
		},
		Rooms: RoomsConfig{
			Types:                  []string{"generic", "flow", "document"},
			DefaultType:            "generic",
			IdleEvictionSeconds:    300,
			JanitorIntervalSeconds: 30,
			PruneAwarenessOnLeave:  true,
		},
		Gateway: GatewayConfig{
			MaxFrameBytes:       8 << 20,
			SendQueue:           256,
			WriteTimeoutSeconds: 10,
			PingIntervalSeconds: 30,
			FramesPerSecond:     200,
			FrameBurst:          400,
		},
		Backend: BackendConfig{
			Kind: BackendMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				Prefix:       "roomsync",
				CompactAfter: 500,
			},
		},
		Persistence: PersistenceConfig{
			Kind: PersistenceNone,
			Dir:  filepath.Join(home, ".roomsync", "state", "rooms"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".roomsync", "config.yaml"), nil
}
