package schema

import (
	"errors"
	"fmt"
	"time"
)

// RoomsConfig defines room lifecycle behavior shared by all backings.
type RoomsConfig struct {
	// Types lists the accepted room types. Empty accepts any valid type.
	Types       []RoomType
	DefaultType RoomType
	// IdleTimeout evicts rooms with no peers for this long. Zero disables eviction.
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
	// PruneAwarenessOnLeave drops awareness entries announced through a peer when it leaves.
	PruneAwarenessOnLeave bool
}

// DefaultJanitorInterval is used when eviction is enabled without an interval.
const DefaultJanitorInterval = 30 * time.Second

// NormalizeRoomsConfig applies defaults and validates the config.
func NormalizeRoomsConfig(cfg RoomsConfig) (RoomsConfig, error) {
	if cfg.DefaultType == "" {
		cfg.DefaultType = DefaultRoomType
	}
	defaultType, err := NormalizeRoomType(string(cfg.DefaultType), "")
	if err != nil {
		return RoomsConfig{}, fmt.Errorf("default room type: %w", err)
	}
	cfg.DefaultType = defaultType
	if len(cfg.Types) > 0 {
		types := make([]RoomType, 0, len(cfg.Types))
		found := false
		for _, t := range cfg.Types {
			normalized, err := NormalizeRoomType(string(t), "")
			if err != nil {
				return RoomsConfig{}, fmt.Errorf("room type %q: %w", t, err)
			}
			if normalized == cfg.DefaultType {
				found = true
			}
			types = append(types, normalized)
		}
		if !found {
			return RoomsConfig{}, fmt.Errorf("default room type %q is not an allowed type", cfg.DefaultType)
		}
		cfg.Types = types
	}
	if cfg.IdleTimeout < 0 {
		return RoomsConfig{}, errors.New("idle timeout must not be negative")
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	return cfg, nil
}

// AllowsType reports whether t is accepted by the config.
func (c RoomsConfig) AllowsType(t RoomType) bool {
	if len(c.Types) == 0 {
		return true
	}
	for _, allowed := range c.Types {
		if allowed == t {
			return true
		}
	}
	return false
}
