package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)
	v.SetDefault("http.enable_metrics", cfg.HTTP.EnableMetrics)
	v.SetDefault("rooms.types", cfg.Rooms.Types)
	v.SetDefault("rooms.default_type", cfg.Rooms.DefaultType)
	v.SetDefault("rooms.idle_eviction_seconds", cfg.Rooms.IdleEvictionSeconds)
	v.SetDefault("rooms.janitor_interval_seconds", cfg.Rooms.JanitorIntervalSeconds)
	v.SetDefault("rooms.prune_awareness_on_leave", cfg.Rooms.PruneAwarenessOnLeave)
	v.SetDefault("gateway.max_frame_bytes", cfg.Gateway.MaxFrameBytes)
	v.SetDefault("gateway.send_queue", cfg.Gateway.SendQueue)
	v.SetDefault("gateway.write_timeout_seconds", cfg.Gateway.WriteTimeoutSeconds)
	v.SetDefault("gateway.ping_interval_seconds", cfg.Gateway.PingIntervalSeconds)
	v.SetDefault("gateway.frames_per_second", cfg.Gateway.FramesPerSecond)
	v.SetDefault("gateway.frame_burst", cfg.Gateway.FrameBurst)
	v.SetDefault("backend.kind", cfg.Backend.Kind)
	v.SetDefault("backend.redis.addr", cfg.Backend.Redis.Addr)
	v.SetDefault("backend.redis.password", cfg.Backend.Redis.Password)
	v.SetDefault("backend.redis.db", cfg.Backend.Redis.DB)
	v.SetDefault("backend.redis.prefix", cfg.Backend.Redis.Prefix)
	v.SetDefault("backend.redis.compact_after", cfg.Backend.Redis.CompactAfter)
	v.SetDefault("persistence.kind", cfg.Persistence.Kind)
	v.SetDefault("persistence.dir", cfg.Persistence.Dir)
	v.SetDefault("persistence.postgres_url", cfg.Persistence.PostgresURL)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Errors name the offending key.
func Validate(cfg Config) error {
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return err
	}
	if cfg.Rooms.IdleEvictionSeconds < 0 {
		return fmt.Errorf("rooms.idle_eviction_seconds must not be negative")
	}
	if cfg.Rooms.JanitorIntervalSeconds < 0 {
		return fmt.Errorf("rooms.janitor_interval_seconds must not be negative")
	}
	if strings.TrimSpace(cfg.Rooms.DefaultType) != "" && len(cfg.Rooms.Types) > 0 {
		found := false
		for _, t := range cfg.Rooms.Types {
			if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(cfg.Rooms.DefaultType)) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("rooms.default_type %q must be listed in rooms.types", cfg.Rooms.DefaultType)
		}
	}
	if cfg.Gateway.MaxFrameBytes < 0 {
		return fmt.Errorf("gateway.max_frame_bytes must not be negative")
	}
	if cfg.Gateway.SendQueue < 0 {
		return fmt.Errorf("gateway.send_queue must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Kind)) {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.Backend.Redis.Addr) == "" {
			return fmt.Errorf("backend.redis.addr is required when backend.kind is %q", BackendRedis)
		}
		if cfg.Backend.Redis.CompactAfter < 0 {
			return fmt.Errorf("backend.redis.compact_after must not be negative")
		}
	default:
		return fmt.Errorf("unsupported backend.kind %q", cfg.Backend.Kind)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Persistence.Kind)) {
	case "", PersistenceNone:
	case PersistenceFile:
		if strings.TrimSpace(cfg.Persistence.Dir) == "" {
			return fmt.Errorf("persistence.dir is required when persistence.kind is %q", PersistenceFile)
		}
	case PersistencePostgres:
		if strings.TrimSpace(cfg.Persistence.PostgresURL) == "" {
			return fmt.Errorf("persistence.postgres_url is required when persistence.kind is %q", PersistencePostgres)
		}
	default:
		return fmt.Errorf("unsupported persistence.kind %q", cfg.Persistence.Kind)
	}
	return nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			continue
		}
		parsed, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.allowed_origins entry %q must include scheme and host (e.g. https://example.com)", origin)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Persistence.Dir = expandEnv(cfg.Persistence.Dir)
	cfg.Persistence.PostgresURL = expandEnv(cfg.Persistence.PostgresURL)
	cfg.Backend.Redis.Addr = expandEnv(cfg.Backend.Redis.Addr)
	cfg.Backend.Redis.Password = expandEnv(cfg.Backend.Redis.Password)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
