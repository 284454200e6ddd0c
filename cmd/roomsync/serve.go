package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/roomsync"
	"pkt.systems/roomsync/httpapi"
	"pkt.systems/roomsync/internal/appconfig"
	"pkt.systems/roomsync/internal/gateway"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/persist"
	"pkt.systems/roomsync/internal/redisroom"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the roomsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			promReg := prometheus.NewRegistry()
			m := metrics.New(promReg)

			store, closeStore, err := openSnapshotStore(ctx, cfg.Persistence, logger)
			if err != nil {
				return err
			}
			rooms := toRoomsConfig(cfg.Rooms)
			deps := room.Deps{Store: store, Metrics: m}
			registry, closeBacking, err := openRegistry(ctx, cfg.Backend, rooms, deps, logger)
			if err != nil {
				_ = closeStore()
				return err
			}

			server, err := roomsync.New(roomsync.ServerConfig{
				HTTP: toHTTPConfig(cfg.HTTP, rooms, toGatewayConfig(cfg.Gateway)),
			}, roomsync.ServerDeps{
				Registry: registry,
				Metrics:  m,
				Gatherer: promReg,
				Closers:  []func() error{closeBacking, closeStore},
			})
			if err != nil {
				_ = closeBacking()
				_ = closeStore()
				return err
			}

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	return cmd
}

func openSnapshotStore(ctx context.Context, cfg appconfig.PersistenceConfig, logger pslog.Logger) (room.SnapshotStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", appconfig.PersistenceNone:
		logger.Info("snapshot persistence disabled")
		return nil, noop, nil
	case appconfig.PersistenceFile:
		store, err := persist.NewFileStoreWithLogger(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("snapshot persistence selected", "kind", appconfig.PersistenceFile, "dir", cfg.Dir)
		return store, noop, nil
	case appconfig.PersistencePostgres:
		store, err := persist.OpenPostgres(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("snapshot persistence selected", "kind", appconfig.PersistencePostgres)
		return store, func() error {
			store.Close()
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported persistence.kind %q", cfg.Kind)
	}
}

func openRegistry(ctx context.Context, cfg appconfig.BackendConfig, rooms schema.RoomsConfig, deps room.Deps, logger pslog.Logger) (roomsync.Registry, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", appconfig.BackendMemory:
		reg, err := room.NewMemoryRegistry(rooms, deps)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("room backing selected", "kind", appconfig.BackendMemory)
		return reg, func() error { return nil }, nil
	case appconfig.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		reg, err := redisroom.New(client, rooms, redisroom.Options{
			Prefix:       cfg.Redis.Prefix,
			CompactAfter: cfg.Redis.CompactAfter,
		}, deps)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := reg.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("backend.redis.addr %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("room backing selected", "kind", appconfig.BackendRedis, "addr", cfg.Redis.Addr, "instance", reg.InstanceID())
		return reg, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend.kind %q", cfg.Kind)
	}
}

func toRoomsConfig(cfg appconfig.RoomsConfig) schema.RoomsConfig {
	types := make([]schema.RoomType, 0, len(cfg.Types))
	for _, t := range cfg.Types {
		types = append(types, schema.RoomType(t))
	}
	return schema.RoomsConfig{
		Types:                 types,
		DefaultType:           schema.RoomType(cfg.DefaultType),
		IdleTimeout:           time.Duration(cfg.IdleEvictionSeconds) * time.Second,
		JanitorInterval:       time.Duration(cfg.JanitorIntervalSeconds) * time.Second,
		PruneAwarenessOnLeave: cfg.PruneAwarenessOnLeave,
	}
}

func toGatewayConfig(cfg appconfig.GatewayConfig) gateway.Config {
	return gateway.Config{
		MaxFrameBytes:   cfg.MaxFrameBytes,
		SendQueue:       cfg.SendQueue,
		WriteTimeout:    time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		PingInterval:    time.Duration(cfg.PingIntervalSeconds) * time.Second,
		FramesPerSecond: cfg.FramesPerSecond,
		FrameBurst:      cfg.FrameBurst,
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig, rooms schema.RoomsConfig, gw gateway.Config) httpapi.Config {
	return httpapi.Config{
		Addr:           cfg.Addr,
		BasePath:       cfg.BasePath,
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.EnableMetrics,
		Rooms:          rooms,
		Gateway:        gw,
	}
}
