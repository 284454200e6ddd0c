// Package roomsync composes the room registry, its janitor and the HTTP
// surface into a single server lifecycle.
package roomsync

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/roomsync/httpapi"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/room"
)

// Server is a startable, stoppable roomsync instance.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// Registry is a room registry with a background janitor.
type Registry interface {
	room.Registry
	Run(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP httpapi.Config
	// CloseTimeout bounds registry shutdown and final snapshot saves.
	CloseTimeout time.Duration
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Registry Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Listener replaces HTTP.Addr when set.
	Listener net.Listener
	// Closers run in order after the registry has been closed.
	Closers []func() error
}

const defaultCloseTimeout = 15 * time.Second

// New constructs a roomsync server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("room registry is required")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	return &compositeServer{
		cfg:      cfg,
		registry: deps.Registry,
		httpSrv:  httpapi.NewServer(cfg.HTTP, deps.Registry, deps.Metrics, deps.Gatherer),
		listener: deps.Listener,
		closers:  deps.Closers,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	registry Registry
	httpSrv  *httpapi.Server
	listener net.Listener
	closers  []func() error
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"metrics", s.cfg.HTTP.EnableMetrics,
		"default_type", string(s.cfg.HTTP.Rooms.DefaultType),
	)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		if err := s.registry.Run(gctx); err != nil {
			log.Error("room janitor failed", "err", err)
			return err
		}
		return nil
	})
	handler := s.httpSrv.Handler()
	g.Go(func() error {
		var err error
		if s.listener != nil {
			err = httpapi.Serve(gctx, s.listener, handler)
		} else {
			err = httpapi.ListenAndServe(gctx, s.cfg.HTTP.Addr, handler)
		}
		if err != nil {
			log.Error("http server failed", "err", err)
		}
		return err
	})

	go func() {
		err := g.Wait()
		s.cancel()
		closeErr := s.shutdown()
		s.mu.Lock()
		s.err = errors.Join(err, closeErr)
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func (s *compositeServer) shutdown() error {
	log := s.logger
	ctx, cancel := context.WithTimeout(pslog.ContextWithLogger(context.Background(), log), s.cfg.CloseTimeout)
	defer cancel()
	var errs []error
	if err := s.registry.Close(ctx); err != nil {
		log.Warn("room registry close failed", "err", err)
		errs = append(errs, err)
	} else {
		log.Info("room registry closed")
	}
	for _, closeFn := range s.closers {
		if closeFn == nil {
			continue
		}
		if err := closeFn(); err != nil {
			log.Warn("server dependency close failed", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.logger.Error("server stopped", "err", s.err)
	}
	return s.err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	log.Info("server stop requested")
	cancel()
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
