package fleetd

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/cleanup"
	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/deployment"
	"pkt.systems/fleetd/internal/events"
	"pkt.systems/fleetd/internal/lock"
	"pkt.systems/fleetd/internal/scheduler"
	"pkt.systems/fleetd/internal/storage"
	"pkt.systems/fleetd/internal/tenant"
)

// Server assembles the coordination core of one fleetd node: the shared
// relational store, the lease-backed lock manager, the cleanup scheduler,
// and the action completion workflow.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	store      *storage.Store
	bus        *events.Bus
	locks      *lock.Manager
	registry   *cleanup.Registry
	scheduler  *scheduler.Scheduler
	workflow   *deployment.Workflow
	telemetry  *telemetryBundle
	registerer *prometheus.Registry

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Tasks  []cleanup.Task
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithCleanupTask registers an additional maintenance task beyond the
// built-in set.
func WithCleanupTask(t cleanup.Task) Option {
	return func(o *options) {
		o.Tasks = append(o.Tasks, t)
	}
}

// NewServer constructs a fleetd node according to cfg. The store is opened
// and migrated immediately; background loops start with Start.
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	registerer := prometheus.NewRegistry()
	bus := events.NewBus(logger)
	store, err := storage.Open(ctx, storage.Config{
		Driver:       cfg.Driver,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
		Logger:       logger,
		Bus:          bus,
	})
	if err != nil {
		return nil, err
	}

	locks := lock.New(lock.Config{
		Store:           store,
		Clock:           clk,
		Logger:          logger,
		Metrics:         lock.NewMetrics(registerer),
		ClientID:        cfg.ClientID,
		TTL:             cfg.LockTTL,
		RefreshInterval: cfg.LockRefreshInterval,
	})

	registry := cleanup.NewRegistry()
	configs := tenant.Configs{Reader: store}
	if err := registry.Register(cleanup.NewActionCleanup(store, configs, clk, logger)); err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, task := range o.Tasks {
		if err := registry.Register(task); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	sched := scheduler.New(scheduler.Config{
		Tenants:      store,
		Identity:     tenant.SystemIdentity{},
		Locks:        locks,
		Registry:     registry,
		Clock:        clk,
		Logger:       logger,
		Metrics:      scheduler.NewMetrics(registerer),
		Interval:     cfg.CleanupInterval,
		InitialDelay: cfg.CleanupInitialDelay,
	})

	return &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		store:      store,
		bus:        bus,
		locks:      locks,
		registry:   registry,
		scheduler:  sched,
		workflow:   deployment.New(store, clk, logger),
		registerer: registerer,
	}, nil
}

// Start launches the lease refresher, the cleanup scheduler, and the
// metrics listener when configured.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.shutdown {
		return nil
	}
	if s.cfg.MetricsListen != "" {
		tb, err := startTelemetry(s.cfg.MetricsListen, s.registerer, s.logger)
		if err != nil {
			return err
		}
		s.telemetry = tb
	}
	s.locks.Start()
	s.scheduler.Start(ctx)
	s.started = true
	s.logger.Info("server.started",
		"driver", s.cfg.Driver,
		"client_id", s.locks.ClientID(),
		"cleanup_interval", s.cfg.CleanupInterval.String(),
	)
	return nil
}

// Shutdown stops background loops, releases held leases, and closes the
// store. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	if s.started {
		s.scheduler.Stop()
		s.locks.Stop()
		for _, key := range s.locks.HeldKeys() {
			if _, err := s.locks.Release(ctx, key); err != nil {
				s.logger.Warn("server.shutdown.release_failed", "key", key, "error", err)
			}
		}
	}
	if s.telemetry != nil {
		s.telemetry.Shutdown(ctx)
		s.telemetry = nil
	}
	err := s.store.Close()
	s.logger.Info("server.stopped")
	return err
}

// Store exposes the relational store for embedding callers.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Bus exposes the repository event bus for subscribers.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Locks exposes the distributed lock manager.
func (s *Server) Locks() *lock.Manager {
	return s.locks
}

// Deployments exposes the action completion workflow.
func (s *Server) Deployments() *deployment.Workflow {
	return s.workflow
}

// RunCleanupCycle triggers one cleanup cycle immediately, outside the
// scheduler cadence.
func (s *Server) RunCleanupCycle(ctx context.Context) {
	s.scheduler.RunOnce(ctx)
}
