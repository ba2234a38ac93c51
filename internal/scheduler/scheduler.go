// Package scheduler drives the registered cleanup tasks on a fixed
// interval. Every node in the cluster runs a scheduler; a per-(task,
// tenant) lease decides which node actually executes each pair, so each
// pair runs on exactly one node per cycle.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/cleanup"
	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/correlation"
	"pkt.systems/fleetd/internal/tenant"
)

// DefaultInterval is how often each node attempts a full cleanup cycle.
const DefaultInterval = 24 * time.Hour

// LockKeyPrefix namespaces scheduler leases in the shared lease table.
const LockKeyPrefix = "auto-cleanup"

// Locks is the slice of the lock manager the scheduler uses.
type Locks interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
}

// Config assembles a Scheduler.
type Config struct {
	Tenants  tenant.Provider
	Identity tenant.Identity
	Locks    Locks
	Registry *cleanup.Registry

	Clock   clock.Clock
	Logger  pslog.Logger
	Metrics *Metrics

	// Interval between cycles. Defaults to DefaultInterval.
	Interval time.Duration
	// InitialDelay before the first cycle. Zero runs the first cycle on
	// the first tick rather than immediately at startup.
	InitialDelay time.Duration
}

// Scheduler runs each registered task once per tenant per cycle,
// cluster-wide.
type Scheduler struct {
	tenants  tenant.Provider
	identity tenant.Identity
	locks    Locks
	registry *cleanup.Registry
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *Metrics
	interval time.Duration
	delay    time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		tenants:  cfg.Tenants,
		identity: cfg.Identity,
		locks:    cfg.Locks,
		registry: cfg.Registry,
		clock:    clk,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		delay:    cfg.InitialDelay,
	}
}

// Start launches the cycle loop. Stop terminates it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	// Created here rather than in the goroutine so ticks cannot be lost
	// between Start returning and the loop reaching its select.
	ticker := s.clock.NewTicker(s.interval)
	go s.run(ctx, ticker)
}

func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (s *Scheduler) run(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	if s.delay > 0 {
		select {
		case <-s.clock.After(s.delay):
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
		s.RunOnce(ctx)
	}
	for {
		select {
		case <-ticker.C():
			s.RunOnce(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes a single cleanup cycle: every registered task against
// every known tenant, each pair guarded by its own lease. A failing or
// panicking pair never blocks the remaining pairs, and a lease the node
// could not obtain means another node owns that pair this cycle.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.registry == nil || s.registry.Len() == 0 {
		s.logger.Debug("scheduler.cycle.skip", "reason", "no tasks registered")
		return
	}
	ctx = correlation.Ensure(ctx)
	start := s.clock.Now()
	s.logger.Debug("scheduler.cycle.begin", "correlation_id", correlation.ID(ctx))
	var ran, skipped, failed int
	for _, task := range s.registry.Tasks() {
		err := s.tenants.ForEachTenant(ctx, func(ctx context.Context, tn string) error {
			switch s.runPair(ctx, task, tn) {
			case pairRan:
				ran++
			case pairSkipped:
				skipped++
			case pairFailed:
				failed++
			}
			return nil
		})
		if err != nil {
			s.logger.Error("scheduler.tenants.error", "task", task.ID(), "error", err)
			s.observeCycle("tenant_iteration_failed")
		}
	}
	s.logger.Info("scheduler.cycle.done",
		"correlation_id", correlation.ID(ctx),
		"ran", ran,
		"skipped", skipped,
		"failed", failed,
		"elapsed", s.clock.Now().Sub(start).String(),
	)
	s.observeCycle("done")
}

type pairResult int

const (
	pairRan pairResult = iota
	pairSkipped
	pairFailed
)

// LockKey returns the lease key guarding one (task, tenant) pair.
func LockKey(taskID, tn string) string {
	return LockKeyPrefix + "." + taskID + "." + tn
}

func (s *Scheduler) runPair(ctx context.Context, task cleanup.Task, tn string) pairResult {
	key := LockKey(task.ID(), tn)
	acquired, err := s.locks.Acquire(ctx, key)
	if err != nil {
		s.logger.Warn("scheduler.pair.lock_unavailable", "key", key, "error", err)
		s.observePair(task.ID(), "lock_unavailable")
		return pairFailed
	}
	if !acquired {
		s.logger.Debug("scheduler.pair.skip", "key", key, "reason", "held elsewhere")
		s.observePair(task.ID(), "skipped")
		return pairSkipped
	}
	defer func() {
		if _, err := s.locks.Release(ctx, key); err != nil {
			s.logger.Warn("scheduler.pair.release_failed", "key", key, "error", err)
		}
	}()
	if err := s.execute(ctx, task, tn); err != nil {
		s.logger.Error("scheduler.pair.failed", "key", key, "error", err)
		s.observePair(task.ID(), "failed")
		return pairFailed
	}
	s.observePair(task.ID(), "ok")
	return pairRan
}

// execute runs one task for one tenant under the system identity,
// converting panics into errors so a broken task cannot take down the
// cycle loop.
func (s *Scheduler) execute(ctx context.Context, task cleanup.Task, tn string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked for tenant %s: %v", task.ID(), tn, r)
		}
	}()
	return s.identity.AsSystem(ctx, tn, task.Run)
}

func (s *Scheduler) observeCycle(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.CyclesTotal.WithLabelValues(result).Inc()
}

func (s *Scheduler) observePair(taskID, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PairsTotal.WithLabelValues(taskID, result).Inc()
}
