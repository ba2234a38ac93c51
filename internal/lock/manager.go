// Package lock implements the cluster-wide lease primitive. A lease is a
// row in the shared relational store; the table's uniqueness constraint is
// the only mutual-exclusion mechanism between nodes, so a node that stalls
// past its TTL loses ownership automatically and another node may reclaim
// the key.
package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/retry"
	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/storage"
)

const (
	// DefaultTTL is the lease lifetime granted on acquisition.
	DefaultTTL = 5 * time.Minute
	// DefaultRefreshInterval is the tick period of the refresh loop.
	DefaultRefreshInterval = 2 * time.Second
	// DefaultRefreshOnRemain triggers a refresh when less than this much
	// lease life remains.
	DefaultRefreshOnRemain = 4 * time.Minute
	// DefaultRefreshOnRemainPercent triggers a refresh when less than this
	// percentage of the TTL remains. The effective threshold is the larger
	// of the absolute and percentage values.
	DefaultRefreshOnRemainPercent = 80
	// DefaultReleaseAttempts bounds delete retries under store contention.
	DefaultReleaseAttempts = 10
	// DefaultReleaseRetryDelay spaces the release retries.
	DefaultReleaseRetryDelay = 100 * time.Millisecond
)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	InsertLease(ctx context.Context, l storage.Lease) error
	DeleteExpiredLease(ctx context.Context, key string, now time.Time) error
	DeleteLease(ctx context.Context, key string) (bool, error)
	RefreshLease(ctx context.Context, key, clientID string, expiresAt time.Time) (bool, error)
}

// Config assembles a Manager.
type Config struct {
	Store    Store
	Clock    clock.Clock
	Logger   pslog.Logger
	Metrics  *Metrics
	ClientID string

	TTL                    time.Duration
	RefreshInterval        time.Duration
	RefreshOnRemain        time.Duration
	RefreshOnRemainPercent int
	ReleaseAttempts        int
	ReleaseRetryDelay      time.Duration

	// OnLost is invoked when a refresh discovers the lease was reclaimed
	// by another node. The running task is not preempted; it must already
	// be idempotent.
	OnLost func(key string)
}

// Manager acquires, releases, and refreshes leases for one process.
type Manager struct {
	store    Store
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *Metrics
	clientID string

	refreshInterval   time.Duration
	refreshOnRemain   time.Duration
	refreshPercent    int
	releaseAttempts   int
	releaseRetryDelay time.Duration
	onLost            func(key string)

	mu   sync.Mutex
	ttl  time.Duration
	held map[string]time.Time // key -> expiry as last written by this node

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager with defaults applied.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshOnRemain <= 0 {
		cfg.RefreshOnRemain = DefaultRefreshOnRemain
	}
	if cfg.RefreshOnRemainPercent <= 0 || cfg.RefreshOnRemainPercent > 100 {
		cfg.RefreshOnRemainPercent = DefaultRefreshOnRemainPercent
	}
	if cfg.ReleaseAttempts <= 0 {
		cfg.ReleaseAttempts = DefaultReleaseAttempts
	}
	if cfg.ReleaseRetryDelay <= 0 {
		cfg.ReleaseRetryDelay = DefaultReleaseRetryDelay
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}
	return &Manager{
		store:             cfg.Store,
		clock:             clk,
		logger:            logger,
		metrics:           cfg.Metrics,
		clientID:          clientID,
		refreshInterval:   cfg.RefreshInterval,
		refreshOnRemain:   cfg.RefreshOnRemain,
		refreshPercent:    cfg.RefreshOnRemainPercent,
		releaseAttempts:   cfg.ReleaseAttempts,
		releaseRetryDelay: cfg.ReleaseRetryDelay,
		onLost:            cfg.OnLost,
		ttl:               cfg.TTL,
		held:              make(map[string]time.Time),
	}
}

func generateClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()
}

// ClientID identifies this process in lease rows.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Acquire attempts to take the lease for key. It returns (true, nil) when
// this node now owns the key, (false, nil) on ordinary contention, and
// (false, err) when the store is unhealthy, a distinct "try later" signal
// that must not be read as "the lock is free".
//
// The reclaim-then-insert runs on the bare connection pool so the committed
// outcome is visible regardless of any transaction the caller is in.
func (m *Manager) Acquire(ctx context.Context, key string) (bool, error) {
	now := m.clock.Now()
	if err := m.store.DeleteExpiredLease(ctx, key, now); err != nil {
		if errors.Is(err, storage.ErrContention) {
			m.observeAcquire("contended")
			m.logger.Debug("lock.acquire.contended", "key", key, "phase", "reclaim", "error", err)
			return false, nil
		}
		m.observeAcquire("unavailable")
		m.logger.Warn("lock.acquire.unavailable", "key", key, "error", err)
		return false, err
	}

	lease := storage.Lease{
		LockKey:   key,
		ClientID:  m.clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TimeToLive()),
	}
	err := m.store.InsertLease(ctx, lease)
	switch {
	case err == nil:
		m.mu.Lock()
		m.held[key] = lease.ExpiresAt
		heldCount := len(m.held)
		m.mu.Unlock()
		m.observeAcquire("acquired")
		m.setHeldGauge(heldCount)
		m.logger.Debug("lock.acquire.ok", "key", key, "expires_at", lease.ExpiresAt)
		return true, nil
	case errors.Is(err, storage.ErrContention):
		m.observeAcquire("contended")
		m.logger.Debug("lock.acquire.contended", "key", key, "error", err)
		return false, nil
	case errors.Is(err, storage.ErrUnavailable):
		m.observeAcquire("unavailable")
		m.logger.Warn("lock.acquire.unavailable", "key", key, "error", err)
		return false, err
	default:
		m.observeAcquire("error")
		return false, err
	}
}

// Release drops the lease for key. Deleting an absent row is success, so
// Release is idempotent. Transient contention is retried a bounded number of
// times; when the bound is exhausted it gives up with (false, nil); the
// lease will lapse at TTL instead.
func (m *Manager) Release(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	delete(m.held, key)
	heldCount := len(m.held)
	m.mu.Unlock()
	m.setHeldGauge(heldCount)

	var existed bool
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			existed, err = m.store.DeleteLease(ctx, key)
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, storage.ErrContention) && !errors.Is(err, storage.ErrUnavailable)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			m.logger.Debug("lock.release.retry", "key", key, "attempt", attempt, "error", lastErr)
		},
		Attempts: m.releaseAttempts,
		Delay:    m.releaseRetryDelay,
		Clock:    m.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			m.observeRelease("exhausted")
			m.logger.Warn("lock.release.giveup",
				"key", key,
				"attempts", m.releaseAttempts,
				"error", retry.LastError(err),
			)
			return false, nil
		}
		m.observeRelease("error")
		return false, err
	}
	m.observeRelease("released")
	m.logger.Debug("lock.release.ok", "key", key, "existed", existed)
	return true, nil
}

// SetTimeToLive changes the TTL for subsequently acquired leases. Refresh
// decisions always read the live value.
func (m *Manager) SetTimeToLive(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.ttl = d
	m.mu.Unlock()
}

// TimeToLive returns the TTL applied to new leases.
func (m *Manager) TimeToLive() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl
}

// Held reports whether this node believes it owns key.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

// HeldCount returns the number of leases this node believes it owns.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// HeldKeys returns the keys this node believes it owns.
func (m *Manager) HeldKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.held))
	for key := range m.held {
		keys = append(keys, key)
	}
	return keys
}

// Start launches the refresh loop. Safe to call once per manager.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := m.clock.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				m.RefreshTick(context.Background())
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// RefreshTick extends every held lease whose remaining life fell below the
// refresh threshold. Exported so tests and callers with their own timers can
// drive it directly.
//
// The held map is snapshotted first; the store round-trips run without the
// lock so refreshes do not serialize behind store latency.
func (m *Manager) RefreshTick(ctx context.Context) {
	m.mu.Lock()
	ttl := m.ttl
	snapshot := make(map[string]time.Time, len(m.held))
	for key, expiresAt := range m.held {
		snapshot[key] = expiresAt
	}
	m.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	threshold := m.refreshThreshold(ttl)
	now := m.clock.Now()
	for key, expiresAt := range snapshot {
		if expiresAt.Sub(now) > threshold {
			continue
		}
		m.refreshOne(ctx, key, expiresAt, ttl)
	}
}

func (m *Manager) refreshOne(ctx context.Context, key string, expiresAt time.Time, ttl time.Duration) {
	timeout := 2 * time.Second
	if ttl < timeout {
		timeout = ttl
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := m.clock.Now()
	newExpiry := now.Add(ttl)
	ok, err := m.store.RefreshLease(opCtx, key, m.clientID, newExpiry)
	if err != nil {
		// Transient store trouble: keep believing in the lease until its
		// own expiry passes, matching what other nodes can observe.
		if errors.Is(err, storage.ErrUnavailable) && expiresAt.After(now) {
			m.observeRefresh("unavailable")
			m.logger.Warn("lock.refresh.unavailable", "key", key, "action", "keep", "error", err)
			return
		}
		m.observeRefresh("lost")
		m.dropLost(key)
		m.logger.Warn("lock.refresh.lost", "key", key, "error", err)
		return
	}
	if !ok {
		m.observeRefresh("lost")
		m.dropLost(key)
		m.logger.Warn("lock.refresh.lost", "key", key, "reason", "reclaimed")
		return
	}
	m.mu.Lock()
	if _, still := m.held[key]; still {
		m.held[key] = newExpiry
	}
	m.mu.Unlock()
	m.observeRefresh("extended")
	m.logger.Debug("lock.refresh.extended", "key", key, "expires_at", newExpiry)
}

func (m *Manager) dropLost(key string) {
	m.mu.Lock()
	_, had := m.held[key]
	delete(m.held, key)
	heldCount := len(m.held)
	m.mu.Unlock()
	m.setHeldGauge(heldCount)
	if had && m.onLost != nil {
		m.onLost(key)
	}
}

func (m *Manager) refreshThreshold(ttl time.Duration) time.Duration {
	pct := ttl * time.Duration(m.refreshPercent) / 100
	if m.refreshOnRemain > pct {
		return m.refreshOnRemain
	}
	return pct
}

func (m *Manager) observeAcquire(result string) {
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) observeRelease(result string) {
	if m.metrics != nil {
		m.metrics.ReleaseTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) observeRefresh(result string) {
	if m.metrics != nil {
		m.metrics.RefreshTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) setHeldGauge(n int) {
	if m.metrics != nil {
		m.metrics.Held.Set(float64(n))
	}
}
