package fleetd

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/fleetd/internal/lock"
	"pkt.systems/fleetd/internal/scheduler"
	"pkt.systems/fleetd/internal/storage"
)

const (
	// DefaultDriver selects the embedded SQLite backend when no driver is
	// configured. Multi-node deployments must use "postgres".
	DefaultDriver = storage.DriverSQLite
	// DefaultDSN points the server at a local database file.
	DefaultDSN = "fleetd.db"
	// DefaultMetricsListen is the metrics endpoint bind address (Prometheus
	// scrape). Empty disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultLockTTL is how long a coordination lease lives without refresh.
	DefaultLockTTL = lock.DefaultTTL
	// DefaultLockRefreshInterval is the cadence of the background lease
	// refresher.
	DefaultLockRefreshInterval = lock.DefaultRefreshInterval
	// DefaultCleanupInterval is how often each node attempts a cleanup cycle.
	DefaultCleanupInterval = scheduler.DefaultInterval
	// DefaultCleanupInitialDelay staggers the first cycle after startup.
	DefaultCleanupInitialDelay = time.Minute
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxOpenConns bounds the database connection pool.
	DefaultMaxOpenConns = 10
)

// Config describes a fleetd node.
type Config struct {
	// Driver selects the database backend ("sqlite" or "postgres").
	Driver string
	// DSN is the database connection string.
	DSN string
	// MaxOpenConns bounds the connection pool; 0 uses the default.
	MaxOpenConns int
	// ClientID identifies this node in lease rows. Empty derives one from
	// hostname plus a random suffix.
	ClientID string
	// MetricsListen is the metrics endpoint bind address; empty disables
	// metrics.
	MetricsListen string
	// LockTTL is the lease lifetime for coordination locks.
	LockTTL time.Duration
	// LockRefreshInterval is how often held leases are refreshed.
	LockRefreshInterval time.Duration
	// CleanupInterval is the cleanup scheduler cadence.
	CleanupInterval time.Duration
	// CleanupInitialDelay delays the first cleanup cycle after startup.
	// Zero uses the default; negative disables the delayed first cycle.
	CleanupInitialDelay time.Duration
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate normalizes cfg in place and reports configuration errors.
func (c *Config) Validate() error {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	switch c.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("fleetd: unsupported driver %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		c.DSN = DefaultDSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockRefreshInterval <= 0 {
		c.LockRefreshInterval = DefaultLockRefreshInterval
	}
	if c.LockRefreshInterval >= c.LockTTL {
		return fmt.Errorf("fleetd: lock refresh interval %s must be below the ttl %s",
			c.LockRefreshInterval, c.LockTTL)
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.CleanupInitialDelay == 0 {
		c.CleanupInitialDelay = DefaultCleanupInitialDelay
	} else if c.CleanupInitialDelay < 0 {
		c.CleanupInitialDelay = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
