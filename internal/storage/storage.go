// Package storage is the relational persistence layer shared by every node
// in the cluster. The leases table is the only cross-node coordination
// substrate; actions, targets, and tenant configuration live beside it under
// ordinary transactional isolation.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/events"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config controls how the store is opened.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          pslog.Logger
	Bus             *events.Bus
}

// Store wraps the database handle plus dialect-aware SQL helpers.
type Store struct {
	db     *sql.DB
	driver string
	logger pslog.Logger
	bus    *events.Bus
}

// Open connects, tunes the pool, pings, and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage: dsn is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}

	var driverName, dsn string
	switch cfg.Driver {
	case DriverSQLite:
		driverName = "sqlite3"
		dsn = sqliteDSN(cfg.DSN)
	case DriverPostgres:
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", classify(err))
	}

	s := &Store{
		db:     db,
		driver: cfg.Driver,
		logger: cfg.Logger,
		bus:    cfg.Bus,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx scopes repository operations to one database transaction.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// WithinTx runs fn inside a single transaction at read-committed isolation.
// Events deferred by fn via the events package publish only after a
// successful commit. On any error the transaction rolls back and the pending
// events are discarded.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("storage: begin: %w", classify(err))
	}
	txCtx, pending := events.WithPending(ctx)
	if err := fn(txCtx, &Tx{tx: sqlTx, s: s}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", classify(err))
	}
	if s.bus != nil {
		s.bus.Publish(ctx, pending.Drain()...)
	}
	return nil
}

// rebind converts ?-style placeholders into the dialect's native form.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || strings.HasPrefix(path, "file:") {
		return path
	}
	// Busy timeout keeps concurrent acquire attempts from surfacing as hard
	// failures; WAL lets readers proceed under writer load.
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)
}

func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
