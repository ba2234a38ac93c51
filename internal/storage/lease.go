package storage

import (
	"context"
	"fmt"
	"time"
)

// Lease is one row of the cluster-wide lock table. At most one live row
// exists per lock key; the primary-key constraint is what makes concurrent
// acquisition safe.
type Lease struct {
	LockKey   string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertLease adds a lease row. A live row for the same key surfaces as
// ErrContention. The statement runs on the bare pool, committing
// independently of any caller transaction, so the caller always observes the
// committed outcome.
func (s *Store) InsertLease(ctx context.Context, l Lease) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO leases (lock_key, client_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
		l.LockKey, l.ClientID, unixMilli(l.CreatedAt), unixMilli(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("storage: insert lease %q: %w", l.LockKey, classify(err))
	}
	return nil
}

// DeleteExpiredLease removes the row for key if its expiry has passed. This
// is the reclamation half of acquire: any node may clear an abandoned lease
// before inserting its own.
func (s *Store) DeleteExpiredLease(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM leases WHERE lock_key = ? AND expires_at <= ?`),
		key, unixMilli(now))
	if err != nil {
		return fmt.Errorf("storage: delete expired lease %q: %w", key, classify(err))
	}
	return nil
}

// DeleteLease unconditionally removes the row for key, reporting whether a
// row existed. Absence is not an error.
func (s *Store) DeleteLease(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM leases WHERE lock_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("storage: delete lease %q: %w", key, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete lease %q: %w", key, classify(err))
	}
	return n > 0, nil
}

// RefreshLease extends the expiry of a lease still owned by clientID,
// reporting whether the row was updated. A false return means ownership was
// lost: the row expired and another node reclaimed or removed it.
func (s *Store) RefreshLease(ctx context.Context, key, clientID string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE leases SET expires_at = ? WHERE lock_key = ? AND client_id = ?`),
		unixMilli(expiresAt), key, clientID)
	if err != nil {
		return false, fmt.Errorf("storage: refresh lease %q: %w", key, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: refresh lease %q: %w", key, classify(err))
	}
	return n > 0, nil
}

// ListLeases returns every lease row ordered by key. Operational
// inspection only; coordination never iterates the table.
func (s *Store) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lock_key, client_id, created_at, expires_at FROM leases ORDER BY lock_key`)
	if err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", classify(err))
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		var created, expires int64
		if err := rows.Scan(&l.LockKey, &l.ClientID, &created, &expires); err != nil {
			return nil, fmt.Errorf("storage: list leases: %w", classify(err))
		}
		l.CreatedAt = fromUnixMilli(created)
		l.ExpiresAt = fromUnixMilli(expires)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", classify(err))
	}
	return out, nil
}

// GetLease loads the row for key, or ErrNotFound.
func (s *Store) GetLease(ctx context.Context, key string) (*Lease, error) {
	var l Lease
	var created, expires int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT lock_key, client_id, created_at, expires_at FROM leases WHERE lock_key = ?`), key).
		Scan(&l.LockKey, &l.ClientID, &created, &expires)
	if err != nil {
		return nil, fmt.Errorf("storage: get lease %q: %w", key, classify(err))
	}
	l.CreatedAt = fromUnixMilli(created)
	l.ExpiresAt = fromUnixMilli(expires)
	return &l, nil
}
