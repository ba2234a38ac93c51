package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureTenant records a tenant name, ignoring duplicates.
func (s *Store) EnsureTenant(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("storage: tenant name is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tenants (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), name)
	if err != nil {
		return fmt.Errorf("storage: ensure tenant %q: %w", name, classify(err))
	}
	return nil
}

// ForEachTenant invokes fn for every known tenant in name order. The first
// error from fn stops the iteration.
func (s *Store) ForEachTenant(ctx context.Context, fn func(ctx context.Context, tenant string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM tenants ORDER BY name`)
	if err != nil {
		return fmt.Errorf("storage: list tenants: %w", classify(err))
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return classify(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	for _, name := range names {
		if err := fn(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// GetTenantConfig returns the raw value for (tenant, key) and whether it is
// set. Implements the tenant configuration collaborator.
func (s *Store) GetTenantConfig(ctx context.Context, tenant, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value FROM tenant_configs WHERE tenant = ? AND key = ?`), tenant, key).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get config %s/%s: %w", tenant, key, classify(err))
	}
	return value, true, nil
}

// SetTenantConfig upserts a configuration value for the tenant.
func (s *Store) SetTenantConfig(ctx context.Context, tenant, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO tenant_configs (tenant, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tenant, key) DO UPDATE SET value = excluded.value`),
		tenant, key, value)
	if err != nil {
		return fmt.Errorf("storage: set config %s/%s: %w", tenant, key, classify(err))
	}
	return nil
}
