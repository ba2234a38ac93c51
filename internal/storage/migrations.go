package storage

import (
	"context"
	"fmt"
)

// Schema statements are idempotent so migrate can run on every open.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS leases (
		lock_key   TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenants (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_configs (
		tenant TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (tenant, key)
	)`,
	`CREATE TABLE IF NOT EXISTS targets (
		id                           INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant                       TEXT NOT NULL,
		controller_id                TEXT NOT NULL,
		assigned_distribution_set_id  INTEGER,
		installed_distribution_set_id INTEGER,
		installation_date            INTEGER,
		update_status                TEXT NOT NULL DEFAULT 'unknown'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_tenant_controller
		ON targets (tenant, controller_id)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant               TEXT NOT NULL,
		target_id            INTEGER NOT NULL REFERENCES targets(id),
		distribution_set_id  INTEGER NOT NULL,
		status               TEXT NOT NULL,
		active               INTEGER NOT NULL DEFAULT 0,
		last_modified        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_tenant_status
		ON actions (tenant, status, last_modified)`,
	`CREATE TABLE IF NOT EXISTS action_statuses (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id   INTEGER NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		status      TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		message     TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS leases (
		lock_key   TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenants (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_configs (
		tenant TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (tenant, key)
	)`,
	`CREATE TABLE IF NOT EXISTS targets (
		id                           BIGSERIAL PRIMARY KEY,
		tenant                       TEXT NOT NULL,
		controller_id                TEXT NOT NULL,
		assigned_distribution_set_id  BIGINT,
		installed_distribution_set_id BIGINT,
		installation_date            BIGINT,
		update_status                TEXT NOT NULL DEFAULT 'unknown'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_tenant_controller
		ON targets (tenant, controller_id)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id                   BIGSERIAL PRIMARY KEY,
		tenant               TEXT NOT NULL,
		target_id            BIGINT NOT NULL REFERENCES targets(id),
		distribution_set_id  BIGINT NOT NULL,
		status               TEXT NOT NULL,
		active               BOOLEAN NOT NULL DEFAULT FALSE,
		last_modified        BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_tenant_status
		ON actions (tenant, status, last_modified)`,
	`CREATE TABLE IF NOT EXISTS action_statuses (
		id          BIGSERIAL PRIMARY KEY,
		action_id   BIGINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		status      TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		message     TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", classify(err))
		}
	}
	return nil
}
