package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/storage"
	"pkt.systems/fleetd/internal/tenant"
)

// Tenant configuration keys consulted on every run. Values are read at
// execution time so an operator change takes effect on the next cycle
// without a restart.
const (
	KeyActionCleanupEnabled = "action.cleanup.enabled"
	KeyActionCleanupExpiry  = "action.cleanup.actionExpiry"
	KeyActionCleanupStatus  = "action.cleanup.actionStatus"
)

// DefaultActionExpiry is how long a closed action is kept before it
// becomes eligible for deletion, unless the tenant overrides it.
const DefaultActionExpiry = 30 * 24 * time.Hour

// ActionStore is the slice of the relational store the action cleanup
// task needs.
type ActionStore interface {
	DeleteActionsByStatusAndLastModifiedBefore(ctx context.Context, tenant string, statuses []storage.Status, before time.Time) (int64, error)
}

// ActionCleanup deletes closed actions that match a tenant-configured
// status set and have not been modified within the tenant's expiry
// window. Deleting rows that are already gone is a no-op, so the task
// is idempotent.
type ActionCleanup struct {
	store   ActionStore
	configs tenant.Configs
	clock   clock.Clock
	logger  pslog.Logger
}

func NewActionCleanup(store ActionStore, configs tenant.Configs, clk clock.Clock, logger pslog.Logger) *ActionCleanup {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &ActionCleanup{store: store, configs: configs, clock: clk, logger: logger}
}

func (*ActionCleanup) ID() string {
	return "action-cleanup"
}

// Run executes one cleanup cycle for the tenant bound to ctx.
func (c *ActionCleanup) Run(ctx context.Context) error {
	tn, ok := tenant.Current(ctx)
	if !ok {
		return fmt.Errorf("action cleanup invoked without a tenant")
	}
	if !c.configs.Bool(ctx, tn, KeyActionCleanupEnabled, false) {
		c.logger.Debug("cleanup.actions.disabled", "tenant", tn)
		return nil
	}
	statuses, err := c.statusFilter(ctx, tn)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		c.logger.Debug("cleanup.actions.skip", "tenant", tn, "reason", "no status filter configured")
		return nil
	}
	expiry := c.configs.Duration(ctx, tn, KeyActionCleanupExpiry, DefaultActionExpiry)
	cutoff := c.clock.Now().Add(-expiry)
	deleted, err := c.store.DeleteActionsByStatusAndLastModifiedBefore(ctx, tn, statuses, cutoff)
	if err != nil {
		return fmt.Errorf("delete expired actions for tenant %s: %w", tn, err)
	}
	c.logger.Info("cleanup.actions.done",
		"tenant", tn,
		"deleted", deleted,
		"expiry", expiry.String(),
	)
	return nil
}

func (c *ActionCleanup) statusFilter(ctx context.Context, tn string) ([]storage.Status, error) {
	raw := c.configs.String(ctx, tn, KeyActionCleanupStatus, "")
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]storage.Status, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		st, err := storage.ParseStatus(p)
		if err != nil {
			return nil, fmt.Errorf("tenant %s %s: %w", tn, KeyActionCleanupStatus, err)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
