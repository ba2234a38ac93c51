// Package tenant defines the collaborator seams between the coordination
// core and the surrounding multi-tenant system: tenant enumeration,
// tenant-scoped configuration, and scoped identity impersonation.
package tenant

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Provider enumerates the tenants known to the system.
type Provider interface {
	ForEachTenant(ctx context.Context, fn func(ctx context.Context, tenant string) error) error
}

// ConfigReader looks up raw tenant-scoped configuration values.
type ConfigReader interface {
	GetTenantConfig(ctx context.Context, tenant, key string) (string, bool, error)
}

// Configs adds typed accessors with defaults on top of a ConfigReader.
// Lookups happen at call time, never cached: settings may differ per tenant
// and change between scheduler ticks.
type Configs struct {
	Reader ConfigReader
}

// Bool returns the boolean value for (tenant, key), or def when unset or
// malformed.
func (c Configs) Bool(ctx context.Context, tenant, key string, def bool) bool {
	raw, ok, err := c.Reader.GetTenantConfig(ctx, tenant, key)
	if err != nil || !ok {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

// Duration returns the duration for (tenant, key). Plain integers are read
// as milliseconds; otherwise time.ParseDuration syntax applies.
func (c Configs) Duration(ctx context.Context, tenant, key string, def time.Duration) time.Duration {
	raw, ok, err := c.Reader.GetTenantConfig(ctx, tenant, key)
	if err != nil || !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

// String returns the raw value for (tenant, key), or def when unset.
func (c Configs) String(ctx context.Context, tenant, key string, def string) string {
	raw, ok, err := c.Reader.GetTenantConfig(ctx, tenant, key)
	if err != nil || !ok {
		return def
	}
	return raw
}
