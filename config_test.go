package fleetd

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Driver != DefaultDriver {
		t.Fatalf("driver %q", cfg.Driver)
	}
	if cfg.DSN != DefaultDSN {
		t.Fatalf("dsn %q", cfg.DSN)
	}
	if cfg.LockTTL != DefaultLockTTL {
		t.Fatalf("lock ttl %v", cfg.LockTTL)
	}
	if cfg.CleanupInterval != DefaultCleanupInterval {
		t.Fatalf("cleanup interval %v", cfg.CleanupInterval)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout %v", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Config{Driver: "oracle"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestConfigValidateRejectsRefreshAboveTTL(t *testing.T) {
	cfg := Config{
		LockTTL:             time.Second,
		LockRefreshInterval: 2 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("refresh interval above ttl accepted")
	}
}
