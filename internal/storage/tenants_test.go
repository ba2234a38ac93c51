package storage

import (
	"context"
	"fmt"
	"testing"
)

func TestForEachTenantOrdersByName(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo", "alpha"} {
		if err := s.EnsureTenant(ctx, name); err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
	}

	var seen []string
	err := s.ForEachTenant(ctx, func(_ context.Context, tenant string) error {
		seen = append(seen, tenant)
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestForEachTenantStopsOnError(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if err := s.EnsureTenant(ctx, name); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	count := 0
	err := s.ForEachTenant(ctx, func(_ context.Context, _ string) error {
		count++
		if count == 2 {
			return fmt.Errorf("stop here")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected callback error to propagate")
	}
	if count != 2 {
		t.Fatalf("iteration should stop at 2, got %d", count)
	}
}

func TestTenantConfigRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, ok, err := s.GetTenantConfig(ctx, "t1", "action.cleanup.enabled"); err != nil || ok {
		t.Fatalf("unset key: ok=%v err=%v", ok, err)
	}
	if err := s.SetTenantConfig(ctx, "t1", "action.cleanup.enabled", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := s.GetTenantConfig(ctx, "t1", "action.cleanup.enabled")
	if err != nil || !ok || val != "true" {
		t.Fatalf("get: val=%q ok=%v err=%v", val, ok, err)
	}

	// Upsert replaces the value.
	if err := s.SetTenantConfig(ctx, "t1", "action.cleanup.enabled", "false"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	val, _, _ = s.GetTenantConfig(ctx, "t1", "action.cleanup.enabled")
	if val != "false" {
		t.Fatalf("expected upserted value, got %q", val)
	}

	// Per-tenant isolation.
	if _, ok, _ := s.GetTenantConfig(ctx, "t2", "action.cleanup.enabled"); ok {
		t.Fatal("t2 must not see t1 configuration")
	}
}
