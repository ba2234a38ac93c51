package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/events"
	"pkt.systems/fleetd/internal/storage"
)

var testStoreSeq atomic.Int64

type captured struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *captured) handler(_ context.Context, ev events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *captured) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.evs {
		out = append(out, ev.Kind())
	}
	return out
}

func newFixture(t *testing.T) (*storage.Store, *captured) {
	t.Helper()
	rec := &captured{}
	bus := events.NewBus(nil)
	bus.Subscribe(rec.handler)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:deploy_%s_%d?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=ON",
		name, testStoreSeq.Add(1))
	s, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    dsn,
		Bus:    bus,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

// seedRunningUpdate creates target T1 with distribution set DS1 assigned
// and a pending, active action A1 driving that assignment.
func seedRunningUpdate(t *testing.T, s *storage.Store) (*storage.Target, *storage.Action) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureTenant(ctx, "acme"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	ds := int64(101)
	tg := &storage.Target{
		Tenant:                  "acme",
		ControllerID:            fmt.Sprintf("device-%d", testStoreSeq.Add(1)),
		AssignedDistributionSet: &ds,
		UpdateStatus:            storage.UpdateStatusPending,
	}
	if err := s.InsertTarget(ctx, tg); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	a := &storage.Action{
		Tenant:            "acme",
		TargetID:          tg.ID,
		DistributionSetID: ds,
		Status:            storage.StatusPending,
		Active:            true,
	}
	if err := s.InsertAction(ctx, a); err != nil {
		t.Fatalf("insert action: %v", err)
	}
	return tg, a
}

func TestFinishClosesActionAndCascades(t *testing.T) {
	store, rec := newFixture(t)
	tg, a := seedRunningUpdate(t, store)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	w := New(store, clk, nil)
	if err := w.Finish(ctx, a.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := store.ActionByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload action: %v", err)
	}
	if got.Active {
		t.Fatal("finished action still active")
	}
	if got.Status != storage.StatusFinished {
		t.Fatalf("action status %s, want finished", got.Status)
	}
	if !got.LastModified.Equal(clk.Now()) {
		t.Fatalf("last modified %v, want %v", got.LastModified, clk.Now())
	}

	target, err := store.TargetByID(ctx, tg.ID)
	if err != nil {
		t.Fatalf("reload target: %v", err)
	}
	if target.InstalledDistributionSet == nil || *target.InstalledDistributionSet != a.DistributionSetID {
		t.Fatalf("installed set = %v, want %d", target.InstalledDistributionSet, a.DistributionSetID)
	}
	if target.InstallationDate == nil || !target.InstallationDate.Equal(clk.Now()) {
		t.Fatalf("installation date = %v, want %v", target.InstallationDate, clk.Now())
	}
	if target.UpdateStatus != storage.UpdateStatusInSync {
		t.Fatalf("update status %s, want in_sync", target.UpdateStatus)
	}

	history, err := store.ActionStatusHistory(ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != storage.StatusFinished {
		t.Fatalf("unexpected history %+v", history)
	}

	if kinds := rec.kinds(); strings.Join(kinds, ",") != "action.updated,target.updated" {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestFinishLeavesOutOfSyncWhenAssignmentMoved(t *testing.T) {
	store, _ := newFixture(t)
	tg, a := seedRunningUpdate(t, store)
	ctx := context.Background()

	// Operator assigned a newer set while the device was still installing
	// the old one.
	newer := int64(202)
	tg.AssignedDistributionSet = &newer
	if err := store.WithinTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return tx.UpdateTarget(ctx, tg)
	}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	w := New(store, clock.NewManual(time.Unix(1_700_000_000, 0)), nil)
	if err := w.Finish(ctx, a.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	target, err := store.TargetByID(ctx, tg.ID)
	if err != nil {
		t.Fatalf("reload target: %v", err)
	}
	if target.UpdateStatus == storage.UpdateStatusInSync {
		t.Fatal("target must not be in_sync when assigned set differs from installed")
	}
	if target.InstalledDistributionSet == nil || *target.InstalledDistributionSet != a.DistributionSetID {
		t.Fatal("installed set must still record the finished action's set")
	}
}

func TestFinishIdempotent(t *testing.T) {
	store, rec := newFixture(t)
	_, a := seedRunningUpdate(t, store)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	w := New(store, clk, nil)
	if err := w.Finish(ctx, a.ID); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	clk.Advance(time.Minute)
	if err := w.Finish(ctx, a.ID); err != nil {
		t.Fatalf("second finish must be a no-op, got %v", err)
	}

	history, err := store.ActionStatusHistory(ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("duplicate completion appended history, %d rows", len(history))
	}
	if kinds := rec.kinds(); len(kinds) != 2 {
		t.Fatalf("duplicate completion published events: %v", kinds)
	}
}

func TestErrorClearsAssignment(t *testing.T) {
	store, _ := newFixture(t)
	tg, a := seedRunningUpdate(t, store)
	ctx := context.Background()

	w := New(store, clock.NewManual(time.Unix(1_700_000_000, 0)), nil)
	if err := w.Error(ctx, a.ID, "flash verification failed"); err != nil {
		t.Fatalf("error transition: %v", err)
	}

	got, err := store.ActionByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload action: %v", err)
	}
	if got.Active || got.Status != storage.StatusError {
		t.Fatalf("action = %+v, want inactive error", got)
	}

	target, err := store.TargetByID(ctx, tg.ID)
	if err != nil {
		t.Fatalf("reload target: %v", err)
	}
	if target.AssignedDistributionSet != nil {
		t.Fatal("failed update must clear the assignment")
	}
	if target.UpdateStatus != storage.UpdateStatusError {
		t.Fatalf("update status %s, want error", target.UpdateStatus)
	}

	history, err := store.ActionStatusHistory(ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Message != "flash verification failed" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestFinishUnknownAction(t *testing.T) {
	store, _ := newFixture(t)
	w := New(store, clock.Real{}, nil)
	err := w.Finish(context.Background(), 424242)
	if !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

// TestCascadeAtomicity faults the transaction between the action update
// and the target cascade: nothing may persist and nothing may publish.
func TestCascadeAtomicity(t *testing.T) {
	store, rec := newFixture(t)
	tg, a := seedRunningUpdate(t, store)
	ctx := context.Background()

	w := New(store, clock.NewManual(time.Unix(1_700_000_000, 0)), nil)
	w.beforeTargetUpdate = func(context.Context) error {
		return errors.New("injected fault")
	}
	if err := w.Finish(ctx, a.ID); err == nil {
		t.Fatal("faulted completion must return an error")
	}

	got, err := store.ActionByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload action: %v", err)
	}
	if !got.Active || got.Status != storage.StatusPending {
		t.Fatalf("action mutated despite rollback: %+v", got)
	}
	target, err := store.TargetByID(ctx, tg.ID)
	if err != nil {
		t.Fatalf("reload target: %v", err)
	}
	if target.InstalledDistributionSet != nil {
		t.Fatal("target mutated despite rollback")
	}
	history, err := store.ActionStatusHistory(ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history row survived rollback: %+v", history)
	}
	if kinds := rec.kinds(); len(kinds) != 0 {
		t.Fatalf("events published for a rolled back transaction: %v", kinds)
	}

	// The same completion succeeds once the fault clears.
	w.beforeTargetUpdate = nil
	if err := w.Finish(ctx, a.ID); err != nil {
		t.Fatalf("retry after fault: %v", err)
	}
}
