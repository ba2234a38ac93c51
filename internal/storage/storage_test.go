package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fleetd/internal/events"
)

var testStoreSeq atomic.Int64

// newTestStore opens a shared-cache in-memory SQLite store unique to the
// calling test.
func newTestStore(t *testing.T, bus *events.Bus) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=ON",
		name, testStoreSeq.Add(1))
	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    dsn,
		Bus:    bus,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsMissingDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	got := s.rebind(`SELECT * FROM leases WHERE lock_key = ? AND expires_at <= ?`)
	want := `SELECT * FROM leases WHERE lock_key = $1 AND expires_at <= $2`
	if got != want {
		t.Fatalf("rebind mismatch:\n got %s\nwant %s", got, want)
	}
	s = &Store{driver: DriverSQLite}
	q := `DELETE FROM leases WHERE lock_key = ?`
	if got := s.rebind(q); got != q {
		t.Fatalf("sqlite rebind must be identity, got %s", got)
	}
}

func TestWithinTxCommitPublishesDeferredEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var published []events.Event
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		published = append(published, ev)
	})
	s := newTestStore(t, bus)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, _ *Tx) error {
		events.Defer(ctx, events.ActionUpdated{ActionID: 1, Status: "finished"})
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("expected 1 event after commit, got %d", len(published))
	}
}

func TestWithinTxRollbackDiscardsDeferredEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var published []events.Event
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		published = append(published, ev)
	})
	s := newTestStore(t, bus)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, _ *Tx) error {
		events.Defer(ctx, events.ActionUpdated{ActionID: 1})
		return boom
	})
	if err == nil {
		t.Fatal("expected error from tx")
	}
	if len(published) != 0 {
		t.Fatalf("rolled-back tx must not publish, got %d events", len(published))
	}
}

func TestWithinTxRollsBackWrites(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	tg := &Target{Tenant: "t1", ControllerID: "dev-1"}
	if err := s.InsertTarget(ctx, tg); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	a := &Action{Tenant: "t1", TargetID: tg.ID, DistributionSetID: 5,
		Status: StatusPending, Active: true, LastModified: time.Now()}
	if err := s.InsertAction(ctx, a); err != nil {
		t.Fatalf("insert action: %v", err)
	}

	err := s.WithinTx(ctx, func(ctx context.Context, tx *Tx) error {
		loaded, err := tx.GetAction(ctx, a.ID)
		if err != nil {
			return err
		}
		loaded.Status = StatusFinished
		loaded.Active = false
		if err := tx.UpdateAction(ctx, loaded); err != nil {
			return err
		}
		return fmt.Errorf("injected failure")
	})
	if err == nil {
		t.Fatal("expected injected failure")
	}

	after, err := s.ActionByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload action: %v", err)
	}
	if after.Status != StatusPending || !after.Active {
		t.Fatalf("rollback leaked: status=%s active=%v", after.Status, after.Active)
	}
}
