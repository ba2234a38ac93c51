package storage

import (
	"context"
	"testing"
	"time"
)

func seedTargetWithAction(t *testing.T, s *Store, tenant string, status Status, active bool, age time.Duration) (*Target, *Action) {
	t.Helper()
	ctx := context.Background()
	tg := &Target{Tenant: tenant, ControllerID: "dev-" + t.Name()}
	if err := s.InsertTarget(ctx, tg); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	a := &Action{
		Tenant:            tenant,
		TargetID:          tg.ID,
		DistributionSetID: 1,
		Status:            status,
		Active:            active,
		LastModified:      time.Now().UTC().Add(-age),
	}
	if err := s.InsertAction(ctx, a); err != nil {
		t.Fatalf("insert action: %v", err)
	}
	return tg, a
}

func TestDeleteStaleActionsMatchesCriteria(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	tg := &Target{Tenant: "t1", ControllerID: "dev-1"}
	if err := s.InsertTarget(ctx, tg); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	mk := func(status Status, active bool, age time.Duration) *Action {
		a := &Action{Tenant: "t1", TargetID: tg.ID, DistributionSetID: 1,
			Status: status, Active: active, LastModified: time.Now().UTC().Add(-age)}
		if err := s.InsertAction(ctx, a); err != nil {
			t.Fatalf("insert action: %v", err)
		}
		return a
	}

	stale := mk(StatusCanceled, false, 48*time.Hour)
	wrongStatus := mk(StatusFinished, false, 48*time.Hour)
	tooRecent := mk(StatusCanceled, false, time.Hour)
	stillActive := mk(StatusCanceled, true, 48*time.Hour)

	n, err := s.DeleteActionsByStatusAndLastModifiedBefore(ctx, "t1", []Status{StatusCanceled, StatusError}, cutoff)
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}

	if _, err := s.ActionByID(ctx, stale.ID); err == nil {
		t.Fatal("stale action should be gone")
	}
	for _, a := range []*Action{wrongStatus, tooRecent, stillActive} {
		if _, err := s.ActionByID(ctx, a.ID); err != nil {
			t.Fatalf("action %d should survive: %v", a.ID, err)
		}
	}
}

func TestDeleteStaleActionsScopedToTenant(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, a1 := seedTargetWithAction(t, s, "t1", StatusCanceled, false, 48*time.Hour)
	tg2 := &Target{Tenant: "t2", ControllerID: "dev-2"}
	if err := s.InsertTarget(ctx, tg2); err != nil {
		t.Fatalf("insert target: %v", err)
	}
	a2 := &Action{Tenant: "t2", TargetID: tg2.ID, DistributionSetID: 1,
		Status: StatusCanceled, Active: false, LastModified: time.Now().UTC().Add(-48 * time.Hour)}
	if err := s.InsertAction(ctx, a2); err != nil {
		t.Fatalf("insert action: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := s.DeleteActionsByStatusAndLastModifiedBefore(ctx, "t1", []Status{StatusCanceled}, cutoff); err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if _, err := s.ActionByID(ctx, a1.ID); err == nil {
		t.Fatal("t1 stale action should be gone")
	}
	if _, err := s.ActionByID(ctx, a2.ID); err != nil {
		t.Fatalf("t2 action must be untouched: %v", err)
	}
}

func TestDeleteStaleActionsEmptyStatusSetIsNoop(t *testing.T) {
	s := newTestStore(t, nil)
	_, a := seedTargetWithAction(t, s, "t1", StatusCanceled, false, 48*time.Hour)

	n, err := s.DeleteActionsByStatusAndLastModifiedBefore(context.Background(), "t1", nil, time.Now())
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no deletions, got %d", n)
	}
	if _, err := s.ActionByID(context.Background(), a.ID); err != nil {
		t.Fatalf("action must survive: %v", err)
	}
}

func TestActionStatusHistoryOrder(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	_, a := seedTargetWithAction(t, s, "t1", StatusRunning, true, 0)

	err := s.WithinTx(ctx, func(ctx context.Context, tx *Tx) error {
		for i, st := range []Status{StatusRunning, StatusFinished} {
			rec := &ActionStatus{ActionID: a.ID, Status: st,
				OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Second)}
			if err := tx.InsertActionStatus(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	history, err := s.ActionStatusHistory(ctx, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(history))
	}
	if history[0].Status != StatusRunning || history[1].Status != StatusFinished {
		t.Fatalf("unexpected order: %v, %v", history[0].Status, history[1].Status)
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := ParseStatus(" Canceled "); err != nil || st != StatusCanceled {
		t.Fatalf("ParseStatus canceled: %v %v", st, err)
	}
	if _, err := ParseStatus("nope"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
