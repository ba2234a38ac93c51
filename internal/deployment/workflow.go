// Package deployment implements the update action completion workflow:
// a controller reports the outcome of an update, and the action, its
// status history, and the owning target move to their terminal state in
// one transaction.
package deployment

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/fleetd/internal/clock"
	"pkt.systems/fleetd/internal/events"
	"pkt.systems/fleetd/internal/storage"
)

// ErrActionNotFound reports a completion for an action that does not
// exist.
var ErrActionNotFound = errors.New("deployment: action not found")

// Store is the transactional surface the workflow needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx *storage.Tx) error) error
}

// Workflow applies terminal transitions to update actions. All writes of
// one completion share a transaction: either the action, its history row,
// and the target cascade all land, or none do. Repository events raised
// during the transaction publish only after commit.
type Workflow struct {
	store  Store
	clock  clock.Clock
	logger pslog.Logger

	// beforeTargetUpdate runs inside the transaction between the action
	// update and the target cascade. Tests use it to fault the cascade.
	beforeTargetUpdate func(ctx context.Context) error
}

func New(store Store, clk clock.Clock, logger pslog.Logger) *Workflow {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Workflow{store: store, clock: clk, logger: logger}
}

// Finish marks an action successfully completed. The action goes
// inactive with status finished, a history row is appended, and the
// owning target records the installed distribution set. Completing an
// already closed action is a no-op, so duplicate controller reports are
// harmless.
func (w *Workflow) Finish(ctx context.Context, actionID int64) error {
	return w.complete(ctx, actionID, storage.StatusFinished, "")
}

// Error marks an action failed. The action goes inactive with status
// error, and the target drops its assignment and enters the error state
// so a later assignment starts clean.
func (w *Workflow) Error(ctx context.Context, actionID int64, message string) error {
	return w.complete(ctx, actionID, storage.StatusError, message)
}

func (w *Workflow) complete(ctx context.Context, actionID int64, terminal storage.Status, message string) error {
	return w.store.WithinTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		action, err := tx.GetAction(ctx, actionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: id %d", ErrActionNotFound, actionID)
			}
			return err
		}
		if !action.Active {
			w.logger.Warn("action.finish.noop",
				"action_id", actionID,
				"tenant", action.Tenant,
				"status", string(action.Status),
			)
			return nil
		}

		now := w.clock.Now()
		action.Active = false
		action.Status = terminal
		action.LastModified = now
		if err := tx.UpdateAction(ctx, action); err != nil {
			return err
		}
		if err := tx.InsertActionStatus(ctx, &storage.ActionStatus{
			ActionID:   actionID,
			Status:     terminal,
			OccurredAt: now,
			Message:    message,
		}); err != nil {
			return err
		}

		if w.beforeTargetUpdate != nil {
			if err := w.beforeTargetUpdate(ctx); err != nil {
				return err
			}
		}

		target, err := tx.GetTarget(ctx, action.TargetID)
		if err != nil {
			return err
		}
		switch terminal {
		case storage.StatusFinished:
			w.applyInstalled(target, action)
		case storage.StatusError:
			target.AssignedDistributionSet = nil
			target.UpdateStatus = storage.UpdateStatusError
		}
		if err := tx.UpdateTarget(ctx, target); err != nil {
			return err
		}

		events.Defer(ctx, events.ActionUpdated{
			Tenant:   action.Tenant,
			ActionID: action.ID,
			Status:   string(terminal),
		})
		events.Defer(ctx, events.TargetUpdated{
			Tenant:       target.Tenant,
			TargetID:     target.ID,
			UpdateStatus: string(target.UpdateStatus),
		})
		w.logger.Info("action.complete",
			"action_id", actionID,
			"tenant", action.Tenant,
			"status", string(terminal),
			"target_id", target.ID,
		)
		return nil
	})
}

// applyInstalled records the successful installation on the target. An
// installation date from a later-reported action is never overwritten by
// an earlier one arriving out of order.
func (w *Workflow) applyInstalled(target *storage.Target, action *storage.Action) {
	now := w.clock.Now()
	if target.InstallationDate == nil || target.InstallationDate.Before(now) {
		ds := action.DistributionSetID
		target.InstalledDistributionSet = &ds
		target.InstallationDate = &now
	}
	if target.AssignedDistributionSet != nil &&
		target.InstalledDistributionSet != nil &&
		*target.AssignedDistributionSet == *target.InstalledDistributionSet {
		target.UpdateStatus = storage.UpdateStatusInSync
	}
}
