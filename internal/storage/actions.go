package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Status enumerates update action states.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusError     Status = "error"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusScheduled, StatusPending, StatusRunning, StatusFinished,
		StatusCanceling, StatusCanceled, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("storage: unknown action status %q", s)
	}
}

// UpdateStatus enumerates target synchronization states.
type UpdateStatus string

const (
	UpdateStatusUnknown    UpdateStatus = "unknown"
	UpdateStatusRegistered UpdateStatus = "registered"
	UpdateStatusPending    UpdateStatus = "pending"
	UpdateStatusInSync     UpdateStatus = "in_sync"
	UpdateStatusError      UpdateStatus = "error"
)

// Action is one device update action. At most one active action is in flight
// per target.
type Action struct {
	ID                int64
	Tenant            string
	TargetID          int64
	DistributionSetID int64
	Status            Status
	Active            bool
	LastModified      time.Time
}

// ActionStatus is one row of an action's status history.
type ActionStatus struct {
	ID         int64
	ActionID   int64
	Status     Status
	OccurredAt time.Time
	Message    string
}

// Target is a provisioning target (device).
type Target struct {
	ID                       int64
	Tenant                   string
	ControllerID             string
	AssignedDistributionSet  *int64
	InstalledDistributionSet *int64
	InstallationDate         *time.Time
	UpdateStatus             UpdateStatus
}

// GetAction loads an action for update within the transaction.
func (t *Tx) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := t.tx.QueryRowContext(ctx, t.s.rebind(
		`SELECT id, tenant, target_id, distribution_set_id, status, active, last_modified
		 FROM actions WHERE id = ?`), id)
	return scanAction(row)
}

// UpdateAction persists status, active flag, and last-modified.
func (t *Tx) UpdateAction(ctx context.Context, a *Action) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE actions SET status = ?, active = ?, last_modified = ? WHERE id = ?`),
		string(a.Status), a.Active, unixMilli(a.LastModified), a.ID)
	if err != nil {
		return fmt.Errorf("storage: update action %d: %w", a.ID, classify(err))
	}
	return nil
}

// InsertActionStatus appends a status-history row.
func (t *Tx) InsertActionStatus(ctx context.Context, st *ActionStatus) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO action_statuses (action_id, status, occurred_at, message) VALUES (?, ?, ?, ?)`),
		st.ActionID, string(st.Status), unixMilli(st.OccurredAt), st.Message)
	if err != nil {
		return fmt.Errorf("storage: insert action status for %d: %w", st.ActionID, classify(err))
	}
	return nil
}

// GetTarget loads a target within the transaction.
func (t *Tx) GetTarget(ctx context.Context, id int64) (*Target, error) {
	row := t.tx.QueryRowContext(ctx, t.s.rebind(
		`SELECT id, tenant, controller_id, assigned_distribution_set_id,
		        installed_distribution_set_id, installation_date, update_status
		 FROM targets WHERE id = ?`), id)
	return scanTarget(row)
}

// UpdateTarget persists the mutable target columns.
func (t *Tx) UpdateTarget(ctx context.Context, tg *Target) error {
	var installedAt any
	if tg.InstallationDate != nil {
		installedAt = unixMilli(*tg.InstallationDate)
	}
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE targets SET assigned_distribution_set_id = ?, installed_distribution_set_id = ?,
		        installation_date = ?, update_status = ? WHERE id = ?`),
		tg.AssignedDistributionSet, tg.InstalledDistributionSet, installedAt,
		string(tg.UpdateStatus), tg.ID)
	if err != nil {
		return fmt.Errorf("storage: update target %d: %w", tg.ID, classify(err))
	}
	return nil
}

// InsertAction creates an action row (assignment workflows and tests).
func (s *Store) InsertAction(ctx context.Context, a *Action) error {
	if a.LastModified.IsZero() {
		a.LastModified = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.insertActionQuery(),
		a.Tenant, a.TargetID, a.DistributionSetID, string(a.Status), a.Active,
		unixMilli(a.LastModified)).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("storage: insert action: %w", classify(err))
	}
	return nil
}

func (s *Store) insertActionQuery() string {
	q := `INSERT INTO actions (tenant, target_id, distribution_set_id, status, active, last_modified)
	      VALUES (?, ?, ?, ?, ?, ?) RETURNING id`
	return s.rebind(q)
}

// InsertTarget creates a target row (registration workflows and tests).
func (s *Store) InsertTarget(ctx context.Context, tg *Target) error {
	if tg.UpdateStatus == "" {
		tg.UpdateStatus = UpdateStatusUnknown
	}
	var installedAt any
	if tg.InstallationDate != nil {
		installedAt = unixMilli(*tg.InstallationDate)
	}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO targets (tenant, controller_id, assigned_distribution_set_id,
		        installed_distribution_set_id, installation_date, update_status)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		tg.Tenant, tg.ControllerID, tg.AssignedDistributionSet,
		tg.InstalledDistributionSet, installedAt, string(tg.UpdateStatus)).Scan(&tg.ID)
	if err != nil {
		return fmt.Errorf("storage: insert target: %w", classify(err))
	}
	return nil
}

// ActionByID loads an action outside any transaction.
func (s *Store) ActionByID(ctx context.Context, id int64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, tenant, target_id, distribution_set_id, status, active, last_modified
		 FROM actions WHERE id = ?`), id)
	return scanAction(row)
}

// TargetByID loads a target outside any transaction.
func (s *Store) TargetByID(ctx context.Context, id int64) (*Target, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, tenant, controller_id, assigned_distribution_set_id,
		        installed_distribution_set_id, installation_date, update_status
		 FROM targets WHERE id = ?`), id)
	return scanTarget(row)
}

// ActionStatusHistory lists the status rows for an action, oldest first.
func (s *Store) ActionStatusHistory(ctx context.Context, actionID int64) ([]ActionStatus, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, action_id, status, occurred_at, message
		 FROM action_statuses WHERE action_id = ? ORDER BY id`), actionID)
	if err != nil {
		return nil, fmt.Errorf("storage: action status history %d: %w", actionID, classify(err))
	}
	defer rows.Close()
	var out []ActionStatus
	for rows.Next() {
		var (
			st       ActionStatus
			status   string
			occurred int64
		)
		if err := rows.Scan(&st.ID, &st.ActionID, &status, &occurred, &st.Message); err != nil {
			return nil, classify(err)
		}
		st.Status = Status(status)
		st.OccurredAt = fromUnixMilli(occurred)
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteActionsByStatusAndLastModifiedBefore bulk-deletes inactive actions of
// the given statuses last modified before cutoff. Expressing cleanup as one
// criteria delete makes re-running it a no-op once committed.
func (s *Store) DeleteActionsByStatusAndLastModifiedBefore(ctx context.Context, tenant string, statuses []Status, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	args = append(args, tenant)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, unixMilli(cutoff))
	q := fmt.Sprintf(
		`DELETE FROM actions WHERE tenant = ? AND status IN (%s) AND active = %s AND last_modified < ?`,
		strings.Join(placeholders, ", "), s.falseLiteral())
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("storage: delete stale actions: %w", classify(err))
	}
	return res.RowsAffected()
}

func (s *Store) falseLiteral() string {
	if s.driver == DriverPostgres {
		return "FALSE"
	}
	return "0"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a        Action
		status   string
		modified int64
	)
	err := row.Scan(&a.ID, &a.Tenant, &a.TargetID, &a.DistributionSetID,
		&status, &a.Active, &modified)
	if err != nil {
		return nil, classify(err)
	}
	a.Status = Status(status)
	a.LastModified = fromUnixMilli(modified)
	return &a, nil
}

func scanTarget(row rowScanner) (*Target, error) {
	var (
		tg          Target
		status      string
		assigned    sql.NullInt64
		installed   sql.NullInt64
		installedAt sql.NullInt64
	)
	err := row.Scan(&tg.ID, &tg.Tenant, &tg.ControllerID,
		&assigned, &installed, &installedAt, &status)
	if err != nil {
		return nil, classify(err)
	}
	if assigned.Valid {
		v := assigned.Int64
		tg.AssignedDistributionSet = &v
	}
	if installed.Valid {
		v := installed.Int64
		tg.InstalledDistributionSet = &v
	}
	if installedAt.Valid {
		ts := fromUnixMilli(installedAt.Int64)
		tg.InstallationDate = &ts
	}
	tg.UpdateStatus = UpdateStatus(status)
	return &tg, nil
}
