package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/workflow"
)

const workflowColumns = `
	workflow_id,
	campaign_id,
	device_id,
	tenant_id,
	firmware_id,
	state,
	attempts_prepare,
	attempts_dispatch,
	attempts_verify,
	attempts_commit,
	attempts_rollback,
	last_error_kind,
	last_error_message,
	not_before,
	deadline,
	cancelled,
	revision,
	created_at,
	updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*workflow.Workflow, error) {
	wf := new(workflow.Workflow)
	var (
		state               string
		errKind, errMessage sql.NullString
		notBefore, deadline sql.NullTime
	)
	err := row.Scan(
		&wf.ID,
		&wf.CampaignID,
		&wf.DeviceID,
		&wf.TenantID,
		&wf.FirmwareID,
		&state,
		&wf.Attempts.Prepare,
		&wf.Attempts.Dispatch,
		&wf.Attempts.Verify,
		&wf.Attempts.Commit,
		&wf.Attempts.Rollback,
		&errKind,
		&errMessage,
		&notBefore,
		&deadline,
		&wf.Cancelled,
		&wf.Revision,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.State = workflow.State(state)
	if errKind.Valid {
		wf.LastError = &workflow.Error{
			Kind:    workflow.ErrorKind(errKind.String),
			Message: errMessage.String,
		}
	}
	if notBefore.Valid {
		wf.NotBefore = notBefore.Time
	}
	if deadline.Valid {
		wf.Deadline = deadline.Time
	}
	return wf, nil
}

func lastErrorValues(e *workflow.Error) (sql.NullString, sql.NullString) {
	if e == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(e.Kind), Valid: true}, sqlNullString(e.Message)
}

func getWorkflow(ctx context.Context, q queryer, id string, forUpdate bool) (*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM rollout_workflows WHERE workflow_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	wf, err := scanWorkflow(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrWorkflowNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	return wf, nil
}

func queryWorkflows(ctx context.Context, q queryer, where string, args ...interface{}) ([]*workflow.Workflow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+workflowColumns+` FROM rollout_workflows WHERE `+where+` ORDER BY created_at, workflow_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select workflows: %w", err)
	}
	defer rows.Close()
	var ret []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return ret, fmt.Errorf("scan workflow: %w", err)
		}
		ret = append(ret, wf)
	}
	return ret, rows.Err()
}

// CreateWorkflow stores a new workflow or returns the existing workflow.
// See the storage interface type for further docs.
func (s *MySQLStorage) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, bool, error) {
	if err := wf.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating workflow: %w", err)
	}
	errKind, errMessage := lastErrorValues(wf.LastError)
	revision := wf.Revision
	if revision < 1 {
		revision = 1
	}
	// a duplicate key leaves the existing row untouched and reports no affected rows
	res, err := s.db.ExecContext(
		ctx, `
INSERT INTO rollout_workflows
	(`+workflowColumns+`)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	workflow_id = workflow_id;`,
		wf.ID,
		wf.CampaignID,
		wf.DeviceID,
		wf.TenantID,
		wf.FirmwareID,
		string(wf.State),
		wf.Attempts.Prepare,
		wf.Attempts.Dispatch,
		wf.Attempts.Verify,
		wf.Attempts.Commit,
		wf.Attempts.Rollback,
		errKind,
		errMessage,
		sqlNullTime(wf.NotBefore),
		sqlNullTime(wf.Deadline),
		wf.Cancelled,
		revision,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	stored, err := getWorkflow(ctx, s.db, wf.ID, false)
	return stored, affected > 0, err
}

// RetrieveWorkflow retrieves a workflow by id.
func (s *MySQLStorage) RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return getWorkflow(ctx, s.db, id, false)
}

// TransitionWorkflow conditionally updates a workflow within a locking transaction.
// See the storage interface type for further docs.
func (s *MySQLStorage) TransitionWorkflow(ctx context.Context, id string, t *workflow.Transition) (*workflow.Workflow, error) {
	var next *workflow.Workflow
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		current, err := getWorkflow(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err = storage.CheckTransition(current, t); err != nil {
			return err
		}
		next = t.Apply(current)
		errKind, errMessage := lastErrorValues(next.LastError)
		_, err = tx.ExecContext(
			ctx, `
UPDATE rollout_workflows
SET
	state = ?,
	attempts_prepare = ?,
	attempts_dispatch = ?,
	attempts_verify = ?,
	attempts_commit = ?,
	attempts_rollback = ?,
	last_error_kind = ?,
	last_error_message = ?,
	not_before = ?,
	deadline = ?,
	cancelled = ?,
	revision = ?,
	updated_at = ?
WHERE
	workflow_id = ?;`,
			string(next.State),
			next.Attempts.Prepare,
			next.Attempts.Dispatch,
			next.Attempts.Verify,
			next.Attempts.Commit,
			next.Attempts.Rollback,
			errKind,
			errMessage,
			sqlNullTime(next.NotBefore),
			sqlNullTime(next.Deadline),
			next.Cancelled,
			next.Revision,
			next.UpdatedAt,
			id,
		)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// RetrieveWorkflowsByCampaign retrieves all workflows of a campaign.
func (s *MySQLStorage) RetrieveWorkflowsByCampaign(ctx context.Context, campaignID string) ([]*workflow.Workflow, error) {
	return queryWorkflows(ctx, s.db, `campaign_id = ?`, campaignID)
}

// RetrieveWorkflowsByDevice retrieves all workflows for a device.
func (s *MySQLStorage) RetrieveWorkflowsByDevice(ctx context.Context, deviceID string) ([]*workflow.Workflow, error) {
	return queryWorkflows(ctx, s.db, `device_id = ?`, deviceID)
}

// RetrieveActiveWorkflows retrieves all non-terminal workflows.
func (s *MySQLStorage) RetrieveActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	return queryWorkflows(
		ctx, s.db,
		`state NOT IN (?, ?, ?)`,
		string(workflow.StateComplete),
		string(workflow.StateFailed),
		string(workflow.StateRolledBack),
	)
}
