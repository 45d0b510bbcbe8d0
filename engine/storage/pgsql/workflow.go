package pgsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
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

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	wf := new(workflow.Workflow)
	var (
		state               string
		errKind, errMessage *string
		notBefore, deadline *time.Time
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
	if errKind != nil {
		wf.LastError = &workflow.Error{Kind: workflow.ErrorKind(*errKind)}
		if errMessage != nil {
			wf.LastError.Message = *errMessage
		}
	}
	if notBefore != nil {
		wf.NotBefore = *notBefore
	}
	if deadline != nil {
		wf.Deadline = *deadline
	}
	return wf, nil
}

func lastErrorValues(e *workflow.Error) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	kind := string(e.Kind)
	return &kind, nullString(e.Message)
}

func getWorkflow(ctx context.Context, q querier, id string, forUpdate bool) (*workflow.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM rollout_workflows WHERE workflow_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	wf, err := scanWorkflow(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrWorkflowNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	return wf, nil
}

func queryWorkflows(ctx context.Context, q querier, where string, args ...any) ([]*workflow.Workflow, error) {
	rows, err := q.Query(ctx, `SELECT `+workflowColumns+` FROM rollout_workflows WHERE `+where+` ORDER BY created_at, workflow_id`, args...)
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
func (s *PgSQLStorage) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, bool, error) {
	if err := wf.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating workflow: %w", err)
	}
	errKind, errMessage := lastErrorValues(wf.LastError)
	revision := wf.Revision
	if revision < 1 {
		revision = 1
	}
	tag, err := s.pool.Exec(
		ctx, `
INSERT INTO rollout_workflows
	(`+workflowColumns+`)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (workflow_id) DO NOTHING;`,
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
		nullTime(wf.NotBefore),
		nullTime(wf.Deadline),
		wf.Cancelled,
		revision,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert workflow: %w", err)
	}
	stored, err := getWorkflow(ctx, s.pool, wf.ID, false)
	return stored, tag.RowsAffected() > 0, err
}

// RetrieveWorkflow retrieves a workflow by id.
func (s *PgSQLStorage) RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return getWorkflow(ctx, s.pool, id, false)
}

// TransitionWorkflow conditionally updates a workflow within a locking transaction.
// See the storage interface type for further docs.
func (s *PgSQLStorage) TransitionWorkflow(ctx context.Context, id string, t *workflow.Transition) (*workflow.Workflow, error) {
	var next *workflow.Workflow
	err := tx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		current, err := getWorkflow(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err = storage.CheckTransition(current, t); err != nil {
			return err
		}
		next = t.Apply(current)
		errKind, errMessage := lastErrorValues(next.LastError)
		_, err = tx.Exec(
			ctx, `
UPDATE rollout_workflows
SET
	state = $1,
	attempts_prepare = $2,
	attempts_dispatch = $3,
	attempts_verify = $4,
	attempts_commit = $5,
	attempts_rollback = $6,
	last_error_kind = $7,
	last_error_message = $8,
	not_before = $9,
	deadline = $10,
	cancelled = $11,
	revision = $12,
	updated_at = $13
WHERE
	workflow_id = $14;`,
			string(next.State),
			next.Attempts.Prepare,
			next.Attempts.Dispatch,
			next.Attempts.Verify,
			next.Attempts.Commit,
			next.Attempts.Rollback,
			errKind,
			errMessage,
			nullTime(next.NotBefore),
			nullTime(next.Deadline),
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
func (s *PgSQLStorage) RetrieveWorkflowsByCampaign(ctx context.Context, campaignID string) ([]*workflow.Workflow, error) {
	return queryWorkflows(ctx, s.pool, `campaign_id = $1`, campaignID)
}

// RetrieveWorkflowsByDevice retrieves all workflows for a device.
func (s *PgSQLStorage) RetrieveWorkflowsByDevice(ctx context.Context, deviceID string) ([]*workflow.Workflow, error) {
	return queryWorkflows(ctx, s.pool, `device_id = $1`, deviceID)
}

// RetrieveActiveWorkflows retrieves all non-terminal workflows.
func (s *PgSQLStorage) RetrieveActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	return queryWorkflows(
		ctx, s.pool,
		`state NOT IN ($1, $2, $3)`,
		string(workflow.StateComplete),
		string(workflow.StateFailed),
		string(workflow.StateRolledBack),
	)
}
