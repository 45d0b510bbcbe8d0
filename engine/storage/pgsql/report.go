package pgsql

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/workflow"
)

// StoreReport stores (replaces) the report of the same status for the workflow.
func (s *PgSQLStorage) StoreReport(ctx context.Context, r *workflow.Report) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating report: %w", err)
	}
	if r.WorkflowID == "" {
		return fmt.Errorf("validating report: %w", workflow.ErrMissingID)
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(
		ctx, `
INSERT INTO rollout_reports
	(workflow_id, status, device_id, checksum, message, received_at)
VALUES
	($1, $2, $3, $4, $5, $6)
ON CONFLICT (workflow_id, status) DO UPDATE SET
	device_id = EXCLUDED.device_id,
	checksum = EXCLUDED.checksum,
	message = EXCLUDED.message,
	received_at = EXCLUDED.received_at;`,
		r.WorkflowID,
		string(r.Status),
		r.DeviceID,
		nullString(r.Checksum),
		nullString(r.Message),
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// RetrieveReports retrieves all reports for the workflow.
func (s *PgSQLStorage) RetrieveReports(ctx context.Context, workflowID string) (workflow.Reports, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT status, device_id, checksum, message, received_at FROM rollout_reports WHERE workflow_id = $1;`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reports: %w", err)
	}
	defer rows.Close()
	reports := make(workflow.Reports)
	for rows.Next() {
		r := &workflow.Report{WorkflowID: workflowID}
		var (
			status            string
			checksum, message *string
		)
		if err = rows.Scan(&status, &r.DeviceID, &checksum, &message, &r.ReceivedAt); err != nil {
			return reports, fmt.Errorf("scan report: %w", err)
		}
		r.Status = workflow.ReportStatus(status)
		if checksum != nil {
			r.Checksum = *checksum
		}
		if message != nil {
			r.Message = *message
		}
		reports[r.Status] = r
	}
	return reports, rows.Err()
}
