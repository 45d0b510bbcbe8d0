package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/workflow"
)

// StoreReport stores (replaces) the report of the same status for the workflow.
func (s *MySQLStorage) StoreReport(ctx context.Context, r *workflow.Report) error {
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
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO rollout_reports
	(workflow_id, status, device_id, checksum, message, received_at)
VALUES
	(?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY UPDATE
	device_id = new.device_id,
	checksum = new.checksum,
	message = new.message,
	received_at = new.received_at;`,
		r.WorkflowID,
		string(r.Status),
		r.DeviceID,
		sqlNullString(r.Checksum),
		sqlNullString(r.Message),
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// RetrieveReports retrieves all reports for the workflow.
func (s *MySQLStorage) RetrieveReports(ctx context.Context, workflowID string) (workflow.Reports, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, device_id, checksum, message, received_at FROM rollout_reports WHERE workflow_id = ?;`,
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
			checksum, message sql.NullString
		)
		if err = rows.Scan(&status, &r.DeviceID, &checksum, &message, &r.ReceivedAt); err != nil {
			return reports, fmt.Errorf("scan report: %w", err)
		}
		r.Status = workflow.ReportStatus(status)
		r.Checksum = checksum.String
		r.Message = message.String
		reports[r.Status] = r
	}
	return reports, rows.Err()
}
