package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/workflow"
)

// CreateCampaign stores a new campaign or returns the existing campaign.
func (s *MySQLStorage) CreateCampaign(ctx context.Context, c *workflow.Campaign) (*workflow.Campaign, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating campaign: %w", err)
	}
	deviceIDs, err := json.Marshal(c.DeviceIDs)
	if err != nil {
		return nil, false, fmt.Errorf("marshal device ids: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx, `
INSERT INTO rollout_campaigns
	(campaign_id, tenant_id, firmware_id, device_ids, status, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	campaign_id = campaign_id;`,
		c.ID,
		c.TenantID,
		c.FirmwareID,
		deviceIDs,
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert campaign: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	stored, err := s.RetrieveCampaign(ctx, c.ID)
	return stored, affected > 0, err
}

// RetrieveCampaign retrieves a campaign by id.
func (s *MySQLStorage) RetrieveCampaign(ctx context.Context, id string) (*workflow.Campaign, error) {
	c := &workflow.Campaign{ID: id}
	var (
		deviceIDs []byte
		status    string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT tenant_id, firmware_id, device_ids, status, created_at, updated_at FROM rollout_campaigns WHERE campaign_id = ?;`,
		id,
	).Scan(
		&c.TenantID,
		&c.FirmwareID,
		&deviceIDs,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select campaign: %w", err)
	}
	c.Status = workflow.CampaignStatus(status)
	if err = json.Unmarshal(deviceIDs, &c.DeviceIDs); err != nil {
		return nil, fmt.Errorf("unmarshal device ids: %w", err)
	}
	return c, nil
}

// UpdateCampaignStatus conditionally updates the status of a campaign.
func (s *MySQLStorage) UpdateCampaignStatus(ctx context.Context, id string, from, to workflow.CampaignStatus) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE rollout_campaigns SET status = ?, updated_at = ? WHERE campaign_id = ? AND status = ?;`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update campaign status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected < 1 {
		// distinguish a missing campaign from a status mismatch
		if _, err = s.RetrieveCampaign(ctx, id); err != nil {
			return false, err
		}
	}
	return affected > 0, nil
}
