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

// CreateCampaign stores a new campaign or returns the existing campaign.
func (s *PgSQLStorage) CreateCampaign(ctx context.Context, c *workflow.Campaign) (*workflow.Campaign, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating campaign: %w", err)
	}
	tag, err := s.pool.Exec(
		ctx, `
INSERT INTO rollout_campaigns
	(campaign_id, tenant_id, firmware_id, device_ids, status, created_at, updated_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (campaign_id) DO NOTHING;`,
		c.ID,
		c.TenantID,
		c.FirmwareID,
		c.DeviceIDs,
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert campaign: %w", err)
	}
	stored, err := s.RetrieveCampaign(ctx, c.ID)
	return stored, tag.RowsAffected() > 0, err
}

// RetrieveCampaign retrieves a campaign by id.
func (s *PgSQLStorage) RetrieveCampaign(ctx context.Context, id string) (*workflow.Campaign, error) {
	c := &workflow.Campaign{ID: id}
	var status string
	err := s.pool.QueryRow(
		ctx,
		`SELECT tenant_id, firmware_id, device_ids, status, created_at, updated_at FROM rollout_campaigns WHERE campaign_id = $1;`,
		id,
	).Scan(
		&c.TenantID,
		&c.FirmwareID,
		&c.DeviceIDs,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("select campaign: %w", err)
	}
	c.Status = workflow.CampaignStatus(status)
	return c, nil
}

// UpdateCampaignStatus conditionally updates the status of a campaign.
func (s *PgSQLStorage) UpdateCampaignStatus(ctx context.Context, id string, from, to workflow.CampaignStatus) (bool, error) {
	tag, err := s.pool.Exec(
		ctx,
		`UPDATE rollout_campaigns SET status = $1, updated_at = $2 WHERE campaign_id = $3 AND status = $4;`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() < 1 {
		if _, err = s.RetrieveCampaign(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
