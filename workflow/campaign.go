package workflow

import (
	"errors"
	"time"
)

// CampaignStatus is the status of a campaign record.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "PENDING"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Terminal returns true for completed and cancelled campaigns.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

var (
	ErrEmptyCampaign = errors.New("empty campaign")
	ErrMissingID     = errors.New("missing id")
	ErrNoDevices     = errors.New("no device ids")
	ErrInvalidStatus = errors.New("invalid campaign status")
)

// Campaign is a rollout of one firmware version to a fixed set of devices.
type Campaign struct {
	ID         string         `json:"campaign_id"`
	TenantID   string         `json:"tenant_id"`
	FirmwareID string         `json:"firmware_id"`
	DeviceIDs  []string       `json:"device_ids"`
	Status     CampaignStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks for missing values.
func (c *Campaign) Validate() error {
	if c == nil {
		return ErrEmptyCampaign
	}
	if c.ID == "" {
		return ErrMissingID
	}
	if c.TenantID == "" {
		return ErrMissingTenantID
	}
	if c.FirmwareID == "" {
		return ErrMissingFirmwareID
	}
	if len(c.DeviceIDs) < 1 {
		return ErrNoDevices
	}
	switch c.Status {
	case CampaignPending, CampaignRunning, CampaignCompleted, CampaignCancelled:
	default:
		return ErrInvalidStatus
	}
	return nil
}
