package workflow

import (
	"errors"
	"time"

	"github.com/micromdm/nanorollout/utils/uuid"
)

var (
	ErrEmptyWorkflow     = errors.New("empty workflow")
	ErrMissingCampaignID = errors.New("missing campaign id")
	ErrMissingDeviceID   = errors.New("missing device id")
	ErrMissingTenantID   = errors.New("missing tenant id")
	ErrMissingFirmwareID = errors.New("missing firmware id")
	ErrMismatchedID      = errors.New("workflow id does not match campaign and device")
)

// Activity names an activity for attempt accounting.
type Activity string

const (
	ActivityPrepare  Activity = "prepare"
	ActivityDispatch Activity = "dispatch"
	ActivityVerify   Activity = "verify"
	ActivityCommit   Activity = "commit"
	ActivityRollback Activity = "rollback"
)

// Attempts are per-activity attempt counters.
// In a Transition these are deltas added to the stored counters.
type Attempts struct {
	Prepare  int `json:"prepare"`
	Dispatch int `json:"dispatch"`
	Verify   int `json:"verify"`
	Commit   int `json:"commit,omitempty"`
	Rollback int `json:"rollback,omitempty"`
}

// Get returns the counter for activity a.
func (at Attempts) Get(a Activity) int {
	switch a {
	case ActivityPrepare:
		return at.Prepare
	case ActivityDispatch:
		return at.Dispatch
	case ActivityVerify:
		return at.Verify
	case ActivityCommit:
		return at.Commit
	case ActivityRollback:
		return at.Rollback
	}
	return 0
}

// Add returns the sum of at and delta. Counters never go below zero.
func (at Attempts) Add(delta Attempts) Attempts {
	nz := func(i int) int {
		if i < 0 {
			return 0
		}
		return i
	}
	return Attempts{
		Prepare:  nz(at.Prepare + delta.Prepare),
		Dispatch: nz(at.Dispatch + delta.Dispatch),
		Verify:   nz(at.Verify + delta.Verify),
		Commit:   nz(at.Commit + delta.Commit),
		Rollback: nz(at.Rollback + delta.Rollback),
	}
}

// Delta returns an Attempts value with n for activity a only.
func Delta(a Activity, n int) (d Attempts) {
	switch a {
	case ActivityPrepare:
		d.Prepare = n
	case ActivityDispatch:
		d.Dispatch = n
	case ActivityVerify:
		d.Verify = n
	case ActivityCommit:
		d.Commit = n
	case ActivityRollback:
		d.Rollback = n
	}
	return
}

// Workflow is the durable record of one device's firmware update within a campaign.
type Workflow struct {
	ID         string `json:"workflow_id"`
	CampaignID string `json:"campaign_id"`
	DeviceID   string `json:"device_id"`
	TenantID   string `json:"tenant_id"`
	FirmwareID string `json:"firmware_id"`

	State     State    `json:"state"`
	Attempts  Attempts `json:"attempts"`
	LastError *Error   `json:"last_error,omitempty"`

	// NotBefore is when the workflow may next be advanced (i.e. backoff).
	NotBefore time.Time `json:"not_before,omitempty"`
	// Deadline closes the current wait for a device report.
	Deadline time.Time `json:"deadline,omitempty"`

	// Cancelled is set once a cancellation has been requested.
	// It is applied the next time the workflow is advanced.
	Cancelled bool `json:"cancelled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision is incremented on every stored change.
	Revision int64 `json:"revision"`
}

// ID returns the deterministic workflow ID for a campaign and device.
func ID(campaignID, deviceID string) string {
	return uuid.Deterministic(campaignID + "\x00" + deviceID)
}

// New creates a new workflow in the initial (QUEUED) state.
func New(campaignID, deviceID, tenantID, firmwareID string, now time.Time) *Workflow {
	return &Workflow{
		ID:         ID(campaignID, deviceID),
		CampaignID: campaignID,
		DeviceID:   deviceID,
		TenantID:   tenantID,
		FirmwareID: firmwareID,
		State:      StateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		NotBefore:  now,
	}
}

// Validate checks for missing values.
func (w *Workflow) Validate() error {
	if w == nil {
		return ErrEmptyWorkflow
	}
	if w.CampaignID == "" {
		return ErrMissingCampaignID
	}
	if w.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if w.TenantID == "" {
		return ErrMissingTenantID
	}
	if w.FirmwareID == "" {
		return ErrMissingFirmwareID
	}
	if w.ID != ID(w.CampaignID, w.DeviceID) {
		return ErrMismatchedID
	}
	if !w.State.Valid() {
		return ErrInvalidState
	}
	return nil
}

// Copy returns a copy of w.
func (w *Workflow) Copy() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.LastError != nil {
		e := *w.LastError
		c.LastError = &e
	}
	return &c
}

// Waiting returns true if the workflow has an open report wait window.
func (w *Workflow) Waiting() bool {
	return !w.Deadline.IsZero()
}
