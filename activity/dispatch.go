package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/channel"
	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/workflow"
)

// DefaultFreshness is how recently a device must have been seen to be sent a command.
const DefaultFreshness = 15 * time.Minute

// Dispatch sends the update command naming the firmware version and checksum.
type Dispatch struct {
	reg       Registry
	fw        FirmwareFinder
	sender    channel.Sender
	freshness time.Duration
	now       func() time.Time
}

// Option configures Dispatch.
type Option func(*Dispatch)

// WithFreshness sets how recently a device must have been seen.
// A zero freshness only considers the online flag.
func WithFreshness(freshness time.Duration) Option {
	return func(d *Dispatch) {
		d.freshness = freshness
	}
}

// WithClock sets the clock used to judge freshness.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatch) {
		d.now = now
	}
}

// NewDispatch creates a new command dispatch activity.
func NewDispatch(reg Registry, fw FirmwareFinder, sender channel.Sender, opts ...Option) *Dispatch {
	d := &Dispatch{
		reg:       reg,
		fw:        fw,
		sender:    sender,
		freshness: DefaultFreshness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckPresence returns a transient error if the device is offline or
// has not been seen within freshness.
func CheckPresence(wf *workflow.Workflow, online bool, lastSeen, now time.Time, freshness time.Duration) error {
	if !online {
		return workflow.Transient("device %s is offline", wf.DeviceID)
	}
	if freshness > 0 && now.Sub(lastSeen) > freshness {
		return workflow.Transient("device %s last seen %s", wf.DeviceID, lastSeen.Format(time.RFC3339))
	}
	return nil
}

// classifySend classifies a command channel error.
// An invalid command is never retried.
func classifySend(err error) error {
	if errors.Is(err, channel.ErrInvalidCommand) {
		return workflow.Wrap(workflow.ErrorPermanent, err)
	}
	return workflow.Classify(err)
}

// UpdateCommand builds the update command for wf.
func UpdateCommand(wf *workflow.Workflow, f *fwstorage.Firmware) *channel.Command {
	return &channel.Command{
		ID:         channel.CommandID(wf.ID, channel.CommandUpdate),
		Type:       channel.CommandUpdate,
		DeviceID:   wf.DeviceID,
		TenantID:   wf.TenantID,
		WorkflowID: wf.ID,
		FirmwareID: f.ID,
		Version:    f.Version,
		Location:   f.Location,
		Checksum:   f.Checksum,
		Size:       f.Size,
	}
}

func retrieveFirmware(ctx context.Context, fw FirmwareFinder, id string) (*fwstorage.Firmware, error) {
	f, err := fw.RetrieveFirmware(ctx, id)
	if errors.Is(err, fwstorage.ErrFirmwareNotFound) {
		return nil, workflow.Permanent("firmware %s not found", id)
	} else if err != nil {
		return nil, fmt.Errorf("retrieve firmware: %w", err)
	}
	return f, nil
}

// Execute sends the update command. On success the workflow moves to DOWNLOADING.
func (d *Dispatch) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	online, lastSeen, err := d.reg.IsDeviceOnline(ctx, wf.DeviceID)
	if errors.Is(err, ErrUnknownDevice) {
		return wf.State, workflow.Permanent("device %s is not registered", wf.DeviceID)
	} else if err != nil {
		return wf.State, fmt.Errorf("device online: %w", err)
	}
	if err = CheckPresence(wf, online, lastSeen, d.now(), d.freshness); err != nil {
		return wf.State, err
	}
	f, err := retrieveFirmware(ctx, d.fw, wf.FirmwareID)
	if err != nil {
		return wf.State, err
	}
	cmd := UpdateCommand(wf, f)
	if err = cmd.Validate(); err != nil {
		return wf.State, workflow.Wrap(workflow.ErrorPermanent, fmt.Errorf("update command: %w", err))
	}
	if err = d.sender.Send(ctx, cmd); err != nil {
		return wf.State, classifySend(fmt.Errorf("send update command: %w", err))
	}
	return workflow.StateDownloading, nil
}

// Rollback sends the revert command.
// It does not wait for the acknowledgement; that is up to Verify.
type Rollback struct {
	sender channel.Sender
}

// NewRollback creates a new rollback activity.
func NewRollback(sender channel.Sender) *Rollback {
	return &Rollback{sender: sender}
}

// RevertCommand builds the revert command for wf.
func RevertCommand(wf *workflow.Workflow) *channel.Command {
	return &channel.Command{
		ID:         channel.CommandID(wf.ID, channel.CommandRevert),
		Type:       channel.CommandRevert,
		DeviceID:   wf.DeviceID,
		TenantID:   wf.TenantID,
		WorkflowID: wf.ID,
		FirmwareID: wf.FirmwareID,
	}
}

// Execute sends the revert command. The workflow stays in ROLLBACK.
func (r *Rollback) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	if err := r.sender.Send(ctx, RevertCommand(wf)); err != nil {
		return wf.State, classifySend(fmt.Errorf("send revert command: %w", err))
	}
	return workflow.StateRollback, nil
}
