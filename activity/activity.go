// Package activity implements the firmware update workflow activities.
//
// Each activity is an Executor: given the workflow as currently stored it
// calls out to exactly one external collaborator (the device registry,
// the firmware catalog, the command channel, or stored device reports) and
// returns the state the workflow should move to. Executors never write to
// the workflow store. The engine persists the result.
package activity

import (
	"context"
	"errors"
	"time"

	"github.com/micromdm/nanorollout/channel"
	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/workflow"
)

// ErrUnknownDevice is returned by registries for devices they do not know about.
var ErrUnknownDevice = errors.New("unknown device")

// Executor runs a single activity for a workflow.
// The returned state is the state the workflow should move to. Returning
// the workflow's current state means the activity is still pending (e.g.
// awaiting a device report). Failures are returned as *workflow.Error
// when classified; any other error is an infrastructure error.
type Executor interface {
	Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, wf *workflow.Workflow) (workflow.State, error)

// Execute calls f(ctx, wf).
func (f ExecutorFunc) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	return f(ctx, wf)
}

// Executors are the activities of the firmware update workflow.
type Executors struct {
	// Readiness is run in QUEUED.
	Readiness Executor
	// Dispatch is run in PREPARING.
	Dispatch Executor
	// Verify is run in DOWNLOADING, APPLYING, and ROLLBACK.
	Verify Executor
	// Commit is run once the device reported the update applied.
	Commit Executor
	// Rollback is run once on entering ROLLBACK.
	Rollback Executor
}

// Registry is the device registry.
type Registry interface {
	// IsDeviceOnline returns whether the device is online and when it was last seen.
	// ErrUnknownDevice is returned for unregistered devices.
	IsDeviceOnline(ctx context.Context, deviceID string) (online bool, lastSeen time.Time, err error)

	// DeviceTenant returns the tenant the device belongs to.
	// ErrUnknownDevice is returned for unregistered devices.
	DeviceTenant(ctx context.Context, deviceID string) (string, error)

	// CommitFirmwareVersion records firmwareID as the running firmware of the device.
	// It must be idempotent.
	CommitFirmwareVersion(ctx context.Context, deviceID, firmwareID string) error
}

// FirmwareFinder retrieves firmware versions.
type FirmwareFinder interface {
	RetrieveFirmware(ctx context.Context, id string) (*fwstorage.Firmware, error)
}

// WorkflowFinder retrieves the workflows of a device.
type WorkflowFinder interface {
	RetrieveWorkflowsByDevice(ctx context.Context, deviceID string) ([]*workflow.Workflow, error)
}

// ReportFinder retrieves the device reports of a workflow.
type ReportFinder interface {
	RetrieveReports(ctx context.Context, workflowID string) (workflow.Reports, error)
}

// New creates the standard activity executors from their collaborators.
func New(reg Registry, fw FirmwareFinder, sender channel.Sender, wfs WorkflowFinder, reports ReportFinder, opts ...Option) *Executors {
	return &Executors{
		Readiness: NewReadiness(reg, wfs),
		Dispatch:  NewDispatch(reg, fw, sender, opts...),
		Verify:    NewVerify(fw, reports),
		Commit:    NewCommit(reg),
		Rollback:  NewRollback(sender),
	}
}
