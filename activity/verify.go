package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/workflow"
)

// Verify is the verification poll. It inspects the reports the device
// sent for the workflow and decides whether the workflow can move on.
type Verify struct {
	fw      FirmwareFinder
	reports ReportFinder
}

// NewVerify creates a new verification poll activity.
func NewVerify(fw FirmwareFinder, reports ReportFinder) *Verify {
	return &Verify{fw: fw, reports: reports}
}

// Execute checks the stored reports for wf.
// The current state is returned while no conclusive report was received.
func (v *Verify) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	reports, err := v.reports.RetrieveReports(ctx, wf.ID)
	if err != nil {
		return wf.State, fmt.Errorf("retrieve reports: %w", err)
	}
	var f *fwstorage.Firmware
	if wf.State == workflow.StateDownloading {
		if f, err = retrieveFirmware(ctx, v.fw, wf.FirmwareID); err != nil {
			return wf.State, err
		}
	}
	return DecideVerify(wf.State, f, reports)
}

// latest returns the most recently received of the reports with statuses.
func latest(reports workflow.Reports, statuses ...workflow.ReportStatus) *workflow.Report {
	var r *workflow.Report
	for _, s := range statuses {
		if c, ok := reports[s]; ok && c != nil && (r == nil || c.ReceivedAt.After(r.ReceivedAt)) {
			r = c
		}
	}
	return r
}

func reportMessage(r *workflow.Report) string {
	if r.Message != "" {
		return ": " + r.Message
	}
	return ""
}

// DecideVerify is the verification decision for a workflow in state
// given the device's reports. f is only required for DOWNLOADING.
func DecideVerify(state workflow.State, f *fwstorage.Firmware, reports workflow.Reports) (workflow.State, error) {
	switch state {
	case workflow.StateDownloading:
		if f == nil {
			return state, errors.New("firmware required to verify download")
		}
		r := latest(reports, workflow.ReportChecksumMismatch, workflow.ReportDownloaded)
		if r != nil && r.Status == workflow.ReportChecksumMismatch {
			return state, workflow.Mismatch("device reported checksum mismatch%s", reportMessage(r))
		}
		if r != nil && r.Checksum != "" && !strings.EqualFold(r.Checksum, f.Checksum) {
			return state, workflow.Mismatch("downloaded checksum %s does not match %s", r.Checksum, f.Checksum)
		}
		if r != nil {
			return workflow.StateApplying, nil
		}
		// the download report may have been lost while the device moved on
		if latest(reports, workflow.ReportApplying, workflow.ReportApplied, workflow.ReportApplyFailed) != nil {
			return workflow.StateApplying, nil
		}
	case workflow.StateApplying:
		r := latest(reports, workflow.ReportApplied, workflow.ReportApplyFailed, workflow.ReportChecksumMismatch)
		if r == nil {
			break
		}
		switch r.Status {
		case workflow.ReportApplied:
			return workflow.StateComplete, nil
		case workflow.ReportApplyFailed:
			return state, workflow.Mismatch("device failed to apply update%s", reportMessage(r))
		default:
			return state, workflow.Mismatch("device reported checksum mismatch%s", reportMessage(r))
		}
	case workflow.StateRollback:
		if reports.Has(workflow.ReportRolledBack) {
			return workflow.StateRolledBack, nil
		}
	default:
		return state, fmt.Errorf("%w: cannot verify in %s", workflow.ErrInvalidState, state)
	}
	return state, nil
}

// Commit records the new firmware version with the device registry.
type Commit struct {
	reg Registry
}

// NewCommit creates a new success commit activity.
func NewCommit(reg Registry) *Commit {
	return &Commit{reg: reg}
}

// Execute commits the workflow's firmware. On success the workflow is COMPLETE.
func (c *Commit) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	err := c.reg.CommitFirmwareVersion(ctx, wf.DeviceID, wf.FirmwareID)
	if errors.Is(err, ErrUnknownDevice) {
		return wf.State, workflow.Permanent("device %s is not registered", wf.DeviceID)
	} else if err != nil {
		return wf.State, workflow.Classify(fmt.Errorf("commit firmware: %w", err))
	}
	return workflow.StateComplete, nil
}
