package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanorollout/workflow"
)

// Readiness checks that the device is registered to the workflow's
// tenant and not in the middle of another update. Whether the device is
// online is left to Dispatch so that an offline device uses the dispatch
// retry budget.
type Readiness struct {
	reg       Registry
	workflows WorkflowFinder
}

// NewReadiness creates a new readiness check.
func NewReadiness(reg Registry, workflows WorkflowFinder) *Readiness {
	return &Readiness{reg: reg, workflows: workflows}
}

// Execute runs the readiness check. On success the workflow moves to PREPARING.
func (r *Readiness) Execute(ctx context.Context, wf *workflow.Workflow) (workflow.State, error) {
	tenant, err := r.reg.DeviceTenant(ctx, wf.DeviceID)
	if errors.Is(err, ErrUnknownDevice) {
		return wf.State, workflow.Permanent("device %s is not registered", wf.DeviceID)
	} else if err != nil {
		return wf.State, fmt.Errorf("device tenant: %w", err)
	}
	others, err := r.workflows.RetrieveWorkflowsByDevice(ctx, wf.DeviceID)
	if err != nil {
		return wf.State, fmt.Errorf("device workflows: %w", err)
	}
	return DecideReadiness(wf, tenant, others)
}

// DecideReadiness is the readiness decision given the device's tenant
// and the other workflows of the device.
func DecideReadiness(wf *workflow.Workflow, tenant string, others []*workflow.Workflow) (workflow.State, error) {
	if tenant != wf.TenantID {
		return wf.State, workflow.Permanent("device %s belongs to another tenant", wf.DeviceID)
	}
	if other := Conflicting(wf, others); other != nil {
		return wf.State, workflow.Permanent("device %s has a conflicting update in workflow %s (%s)", wf.DeviceID, other.ID, other.State)
	}
	return workflow.StatePreparing, nil
}

// Conflicting returns the first workflow in others that blocks wf from
// starting, if any. A workflow of the same device blocks wf if it is
// active and either already past QUEUED or was queued before wf.
func Conflicting(wf *workflow.Workflow, others []*workflow.Workflow) *workflow.Workflow {
	for _, o := range others {
		if o == nil || o.ID == wf.ID || o.DeviceID != wf.DeviceID || o.State.Terminal() {
			continue
		}
		if o.State != workflow.StateQueued {
			return o
		}
		if o.Cancelled {
			// will never start
			continue
		}
		if o.CreatedAt.Before(wf.CreatedAt) || (o.CreatedAt.Equal(wf.CreatedAt) && o.ID < wf.ID) {
			return o
		}
	}
	return nil
}
