// Package storage defines types and primitives for rollout engine storage backends.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanorollout/workflow"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// StaleStateError is returned when a conditional transition's
// expectations do not match the stored workflow. It signals that
// something else already advanced the workflow.
type StaleStateError struct {
	ID string

	Expected workflow.State
	Actual   workflow.State

	// revisions are only compared when ExpectedRevision is non-zero
	ExpectedRevision int64
	ActualRevision   int64
}

func (e *StaleStateError) Error() string {
	if e.ExpectedRevision != 0 {
		return fmt.Sprintf(
			"stale state for %s: expected %s@%d, have %s@%d",
			e.ID, e.Expected, e.ExpectedRevision, e.Actual, e.ActualRevision,
		)
	}
	return fmt.Sprintf("stale state for %s: expected %s, have %s", e.ID, e.Expected, e.Actual)
}

// IsStale returns true if err is (or wraps) a StaleStateError.
func IsStale(err error) bool {
	var staleErr *StaleStateError
	return errors.As(err, &staleErr)
}

// CheckTransition validates t and compares its expectations to the
// currently stored workflow. Backends call this with the stored record
// while holding whatever lock or transaction guards it.
func CheckTransition(current *workflow.Workflow, t *workflow.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if current.State != t.From || (t.Revision != 0 && current.Revision != t.Revision) {
		return &StaleStateError{
			ID:               current.ID,
			Expected:         t.From,
			Actual:           current.State,
			ExpectedRevision: t.Revision,
			ActualRevision:   current.Revision,
		}
	}
	return nil
}

type ReadWorkflowStorage interface {
	// RetrieveWorkflow returns the workflow by id.
	// ErrWorkflowNotFound is returned if it does not exist.
	RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// RetrieveWorkflowsByCampaign returns all workflows of a campaign.
	RetrieveWorkflowsByCampaign(ctx context.Context, campaignID string) ([]*workflow.Workflow, error)

	// RetrieveWorkflowsByDevice returns all workflows (of any campaign) for a device.
	RetrieveWorkflowsByDevice(ctx context.Context, deviceID string) ([]*workflow.Workflow, error)
}

type WorkflowStorage interface {
	ReadWorkflowStorage

	// CreateWorkflow stores a new workflow keyed by its (deterministic) ID.
	// If a workflow with the same ID already exists it is returned
	// untouched and created is false.
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) (stored *workflow.Workflow, created bool, err error)

	// TransitionWorkflow conditionally applies t to the stored workflow.
	// A *StaleStateError is returned if t.From (and t.Revision, when
	// non-zero) does not match the stored workflow.
	TransitionWorkflow(ctx context.Context, id string, t *workflow.Transition) (*workflow.Workflow, error)

	// RetrieveActiveWorkflows returns all non-terminal workflows.
	RetrieveActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

type ReadCampaignStorage interface {
	// RetrieveCampaign returns the campaign by id.
	// ErrCampaignNotFound is returned if it does not exist.
	RetrieveCampaign(ctx context.Context, id string) (*workflow.Campaign, error)
}

type CampaignStorage interface {
	ReadCampaignStorage

	// CreateCampaign stores a new campaign. If a campaign with the
	// same ID already exists it is returned untouched and created is false.
	CreateCampaign(ctx context.Context, c *workflow.Campaign) (stored *workflow.Campaign, created bool, err error)

	// UpdateCampaignStatus moves the campaign from status from to status to.
	// ok is false (with no error) if the campaign was not in status from.
	UpdateCampaignStatus(ctx context.Context, id string, from, to workflow.CampaignStatus) (ok bool, err error)
}

type ReportStorage interface {
	// StoreReport stores a device report for its workflow.
	// Only the latest report of each status is kept per workflow.
	StoreReport(ctx context.Context, r *workflow.Report) error

	// RetrieveReports returns the reports received for a workflow.
	// An empty (non-nil) map is returned if no reports were received.
	RetrieveReports(ctx context.Context, workflowID string) (workflow.Reports, error)
}

type AllStorage interface {
	WorkflowStorage
	CampaignStorage
	ReportStorage
}
