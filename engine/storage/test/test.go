// Package test contains shared tests for rollout engine storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/utils/uuid"
	"github.com/micromdm/nanorollout/workflow"
)

// TestEngineStorage runs the shared storage tests against storage
// backends created by newStorage. IDs are randomized so backends that
// persist between runs (e.g. SQL databases) can be re-used.
func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	s := newStorage()

	t.Run("testCreate", func(t *testing.T) {
		testCreate(t, s)
	})

	t.Run("testTransition", func(t *testing.T) {
		testTransition(t, s)
	})

	t.Run("testList", func(t *testing.T) {
		testList(t, newStorage())
	})

	t.Run("testCampaign", func(t *testing.T) {
		testCampaign(t, s)
	})

	t.Run("testReports", func(t *testing.T) {
		testReports(t, s)
	})
}

// now returns a time that survives a round-trip through all backends.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func newWorkflow(campaignID, deviceID string) *workflow.Workflow {
	return workflow.New(campaignID, deviceID, "tenant-1", "fw-2.0.0", now())
}

func testCreate(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	cid := "campaign-" + uuid.NewRandom().ID()

	_, err := s.RetrieveWorkflow(ctx, workflow.ID(cid, "A"))
	if !errors.Is(err, storage.ErrWorkflowNotFound) {
		t.Fatalf("expected not found error, have: %v", err)
	}

	_, _, err = s.CreateWorkflow(ctx, &workflow.Workflow{ID: "invalid"})
	if err == nil {
		t.Error("expected error for invalid workflow")
	}

	wf := newWorkflow(cid, "A")
	stored, created, err := s.CreateWorkflow(ctx, wf)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected workflow to be created")
	}
	if have, want := stored.ID, workflow.ID(cid, "A"); have != want {
		t.Errorf("id: have: %v, want: %v", have, want)
	}
	if have, want := stored.State, workflow.StateQueued; have != want {
		t.Errorf("state: have: %v, want: %v", have, want)
	}

	// advance the workflow so we can tell if a re-create overwrites it
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From:     workflow.StateQueued,
		To:       workflow.StatePreparing,
		Attempts: workflow.Attempts{Prepare: 1},
		At:       now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	again := newWorkflow(cid, "A")
	stored, created, err = s.CreateWorkflow(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected duplicate create to not create")
	}
	if have, want := stored.State, workflow.StatePreparing; have != want {
		t.Errorf("state: have: %v, want: %v", have, want)
	}
	if have, want := stored.Attempts.Prepare, 1; have != want {
		t.Errorf("prepare attempts: have: %v, want: %v", have, want)
	}

	wfs, err := s.RetrieveWorkflowsByCampaign(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(wfs), 1; have != want {
		t.Errorf("campaign workflows: have: %v, want: %v", have, want)
	}
}

func testTransition(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	cid := "campaign-" + uuid.NewRandom().ID()

	wf, _, err := s.CreateWorkflow(ctx, newWorkflow(cid, "A"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.TransitionWorkflow(ctx, workflow.ID(cid, "nonexistent"), &workflow.Transition{
		From: workflow.StateQueued,
		To:   workflow.StatePreparing,
	})
	if !errors.Is(err, storage.ErrWorkflowNotFound) {
		t.Errorf("expected not found error, have: %v", err)
	}

	notBefore := now().Add(5 * time.Second)
	deadline := now().Add(5 * time.Minute)
	wf2, err := s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From:      workflow.StateQueued,
		Revision:  wf.Revision,
		To:        workflow.StatePreparing,
		Attempts:  workflow.Attempts{Prepare: 1},
		LastError: workflow.Transient("device offline"),
		NotBefore: notBefore,
		Deadline:  deadline,
		At:        now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := wf2.State, workflow.StatePreparing; have != want {
		t.Errorf("state: have: %v, want: %v", have, want)
	}
	if have, want := wf2.Revision, wf.Revision+1; have != want {
		t.Errorf("revision: have: %v, want: %v", have, want)
	}

	// re-read to make sure everything was persisted
	wf2, err = s.RetrieveWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := wf2.Attempts.Prepare, 1; have != want {
		t.Errorf("prepare attempts: have: %v, want: %v", have, want)
	}
	if wf2.LastError == nil {
		t.Error("expected last error")
	} else if have, want := wf2.LastError.Kind, workflow.ErrorTransient; have != want {
		t.Errorf("last error kind: have: %v, want: %v", have, want)
	}
	if have, want := wf2.NotBefore, notBefore; !have.Equal(want) {
		t.Errorf("not before: have: %v, want: %v", have, want)
	}
	if have, want := wf2.Deadline, deadline; !have.Equal(want) {
		t.Errorf("deadline: have: %v, want: %v", have, want)
	}

	// stale state
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From: workflow.StateQueued,
		To:   workflow.StatePreparing,
	})
	var staleErr *storage.StaleStateError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected stale state error, have: %v", err)
	}
	if have, want := staleErr.Actual, workflow.StatePreparing; have != want {
		t.Errorf("stale actual state: have: %v, want: %v", have, want)
	}

	// stale revision
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From:     workflow.StatePreparing,
		Revision: wf.Revision,
		To:       workflow.StatePreparing,
	})
	if !storage.IsStale(err) {
		t.Errorf("expected stale state error, have: %v", err)
	}

	// invalid transition
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From: workflow.StatePreparing,
		To:   workflow.StateComplete,
	})
	if !errors.Is(err, workflow.ErrInvalidState) {
		t.Errorf("expected invalid state error, have: %v", err)
	}

	// cancellation is sticky and clears the last error
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From:   workflow.StatePreparing,
		To:     workflow.StatePreparing,
		Cancel: true,
		At:     now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	wf3, err := s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From:     workflow.StatePreparing,
		To:       workflow.StateDownloading,
		Attempts: workflow.Attempts{Dispatch: 1, Prepare: -5},
		At:       now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !wf3.Cancelled {
		t.Error("expected cancelled to remain set")
	}
	if wf3.LastError != nil {
		t.Errorf("expected nil last error, have: %v", wf3.LastError)
	}
	if have, want := wf3.Attempts.Prepare, 0; have != want {
		t.Errorf("prepare attempts: have: %v, want: %v", have, want)
	}
	if have, want := wf3.Attempts.Dispatch, 1; have != want {
		t.Errorf("dispatch attempts: have: %v, want: %v", have, want)
	}

	// terminal states can't be exited
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From: workflow.StateDownloading,
		To:   workflow.StateFailed,
		At:   now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.TransitionWorkflow(ctx, wf.ID, &workflow.Transition{
		From: workflow.StateFailed,
		To:   workflow.StateFailed,
	})
	if !errors.Is(err, workflow.ErrInvalidState) {
		t.Errorf("expected invalid state error, have: %v", err)
	}
}

func hasID(wfs []*workflow.Workflow, id string) bool {
	for _, wf := range wfs {
		if wf.ID == id {
			return true
		}
	}
	return false
}

func testList(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	cid1 := "campaign-" + uuid.NewRandom().ID()
	cid2 := "campaign-" + uuid.NewRandom().ID()
	devA := "device-" + uuid.NewRandom().ID()

	for _, wf := range []*workflow.Workflow{
		newWorkflow(cid1, devA),
		newWorkflow(cid1, "B"),
		newWorkflow(cid1, "C"),
		newWorkflow(cid2, devA),
	} {
		if _, _, err := s.CreateWorkflow(ctx, wf); err != nil {
			t.Fatal(err)
		}
	}

	wfs, err := s.RetrieveWorkflowsByCampaign(ctx, cid1)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(wfs), 3; have != want {
		t.Errorf("campaign workflows: have: %v, want: %v", have, want)
	}

	wfs, err = s.RetrieveWorkflowsByDevice(ctx, devA)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(wfs), 2; have != want {
		t.Errorf("device workflows: have: %v, want: %v", have, want)
	}

	wfs, err = s.RetrieveWorkflowsByCampaign(ctx, "campaign-nonexistent-"+uuid.NewRandom().ID())
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(wfs), 0; have != want {
		t.Errorf("campaign workflows: have: %v, want: %v", have, want)
	}

	failID := workflow.ID(cid1, "B")
	_, err = s.TransitionWorkflow(ctx, failID, &workflow.Transition{
		From: workflow.StateQueued,
		To:   workflow.StateFailed,
		At:   now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	active, err := s.RetrieveActiveWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{
		workflow.ID(cid1, devA),
		workflow.ID(cid1, "C"),
		workflow.ID(cid2, devA),
	} {
		if !hasID(active, id) {
			t.Errorf("expected active workflow: %s", id)
		}
	}
	if hasID(active, failID) {
		t.Errorf("expected failed workflow to not be active: %s", failID)
	}
}

func testCampaign(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	cid := "campaign-" + uuid.NewRandom().ID()

	_, err := s.RetrieveCampaign(ctx, cid)
	if !errors.Is(err, storage.ErrCampaignNotFound) {
		t.Errorf("expected not found error, have: %v", err)
	}

	_, _, err = s.CreateCampaign(ctx, &workflow.Campaign{ID: cid})
	if err == nil {
		t.Error("expected error for invalid campaign")
	}

	c := &workflow.Campaign{
		ID:         cid,
		TenantID:   "tenant-1",
		FirmwareID: "fw-2.0.0",
		DeviceIDs:  []string{"A", "B", "C"},
		Status:     workflow.CampaignPending,
		CreatedAt:  now(),
		UpdatedAt:  now(),
	}
	_, created, err := s.CreateCampaign(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected campaign to be created")
	}

	_, created, err = s.CreateCampaign(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected duplicate campaign to not be created")
	}

	ok, err := s.UpdateCampaignStatus(ctx, cid, workflow.CampaignPending, workflow.CampaignRunning)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected status update")
	}

	ok, err = s.UpdateCampaignStatus(ctx, cid, workflow.CampaignPending, workflow.CampaignRunning)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no status update from wrong status")
	}

	c2, err := s.RetrieveCampaign(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := c2.Status, workflow.CampaignRunning; have != want {
		t.Errorf("status: have: %v, want: %v", have, want)
	}
	if have, want := len(c2.DeviceIDs), 3; have != want {
		t.Errorf("device ids: have: %v, want: %v", have, want)
	}
	if have, want := c2.FirmwareID, c.FirmwareID; have != want {
		t.Errorf("firmware id: have: %v, want: %v", have, want)
	}
}

func testReports(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	wfID := workflow.ID("campaign-"+uuid.NewRandom().ID(), "A")

	err := s.StoreReport(ctx, &workflow.Report{DeviceID: "A", Status: "bogus", WorkflowID: wfID})
	if err == nil {
		t.Error("expected error for invalid report")
	}

	for _, r := range []*workflow.Report{
		{WorkflowID: wfID, DeviceID: "A", Status: workflow.ReportDownloaded, Checksum: "aaaa", ReceivedAt: now()},
		{WorkflowID: wfID, DeviceID: "A", Status: workflow.ReportChecksumMismatch, Checksum: "bbbb", ReceivedAt: now()},
		{WorkflowID: wfID, DeviceID: "A", Status: workflow.ReportDownloaded, Checksum: "cccc", ReceivedAt: now()},
	} {
		if err = s.StoreReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := s.RetrieveReports(ctx, wfID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(reports), 2; have != want {
		t.Errorf("reports: have: %v, want: %v", have, want)
	}
	if !reports.Has(workflow.ReportChecksumMismatch) {
		t.Error("expected checksum mismatch report")
	}
	if r := reports[workflow.ReportDownloaded]; r == nil {
		t.Error("expected downloaded report")
	} else if have, want := r.Checksum, "cccc"; have != want {
		t.Errorf("checksum: have: %v, want: %v", have, want)
	}

	reports, err = s.RetrieveReports(ctx, workflow.ID("campaign-"+uuid.NewRandom().ID(), "A"))
	if err != nil {
		t.Fatal(err)
	}
	if reports == nil {
		t.Error("expected non-nil reports")
	}
	if have, want := len(reports), 0; have != want {
		t.Errorf("reports: have: %v, want: %v", have, want)
	}
}
