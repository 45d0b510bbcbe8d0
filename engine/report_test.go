package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/micromdm/nanorollout/engine"
	"github.com/micromdm/nanorollout/engine/test"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waker struct {
	mu    sync.Mutex
	woken map[string]engine.WakeReason
}

func (w *waker) Wake(id string, reason engine.WakeReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.woken == nil {
		w.woken = make(map[string]engine.WakeReason)
	}
	w.woken[id] = reason
}

func TestReceiver(t *testing.T) {
	ctx := context.Background()
	h := test.New(t)
	h.AddDevice(t, "dev-1", "t1")
	h.AddDevice(t, "dev-2", "t1")
	wf := h.Create(t, "c1", "dev-1", "t1")

	wk := &waker{}
	r := engine.NewReceiver(h.Store, wk, engine.WithToucher(h.Registry), engine.WithReceiverClock(h.Clock.Now))

	err := r.Receive(ctx, &workflow.Report{DeviceID: "dev-1", Status: "bogus"})
	assert.ErrorIs(t, err, workflow.ErrInvalidReportStatus)

	// nothing was dispatched yet
	err = r.Receive(ctx, &workflow.Report{DeviceID: "dev-1", Status: workflow.ReportDownloading})
	assert.ErrorIs(t, err, engine.ErrNoActiveWorkflow)

	err = r.Receive(ctx, &workflow.Report{WorkflowID: wf.ID, DeviceID: "dev-2", Status: workflow.ReportDownloading})
	assert.ErrorIs(t, err, engine.ErrDeviceMismatch)

	h.Drive(t, wf.ID)
	require.Equal(t, workflow.StateDownloading, h.Workflow(t, wf.ID).State)

	h.Clock.Add(1)
	err = r.Receive(ctx, &workflow.Report{DeviceID: "dev-1", Status: workflow.ReportDownloaded, Checksum: test.Checksum})
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonEvent, wk.woken[wf.ID])

	reports, err := h.Store.RetrieveReports(ctx, wf.ID)
	require.NoError(t, err)
	require.True(t, reports.Has(workflow.ReportDownloaded))
	assert.Equal(t, h.Clock.Now(), reports[workflow.ReportDownloaded].ReceivedAt)

	d, err := h.Devices.RetrieveDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, h.Clock.Now(), d.LastSeen)
}
