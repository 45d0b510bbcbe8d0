package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/utils/uuid"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReport(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	r, err := decodeReport([]byte(`{"device_id":"d1","workflow_id":"w1","status":"applied"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DeviceID)
	assert.Equal(t, workflow.ReportApplied, r.Status)
	assert.Equal(t, now, r.ReceivedAt)

	_, err = decodeReport([]byte(`{"device_id":"d1","status":"melted"}`), now)
	assert.ErrorIs(t, err, workflow.ErrInvalidReportStatus)

	_, err = decodeReport([]byte(`{"status":"applied"}`), now)
	assert.ErrorIs(t, err, workflow.ErrMissingDeviceID)

	_, err = decodeReport([]byte(`nope`), now)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	c := New(nil, WithPrefix("fw"))
	assert.Equal(t, "fw:device:d1:command", c.commandKey("d1"))
	assert.Equal(t, "fw.commands.d1", c.commandChannel("d1"))
	assert.Equal(t, "fw.reports", c.reportChannel())
}

type chanReceiver chan *workflow.Report

func (c chanReceiver) Receive(_ context.Context, r *workflow.Report) error {
	select {
	case c <- r:
	default:
	}
	return nil
}

func TestChannel(t *testing.T) {
	addr := os.Getenv("NANOROLLOUT_REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("NANOROLLOUT_REDIS_TEST_ADDR not set")
	}

	client, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(client, WithPrefix("test-"+uuid.NewRandom().ID()))
	deviceID := "dev-" + uuid.NewRandom().ID()
	cmd := &channel.Command{
		ID:         channel.CommandID("wf1", channel.CommandUpdate),
		Type:       channel.CommandUpdate,
		DeviceID:   deviceID,
		TenantID:   "t1",
		WorkflowID: "wf1",
	}

	// nobody is listening yet
	err = c.Send(ctx, cmd)
	require.ErrorIs(t, err, ErrNoSubscriber)

	// but the command is stored for pick-up
	stored, err := client.Get(ctx, c.commandKey(deviceID)).Bytes()
	require.NoError(t, err)
	var storedCmd channel.Command
	require.NoError(t, json.Unmarshal(stored, &storedCmd))
	assert.Equal(t, cmd.ID, storedCmd.ID)

	// a "device" subscribes and the send is acknowledged
	devSub := client.Subscribe(ctx, c.commandChannel(deviceID))
	defer devSub.Close()
	_, err = devSub.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, cmd))

	// reports flow to the receiver
	reports := make(chanReceiver, 1)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go c.Run(runCtx, reports)

	payload, err := json.Marshal(&workflow.Report{DeviceID: deviceID, WorkflowID: "wf1", Status: workflow.ReportDownloading})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, c.reportChannel(), payload).Result()
		return err == nil && n > 0
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case r := <-reports:
		assert.Equal(t, workflow.ReportDownloading, r.Status)
	case <-ctx.Done():
		t.Fatal("timed out waiting for report")
	}
}
