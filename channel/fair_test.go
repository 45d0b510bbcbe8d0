package channel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// blockingSender blocks sends for tenants in block until released.
type blockingSender struct {
	mu      sync.Mutex
	sent    []string
	block   map[string]chan struct{}
	started chan string
}

func (s *blockingSender) Send(ctx context.Context, cmd *Command) error {
	if s.started != nil {
		s.started <- cmd.TenantID
	}
	if ch, ok := s.block[cmd.TenantID]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd.TenantID+"/"+cmd.DeviceID)
	return nil
}

func testCommand(tenant, device string) *Command {
	return &Command{
		ID:         CommandID("wf-"+device, CommandUpdate),
		Type:       CommandUpdate,
		DeviceID:   device,
		TenantID:   tenant,
		WorkflowID: "wf-" + device,
	}
}

func TestFairSenderTenantIsolation(t *testing.T) {
	release := make(chan struct{})
	next := &blockingSender{
		block:   map[string]chan struct{}{"busy": release},
		started: make(chan string, 10),
	}
	f := NewFairSender(next, WithTenantConcurrency(1))

	busyDone := make(chan error, 1)
	go func() { busyDone <- f.Send(context.Background(), testCommand("busy", "d1")) }()
	require.Equal(t, "busy", <-next.started)

	// a second send for the busy tenant must wait for the first
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.Send(ctx, testCommand("busy", "d2"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// while another tenant is not held up at all
	require.NoError(t, f.Send(context.Background(), testCommand("quiet", "d3")))
	<-next.started

	close(release)
	require.NoError(t, <-busyDone)

	next.mu.Lock()
	defer next.mu.Unlock()
	assert.Equal(t, []string{"quiet/d3", "busy/d1"}, next.sent)
}

func TestFairSenderRate(t *testing.T) {
	next := &blockingSender{}
	f := NewFairSender(next, WithTenantRate(rate.Every(time.Hour), 1))

	require.NoError(t, f.Send(context.Background(), testCommand("a", "d1")))

	// the bucket for tenant a is now empty
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, f.Send(ctx, testCommand("a", "d2")))

	// tenant b has its own bucket
	require.NoError(t, f.Send(context.Background(), testCommand("b", "d3")))
}

func TestFairSenderInvalid(t *testing.T) {
	f := NewFairSender(&blockingSender{})
	err := f.Send(context.Background(), &Command{ID: "x", Type: CommandUpdate, DeviceID: "d"})
	assert.ErrorIs(t, err, ErrMissingTenantID)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCommandID(t *testing.T) {
	a := CommandID("wf", CommandUpdate)
	assert.Equal(t, a, CommandID("wf", CommandUpdate))
	assert.NotEqual(t, a, CommandID("wf", CommandRevert))
	assert.NotEqual(t, a, CommandID("wf2", CommandUpdate))
}

type recorder struct {
	reports []*workflow.Report
}

func (r *recorder) Receive(_ context.Context, report *workflow.Report) error {
	r.reports = append(r.reports, report)
	return nil
}

func TestReportDumper(t *testing.T) {
	rec := &recorder{}
	buf := new(bytes.Buffer)
	d := NewReportDumper(rec, buf)
	err := d.Receive(context.Background(), &workflow.Report{DeviceID: "d1", Status: workflow.ReportApplied})
	require.NoError(t, err)
	require.Len(t, rec.reports, 1)
	assert.True(t, strings.Contains(buf.String(), `"status":"applied"`))
}
