package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/channel"
	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checksum = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func firmware() *fwstorage.Firmware {
	return &fwstorage.Firmware{
		ID:       "gw-2.4.1",
		Version:  "2.4.1",
		Location: "https://cdn.example.com/gw/2.4.1.bin",
		Checksum: checksum,
		Size:     1024,
	}
}

type fakeRegistry struct {
	tenant    string
	online    bool
	lastSeen  time.Time
	err       error
	commitErr error
	commits   []string
}

func (r *fakeRegistry) IsDeviceOnline(_ context.Context, _ string) (bool, time.Time, error) {
	return r.online, r.lastSeen, r.err
}

func (r *fakeRegistry) DeviceTenant(_ context.Context, _ string) (string, error) {
	return r.tenant, r.err
}

func (r *fakeRegistry) CommitFirmwareVersion(_ context.Context, _, firmwareID string) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	r.commits = append(r.commits, firmwareID)
	return nil
}

type fakeFirmware struct{ f *fwstorage.Firmware }

func (s fakeFirmware) RetrieveFirmware(_ context.Context, id string) (*fwstorage.Firmware, error) {
	if s.f == nil || s.f.ID != id {
		return nil, fwstorage.ErrFirmwareNotFound
	}
	return s.f, nil
}

type workflows []*workflow.Workflow

func (w workflows) RetrieveWorkflowsByDevice(_ context.Context, _ string) ([]*workflow.Workflow, error) {
	return w, nil
}

type reports workflow.Reports

func (r reports) RetrieveReports(_ context.Context, _ string) (workflow.Reports, error) {
	return workflow.Reports(r), nil
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []*channel.Command
}

func (s *fakeSender) Send(_ context.Context, cmd *channel.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func kindOf(t *testing.T, err error) workflow.ErrorKind {
	t.Helper()
	var wfErr *workflow.Error
	require.ErrorAs(t, err, &wfErr)
	return wfErr.Kind
}

func newWorkflow(campaign string) *workflow.Workflow {
	return workflow.New(campaign, "dev-1", "t1", "gw-2.4.1", now)
}

func TestReadiness(t *testing.T) {
	ctx := context.Background()
	wf := newWorkflow("c1")

	t.Run("ready", func(t *testing.T) {
		reg := &fakeRegistry{tenant: "t1", online: true, lastSeen: now.Add(-time.Minute)}
		state, err := NewReadiness(reg, workflows{wf}).Execute(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatePreparing, state)
	})

	t.Run("offline", func(t *testing.T) {
		// presence is checked by dispatch
		reg := &fakeRegistry{tenant: "t1", online: false, lastSeen: now.Add(-time.Hour)}
		state, err := NewReadiness(reg, workflows{wf}).Execute(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatePreparing, state)
	})

	t.Run("unknown device", func(t *testing.T) {
		reg := &fakeRegistry{err: ErrUnknownDevice}
		_, err := NewReadiness(reg, workflows{}).Execute(ctx, wf)
		assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))
	})

	t.Run("registry down", func(t *testing.T) {
		reg := &fakeRegistry{err: errors.New("connection refused")}
		_, err := NewReadiness(reg, workflows{}).Execute(ctx, wf)
		require.Error(t, err)
		assert.Equal(t, workflow.ErrorTransient, workflow.Classify(err).Kind)
	})
}

func TestDecideReadiness(t *testing.T) {
	wf := newWorkflow("c2")

	older := newWorkflow("c1")
	older.CreatedAt = now.Add(-time.Hour)

	newer := newWorkflow("c3")
	newer.CreatedAt = now.Add(time.Hour)

	downloading := newWorkflow("c4")
	downloading.State = workflow.StateDownloading
	downloading.CreatedAt = now.Add(time.Hour)

	done := newWorkflow("c5")
	done.State = workflow.StateComplete

	cancelled := older.Copy()
	cancelled.ID = "cancelled"
	cancelled.Cancelled = true

	for _, tc := range []struct {
		name   string
		tenant string
		others []*workflow.Workflow
		kind   workflow.ErrorKind
	}{
		{"other tenant", "t2", nil, workflow.ErrorPermanent},
		{"older queued", "t1", []*workflow.Workflow{older}, workflow.ErrorPermanent},
		{"in progress", "t1", []*workflow.Workflow{downloading}, workflow.ErrorPermanent},
		{"newer queued", "t1", []*workflow.Workflow{wf, newer}, ""},
		{"terminal", "t1", []*workflow.Workflow{done}, ""},
		{"cancelled", "t1", []*workflow.Workflow{cancelled}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, err := DecideReadiness(wf, tc.tenant, tc.others)
			if tc.kind == "" {
				require.NoError(t, err)
				assert.Equal(t, workflow.StatePreparing, state)
				return
			}
			assert.Equal(t, tc.kind, kindOf(t, err))
			assert.Equal(t, workflow.StateQueued, state)
		})
	}
}

func TestCheckPresence(t *testing.T) {
	wf := newWorkflow("c1")
	for _, tc := range []struct {
		name      string
		online    bool
		lastSeen  time.Time
		freshness time.Duration
		kind      workflow.ErrorKind
	}{
		{"online", true, now.Add(-time.Minute), time.Hour, ""},
		{"offline", false, now, time.Hour, workflow.ErrorTransient},
		{"stale", true, now.Add(-2 * time.Hour), time.Hour, workflow.ErrorTransient},
		{"no freshness", true, now.Add(-48 * time.Hour), 0, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPresence(wf, tc.online, tc.lastSeen, now, tc.freshness)
			if tc.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.kind, kindOf(t, err))
		})
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	wf := newWorkflow("c1")
	wf.State = workflow.StatePreparing

	clock := WithClock(func() time.Time { return now })
	reg := &fakeRegistry{tenant: "t1", online: true, lastSeen: now}
	sender := &fakeSender{}
	d := NewDispatch(reg, fakeFirmware{firmware()}, sender, clock)

	state, err := d.Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDownloading, state)
	require.Len(t, sender.sent, 1)
	cmd := sender.sent[0]
	assert.Equal(t, channel.CommandUpdate, cmd.Type)
	assert.Equal(t, checksum, cmd.Checksum)
	assert.Equal(t, channel.CommandID(wf.ID, channel.CommandUpdate), cmd.ID)
	require.NoError(t, cmd.Validate())

	// retries re-use the command id
	_, err = d.Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, sender.sent[0].ID, sender.sent[1].ID)

	sender.err = errors.New("gateway unavailable")
	_, err = d.Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorTransient, kindOf(t, err))

	sender.err = workflow.Wrap(workflow.ErrorPermanent, errors.New("device rejected"))
	_, err = d.Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))

	sender.err = channel.ErrMissingTenantID
	_, err = d.Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))

	_, err = NewDispatch(reg, fakeFirmware{}, &fakeSender{}, clock).Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))
}

func TestDispatchOffline(t *testing.T) {
	ctx := context.Background()
	wf := newWorkflow("c1")
	wf.State = workflow.StatePreparing

	sender := &fakeSender{}
	reg := &fakeRegistry{tenant: "t1", online: false, lastSeen: now}
	d := NewDispatch(reg, fakeFirmware{firmware()}, sender, WithClock(func() time.Time { return now }))
	state, err := d.Execute(ctx, wf)
	assert.Equal(t, workflow.StatePreparing, state)
	assert.Equal(t, workflow.ErrorTransient, kindOf(t, err))

	reg.online = true
	reg.lastSeen = now.Add(-time.Hour)
	_, err = d.Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorTransient, kindOf(t, err))

	d = NewDispatch(reg, fakeFirmware{firmware()}, sender, WithClock(func() time.Time { return now }), WithFreshness(2*time.Hour))
	state, err = d.Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDownloading, state)
	assert.Len(t, sender.sent, 1)

	reg.err = ErrUnknownDevice
	_, err = d.Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))
}

func TestDispatchInvalidCommand(t *testing.T) {
	ctx := context.Background()
	wf := newWorkflow("c1")
	wf.State = workflow.StatePreparing
	wf.TenantID = ""

	sender := &fakeSender{}
	reg := &fakeRegistry{online: true, lastSeen: now}
	d := NewDispatch(reg, fakeFirmware{firmware()}, sender, WithClock(func() time.Time { return now }))
	state, err := d.Execute(ctx, wf)
	assert.Equal(t, workflow.StatePreparing, state)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))
	assert.ErrorIs(t, err, channel.ErrMissingTenantID)
	assert.Empty(t, sender.sent)
}

func TestDecideVerify(t *testing.T) {
	f := firmware()
	rep := func(s workflow.ReportStatus, sum string, at time.Duration) *workflow.Report {
		return &workflow.Report{DeviceID: "dev-1", Status: s, Checksum: sum, ReceivedAt: now.Add(at)}
	}

	for _, tc := range []struct {
		name    string
		state   workflow.State
		reports workflow.Reports
		want    workflow.State
		kind    workflow.ErrorKind
	}{
		{"no reports", workflow.StateDownloading, workflow.Reports{}, workflow.StateDownloading, ""},
		{"downloading", workflow.StateDownloading, workflow.Reports{
			workflow.ReportDownloading: rep(workflow.ReportDownloading, "", 0),
		}, workflow.StateDownloading, ""},
		{"downloaded", workflow.StateDownloading, workflow.Reports{
			workflow.ReportDownloaded: rep(workflow.ReportDownloaded, checksum, 0),
		}, workflow.StateApplying, ""},
		{"downloaded upper case", workflow.StateDownloading, workflow.Reports{
			workflow.ReportDownloaded: rep(workflow.ReportDownloaded, "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08", 0),
		}, workflow.StateApplying, ""},
		{"downloaded wrong checksum", workflow.StateDownloading, workflow.Reports{
			workflow.ReportDownloaded: rep(workflow.ReportDownloaded, "abc", 0),
		}, workflow.StateDownloading, workflow.ErrorMismatch},
		{"checksum mismatch", workflow.StateDownloading, workflow.Reports{
			workflow.ReportChecksumMismatch: rep(workflow.ReportChecksumMismatch, "abc", 0),
		}, workflow.StateDownloading, workflow.ErrorMismatch},
		{"lost download report", workflow.StateDownloading, workflow.Reports{
			workflow.ReportApplying: rep(workflow.ReportApplying, "", 0),
		}, workflow.StateApplying, ""},
		{"applying pending", workflow.StateApplying, workflow.Reports{
			workflow.ReportDownloaded: rep(workflow.ReportDownloaded, checksum, 0),
			workflow.ReportApplying:   rep(workflow.ReportApplying, "", time.Second),
		}, workflow.StateApplying, ""},
		{"applied", workflow.StateApplying, workflow.Reports{
			workflow.ReportApplied: rep(workflow.ReportApplied, "", 0),
		}, workflow.StateComplete, ""},
		{"apply failed", workflow.StateApplying, workflow.Reports{
			workflow.ReportApplyFailed: rep(workflow.ReportApplyFailed, "", 0),
		}, workflow.StateApplying, workflow.ErrorMismatch},
		{"applied after failure", workflow.StateApplying, workflow.Reports{
			workflow.ReportApplyFailed: rep(workflow.ReportApplyFailed, "", 0),
			workflow.ReportApplied:     rep(workflow.ReportApplied, "", time.Second),
		}, workflow.StateComplete, ""},
		{"rollback pending", workflow.StateRollback, workflow.Reports{}, workflow.StateRollback, ""},
		{"rolled back", workflow.StateRollback, workflow.Reports{
			workflow.ReportRolledBack: rep(workflow.ReportRolledBack, "", 0),
		}, workflow.StateRolledBack, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, err := DecideVerify(tc.state, f, tc.reports)
			assert.Equal(t, tc.want, state)
			if tc.kind == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tc.kind, kindOf(t, err))
			}
		})
	}

	_, err := DecideVerify(workflow.StateQueued, f, nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	wf := newWorkflow("c1")
	wf.State = workflow.StateApplying

	reg := &fakeRegistry{}
	state, err := NewCommit(reg).Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateComplete, state)
	assert.Equal(t, []string{"gw-2.4.1"}, reg.commits)

	reg.commitErr = ErrUnknownDevice
	_, err = NewCommit(reg).Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))

	wf.State = workflow.StateRollback
	sender := &fakeSender{}
	state, err = NewRollback(sender).Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRollback, state)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, channel.CommandRevert, sender.sent[0].Type)

	sender.err = channel.ErrInvalidCommandType
	_, err = NewRollback(sender).Execute(ctx, wf)
	assert.Equal(t, workflow.ErrorPermanent, kindOf(t, err))
}
