// Package test provides an in-memory engine harness with a fake clock
// and a collecting command channel for engine and campaign tests.
package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanorollout/activity"
	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/engine"
	"github.com/micromdm/nanorollout/engine/storage/inmem"
	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	fwinmem "github.com/micromdm/nanorollout/subsystem/firmware/storage/inmem"
	"github.com/micromdm/nanorollout/subsystem/registry"
	regstorage "github.com/micromdm/nanorollout/subsystem/registry/storage"
	reginmem "github.com/micromdm/nanorollout/subsystem/registry/storage/inmem"
	"github.com/micromdm/nanorollout/workflow"
)

const (
	FirmwareID = "gw-2.4.1"
	Checksum   = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

// Start is the initial time of the harness clock.
var Start = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set sets the clock to t if t is later than the current time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

func (c *Clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Sender collects sent commands.
type Sender struct {
	mu    sync.Mutex
	sent  []*channel.Command
	calls int

	// Err, if set, is called for every command and its result returned.
	Err func(*channel.Command) error
}

func (s *Sender) Send(_ context.Context, cmd *channel.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		if err := s.Err(cmd); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, cmd)
	return nil
}

// Sent returns the successfully sent commands.
func (s *Sender) Sent() []*channel.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*channel.Command(nil), s.sent...)
}

// Calls returns the number of send attempts.
func (s *Sender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Harness wires an engine to in-memory storage and fakes.
type Harness struct {
	Clock    *Clock
	Store    *inmem.InMem
	Firmware *fwinmem.InMem
	Devices  *reginmem.InMem
	Registry *registry.Registry
	Sender   *Sender

	Activities *activity.Executors
	Engine     *engine.Engine
	Receiver   *engine.Receiver

	mu    sync.Mutex
	paths map[string][]workflow.State
}

// New creates a new harness with the FirmwareID firmware registered.
func New(t *testing.T, opts ...engine.Option) *Harness {
	t.Helper()
	h := &Harness{
		Clock:    NewClock(Start),
		Store:    inmem.New(),
		Firmware: fwinmem.New(),
		Devices:  reginmem.New(),
		Sender:   &Sender{},
		paths:    make(map[string][]workflow.State),
	}
	h.Registry = registry.New(h.Devices, registry.WithClock(h.Clock.Now))
	h.Activities = activity.New(
		h.Registry,
		h.Firmware,
		h.Sender,
		h.Store,
		h.Store,
		activity.WithClock(h.Clock.Now),
	)
	h.Engine = engine.New(h.Store, h.Activities, append([]engine.Option{engine.WithClock(h.Clock.Now)}, opts...)...)
	h.Receiver = engine.NewReceiver(h.Store, nil, engine.WithToucher(h.Registry), engine.WithReceiverClock(h.Clock.Now))
	err := h.Firmware.StoreFirmware(context.Background(), &fwstorage.Firmware{
		ID:       FirmwareID,
		Version:  "2.4.1",
		Location: "https://cdn.example.com/gw/2.4.1.bin",
		Checksum: Checksum,
		Size:     1048576,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// AddDevice registers an online device.
func (h *Harness) AddDevice(t *testing.T, id, tenant string) {
	t.Helper()
	err := h.Devices.StoreDevice(context.Background(), &regstorage.Device{
		ID:       id,
		TenantID: tenant,
		Online:   true,
		LastSeen: h.Clock.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Create stores a new workflow for the device.
func (h *Harness) Create(t *testing.T, campaignID, deviceID, tenant string) *workflow.Workflow {
	t.Helper()
	wf, _, err := h.Store.CreateWorkflow(context.Background(), workflow.New(campaignID, deviceID, tenant, FirmwareID, h.Clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	h.observe(wf)
	return wf
}

// Workflow returns the stored workflow.
func (h *Harness) Workflow(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	wf, err := h.Store.RetrieveWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func (h *Harness) observe(wf *workflow.Workflow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.paths[wf.ID]
	if len(p) < 1 || p[len(p)-1] != wf.State {
		h.paths[wf.ID] = append(p, wf.State)
	}
}

// Path returns the distinct states the workflow was observed in.
func (h *Harness) Path(id string) []workflow.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]workflow.State(nil), h.paths[id]...)
}

// Drive advances the workflow until it is terminal or waits for a
// later time, which is returned.
func (h *Harness) Drive(t *testing.T, id string) time.Time {
	t.Helper()
	for i := 0; i < 100; i++ {
		next, err := h.Engine.Advance(context.Background(), id, engine.ReasonTimer)
		if err != nil {
			t.Fatal(err)
		}
		h.observe(h.Workflow(t, id))
		if next.IsZero() || next.After(h.Clock.Now()) {
			return next
		}
	}
	t.Fatalf("workflow %s did not settle", id)
	return time.Time{}
}

// Settle drives the workflow, moving the clock forward to every wait,
// until it is terminal. The waits are returned.
func (h *Harness) Settle(t *testing.T, id string) (waits []time.Duration) {
	t.Helper()
	for i := 0; i < 100; i++ {
		next := h.Drive(t, id)
		if next.IsZero() {
			return
		}
		waits = append(waits, next.Sub(h.Clock.Now()))
		h.Clock.Set(next)
	}
	t.Fatalf("workflow %s did not settle", id)
	return
}

// Report sends a device report through the receiver.
func (h *Harness) Report(t *testing.T, deviceID string, status workflow.ReportStatus, checksum string) {
	t.Helper()
	err := h.Receiver.Receive(context.Background(), &workflow.Report{
		DeviceID: deviceID,
		Status:   status,
		Checksum: checksum,
	})
	if err != nil {
		t.Fatal(err)
	}
	// reports received in the same instant are told apart by order
	h.Clock.Add(time.Millisecond)
}

// Cancel marks the workflow cancelled the way a campaign cancel does.
func (h *Harness) Cancel(t *testing.T, id string) {
	t.Helper()
	wf := h.Workflow(t, id)
	tr := workflow.Keep(wf, h.Clock.Now())
	tr.Cancel = true
	if _, err := h.Store.TransitionWorkflow(context.Background(), id, tr); err != nil {
		t.Fatal(err)
	}
}
