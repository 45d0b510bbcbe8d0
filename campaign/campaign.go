// Package campaign implements the campaign manager: it fans a firmware
// version out to a set of devices as one workflow per device, reports
// aggregate progress, and cancels.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/micromdm/nanorollout/engine"
	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/log/logkeys"
	fwstorage "github.com/micromdm/nanorollout/subsystem/firmware/storage"
	"github.com/micromdm/nanorollout/utils/uuid"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrFirmwareNotFound = errors.New("firmware not found")
	ErrTenantMismatch   = errors.New("devices do not belong to tenant")
	ErrCampaignConflict = errors.New("campaign exists with different parameters")
)

// cancelRetries bounds re-reading a workflow whose cancel flag write went stale.
const cancelRetries = 5

// Storage is the storage the campaign manager needs.
type Storage interface {
	storage.CampaignStorage
	storage.WorkflowStorage
}

// TenantFinder looks up the tenants of devices.
// Unregistered devices are missing from the result.
type TenantFinder interface {
	DeviceTenants(ctx context.Context, deviceIDs []string) (map[string]string, error)
}

// FirmwareFinder retrieves firmware versions.
type FirmwareFinder interface {
	RetrieveFirmware(ctx context.Context, id string) (*fwstorage.Firmware, error)
}

// Request starts a campaign.
type Request struct {
	// CampaignID is optional. Supplying it makes starting idempotent.
	CampaignID string   `json:"campaign_id,omitempty" validate:"omitempty,id"`
	TenantID   string   `json:"tenant_id" validate:"required,id"`
	FirmwareID string   `json:"firmware_id" validate:"required,id"`
	DeviceIDs  []string `json:"device_ids" validate:"required,min=1,dive,id"`
}

// DeviceState is the state of a single device's workflow.
type DeviceState struct {
	DeviceID   string            `json:"device_id"`
	WorkflowID string            `json:"workflow_id"`
	State      workflow.State    `json:"state"`
	Attempts   workflow.Attempts `json:"attempts"`
	LastError  *workflow.Error   `json:"last_error,omitempty"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CountRunning is the Counts key for all non-terminal workflows.
const CountRunning = "RUNNING"

// Aggregate is the current progress of a campaign.
type Aggregate struct {
	Campaign *workflow.Campaign      `json:"campaign"`
	Status   workflow.CampaignStatus `json:"status"`

	// Degraded is set when some devices completed but others failed or
	// were rolled back.
	Degraded bool `json:"degraded"`

	// Counts are the terminal state counts plus all non-terminal
	// workflows counted under CountRunning.
	Counts map[string]int `json:"counts"`

	// States are the counts of every state.
	States map[workflow.State]int `json:"states"`

	Devices []DeviceState `json:"devices"`
}

// Manager manages campaigns.
type Manager struct {
	store   Storage
	fw      FirmwareFinder
	tenants TenantFinder
	waker   engine.Waker

	logger log.Logger
	ider   uuid.IDer
	now    func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIDer sets the generator of campaign IDs.
func WithIDer(ider uuid.IDer) Option {
	return func(m *Manager) {
		m.ider = ider
	}
}

// WithClock sets the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new campaign manager.
// The waker is used to get new and cancelled workflows advanced.
func New(store Storage, fw FirmwareFinder, tenants TenantFinder, waker engine.Waker, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		fw:      fw,
		tenants: tenants,
		waker:   waker,
		logger:  log.NopLogger,
		ider:    uuid.NewRandom(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// dedup returns ids without duplicates or empty values, keeping order.
func dedup(ids []string) (r []string) {
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r = append(r, id)
	}
	return
}

func sameDevices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Manager) wake(id string, reason engine.WakeReason) {
	if m.waker != nil {
		m.waker.Wake(id, reason)
	}
}

// Start validates and creates a campaign and one workflow per device.
// It returns without waiting for any device.
func (m *Manager) Start(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", workflow.ErrEmptyCampaign
	}
	ids := dedup(req.DeviceIDs)
	if len(ids) < 1 {
		return "", workflow.ErrNoDevices
	}
	if _, err := m.fw.RetrieveFirmware(ctx, req.FirmwareID); errors.Is(err, fwstorage.ErrFirmwareNotFound) {
		return "", fmt.Errorf("%w: %s", ErrFirmwareNotFound, req.FirmwareID)
	} else if err != nil {
		return "", fmt.Errorf("retrieve firmware: %w", err)
	}
	tenants, err := m.tenants.DeviceTenants(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("retrieve device tenants: %w", err)
	}
	var foreign []string
	for _, id := range ids {
		if tenants[id] != req.TenantID {
			foreign = append(foreign, id)
		}
	}
	if len(foreign) > 0 {
		return "", fmt.Errorf("%w: %s", ErrTenantMismatch, strings.Join(foreign, ", "))
	}

	now := m.now()
	c := &workflow.Campaign{
		ID:         req.CampaignID,
		TenantID:   req.TenantID,
		FirmwareID: req.FirmwareID,
		DeviceIDs:  ids,
		Status:     workflow.CampaignPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.ID == "" {
		c.ID = m.ider.ID()
	}
	logger := ctxlog.Logger(ctx, m.logger).With(
		logkeys.CampaignID, c.ID,
		logkeys.TenantID, c.TenantID,
		logkeys.FirmwareID, c.FirmwareID,
	)

	stored, created, err := m.store.CreateCampaign(ctx, c)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	if !created {
		if stored.TenantID != c.TenantID || stored.FirmwareID != c.FirmwareID || !sameDevices(stored.DeviceIDs, c.DeviceIDs) {
			return "", fmt.Errorf("%w: %s", ErrCampaignConflict, c.ID)
		}
		logger.Debug(logkeys.Message, "campaign exists")
		c = stored
	}

	// creating is idempotent so a start interrupted part way through
	// picks up where it left off
	for _, id := range c.DeviceIDs {
		wf, wfCreated, err := m.store.CreateWorkflow(ctx, workflow.New(c.ID, id, c.TenantID, c.FirmwareID, now))
		if err != nil {
			return c.ID, fmt.Errorf("create workflow for %s: %w", id, err)
		}
		if wfCreated {
			m.wake(wf.ID, engine.ReasonCreated)
		}
	}

	if _, err = m.store.UpdateCampaignStatus(ctx, c.ID, workflow.CampaignPending, workflow.CampaignRunning); err != nil {
		return c.ID, fmt.Errorf("update campaign status: %w", err)
	}
	if err = m.settle(ctx, logger, c.ID); err != nil {
		return c.ID, err
	}

	logger.Debug(
		logkeys.Message, "started campaign",
		logkeys.FirstDeviceID, c.DeviceIDs[0],
		logkeys.GenericCount, len(c.DeviceIDs),
	)
	return c.ID, nil
}

// Summarize computes the progress of c from its workflows.
func Summarize(c *workflow.Campaign, wfs []*workflow.Workflow) *Aggregate {
	a := &Aggregate{
		Campaign: c,
		Counts:   make(map[string]int),
		States:   make(map[workflow.State]int),
		Devices:  make([]DeviceState, 0, len(wfs)),
	}
	running := 0
	for _, wf := range wfs {
		a.States[wf.State]++
		if wf.State.Terminal() {
			a.Counts[string(wf.State)]++
		} else {
			running++
		}
		a.Devices = append(a.Devices, DeviceState{
			DeviceID:   wf.DeviceID,
			WorkflowID: wf.ID,
			State:      wf.State,
			Attempts:   wf.Attempts,
			LastError:  wf.LastError,
			Cancelled:  wf.Cancelled,
			UpdatedAt:  wf.UpdatedAt,
		})
	}
	if running > 0 {
		a.Counts[CountRunning] = running
	}
	sort.Slice(a.Devices, func(i, j int) bool { return a.Devices[i].DeviceID < a.Devices[j].DeviceID })

	a.Degraded = a.States[workflow.StateComplete] > 0 &&
		(a.States[workflow.StateFailed] > 0 || a.States[workflow.StateRolledBack] > 0)
	switch {
	case c.Status == workflow.CampaignCancelled || c.Status == workflow.CampaignPending:
		a.Status = c.Status
	case running > 0 || len(wfs) < len(c.DeviceIDs):
		a.Status = workflow.CampaignRunning
	default:
		a.Status = workflow.CampaignCompleted
	}
	return a
}

// Status returns the current progress of the campaign.
func (m *Manager) Status(ctx context.Context, id string) (*Aggregate, error) {
	c, err := m.store.RetrieveCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieve campaign: %w", err)
	}
	wfs, err := m.store.RetrieveWorkflowsByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieve workflows: %w", err)
	}
	return Summarize(c, wfs), nil
}

// cancelWorkflow marks the workflow cancelled unless it is terminal.
// cancelled is false if there was nothing to do.
func (m *Manager) cancelWorkflow(ctx context.Context, id string) (cancelled bool, err error) {
	for i := 0; i < cancelRetries; i++ {
		wf, err := m.store.RetrieveWorkflow(ctx, id)
		if err != nil {
			return false, err
		}
		if wf.State.Terminal() {
			return false, nil
		}
		if wf.Cancelled {
			return false, nil
		}
		t := workflow.Keep(wf, m.now())
		t.Cancel = true
		_, err = m.store.TransitionWorkflow(ctx, id, t)
		if storage.IsStale(err) {
			continue
		} else if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("cancel workflow %s: too many concurrent changes", id)
}

// Cancel requests cancellation of all non-terminal workflows of the campaign.
// In-flight activities are not interrupted: workflows settle the next
// time they are advanced. Cancelling again is harmless. accepted is
// false if the campaign had already completed.
func (m *Manager) Cancel(ctx context.Context, id string) (accepted bool, err error) {
	c, err := m.store.RetrieveCampaign(ctx, id)
	if err != nil {
		return false, fmt.Errorf("retrieve campaign: %w", err)
	}
	logger := ctxlog.Logger(ctx, m.logger).With(logkeys.CampaignID, id)
	if c.Status == workflow.CampaignCompleted {
		logger.Debug(logkeys.Message, "cancel completed campaign")
		return false, nil
	}
	for _, from := range []workflow.CampaignStatus{workflow.CampaignPending, workflow.CampaignRunning} {
		if _, err = m.store.UpdateCampaignStatus(ctx, id, from, workflow.CampaignCancelled); err != nil {
			return false, fmt.Errorf("update campaign status: %w", err)
		}
	}
	wfs, err := m.store.RetrieveWorkflowsByCampaign(ctx, id)
	if err != nil {
		return false, fmt.Errorf("retrieve workflows: %w", err)
	}
	var count int
	for _, wf := range wfs {
		if wf.State.Terminal() {
			continue
		}
		cancelled, err := m.cancelWorkflow(ctx, wf.ID)
		if err != nil {
			return false, logAndError(err, logger.With(logkeys.WorkflowID, wf.ID), "cancel workflow")
		}
		if cancelled {
			count++
			m.wake(wf.ID, engine.ReasonCancel)
		}
	}
	logger.Debug(
		logkeys.Message, "cancelled campaign",
		logkeys.GenericCount, count,
	)
	return true, nil
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// settle completes a running campaign whose workflows are all terminal.
func (m *Manager) settle(ctx context.Context, logger log.Logger, id string) error {
	c, err := m.store.RetrieveCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("retrieve campaign: %w", err)
	}
	if c.Status != workflow.CampaignRunning {
		return nil
	}
	wfs, err := m.store.RetrieveWorkflowsByCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("retrieve workflows: %w", err)
	}
	a := Summarize(c, wfs)
	if a.Status != workflow.CampaignCompleted {
		return nil
	}
	ok, err := m.store.UpdateCampaignStatus(ctx, id, workflow.CampaignRunning, workflow.CampaignCompleted)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if ok {
		logger.Debug(
			logkeys.Message, "completed campaign",
			"degraded", a.Degraded,
		)
	}
	return nil
}

// WorkflowSettled completes the workflow's campaign once all of its
// workflows are terminal.
func (m *Manager) WorkflowSettled(ctx context.Context, wf *workflow.Workflow) error {
	logger := ctxlog.Logger(ctx, m.logger).With(logkeys.CampaignID, wf.CampaignID)
	return m.settle(ctx, logger, wf.CampaignID)
}
