package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoActiveWorkflow  = errors.New("no active workflow for device")
	ErrAmbiguousWorkflow = errors.New("more than one active workflow for device")
	ErrDeviceMismatch    = errors.New("report device does not match workflow")
)

// Waker wakes workflows so they are advanced soon.
type Waker interface {
	Wake(id string, reason WakeReason)
}

// Toucher records that a device was seen.
type Toucher interface {
	TouchDevice(ctx context.Context, deviceID string) error
}

// Receiver takes in device reports, stores them for their workflow, and
// wakes the workflow.
type Receiver struct {
	store   Storage
	waker   Waker
	toucher Toucher
	logger  log.Logger
	now     func() time.Time
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(logger log.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithToucher marks devices as seen when they send a report.
func WithToucher(t Toucher) ReceiverOption {
	return func(r *Receiver) {
		r.toucher = t
	}
}

// WithReceiverClock sets the clock used to stamp reports.
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		r.now = now
	}
}

// NewReceiver creates a new device report receiver.
func NewReceiver(store Storage, waker Waker, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		store:  store,
		waker:  waker,
		logger: log.NopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// resolve finds the workflow a report is for.
// Reports without a workflow ID belong to the one dispatched (past
// PREPARING) active workflow of the device.
func (r *Receiver) resolve(ctx context.Context, rep *workflow.Report) (*workflow.Workflow, error) {
	if rep.WorkflowID != "" {
		wf, err := r.store.RetrieveWorkflow(ctx, rep.WorkflowID)
		if err != nil {
			return nil, err
		}
		if wf.DeviceID != rep.DeviceID {
			return nil, fmt.Errorf("%w: %s", ErrDeviceMismatch, rep.DeviceID)
		}
		return wf, nil
	}
	wfs, err := r.store.RetrieveWorkflowsByDevice(ctx, rep.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("retrieve device workflows: %w", err)
	}
	var found *workflow.Workflow
	for _, wf := range wfs {
		switch wf.State {
		case workflow.StateDownloading, workflow.StateApplying, workflow.StateRollback:
		default:
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousWorkflow, rep.DeviceID)
		}
		found = wf
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveWorkflow, rep.DeviceID)
	}
	return found, nil
}

// Receive stores the report and wakes its workflow.
func (r *Receiver) Receive(ctx context.Context, rep *workflow.Report) error {
	if err := rep.Validate(); err != nil {
		return fmt.Errorf("validating report: %w", err)
	}
	logger := ctxlog.Logger(ctx, r.logger).With(
		logkeys.DeviceID, rep.DeviceID,
		logkeys.ReportStatus, rep.Status,
	)

	if r.toucher != nil {
		if err := r.toucher.TouchDevice(ctx, rep.DeviceID); err != nil {
			logger.Info(logkeys.Message, "touch device", logkeys.Error, err)
		}
	}

	wf, err := r.resolve(ctx, rep)
	if err != nil {
		return logAndError(err, logger, "resolve workflow")
	}
	logger = logger.With(logkeys.WorkflowID, wf.ID)

	stored := *rep
	stored.WorkflowID = wf.ID
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = r.now()
	}
	if err = r.store.StoreReport(ctx, &stored); err != nil {
		return logAndError(err, logger, "store report")
	}

	if !wf.State.Terminal() && r.waker != nil {
		r.waker.Wake(wf.ID, ReasonEvent)
	}
	logger.Debug(
		logkeys.Message, "received report",
		logkeys.State, wf.State,
	)
	return nil
}
