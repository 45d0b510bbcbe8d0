// Package engine implements the NanoRollout workflow engine.
//
// The engine advances one firmware update workflow by one step at a
// time. Every step is recorded in storage before (and after) any side
// effect: the attempt counter of an activity is incremented with a
// conditional write before the activity runs and the resulting state is
// written afterwards. A conditional write that finds the workflow
// changed underneath it means another advance got there first and the
// step is simply abandoned.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanorollout/activity"
	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	// DefaultPollTimeout is the length of one verification poll cycle.
	DefaultPollTimeout = 5 * time.Minute

	// DefaultVerifyCycles is the number of poll cycles per verified state.
	DefaultVerifyCycles = 3

	// DefaultRollbackTimeout is how long to wait for a rollback acknowledgement.
	DefaultRollbackTimeout = 2 * time.Minute

	// DefaultActivityTimeout bounds a single activity execution.
	DefaultActivityTimeout = 30 * time.Second
)

// WakeReason is why a workflow is being advanced.
type WakeReason string

const (
	ReasonTimer   WakeReason = "timer"
	ReasonEvent   WakeReason = "event"
	ReasonRecover WakeReason = "recover"
	ReasonCreated WakeReason = "created"
	ReasonCancel  WakeReason = "cancel"
)

// Storage is the storage the engine needs.
type Storage interface {
	storage.WorkflowStorage
	storage.ReportStorage
}

// Settler is notified when a workflow reaches a terminal state.
type Settler interface {
	WorkflowSettled(ctx context.Context, wf *workflow.Workflow) error
}

// Recorder records engine events, usually as metrics.
type Recorder interface {
	RecordTransition(from, to workflow.State)
	RecordAttempt(a workflow.Activity)
	RecordFailure(a workflow.Activity, kind workflow.ErrorKind)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(_, _ workflow.State) {}
func (nopRecorder) RecordAttempt(_ workflow.Activity) {}
func (nopRecorder) RecordFailure(_ workflow.Activity, _ workflow.ErrorKind) {}

// Engine advances firmware update workflows.
type Engine struct {
	store Storage
	acts  *activity.Executors

	logger   log.Logger
	recorder Recorder
	now      func() time.Time

	policy          workflow.RetryPolicy
	pollTimeout     time.Duration
	verifyCycles    int
	rollbackTimeout time.Duration
	activityTimeout time.Duration

	settlersMu sync.RWMutex
	settlers   []Settler
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRecorder sets the recorder for engine events.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithRetryPolicy sets the retry policy applied to every activity.
func WithRetryPolicy(p workflow.RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithPollTimeout sets the length of a verification poll cycle.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pollTimeout = d
	}
}

// WithVerifyCycles sets the number of poll cycles per verified state.
func WithVerifyCycles(n int) Option {
	return func(e *Engine) {
		e.verifyCycles = n
	}
}

// WithRollbackTimeout sets how long to wait for a rollback acknowledgement.
func WithRollbackTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.rollbackTimeout = d
	}
}

// WithActivityTimeout sets the timeout of a single activity execution.
func WithActivityTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.activityTimeout = d
	}
}

// New creates a new engine with default configurations.
func New(store Storage, acts *activity.Executors, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		acts:            acts,
		logger:          log.NopLogger,
		recorder:        nopRecorder{},
		now:             time.Now,
		policy:          workflow.DefaultRetryPolicy,
		pollTimeout:     DefaultPollTimeout,
		verifyCycles:    DefaultVerifyCycles,
		rollbackTimeout: DefaultRollbackTimeout,
		activityTimeout: DefaultActivityTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// Advance moves the workflow id forward by at most one step.
// The returned time is when the workflow should next be advanced. It is
// the zero time once the workflow is terminal.
func (e *Engine) Advance(ctx context.Context, id string, reason WakeReason) (time.Time, error) {
	wf, err := e.store.RetrieveWorkflow(ctx, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("retrieve workflow: %w", err)
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.WorkflowID, wf.ID,
		logkeys.DeviceID, wf.DeviceID,
		logkeys.WakeReason, reason,
	)
	next, err := e.advance(ctx, logger, wf, reason)
	if storage.IsStale(err) {
		// someone else moved the workflow; look again right away
		logger.Debug(logkeys.Message, "stale workflow", logkeys.Error, err)
		return e.now(), nil
	} else if err != nil {
		return next, logAndError(err, logger, "advance workflow")
	}
	return next, nil
}

func (e *Engine) advance(ctx context.Context, logger log.Logger, wf *workflow.Workflow, reason WakeReason) (time.Time, error) {
	if wf.State.Terminal() {
		return time.Time{}, nil
	}
	if wf.Cancelled {
		if next, handled, err := e.cancel(ctx, logger, wf); handled || err != nil {
			return next, err
		}
	}
	if now := e.now(); now.Before(wf.NotBefore) {
		if reason == ReasonEvent {
			return e.peek(ctx, logger, wf)
		}
		return wf.NotBefore, nil
	}
	switch wf.State {
	case workflow.StateQueued:
		return e.run(ctx, logger, wf, workflow.ActivityPrepare, e.acts.Readiness)
	case workflow.StatePreparing:
		return e.run(ctx, logger, wf, workflow.ActivityDispatch, e.acts.Dispatch)
	case workflow.StateDownloading, workflow.StateApplying:
		return e.verify(ctx, logger, wf)
	case workflow.StateRollback:
		return e.rollback(ctx, logger, wf)
	}
	return time.Time{}, fmt.Errorf("%w: %s", workflow.ErrInvalidState, wf.State)
}

// next returns when a workflow that was just written should be advanced again.
func (e *Engine) next(wf *workflow.Workflow) time.Time {
	switch {
	case wf.State.Terminal():
		return time.Time{}
	case !wf.NotBefore.IsZero():
		return wf.NotBefore
	}
	return e.now()
}

// transition writes t and reports state changes.
func (e *Engine) transition(ctx context.Context, logger log.Logger, wf *workflow.Workflow, t *workflow.Transition) (*workflow.Workflow, error) {
	n, err := e.store.TransitionWorkflow(ctx, wf.ID, t)
	if err != nil {
		return nil, err
	}
	if n.State != wf.State {
		e.recorder.RecordTransition(wf.State, n.State)
		logs := []interface{}{
			logkeys.Message, "transition",
			logkeys.FromState, wf.State,
			logkeys.State, n.State,
		}
		if n.LastError != nil {
			logs = append(logs, logkeys.Error, n.LastError)
		}
		logger.Debug(logs...)
		if n.State.Terminal() {
			e.settled(ctx, logger, n)
		}
	}
	return n, nil
}

// moveTo writes the result of an activity that already claimed its attempt.
// Only the state is checked: a cancellation may have been recorded while
// the activity ran and must not undo its result.
func (e *Engine) moveTo(ctx context.Context, logger log.Logger, wf *workflow.Workflow, to workflow.State, lastErr *workflow.Error) (time.Time, error) {
	t := &workflow.Transition{
		From:      wf.State,
		To:        to,
		LastError: lastErr,
		At:        e.now(),
	}
	if wf.State == workflow.StateDownloading && to != workflow.StateDownloading {
		// each verified state gets its own poll cycles
		t.Attempts.Verify = -wf.Attempts.Verify
	}
	n, err := e.transition(ctx, logger, wf, t)
	if err != nil {
		return time.Time{}, err
	}
	return e.next(n), nil
}

// settle moves wf straight to a terminal (or rollback) state, expecting
// the stored revision to match.
func (e *Engine) settle(ctx context.Context, logger log.Logger, wf *workflow.Workflow, to workflow.State, lastErr *workflow.Error) (time.Time, error) {
	n, err := e.transition(ctx, logger, wf, &workflow.Transition{
		From:      wf.State,
		Revision:  wf.Revision,
		To:        to,
		LastError: lastErr,
		At:        e.now(),
	})
	if err != nil {
		return time.Time{}, err
	}
	return e.next(n), nil
}

// claim records an attempt of activity a before executing it.
func (e *Engine) claim(ctx context.Context, logger log.Logger, wf *workflow.Workflow, a workflow.Activity, modify func(*workflow.Transition)) (*workflow.Workflow, error) {
	t := workflow.Keep(wf, e.now())
	t.Attempts = workflow.Delta(a, 1)
	if modify != nil {
		modify(t)
	}
	n, err := e.transition(ctx, logger, wf, t)
	if err != nil {
		return nil, err
	}
	e.recorder.RecordAttempt(a)
	logger.Debug(
		logkeys.Message, "activity attempt",
		logkeys.State, n.State,
		logkeys.Activity, a,
		logkeys.Attempt, n.Attempts.Get(a),
	)
	return n, nil
}

// execute runs an activity executor bounded by the activity timeout.
func (e *Engine) execute(ctx context.Context, ex activity.Executor, wf *workflow.Workflow) (workflow.State, error) {
	if ex == nil {
		return wf.State, fmt.Errorf("no executor for %s", wf.State)
	}
	if e.activityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.activityTimeout)
		defer cancel()
	}
	return ex.Execute(ctx, wf)
}

func exhausted(a workflow.Activity, n int, cause *workflow.Error) *workflow.Error {
	msg := fmt.Sprintf("%s exhausted after %d attempts", a, n)
	if cause != nil {
		msg += ": " + cause.Message
	}
	return &workflow.Error{Kind: workflow.ErrorExhausted, Message: msg}
}

// run executes a retried activity: claim an attempt, execute, then record the result.
func (e *Engine) run(ctx context.Context, logger log.Logger, wf *workflow.Workflow, a workflow.Activity, ex activity.Executor) (time.Time, error) {
	if n := wf.Attempts.Get(a); e.policy.Exhausted(n) {
		return e.settle(ctx, logger, wf, workflow.StateFailed, exhausted(a, n, wf.LastError))
	}
	claimed, err := e.claim(ctx, logger, wf, a, nil)
	if err != nil {
		return time.Time{}, err
	}
	state, err := e.execute(ctx, ex, claimed)
	if err != nil {
		return e.fail(ctx, logger, claimed, a, err)
	}
	return e.moveTo(ctx, logger, claimed, state, nil)
}

// fail records a failed attempt of activity a and decides between retry,
// rollback, and failure.
func (e *Engine) fail(ctx context.Context, logger log.Logger, wf *workflow.Workflow, a workflow.Activity, err error) (time.Time, error) {
	wfErr := workflow.Classify(err)
	e.recorder.RecordFailure(a, wfErr.Kind)
	n := wf.Attempts.Get(a)
	logger.Info(
		logkeys.Message, "activity failed",
		logkeys.State, wf.State,
		logkeys.Activity, a,
		logkeys.Attempt, n,
		logkeys.Error, wfErr,
	)
	switch {
	case wfErr.Retryable():
		// the budget is checked when the backoff elapses
		now := e.now()
		t := workflow.Keep(wf, now)
		t.Revision = 0
		t.LastError = wfErr
		t.NotBefore = now.Add(e.policy.Backoff(n))
		t.Deadline = time.Time{}
		w, err := e.transition(ctx, logger, wf, t)
		if err != nil {
			return time.Time{}, err
		}
		return w.NotBefore, nil
	case wf.State == workflow.StateDownloading || wf.State == workflow.StateApplying:
		// the device may have been sent the update so it is reverted
		return e.moveTo(ctx, logger, wf, workflow.StateRollback, wfErr)
	}
	return e.moveTo(ctx, logger, wf, workflow.StateFailed, wfErr)
}

// verify runs a verification poll of DOWNLOADING or APPLYING.
func (e *Engine) verify(ctx context.Context, logger log.Logger, wf *workflow.Workflow) (time.Time, error) {
	if wf.State == workflow.StateApplying && wf.Attempts.Commit > 0 {
		return e.commit(ctx, logger, wf)
	}
	if !wf.Waiting() {
		if n := wf.Attempts.Verify; n >= e.verifyCycles {
			return e.settle(ctx, logger, wf, workflow.StateFailed, exhausted(workflow.ActivityVerify, n, wf.LastError))
		}
		// open a new poll cycle
		var err error
		wf, err = e.claim(ctx, logger, wf, workflow.ActivityVerify, func(t *workflow.Transition) {
			t.NotBefore = time.Time{}
			t.Deadline = e.now().Add(e.pollTimeout)
		})
		if err != nil {
			return time.Time{}, err
		}
	}
	state, err := e.execute(ctx, e.acts.Verify, wf)
	if err != nil {
		wfErr := workflow.Classify(err)
		if !wfErr.Retryable() {
			return e.fail(ctx, logger, wf, workflow.ActivityVerify, wfErr)
		}
		// nothing was learned; the poll cycle deadline still applies
		e.recorder.RecordFailure(workflow.ActivityVerify, wfErr.Kind)
		logger.Info(
			logkeys.Message, "verify poll",
			logkeys.State, wf.State,
			logkeys.Error, wfErr,
		)
		state = wf.State
	}
	switch {
	case state == workflow.StateComplete:
		return e.commit(ctx, logger, wf)
	case state != wf.State:
		return e.moveTo(ctx, logger, wf, state, nil)
	}
	now := e.now()
	if now.Before(wf.Deadline) {
		return wf.Deadline, nil
	}

	// poll cycle timed out
	n := wf.Attempts.Verify
	timeout := workflow.Timeout("no report from device in %s poll cycle %d", wf.State, n)
	e.recorder.RecordFailure(workflow.ActivityVerify, timeout.Kind)
	logger.Info(
		logkeys.Message, "poll cycle timeout",
		logkeys.State, wf.State,
		logkeys.Attempt, n,
	)
	if n >= e.verifyCycles {
		return e.settle(ctx, logger, wf, workflow.StateFailed, exhausted(workflow.ActivityVerify, n, timeout))
	}
	t := workflow.Keep(wf, now)
	t.LastError = timeout
	t.Deadline = time.Time{}
	t.NotBefore = now.Add(e.policy.Backoff(n))
	if wf, err = e.transition(ctx, logger, wf, t); err != nil {
		return time.Time{}, err
	}
	return wf.NotBefore, nil
}

// peek checks the stored reports of a workflow woken by a device report
// during the backoff between poll cycles. No poll cycle is claimed: the
// workflow only moves on a conclusive report and otherwise keeps waiting.
func (e *Engine) peek(ctx context.Context, logger log.Logger, wf *workflow.Workflow) (time.Time, error) {
	if wf.State != workflow.StateDownloading && wf.State != workflow.StateApplying {
		return wf.NotBefore, nil
	}
	if wf.State == workflow.StateApplying && wf.Attempts.Commit > 0 {
		// commit backoff
		return wf.NotBefore, nil
	}
	state, err := e.execute(ctx, e.acts.Verify, wf)
	if err != nil {
		if wfErr := workflow.Classify(err); !wfErr.Retryable() {
			return e.fail(ctx, logger, wf, workflow.ActivityVerify, wfErr)
		}
		logger.Debug(logkeys.Message, "verify early report", logkeys.Error, err)
		return wf.NotBefore, nil
	}
	switch {
	case state == workflow.StateComplete:
		return e.commit(ctx, logger, wf)
	case state != wf.State:
		return e.moveTo(ctx, logger, wf, state, nil)
	}
	return wf.NotBefore, nil
}

// commit records the applied firmware with the registry.
func (e *Engine) commit(ctx context.Context, logger log.Logger, wf *workflow.Workflow) (time.Time, error) {
	if n := wf.Attempts.Commit; e.policy.Exhausted(n) {
		return e.settle(ctx, logger, wf, workflow.StateFailed, exhausted(workflow.ActivityCommit, n, wf.LastError))
	}
	claimed, err := e.claim(ctx, logger, wf, workflow.ActivityCommit, func(t *workflow.Transition) {
		t.NotBefore = time.Time{}
		t.Deadline = time.Time{}
	})
	if err != nil {
		return time.Time{}, err
	}
	state, err := e.execute(ctx, e.acts.Commit, claimed)
	if err != nil {
		return e.fail(ctx, logger, claimed, workflow.ActivityCommit, err)
	}
	return e.moveTo(ctx, logger, claimed, state, nil)
}

// rollback sends the revert command once then waits for the device to
// acknowledge it. The workflow settles in ROLLED_BACK either way and
// keeps the error that caused the rollback.
func (e *Engine) rollback(ctx context.Context, logger log.Logger, wf *workflow.Workflow) (time.Time, error) {
	cause := wf.LastError
	if wf.Attempts.Rollback < 1 {
		claimed, err := e.claim(ctx, logger, wf, workflow.ActivityRollback, func(t *workflow.Transition) {
			t.NotBefore = time.Time{}
			t.Deadline = e.now().Add(e.rollbackTimeout)
		})
		if err != nil {
			return time.Time{}, err
		}
		if _, err = e.execute(ctx, e.acts.Rollback, claimed); err != nil {
			sendErr := workflow.Classify(err)
			e.recorder.RecordFailure(workflow.ActivityRollback, sendErr.Kind)
			logger.Info(logkeys.Message, "send revert", logkeys.Error, sendErr)
			if cause == nil {
				cause = sendErr
			}
			return e.moveTo(ctx, logger, claimed, workflow.StateRolledBack, cause)
		}
		wf = claimed
	}
	state, err := e.execute(ctx, e.acts.Verify, wf)
	if err != nil {
		verifyErr := workflow.Classify(err)
		e.recorder.RecordFailure(workflow.ActivityVerify, verifyErr.Kind)
		logger.Info(logkeys.Message, "verify rollback", logkeys.Error, verifyErr)
	}
	if err == nil && state == workflow.StateRolledBack {
		return e.moveTo(ctx, logger, wf, workflow.StateRolledBack, cause)
	}
	if e.now().Before(wf.Deadline) {
		return wf.Deadline, nil
	}
	e.recorder.RecordFailure(workflow.ActivityRollback, workflow.ErrorTimeout)
	if cause == nil {
		cause = workflow.Timeout("no rollback acknowledgement")
	} else {
		c := *cause
		c.Message += " (no rollback acknowledgement)"
		cause = &c
	}
	return e.settle(ctx, logger, wf, workflow.StateRolledBack, cause)
}

// cancel applies a requested cancellation. handled is false if the
// workflow should proceed normally.
func (e *Engine) cancel(ctx context.Context, logger log.Logger, wf *workflow.Workflow) (next time.Time, handled bool, err error) {
	cancelled := &workflow.Error{Kind: workflow.ErrorCancelled, Message: "workflow cancelled"}
	switch wf.State {
	case workflow.StateQueued, workflow.StatePreparing:
		// nothing was sent to the device yet
		next, err = e.settle(ctx, logger, wf, workflow.StateFailed, cancelled)
		return next, true, err
	case workflow.StateApplying:
		if wf.Attempts.Commit > 0 {
			return time.Time{}, false, nil
		}
		reports, err := e.store.RetrieveReports(ctx, wf.ID)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("retrieve reports: %w", err)
		}
		if reports.Has(workflow.ReportApplied) {
			// the device already completed
			return time.Time{}, false, nil
		}
		fallthrough
	case workflow.StateDownloading:
		next, err = e.settle(ctx, logger, wf, workflow.StateRollback, cancelled)
		return next, true, err
	}
	return time.Time{}, false, nil
}
