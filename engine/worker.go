package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/google/btree"
	"github.com/micromdm/nanolib/log"
)

const (
	DefaultConcurrency = 8
	DefaultRescan      = time.Minute * 5
	DefaultErrorDelay  = time.Second * 10
)

// Advancer advances workflows.
type Advancer interface {
	Advance(ctx context.Context, id string, reason WakeReason) (time.Time, error)
}

// ActiveFinder finds all workflows that are not yet terminal.
type ActiveFinder interface {
	RetrieveActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

type item struct {
	at     time.Time
	id     string
	reason WakeReason
}

func itemLess(a, b item) bool {
	if a.at.Equal(b.at) {
		return a.id < b.id
	}
	return a.at.Before(b.at)
}

// Worker advances workflows with a bounded pool of goroutines.
// Workflows are kept in a queue ordered by when they are next eligible
// to advance. Workflows are woken early by events (e.g. device reports)
// and periodically recovered from storage.
type Worker struct {
	advancer Advancer
	store    ActiveFinder
	logger   log.Logger
	now      func() time.Time

	concurrency int

	// rescan is the interval at which all active workflows are
	// re-scheduled from storage.
	rescan time.Duration

	// errorDelay is how long to wait before retrying a workflow
	// whose advance returned an error.
	errorDelay time.Duration

	mu       sync.Mutex
	queue    *btree.BTreeG[item]
	sched    map[string]item
	inflight map[string]bool
	rewake   map[string]WakeReason

	signal chan struct{}
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerConcurrency sets the number of workflows advanced at once.
func WithWorkerConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerRescan configures the interval of recovering workflows from storage.
func WithWorkerRescan(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.rescan = d
	}
}

// WithWorkerErrorDelay configures the delay after a failed advance.
func WithWorkerErrorDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.errorDelay = d
	}
}

// WithWorkerClock sets the worker clock.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(advancer Advancer, store ActiveFinder, opts ...WorkerOption) *Worker {
	w := &Worker{
		advancer:    advancer,
		store:       store,
		logger:      log.NopLogger,
		now:         time.Now,
		concurrency: DefaultConcurrency,
		rescan:      DefaultRescan,
		errorDelay:  DefaultErrorDelay,
		queue:       btree.NewG(8, itemLess),
		sched:       make(map[string]item),
		inflight:    make(map[string]bool),
		rewake:      make(map[string]WakeReason),
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Schedule queues the workflow id to be advanced at at.
// If the workflow is already queued for an earlier time nothing changes.
// If the workflow is being advanced right now it is advanced again
// right after.
func (w *Worker) Schedule(id string, at time.Time, reason WakeReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[id] {
		if reason != ReasonTimer && reason != ReasonRecover {
			w.rewake[id] = reason
		}
		return
	}
	if existing, ok := w.sched[id]; ok {
		if !at.Before(existing.at) {
			return
		}
		w.queue.Delete(existing)
	}
	it := item{at: at, id: id, reason: reason}
	w.queue.ReplaceOrInsert(it)
	w.sched[id] = it
	w.notify()
}

// Wake queues the workflow id to be advanced now.
func (w *Worker) Wake(id string, reason WakeReason) {
	w.Schedule(id, w.now(), reason)
}

// Queued returns the number of workflows waiting in the queue.
func (w *Worker) Queued() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// InFlight returns the number of workflows being advanced.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// pop removes and returns the first due item and marks it in flight.
// If nothing is due wait is the time until the next item (or -1 if the
// queue is empty).
func (w *Worker) pop() (it item, wait time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	it, ok = w.queue.Min()
	if !ok {
		return it, -1, false
	}
	if wait = it.at.Sub(w.now()); wait > 0 {
		return it, wait, false
	}
	w.queue.DeleteMin()
	delete(w.sched, it.id)
	w.inflight[it.id] = true
	return it, 0, true
}

// Recover schedules all active workflows from storage at their next
// eligible time.
func (w *Worker) Recover(ctx context.Context) error {
	wfs, err := w.store.RetrieveActiveWorkflows(ctx)
	if err != nil {
		return logAndError(err, w.logger, "retrieving active workflows")
	}
	now := w.now()
	for _, wf := range wfs {
		at := wf.NotBefore
		if at.IsZero() || (wf.Cancelled && at.After(now)) {
			at = now
		}
		w.Schedule(wf.ID, at, ReasonRecover)
	}
	w.logger.Debug(
		logkeys.Message, "recovered workflows",
		logkeys.GenericCount, len(wfs),
	)
	return nil
}

func (w *Worker) process(ctx context.Context, it item) {
	next, err := w.advancer.Advance(ctx, it.id, it.reason)

	w.mu.Lock()
	delete(w.inflight, it.id)
	reason, rewoken := w.rewake[it.id]
	delete(w.rewake, it.id)
	w.mu.Unlock()

	if errors.Is(err, storage.ErrWorkflowNotFound) {
		w.logger.Info(
			logkeys.Message, "dropping workflow",
			logkeys.WorkflowID, it.id,
			logkeys.Error, err,
		)
		return
	} else if err != nil {
		// the engine already logged the error
		next = w.now().Add(w.errorDelay)
	}
	if rewoken {
		w.Wake(it.id, reason)
	} else if !next.IsZero() {
		w.Schedule(it.id, next, ReasonTimer)
	}
}

// Run recovers active workflows then advances workflows as they become
// eligible until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(
		logkeys.Message, "starting worker",
		"concurrency", w.concurrency,
		"rescan", w.rescan,
	)

	jobs := make(chan item)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				w.process(ctx, it)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	w.Recover(ctx)

	var rescanC <-chan time.Time
	if w.rescan > 0 {
		ticker := time.NewTicker(w.rescan)
		defer ticker.Stop()
		rescanC = ticker.C
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		it, wait, ok := w.pop()
		if ok {
			select {
			case jobs <- it:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-w.signal:
		case <-timerC:
		case <-rescanC:
			w.Recover(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
