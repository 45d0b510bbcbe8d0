package channel

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// FairSender is a Sender middleware that isolates tenants from each other.
// Each tenant gets its own token bucket and its own limit of concurrent
// sends so that a busy tenant cannot starve the others.
type FairSender struct {
	next Sender

	limit       rate.Limit
	burst       int
	concurrency int64

	mu      sync.Mutex
	tenants map[string]*tenantLimit
}

type tenantLimit struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// FairOption configures a FairSender.
type FairOption func(*FairSender)

// WithTenantRate sets the per-tenant sustained send rate and burst.
func WithTenantRate(limit rate.Limit, burst int) FairOption {
	return func(f *FairSender) {
		f.limit = limit
		f.burst = burst
	}
}

// WithTenantConcurrency sets the maximum concurrent sends per tenant.
// A value less than one means unlimited.
func WithTenantConcurrency(n int) FairOption {
	return func(f *FairSender) {
		f.concurrency = int64(n)
	}
}

// NewFairSender creates a new FairSender sending to next.
// By default tenants are not rate limited.
func NewFairSender(next Sender, opts ...FairOption) *FairSender {
	f := &FairSender{
		next:    next,
		limit:   rate.Inf,
		tenants: make(map[string]*tenantLimit),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.burst < 1 {
		f.burst = 1
	}
	return f
}

func (f *FairSender) tenant(id string) *tenantLimit {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		t = &tenantLimit{limiter: rate.NewLimiter(f.limit, f.burst)}
		if f.concurrency > 0 {
			t.sem = semaphore.NewWeighted(f.concurrency)
		}
		f.tenants[id] = t
	}
	return t
}

// Send waits for the tenant's turn and then sends cmd with the next Sender.
// Waiting is bounded by ctx.
func (f *FairSender) Send(ctx context.Context, cmd *Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	t := f.tenant(cmd.TenantID)
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("waiting for tenant %s: %w", cmd.TenantID, err)
		}
		defer t.sem.Release(1)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiting tenant %s: %w", cmd.TenantID, err)
	}
	return f.next.Send(ctx, cmd)
}
