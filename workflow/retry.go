package workflow

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultInitialInterval    = 5 * time.Second
	DefaultBackoffCoefficient = 2.0
	DefaultMaximumAttempts    = 5
)

// RetryPolicy describes exponential backoff between activity attempts.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumAttempts    int

	// Jitter is the fraction (0 to 1) of each backoff that is randomized.
	// A Jitter of 0.1 gives delays within +/-10% of the nominal delay.
	Jitter float64
}

// DefaultRetryPolicy is 5s initial, doubling, 5 attempts, no jitter.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval:    DefaultInitialInterval,
	BackoffCoefficient: DefaultBackoffCoefficient,
	MaximumAttempts:    DefaultMaximumAttempts,
}

// Exhausted returns true if attempts have used up the retry budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaximumAttempts > 0 && attempts >= p.MaximumAttempts
}

// Nominal returns the un-jittered delay after the failed attempt number
// attempt (1-based): InitialInterval * BackoffCoefficient^(attempt-1).
func (p RetryPolicy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= coef
	}
	return time.Duration(d)
}

// Backoff returns the jittered delay after the failed attempt number attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Nominal(attempt)
	if p.Jitter <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	// uniformly in [d*(1-j), d*(1+j))
	spread := float64(d) * j
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Schedule returns the nominal delay following each of the attempts
// allowed by the policy. The final entry is waited on before the
// activity is declared exhausted.
func (p RetryPolicy) Schedule() []time.Duration {
	var r []time.Duration
	for i := 1; i <= p.MaximumAttempts; i++ {
		r = append(r, p.Nominal(i))
	}
	return r
}
