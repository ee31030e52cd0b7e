// Package backoff provides exponential backoff with proportional jitter for
// the LLM resilience layer and other retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of the
	// base backoff.
	Jitter float64
}

// DefaultPolicy returns the policy used for LLM retries.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 20%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay calculates the backoff for a given attempt number. Attempts start
// at 1. The formula is min(max, initial*factor^(attempt-1) + base*jitter*rand).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes the delay with a caller-provided random value in
// [0.0, 1.0), which makes the calculation testable.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*randomValue
	capped := math.Min(float64(p.Max), withJitter)
	return time.Duration(capped)
}

// Sleep blocks for the attempt's backoff or until the context is done.
// Returns the context error when interrupted, nil otherwise.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
