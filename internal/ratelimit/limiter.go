// Package ratelimit implements the leaf admission primitives described in
// spec §4.1: RequestWindow (count-in-window), TokenWindow (cost-sum-in-window
// with input/output/total decomposition), and Concurrency (counting
// semaphore). All three present the same capability surface so the chain in
// package chain can treat them uniformly.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Observation is a point-in-time snapshot of one limiter's configuration and
// current load, used by the chain's Observability report (§4.2).
type Observation struct {
	Type            string
	Limit           int64
	CurrentUsage    int64
	AvailableCap    int64
	WindowSeconds   int64 // zero for limiters with no window (Concurrency)
}

// Limiter is the uniform capability surface every variant implements.
//
// cost is a non-negative integer whose meaning depends on the variant: 1 for
// count-based limiters, a token sum for token-based limiters.
type Limiter interface {
	// TryAcquire attempts an immediate, non-blocking admission of cost. It
	// returns false (never blocks) when the limiter currently lacks
	// capacity. A config-fault condition (cost alone exceeds the limit on a
	// windowed limiter) is reported as an error, not an infinite wait.
	TryAcquire(ctx context.Context, requestID string, cost int64) (bool, error)

	// WaitUntilAdmissible blocks until cost can be admitted, or ctx is
	// cancelled. A config-fault condition returns an error immediately
	// rather than blocking forever (§4.1 edge case).
	WaitUntilAdmissible(ctx context.Context, requestID string, cost int64) error

	// Release reverses a prior admission. For RequestWindow this is a
	// no-op (admissions are not reversible); for TokenWindow it removes the
	// recorded entry; for Concurrency it returns the permit.
	Release(requestID string)

	// Adjust replaces the cost recorded for requestID with newCost. It is a
	// no-op for RequestWindow and Concurrency (neither has a per-request
	// adjustable cost); for TokenWindow it is the reconciliation primitive
	// of §4.1/§4.2. If requestID is not currently tracked (already aged out
	// or released), Adjust is a no-op — spec §9(b).
	Adjust(requestID string, newCost int64)

	// Observe returns the current Observation snapshot.
	Observe() Observation
}

// clock is overridable in tests; production code always uses realClock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func nopLogger() *zap.Logger { return zap.NewNop() }
