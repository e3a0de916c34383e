package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ganzzi/llm-queue/internal/request"
)

// Dimension selects which part of a request's token cost a TokenWindow
// tracks: the sum, the input side alone, or the output side alone.
type Dimension int

const (
	DimensionTotal Dimension = iota
	DimensionInput
	DimensionOutput
)

type tokenEntry struct {
	requestID string
	timestamp time.Time
	cost      int64
}

// TokenWindow sums per-request token cost within a rolling window and
// admits a request only if the running sum plus its cost stays at or below
// Limit. Unlike RequestWindow, entries are reconcilable: Adjust replaces a
// tracked request's recorded cost (the reservation/actual-usage protocol of
// §4.1), and Release removes the entry outright.
type TokenWindow struct {
	typeName  string
	limit     int64
	window    time.Duration
	dimension Dimension
	clock     clock
	log       *zap.Logger

	mu      sync.Mutex
	entries []tokenEntry // ordered by timestamp ascending
}

// NewTokenWindow builds a TokenWindow with the given type label (used only
// for Observation), limit, window, and cost dimension.
func NewTokenWindow(typeName string, limit int64, window time.Duration, dim Dimension, log *zap.Logger) *TokenWindow {
	if log == nil {
		log = nopLogger()
	}
	return &TokenWindow{
		typeName:  typeName,
		limit:     limit,
		window:    window,
		dimension: dim,
		clock:     realClock{},
		log:       log,
	}
}

func (w *TokenWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

func (w *TokenWindow) sumLocked() int64 {
	var sum int64
	for _, e := range w.entries {
		sum += e.cost
	}
	return sum
}

// configFault reports whether cost alone can never be admitted: cost > limit.
func (w *TokenWindow) configFault(cost int64) bool {
	return cost > w.limit
}

// TryAcquire admits immediately if the running sum plus cost fits, else
// returns false without blocking. A config fault (cost > limit) is an error.
func (w *TokenWindow) TryAcquire(_ context.Context, requestID string, cost int64) (bool, error) {
	if w.configFault(cost) {
		return false, request.NewError(request.ErrInvalidConfiguration,
			"request cost exceeds limiter limit")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	w.evictLocked(now)
	if w.sumLocked()+cost <= w.limit {
		w.entries = append(w.entries, tokenEntry{requestID: requestID, timestamp: now, cost: cost})
		return true, nil
	}
	return false, nil
}

// WaitUntilAdmissible blocks until enough cost has aged out of the window
// to admit cost, or ctx is cancelled. A config fault (cost > limit) returns
// an error immediately rather than blocking forever (§4.1 edge case).
func (w *TokenWindow) WaitUntilAdmissible(ctx context.Context, requestID string, cost int64) error {
	if w.configFault(cost) {
		return request.NewError(request.ErrInvalidConfiguration,
			"request cost exceeds limiter limit; admission is impossible")
	}
	for {
		w.mu.Lock()
		now := w.clock.Now()
		w.evictLocked(now)
		if w.sumLocked()+cost <= w.limit {
			w.entries = append(w.entries, tokenEntry{requestID: requestID, timestamp: now, cost: cost})
			w.mu.Unlock()
			return nil
		}
		wait := w.waitDurationLocked(now, cost)
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		w.log.Debug("token window full, waiting",
			zap.String("request_id", requestID), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// waitDurationLocked computes how long until enough cost ages out of the
// window for cost to fit, given the caller already holds w.mu.
func (w *TokenWindow) waitDurationLocked(now time.Time, cost int64) time.Duration {
	needed := w.sumLocked() + cost - w.limit
	var freed int64
	for _, e := range w.entries {
		freed += e.cost
		if freed >= needed {
			return e.timestamp.Add(w.window).Sub(now)
		}
	}
	// Shouldn't happen if entries accurately reflect the sum, but avoid a
	// tight spin loop if it ever does.
	return 10 * time.Millisecond
}

// Release removes requestID's tracked entry entirely, used on failure paths
// when the reservation is deemed invalid.
func (w *TokenWindow) Release(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.entries {
		if e.requestID == requestID {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// Adjust replaces requestID's recorded cost with newCost. If requestID's
// entry has already aged out (or was never admitted through this window),
// Adjust is a no-op — §9(b): no retroactive credit across a window boundary.
func (w *TokenWindow) Adjust(requestID string, newCost int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.clock.Now())
	for i := range w.entries {
		if w.entries[i].requestID == requestID {
			w.entries[i].cost = newCost
			return
		}
	}
}

// Observe returns the current usage/capacity snapshot.
func (w *TokenWindow) Observe() Observation {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.clock.Now())
	usage := w.sumLocked()
	return Observation{
		Type:          w.typeName,
		Limit:         w.limit,
		CurrentUsage:  usage,
		AvailableCap:  w.limit - usage,
		WindowSeconds: int64(w.window / time.Second),
	}
}

// CostForEstimate computes this window's cost projection for a request
// given estimated input/output tokens, per the dimension configured.
func (w *TokenWindow) CostForEstimate(estimatedInput, estimatedOutput int) int64 {
	switch w.dimension {
	case DimensionInput:
		return int64(estimatedInput)
	case DimensionOutput:
		return int64(estimatedOutput)
	default:
		return int64(estimatedInput + estimatedOutput)
	}
}

// CostForActual computes this window's cost projection for a request given
// actual input/output tokens, per the dimension configured.
func (w *TokenWindow) CostForActual(actualInput, actualOutput int) int64 {
	switch w.dimension {
	case DimensionInput:
		return int64(actualInput)
	case DimensionOutput:
		return int64(actualOutput)
	default:
		return int64(actualInput + actualOutput)
	}
}
