package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestWindow counts admissions (cost is always 1) within a rolling
// window of Window duration and admits only while the count is below Limit.
// Release and Adjust are no-ops: requests are not reversible admissions.
type RequestWindow struct {
	typeName string
	limit    int64
	window   time.Duration
	clock    clock
	log      *zap.Logger

	mu         sync.Mutex
	timestamps []time.Time
}

// NewRequestWindow builds a RequestWindow admitting at most limit requests
// per window. typeName labels the Observation ("RPM" or "RPD"). log may be
// nil, in which case a no-op logger is used.
func NewRequestWindow(typeName string, limit int64, window time.Duration, log *zap.Logger) *RequestWindow {
	if log == nil {
		log = nopLogger()
	}
	return &RequestWindow{
		typeName: typeName,
		limit:    limit,
		window:   window,
		clock:    realClock{},
		log:      log,
	}
}

func (w *RequestWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// TryAcquire admits cost=1 immediately if capacity allows, else returns false.
func (w *RequestWindow) TryAcquire(_ context.Context, _ string, cost int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	w.evictLocked(now)
	if int64(len(w.timestamps)) < w.limit {
		w.timestamps = append(w.timestamps, now)
		return true, nil
	}
	return false, nil
}

// WaitUntilAdmissible blocks until a slot opens within the window, or ctx is
// cancelled.
func (w *RequestWindow) WaitUntilAdmissible(ctx context.Context, requestID string, cost int64) error {
	for {
		w.mu.Lock()
		now := w.clock.Now()
		w.evictLocked(now)
		if int64(len(w.timestamps)) < w.limit {
			w.timestamps = append(w.timestamps, now)
			w.mu.Unlock()
			return nil
		}
		oldest := w.timestamps[0]
		wait := oldest.Add(w.window).Sub(now)
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		w.log.Debug("request window full, waiting",
			zap.String("request_id", requestID), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release is a no-op: request admissions are not reversible.
func (w *RequestWindow) Release(string) {}

// Adjust is a no-op: RequestWindow has no per-request adjustable cost.
func (w *RequestWindow) Adjust(string, int64) {}

// Observe returns the current usage/capacity snapshot.
func (w *RequestWindow) Observe() Observation {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.clock.Now())
	usage := int64(len(w.timestamps))
	return Observation{
		Type:          w.typeName,
		Limit:         w.limit,
		CurrentUsage:  usage,
		AvailableCap:  w.limit - usage,
		WindowSeconds: int64(w.window / time.Second),
	}
}
