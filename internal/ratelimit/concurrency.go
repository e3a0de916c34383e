package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Ganzzi/llm-queue/internal/request"
)

// Concurrency is a counting semaphore admitting at most Limit in-flight
// requests. It has no time window; Release always returns the permit
// acquired for a given request, and Adjust is a no-op (concurrency slots
// have no per-request adjustable cost).
type Concurrency struct {
	limit int64
	sem   *semaphore.Weighted

	mu   sync.Mutex
	held map[string]int64 // requestID -> cost held, for Release/Observe
}

// NewConcurrency builds a Concurrency limiter admitting at most limit
// simultaneous in-flight requests.
func NewConcurrency(limit int64) *Concurrency {
	return &Concurrency{
		limit: limit,
		sem:   semaphore.NewWeighted(limit),
		held:  make(map[string]int64),
	}
}

// TryAcquire attempts to take cost permits without blocking.
func (c *Concurrency) TryAcquire(_ context.Context, requestID string, cost int64) (bool, error) {
	if cost > c.limit {
		return false, request.NewError(request.ErrInvalidConfiguration,
			"requested concurrency cost exceeds limiter limit")
	}
	if !c.sem.TryAcquire(cost) {
		return false, nil
	}
	c.mu.Lock()
	c.held[requestID] = cost
	c.mu.Unlock()
	return true, nil
}

// WaitUntilAdmissible blocks until cost permits are available, or ctx is
// cancelled.
func (c *Concurrency) WaitUntilAdmissible(ctx context.Context, requestID string, cost int64) error {
	if cost > c.limit {
		return request.NewError(request.ErrInvalidConfiguration,
			"requested concurrency cost exceeds limiter limit")
	}
	if err := c.sem.Acquire(ctx, cost); err != nil {
		return err
	}
	c.mu.Lock()
	c.held[requestID] = cost
	c.mu.Unlock()
	return nil
}

// Release returns requestID's held permits to the semaphore.
func (c *Concurrency) Release(requestID string) {
	c.mu.Lock()
	cost, ok := c.held[requestID]
	if ok {
		delete(c.held, requestID)
	}
	c.mu.Unlock()
	if ok {
		c.sem.Release(cost)
	}
}

// Adjust is a no-op: concurrency slots have no per-request adjustable cost.
func (c *Concurrency) Adjust(string, int64) {}

// Observe returns the current usage/capacity snapshot. WindowSeconds is
// zero: Concurrency has no time window.
func (c *Concurrency) Observe() Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var usage int64
	for _, cost := range c.held {
		usage += cost
	}
	return Observation{
		Type:         string(request.Concurrent),
		Limit:        c.limit,
		CurrentUsage: usage,
		AvailableCap: c.limit - usage,
	}
}
