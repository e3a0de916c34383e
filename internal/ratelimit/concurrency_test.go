package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyLimitsInFlight(t *testing.T) {
	c := NewConcurrency(1)
	ctx := context.Background()

	if err := c.WaitUntilAdmissible(ctx, "r1", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ok, err := c.TryAcquire(ctx, "r2", 1)
	if err != nil || ok {
		t.Fatalf("expected second acquire to be rejected while first holds, ok=%v err=%v", ok, err)
	}

	c.Release("r1")

	ok, err = c.TryAcquire(ctx, "r2", 1)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release, ok=%v err=%v", ok, err)
	}
}

func TestConcurrencyWaitUnblocksOnRelease(t *testing.T) {
	c := NewConcurrency(1)
	ctx := context.Background()
	if err := c.WaitUntilAdmissible(ctx, "r1", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := c.WaitUntilAdmissible(ctx, "r2", 1); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second acquire should still be blocked")
	default:
	}

	c.Release("r1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not unblock after release")
	}
}

func TestConcurrencyObserve(t *testing.T) {
	c := NewConcurrency(3)
	ctx := context.Background()
	_ = c.WaitUntilAdmissible(ctx, "r1", 1)
	_ = c.WaitUntilAdmissible(ctx, "r2", 1)

	obs := c.Observe()
	if obs.CurrentUsage != 2 || obs.AvailableCap != 1 || obs.Limit != 3 {
		t.Fatalf("unexpected observation: %+v", obs)
	}
	if obs.WindowSeconds != 0 {
		t.Fatalf("expected zero window for concurrency, got %d", obs.WindowSeconds)
	}
}

func TestConcurrencyConfigFaultWhenCostExceedsLimit(t *testing.T) {
	c := NewConcurrency(1)
	ctx := context.Background()
	if _, err := c.TryAcquire(ctx, "r1", 2); err == nil {
		t.Fatal("expected config fault for cost > limit")
	}
}
