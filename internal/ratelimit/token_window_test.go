package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenWindowAdmitsWithinLimit(t *testing.T) {
	w := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)
	ctx := context.Background()

	ok, err := w.TryAcquire(ctx, "r1", 600)
	if err != nil || !ok {
		t.Fatalf("expected admit, got ok=%v err=%v", ok, err)
	}
	ok, err = w.TryAcquire(ctx, "r2", 500)
	if err != nil || ok {
		t.Fatalf("expected reject (600+500>1000), got ok=%v err=%v", ok, err)
	}
}

func TestTokenWindowConfigFaultWhenCostExceedsLimit(t *testing.T) {
	w := NewTokenWindow("TPM", 100, time.Minute, DimensionTotal, nil)
	ctx := context.Background()

	_, err := w.TryAcquire(ctx, "r1", 200)
	if err == nil {
		t.Fatal("expected config fault error for cost > limit")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.WaitUntilAdmissible(ctx, "r2", 200) }()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected config fault error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitUntilAdmissible blocked instead of signalling config fault")
	}
}

func TestTokenWindowReconcileShrinksReservation(t *testing.T) {
	// Scenario 3: single TPM=1000 limiter, ei=500 eo=500 (cost 1000).
	w := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)
	ctx := context.Background()

	cost1 := w.CostForEstimate(500, 500)
	ok, err := w.TryAcquire(ctx, "r1", cost1)
	if err != nil || !ok {
		t.Fatalf("expected first request admitted, got ok=%v err=%v", ok, err)
	}

	// Reconcile down to actual ai=100, ao=100 (cost 200).
	w.Adjust("r1", w.CostForActual(100, 100))

	// Second request: ei=700, eo=100 (cost 800). 200+800=1000 <= limit, must
	// admit without waiting.
	cost2 := w.CostForEstimate(700, 100)
	done := make(chan struct{})
	go func() {
		if err := w.WaitUntilAdmissible(ctx, "r2", cost2); err != nil {
			t.Errorf("expected immediate admission after reconcile, got %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("second request did not admit promptly after reconcile shrank reservation")
	}
}

func TestTokenWindowAdjustUnknownRequestIsNoOp(t *testing.T) {
	w := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)
	w.Adjust("never-acquired", 500)
	obs := w.Observe()
	if obs.CurrentUsage != 0 {
		t.Fatalf("expected adjust on unknown id to be a no-op, usage=%d", obs.CurrentUsage)
	}
}

func TestTokenWindowIdempotentReconcileToSameCost(t *testing.T) {
	w := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)
	ctx := context.Background()

	est := w.CostForEstimate(500, 500)
	if _, err := w.TryAcquire(ctx, "r1", est); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	actual := w.CostForActual(500, 500)
	w.Adjust("r1", actual)
	before := w.Observe().CurrentUsage
	w.Adjust("r1", actual)
	after := w.Observe().CurrentUsage
	if before != after || before != est {
		t.Fatalf("expected idempotent reconcile to same cost, before=%d after=%d est=%d", before, after, est)
	}
}

func TestTokenWindowReleaseRemovesEntry(t *testing.T) {
	w := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)
	ctx := context.Background()
	if _, err := w.TryAcquire(ctx, "r1", 900); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	w.Release("r1")
	if obs := w.Observe(); obs.CurrentUsage != 0 {
		t.Fatalf("expected release to zero usage, got %d", obs.CurrentUsage)
	}
}

func TestTokenWindowDimensions(t *testing.T) {
	in := NewTokenWindow("ITPM", 1000, time.Minute, DimensionInput, nil)
	out := NewTokenWindow("OTPM", 1000, time.Minute, DimensionOutput, nil)
	total := NewTokenWindow("TPM", 1000, time.Minute, DimensionTotal, nil)

	if got := in.CostForEstimate(300, 400); got != 300 {
		t.Fatalf("input dimension: got %d want 300", got)
	}
	if got := out.CostForEstimate(300, 400); got != 400 {
		t.Fatalf("output dimension: got %d want 400", got)
	}
	if got := total.CostForEstimate(300, 400); got != 700 {
		t.Fatalf("total dimension: got %d want 700", got)
	}
}
