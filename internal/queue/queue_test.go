package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Ganzzi/llm-queue/internal/chain"
	"github.com/Ganzzi/llm-queue/internal/request"
)

func noopChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.New("m", nil, nil)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	return c
}

func echoProcessor(delay time.Duration) Processor {
	return func(ctx context.Context, req *request.Request) (any, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "ok:" + req.ID, nil
	}
}

func TestEnqueueWaitModeReturnsTerminalResponse(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(10*time.Millisecond), nil)
	defer q.Shutdown(time.Second)

	req := request.New("m", nil)
	h, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	resp, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Status != request.StatusCompleted {
		t.Fatalf("expected Completed, got %v (err=%s)", resp.Status, resp.Error)
	}
}

func TestFireAndForgetReturnsPendingImmediately(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(80*time.Millisecond), nil)
	defer q.Shutdown(time.Second)

	req := request.New("m", nil)
	req.WaitForCompletion = false
	h, err := q.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending := h.Pending()
	if pending.Status != request.StatusPending {
		t.Fatalf("expected Pending, got %v", pending.Status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status, resp, ok := q.GetStatus(req.ID)
		if ok && status == request.StatusCompleted {
			if resp.Result != "ok:"+req.ID {
				t.Fatalf("unexpected result %v", resp.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request never reached Completed via polling get_status")
}

func TestProcessorFailureIsolatedPerRequest(t *testing.T) {
	var n int
	var mu sync.Mutex
	proc := func(ctx context.Context, req *request.Request) (any, error) {
		mu.Lock()
		n++
		i := n
		mu.Unlock()
		if i%2 == 1 {
			return nil, fmt.Errorf("boom on odd request %d", i)
		}
		return "ok", nil
	}
	q := New("m", noopChain(t), proc, nil)
	defer q.Shutdown(time.Second)

	var handles []*Handle
	for i := 0; i < 10; i++ {
		h, err := q.Enqueue(request.New("m", nil))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		handles = append(handles, h)
	}

	completed, failed := 0, 0
	for _, h := range handles {
		resp, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		switch resp.Status {
		case request.StatusCompleted:
			completed++
		case request.StatusFailed:
			failed++
			if resp.Error == "" {
				t.Fatal("expected error string on failed response")
			}
		default:
			t.Fatalf("unexpected non-terminal status %v", resp.Status)
		}
	}
	if completed != 5 || failed != 5 {
		t.Fatalf("expected 5 completed and 5 failed, got completed=%d failed=%d", completed, failed)
	}
}

func TestFIFOOrderingDoesNotOvertake(t *testing.T) {
	c, err := chain.New("m", []request.LimiterConfig{
		{Type: request.TPM, Limit: 100, WindowSeconds: 60},
	}, nil)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	var mu sync.Mutex
	var startOrder []string

	proc := func(ctx context.Context, req *request.Request) (any, error) {
		mu.Lock()
		startOrder = append(startOrder, req.ID)
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	}
	q := New("m", c, proc, nil)
	defer q.Shutdown(time.Second)

	big := request.New("m", nil)
	big.EstimatedInputTokens = 90 // nearly exhausts the 100 TPM budget

	small := request.New("m", nil)
	small.EstimatedInputTokens = 5 // would fit on its own even while big holds its cost

	hBig, err := q.Enqueue(big)
	if err != nil {
		t.Fatalf("enqueue big: %v", err)
	}
	hSmall, err := q.Enqueue(small)
	if err != nil {
		t.Fatalf("enqueue small: %v", err)
	}

	if _, err := hBig.Wait(context.Background()); err != nil {
		t.Fatalf("wait big: %v", err)
	}
	if _, err := hSmall.Wait(context.Background()); err != nil {
		t.Fatalf("wait small: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(startOrder) != 2 || startOrder[0] != big.ID || startOrder[1] != small.ID {
		t.Fatalf("expected big to start processing before small (FIFO, no overtaking), got %v", startOrder)
	}
}

func TestShutdownDrainsAndRefusesNewEnqueues(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(10*time.Millisecond), nil)

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := q.Enqueue(request.New("m", nil))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		handles = append(handles, h)
	}

	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, h := range handles {
		resp, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if !resp.Status.Terminal() {
			t.Fatalf("expected terminal status, got %v", resp.Status)
		}
	}

	if _, err := q.Enqueue(request.New("m", nil)); err == nil {
		t.Fatal("expected enqueue after shutdown to fail")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(5*time.Millisecond), nil)
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %v", err)
	}
}

func TestShutdownDeadlineForceFailsOutstanding(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(time.Hour), nil)

	h, err := q.Enqueue(request.New("m", nil))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Give the worker a moment to start processing (acquire + begin sleep).
	time.Sleep(20 * time.Millisecond)

	shutdownErr := q.Shutdown(50 * time.Millisecond)
	if shutdownErr == nil {
		t.Fatal("expected shutdown to report the forced-cancellation deadline error")
	}

	resp, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Status != request.StatusFailed {
		t.Fatalf("expected Failed after forced cancellation, got %v", resp.Status)
	}
}

func TestGetStatusUnknownRequest(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(time.Millisecond), nil)
	defer q.Shutdown(time.Second)
	if _, _, ok := q.GetStatus("never-seen"); ok {
		t.Fatal("expected ok=false for unknown request id")
	}
}

func TestForgetPurgesRecord(t *testing.T) {
	q := New("m", noopChain(t), echoProcessor(time.Millisecond), nil)
	defer q.Shutdown(time.Second)

	h, err := q.Enqueue(request.New("m", nil))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	q.Forget(h.Request.ID)
	if _, _, ok := q.GetStatus(h.Request.ID); ok {
		t.Fatal("expected record to be purged after Forget")
	}
}
