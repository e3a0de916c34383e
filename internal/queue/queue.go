// Package queue implements the per-model FIFO, its single worker, and the
// submitter/worker rendezvous described in spec §4.3: enqueue, the worker
// loop driving the chain and the processor, and the two-phase graceful
// shutdown.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ganzzi/llm-queue/internal/chain"
	"github.com/Ganzzi/llm-queue/internal/request"
)

// Processor is the external collaborator the worker invokes for every
// admitted request. It may suspend on I/O and may, before returning, set
// req.ActualInputTokens / req.ActualOutputTokens so the worker can
// reconcile the chain's token windows.
type Processor func(ctx context.Context, req *request.Request) (result any, err error)

// Handle is returned by Enqueue: a caller-visible reference to a request's
// rendezvous, used to wait for the terminal response without touching the
// queue's internal state.
type Handle struct {
	Request *request.Request
	rec     *record
}

// Wait blocks until the request reaches a terminal state or ctx is
// cancelled. Cancelling ctx never cancels the in-flight work — the worker
// keeps running and the record remains retrievable via Queue.GetStatus.
func (h *Handle) Wait(ctx context.Context) (*request.Response, error) {
	select {
	case <-h.rec.done:
		_, resp := h.rec.snapshot()
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending builds the immediate Pending response returned by fire-and-forget
// submissions.
func (h *Handle) Pending() *request.Response {
	return &request.Response{
		RequestID: h.Request.ID,
		ModelID:   h.Request.ModelID,
		Status:    request.StatusPending,
	}
}

// Queue owns one model's FIFO, its single worker goroutine, its chain, and
// the set of in-flight request records.
type Queue struct {
	modelID   string
	chain     *chain.Chain
	processor Processor
	log       *zap.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	fifo         []*request.Request
	shuttingDown bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	recordsMu sync.RWMutex
	records   map[string]*record
}

// New builds a Queue for modelID wired to ch and proc and immediately
// starts its worker goroutine.
func New(modelID string, ch *chain.Chain, proc Processor, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		modelID:   modelID,
		chain:     ch,
		processor: proc,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		records:   make(map[string]*record),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue does no validation of its own (the caller has already matched
// req's model id to this queue). It assigns req Pending, inserts it into the FIFO and the in-flight record map, and
// returns a Handle to its rendezvous. It fails with ErrQueueShutdown once
// shutdown has begun.
func (q *Queue) Enqueue(req *request.Request) (*Handle, error) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil, request.NewError(request.ErrQueueShutdown, "queue is shutting down, refusing new enqueues")
	}
	rec := newRecord()
	q.recordsMu.Lock()
	q.records[req.ID] = rec
	q.recordsMu.Unlock()

	q.fifo = append(q.fifo, req)
	q.cond.Signal()
	q.mu.Unlock()

	return &Handle{Request: req, rec: rec}, nil
}

// run is the single worker loop: dequeue, acquire the chain, invoke the
// processor, reconcile, release, publish. It exits once shutdown has been
// requested and the FIFO is empty, or once the queue's context is
// cancelled (forced shutdown after a deadline).
func (q *Queue) run() {
	defer close(q.done)
	for {
		req, ok := q.dequeue()
		if !ok {
			q.failRemaining()
			return
		}
		q.process(req)
	}
}

// dequeue blocks until a request is available, or returns ok=false once
// shutdown is requested with an empty FIFO, or the queue's context has
// been cancelled (in which case any still-queued requests are left for
// failRemaining rather than dispatched to the processor).
func (q *Queue) dequeue() (*request.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.ctx.Err() != nil {
			return nil, false
		}
		if len(q.fifo) > 0 {
			req := q.fifo[0]
			q.fifo = q.fifo[1:]
			return req, true
		}
		if q.shuttingDown {
			return nil, false
		}
		q.cond.Wait()
	}
}

// failRemaining publishes a QueueShutdown Failed response to every request
// still sitting in the FIFO when the worker stops without processing them
// (forced cancellation, or — impossible in practice, since dequeue only
// returns false with an empty FIFO on a graceful drain — a race at exit).
func (q *Queue) failRemaining() {
	q.mu.Lock()
	remaining := q.fifo
	q.fifo = nil
	q.mu.Unlock()

	cause := request.NewError(request.ErrQueueShutdown, "queue shut down before request was processed")
	for _, req := range remaining {
		q.publishFailure(req.ID, cause)
	}
}

func (q *Queue) publishFailure(requestID string, err error) {
	q.recordsMu.RLock()
	rec := q.records[requestID]
	q.recordsMu.RUnlock()
	if rec == nil {
		return
	}
	rec.publish(&request.Response{
		RequestID: requestID,
		ModelID:   q.modelID,
		Status:    request.StatusFailed,
		Error:     err.Error(),
	})
}

// process drives one request through acquire -> process -> reconcile ->
// release -> publish. release_all is unconditional once acquire_all
// succeeds: no error path below leaks a limiter reservation.
func (q *Queue) process(req *request.Request) {
	q.recordsMu.RLock()
	rec := q.records[req.ID]
	q.recordsMu.RUnlock()
	if rec == nil {
		return
	}

	if err := q.chain.AcquireAll(q.ctx, req); err != nil {
		code := request.ErrProcessingError
		if q.ctx.Err() != nil {
			code = request.ErrQueueShutdown
		}
		q.log.Debug("admission failed", zap.String("model_id", q.modelID),
			zap.String("request_id", req.ID), zap.Error(err))
		rec.publish(&request.Response{
			RequestID: req.ID,
			ModelID:   q.modelID,
			Status:    request.StatusFailed,
			Error:     request.Wrap(code, "admission failed", err).Error(),
		})
		return
	}

	rec.setStatus(request.StatusProcessing)
	start := time.Now()
	result, procErr := q.processor(q.ctx, req)
	duration := time.Since(start)

	resp := &request.Response{
		RequestID:          req.ID,
		ModelID:            q.modelID,
		Duration:           duration,
		ActualInputTokens:  req.ActualInputTokens,
		ActualOutputTokens: req.ActualOutputTokens,
	}
	if procErr != nil {
		resp.Status = request.StatusFailed
		resp.Error = procErr.Error()
	} else {
		resp.Status = request.StatusCompleted
		resp.Result = result
	}

	if req.ActualInputTokens != 0 || req.ActualOutputTokens != 0 {
		q.chain.UpdateUsage(req.ID, req.ActualInputTokens, req.ActualOutputTokens)
	}
	q.chain.ReleaseAll(req.ID)
	rec.publish(resp)
}

// UpdateTokenUsage forwards to the chain's reconciliation. It takes effect
// between the processor's return and release. A call after terminal
// publication is accepted without error but has no effect: the chain has
// already released requestID (removing its token-window entries), and the
// published response is never altered.
func (q *Queue) UpdateTokenUsage(requestID string, actualInput, actualOutput int) {
	q.chain.UpdateUsage(requestID, actualInput, actualOutput)
}

// GetStatus returns the current status and, if terminal, the response for
// requestID. ok is false if requestID is unknown to this queue (never
// enqueued here, or already Forget-en).
func (q *Queue) GetStatus(requestID string) (request.Status, *request.Response, bool) {
	q.recordsMu.RLock()
	rec, ok := q.records[requestID]
	q.recordsMu.RUnlock()
	if !ok {
		return 0, nil, false
	}
	status, resp := rec.snapshot()
	return status, resp, true
}

// Forget purges requestID's record. Fire-and-forget responses are retained
// until this is called explicitly (or the queue itself is torn down) —
// see DESIGN.md's Open Question (a) decision.
func (q *Queue) Forget(requestID string) {
	q.recordsMu.Lock()
	delete(q.records, requestID)
	q.recordsMu.Unlock()
}

// Depth returns the current FIFO length.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Observe returns the chain's per-limiter observability snapshot.
func (q *Queue) Observe() []chain.MemberObservation {
	return q.chain.Observe()
}

// Done returns a channel closed once this queue's worker has fully exited
// (shutdown complete, drained or force-cancelled). A manager can use this
// to decide whether a model id is free for re-registration.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Shutdown begins the two-phase shutdown: new enqueues are refused
// immediately, and the FIFO is allowed to drain. If deadline is positive
// and the worker has not finished draining within it, the worker's context
// is cancelled, any request it is mid-processing fails with a shutdown
// cause once chain.ReleaseAll has run, and any requests still queued are
// failed directly without ever reaching the processor. Shutdown is
// idempotent: calling it again while already shutting down simply waits
// for the same drain to finish.
func (q *Queue) Shutdown(deadline time.Duration) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.shuttingDown = true
	q.cond.Broadcast()
	q.mu.Unlock()

	if deadline <= 0 {
		<-q.done
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-time.After(deadline):
		q.cancel()
		<-q.done
		return request.NewError(request.ErrQueueShutdown,
			"shutdown deadline exceeded; remaining work was force-cancelled")
	}
}
