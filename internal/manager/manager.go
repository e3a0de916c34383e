// Package manager implements the façade of spec §4.4: a model_id -> queue
// registry that routes registration, submission, status, and usage-update
// calls to the right per-model queue, plus coordinated shutdown.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ganzzi/llm-queue/internal/chain"
	"github.com/Ganzzi/llm-queue/internal/queue"
	"github.com/Ganzzi/llm-queue/internal/request"
)

// Info is the snapshot returned by Manager.Info: queue depth plus the
// chain's per-limiter observability report.
type Info struct {
	ModelID  string
	Depth    int
	Limiters []chain.MemberObservation
}

// Manager is the process-wide (or, for tests, scoped) model registry. The
// zero value is not usable; construct with New.
type Manager struct {
	log *zap.Logger

	mu     sync.RWMutex
	queues map[string]*queue.Queue
}

// New constructs an empty Manager. log may be nil, in which case a no-op
// logger is used. The manager is a convenience, not a correctness
// requirement: callers may construct as many as they like.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:    log,
		queues: make(map[string]*queue.Queue),
	}
}

// Register constructs the limiter instances for cfg, assembles a chain,
// creates a queue wired to proc, and starts its worker. It fails with
// InvalidConfiguration if cfg.ModelID is already registered, or if any
// limiter configuration is invalid.
func (m *Manager) Register(cfg request.ModelConfig, proc queue.Processor) error {
	if cfg.ModelID == "" {
		return request.NewError(request.ErrInvalidConfiguration, "model id must be non-empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, exists := m.queues[cfg.ModelID]; exists {
		select {
		case <-existing.Done():
			// The prior queue has fully shut down; the model id is free to
			// reuse (spec §8's register -> shutdown -> re-register law).
		default:
			return request.NewError(request.ErrInvalidConfiguration,
				fmt.Sprintf("model %q is already registered", cfg.ModelID))
		}
	}

	c, err := chain.New(cfg.ModelID, cfg.Limiters, m.log)
	if err != nil {
		return err
	}
	q := queue.New(cfg.ModelID, c, proc, m.log)
	m.queues[cfg.ModelID] = q
	m.log.Info("model registered", zap.String("model_id", cfg.ModelID), zap.Int("limiters", len(cfg.Limiters)))
	return nil
}

// RegisterMany registers every config in order, continuing past failures;
// atomicity across the batch is not required. It returns a map from model
// id to the error registering that model failed with, containing only the
// models that failed.
func (m *Manager) RegisterMany(cfgs []request.ModelConfig, proc queue.Processor) map[string]error {
	failures := make(map[string]error)
	for _, cfg := range cfgs {
		if err := m.Register(cfg, proc); err != nil {
			failures[cfg.ModelID] = err
		}
	}
	return failures
}

func (m *Manager) lookup(modelID string) (*queue.Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[modelID]
	m.mu.RUnlock()
	if !ok {
		return nil, request.NewError(request.ErrModelNotRegistered,
			fmt.Sprintf("model %q is not registered", modelID))
	}
	return q, nil
}

// Submit routes req to its target model's queue. If req.WaitForCompletion
// is true (the default), Submit blocks until the request reaches a
// terminal state and returns that response. Otherwise it returns a Pending
// response immediately; the request still runs to completion and remains
// retrievable via GetStatus.
func (m *Manager) Submit(ctx context.Context, req *request.Request) (*request.Response, error) {
	q, err := m.lookup(req.ModelID)
	if err != nil {
		return nil, err
	}
	h, err := q.Enqueue(req)
	if err != nil {
		return nil, err
	}
	if !req.WaitForCompletion {
		return h.Pending(), nil
	}
	resp, err := h.Wait(ctx)
	if err != nil {
		// Cancellation of the wait never cancels the in-flight work; the
		// caller can still retrieve the eventual outcome via GetStatus.
		return nil, err
	}
	return resp, nil
}

// GetStatus returns the current status and, if terminal and retained, the
// response payload for requestID on modelID's queue.
func (m *Manager) GetStatus(modelID, requestID string) (request.Status, *request.Response, error) {
	q, err := m.lookup(modelID)
	if err != nil {
		return 0, nil, err
	}
	status, resp, ok := q.GetStatus(requestID)
	if !ok {
		return 0, nil, request.NewError(request.ErrModelNotRegistered,
			fmt.Sprintf("no such request %q on model %q", requestID, modelID))
	}
	return status, resp, nil
}

// UpdateTokenUsage routes a reconciliation call to modelID's queue.
func (m *Manager) UpdateTokenUsage(modelID, requestID string, actualInput, actualOutput int) error {
	q, err := m.lookup(modelID)
	if err != nil {
		return err
	}
	q.UpdateTokenUsage(requestID, actualInput, actualOutput)
	return nil
}

// Forget purges a retained fire-and-forget record for requestID on
// modelID's queue.
func (m *Manager) Forget(modelID, requestID string) error {
	q, err := m.lookup(modelID)
	if err != nil {
		return err
	}
	q.Forget(requestID)
	return nil
}

// Info returns modelID's queue depth and chain observability snapshot.
func (m *Manager) Info(modelID string) (Info, error) {
	q, err := m.lookup(modelID)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ModelID:  modelID,
		Depth:    q.Depth(),
		Limiters: q.Observe(),
	}, nil
}

// ShutdownAll shuts down every registered queue concurrently, waiting for
// each to drain (or force-cancel past deadline, if positive). It returns
// once every queue has finished shutting down. Errors are collected via
// golang.org/x/sync/errgroup, so only the first per-queue error is
// returned; a nil return means every queue drained cleanly within its
// deadline.
func (m *Manager) ShutdownAll(deadline time.Duration) error {
	m.mu.RLock()
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, q := range queues {
		q := q
		g.Go(func() error {
			return q.Shutdown(deadline)
		})
	}
	return g.Wait()
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-global Manager instance, constructing it on
// first use. It is a convenience for discovery only: nothing in this
// package's correctness depends on singleton-ness, and callers are free to
// construct additional Managers with New.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = New(nil)
	})
	return defaultMgr
}
