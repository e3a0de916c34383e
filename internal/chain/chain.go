// Package chain implements the limiter chain of spec §4.2: an ordered
// collection of rate limiters for one model, admitted all-or-nothing, with
// the reservation/reconciliation protocol for estimated-vs-actual token
// costs and the per-member observability report.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ganzzi/llm-queue/internal/ratelimit"
	"github.com/Ganzzi/llm-queue/internal/request"
)

// member pairs a built limiter with its configuration and (for token
// windows) the concrete *ratelimit.TokenWindow needed to project estimated
// and actual costs.
type member struct {
	cfg         request.LimiterConfig
	limiter     ratelimit.Limiter
	tokenWindow *ratelimit.TokenWindow // non-nil iff cfg.Type is a token-window type
}

// Chain is the ordered limiter set guarding admission for one model.
type Chain struct {
	modelID string
	members []member
	log     *zap.Logger

	mu       sync.Mutex
	inFlight map[string][]int // request id -> acquired member indices, in acquisition order
}

// New builds a Chain for modelID from an ordered list of limiter
// configurations, validating each per §3's invariants (limit >= 1, window
// seconds >= 1 once defaults are resolved). A zero-length cfgs is legal:
// the returned chain is unconstrained and AcquireAll always admits
// immediately.
func New(modelID string, cfgs []request.LimiterConfig, log *zap.Logger) (*Chain, error) {
	if log == nil {
		log = zap.NewNop()
	}
	members := make([]member, 0, len(cfgs))
	for _, cfg := range cfgs {
		m, err := buildMember(cfg)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return &Chain{
		modelID:  modelID,
		members:  members,
		log:      log,
		inFlight: make(map[string][]int),
	}, nil
}

func buildMember(cfg request.LimiterConfig) (member, error) {
	if cfg.Limit < 1 {
		return member{}, request.NewError(request.ErrInvalidConfiguration,
			fmt.Sprintf("limiter %s: limit must be >= 1, got %d", cfg.Type, cfg.Limit))
	}

	window := cfg.WindowSeconds
	if cfg.Type != request.Concurrent {
		if window == 0 {
			def, ok := request.DefaultWindowSeconds(cfg.Type)
			if !ok {
				return member{}, request.NewError(request.ErrInvalidConfiguration,
					fmt.Sprintf("limiter type %s has no default window", cfg.Type))
			}
			window = def
		}
		if window < 1 {
			return member{}, request.NewError(request.ErrInvalidConfiguration,
				fmt.Sprintf("limiter %s: window_seconds must be >= 1, got %d", cfg.Type, window))
		}
	}
	wd := time.Duration(window) * time.Second

	switch cfg.Type {
	case request.RPM, request.RPD:
		return member{cfg: cfg, limiter: ratelimit.NewRequestWindow(string(cfg.Type), cfg.Limit, wd, nil)}, nil
	case request.TPM, request.TPD, request.ITPM, request.OTPM:
		dim := ratelimit.DimensionTotal
		switch cfg.Type {
		case request.ITPM:
			dim = ratelimit.DimensionInput
		case request.OTPM:
			dim = ratelimit.DimensionOutput
		}
		tw := ratelimit.NewTokenWindow(string(cfg.Type), cfg.Limit, wd, dim, nil)
		return member{cfg: cfg, limiter: tw, tokenWindow: tw}, nil
	case request.Concurrent:
		return member{cfg: cfg, limiter: ratelimit.NewConcurrency(cfg.Limit)}, nil
	default:
		return member{}, request.NewError(request.ErrInvalidConfiguration,
			fmt.Sprintf("unknown limiter type %q", cfg.Type))
	}
}

// costFor computes a member's cost projection for req's estimates, per the
// §4.2 cost-projection rule: 1 for count/concurrency limiters, ei+eo / ei /
// eo for token limiters depending on dimension.
func costFor(m member, req *request.Request) int64 {
	if m.tokenWindow != nil {
		return m.tokenWindow.CostForEstimate(req.EstimatedInputTokens, req.EstimatedOutputTokens)
	}
	return 1
}

// actualCostFor computes a member's cost projection from actual usage, used
// during reconciliation.
func actualCostFor(m member, actualInput, actualOutput int) int64 {
	if m.tokenWindow != nil {
		return m.tokenWindow.CostForActual(actualInput, actualOutput)
	}
	return 1
}

// AcquireAll admits req only when every member has capacity, acquiring in
// configured order. If acquisition is cancelled partway, every already
// acquired member is released in reverse order before returning the error.
// On success the acquired member indices are recorded under req.ID so
// UpdateUsage and ReleaseAll can find them later.
func (c *Chain) AcquireAll(ctx context.Context, req *request.Request) error {
	acquired := make([]int, 0, len(c.members))
	for i, m := range c.members {
		cost := costFor(m, req)
		if err := m.limiter.WaitUntilAdmissible(ctx, req.ID, cost); err != nil {
			c.releaseIndices(req.ID, acquired)
			return err
		}
		acquired = append(acquired, i)
	}

	c.mu.Lock()
	c.inFlight[req.ID] = acquired
	c.mu.Unlock()
	c.log.Debug("acquired chain", zap.String("model_id", c.modelID), zap.String("request_id", req.ID))
	return nil
}

// releaseIndices releases the given member indices, in reverse order, for
// requestID. Used both by AcquireAll's rollback path and by ReleaseAll.
func (c *Chain) releaseIndices(requestID string, indices []int) {
	for i := len(indices) - 1; i >= 0; i-- {
		c.members[indices[i]].limiter.Release(requestID)
	}
}

// UpdateUsage reconciles every token-window member req.ID holds against
// actual usage. Count/concurrency members are untouched. It is legal to
// call at most once per request, after the processor returns and before
// ReleaseAll. If requestID is unknown (never acquired, or already
// released), the call is a no-op.
func (c *Chain) UpdateUsage(requestID string, actualInput, actualOutput int) {
	c.mu.Lock()
	indices, ok := c.inFlight[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, i := range indices {
		m := c.members[i]
		if m.tokenWindow == nil {
			continue
		}
		m.limiter.Adjust(requestID, actualCostFor(m, actualInput, actualOutput))
	}
	c.log.Debug("reconciled usage", zap.String("model_id", c.modelID), zap.String("request_id", requestID))
}

// ReleaseAll releases every member requestID holds and forgets requestID.
// Token windows remove their entry, concurrency releases its permit, and
// request windows do nothing (admissions are not reversible).
func (c *Chain) ReleaseAll(requestID string) {
	c.mu.Lock()
	indices, ok := c.inFlight[requestID]
	delete(c.inFlight, requestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.releaseIndices(requestID, indices)
	c.log.Debug("released chain", zap.String("model_id", c.modelID), zap.String("request_id", requestID))
}

// MemberObservation is one limiter's observability snapshot alongside its
// configured type, mirroring §4.2's "(type, limit, current_usage,
// available_capacity, window_seconds)" report.
type MemberObservation = ratelimit.Observation

// Observe reports, per member, the current (type, limit, usage, capacity,
// window) tuple in configured order.
func (c *Chain) Observe() []MemberObservation {
	out := make([]MemberObservation, len(c.members))
	for i, m := range c.members {
		out[i] = m.limiter.Observe()
	}
	return out
}

// Remaining returns the available capacity of the limiter at position idx,
// letting a caller-supplied estimator trim an optimistic estimate before
// submission (SPEC_FULL.md §C). ok is false if idx is out of range.
func (c *Chain) Remaining(idx int) (capacity int64, ok bool) {
	if idx < 0 || idx >= len(c.members) {
		return 0, false
	}
	obs := c.members[idx].limiter.Observe()
	return obs.AvailableCap, true
}

// Len returns the number of members in the chain.
func (c *Chain) Len() int { return len(c.members) }
