// Package request defines the data model shared by the rate limiter chain,
// the per-model queue, and the manager façade: requests, their terminal
// responses, lifecycle states, and the limiter/model configuration tree.
package request

import (
	"time"

	"github.com/google/uuid"
)

// Status is a request's position in its lifecycle state machine.
//
//	Pending -> Processing -> {Completed | Failed}
//
// Terminal states are absorbing.
type Status int

const (
	// StatusPending is the state a request enters on enqueue.
	StatusPending Status = iota
	// StatusProcessing is entered the instant the worker holds every limiter.
	StatusProcessing
	// StatusCompleted is a terminal state: the processor returned a result.
	StatusCompleted
	// StatusFailed is a terminal state: the processor returned an error, the
	// request could not be admitted, or the queue shut down before it ran.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is a single unit of work submitted for a target model. Params is
// opaque to the core — only the caller-supplied processor interprets it.
type Request struct {
	// ID is a stable unique identifier, generated at construction.
	ID string
	// ModelID names the registered model this request targets.
	ModelID string
	// Params is the opaque, typed payload the processor consumes.
	Params any

	// EstimatedInputTokens and EstimatedOutputTokens are the caller's
	// up-front cost estimate, used to reserve capacity in token limiters.
	EstimatedInputTokens  int
	EstimatedOutputTokens int

	// ActualInputTokens and ActualOutputTokens are set by the processor once
	// real usage is known. A separate update_token_usage call reconciles the
	// limiters only and does not write these fields.
	ActualInputTokens  int
	ActualOutputTokens int

	// WaitForCompletion controls whether submit blocks for a terminal
	// response (true, the default) or returns immediately with Pending.
	WaitForCompletion bool

	CreatedAt time.Time
}

// New constructs a Request with a generated id, a creation timestamp, and
// WaitForCompletion defaulted to true.
func New(modelID string, params any) *Request {
	return &Request{
		ID:                uuid.NewString(),
		ModelID:           modelID,
		Params:            params,
		WaitForCompletion: true,
		CreatedAt:         time.Now(),
	}
}

// Response is the outcome of processing a Request, returned synchronously
// from submit (wait mode) or retrievable later via get_status.
type Response struct {
	RequestID string
	ModelID   string
	Status    Status

	// Result is present iff Status == StatusCompleted.
	Result any
	// Error is present iff Status == StatusFailed; it carries the
	// processor's (or the system's) error rendered to a string.
	Error string

	Duration time.Duration

	ActualInputTokens  int
	ActualOutputTokens int
}

// LimiterType names one of the seven admission primitive kinds a model may
// compose into its chain.
type LimiterType string

const (
	// RPM is requests-per-minute: a RequestWindow with a 60s default window.
	RPM LimiterType = "RPM"
	// RPD is requests-per-day: a RequestWindow with an 86400s default window.
	RPD LimiterType = "RPD"
	// TPM is total-tokens-per-minute: a TokenWindow over ei+eo / ai+ao.
	TPM LimiterType = "TPM"
	// TPD is total-tokens-per-day.
	TPD LimiterType = "TPD"
	// ITPM is input-tokens-per-minute: a TokenWindow over ei / ai alone.
	ITPM LimiterType = "ITPM"
	// OTPM is output-tokens-per-minute: a TokenWindow over eo / ao alone.
	OTPM LimiterType = "OTPM"
	// Concurrent is a counting semaphore with no time window.
	Concurrent LimiterType = "Concurrent"
)

// defaultWindows holds the §3 DATA MODEL default window, in seconds, per
// windowed limiter type. Concurrent has no window and is absent here.
var defaultWindows = map[LimiterType]int64{
	RPM:  60,
	TPM:  60,
	ITPM: 60,
	OTPM: 60,
	RPD:  86400,
	TPD:  86400,
}

// DefaultWindowSeconds returns the spec-mandated default window for t, and
// false for Concurrent (which has no window) or an unrecognized type.
func DefaultWindowSeconds(t LimiterType) (int64, bool) {
	w, ok := defaultWindows[t]
	return w, ok
}

// LimiterConfig describes one member of a model's limiter chain.
type LimiterConfig struct {
	Type LimiterType
	// Limit is the admission ceiling: max count (RPM/RPD/Concurrent) or max
	// token sum (TPM/TPD/ITPM/OTPM) within Window.
	Limit int64
	// WindowSeconds is the rolling window; zero means "use the type's
	// default window" and is resolved by the chain builder. Ignored for
	// Concurrent.
	WindowSeconds int64
}

// ModelConfig names a model and the ordered list of limiters guarding it.
// A zero-length Limiters list is legal: the model is unconstrained.
// Duplicate types are accepted and additive — both instances apply.
type ModelConfig struct {
	ModelID  string
	Limiters []LimiterConfig
}
