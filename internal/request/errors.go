package request

import "fmt"

// Code names an error kind from the §7 ERROR HANDLING DESIGN taxonomy.
// Codes are kinds, not instance identities: many Errors share a Code.
type Code string

const (
	// ErrModelNotRegistered: submit/get_status/update against an unknown model.
	ErrModelNotRegistered Code = "model_not_registered"
	// ErrInvalidConfiguration: duplicate registration, non-positive limits,
	// or a request cost that alone exceeds a limiter's limit.
	ErrInvalidConfiguration Code = "invalid_configuration"
	// ErrRateLimitExceeded is reserved for the configuration-fault case
	// (cost > limit, see §4.1) and explicit non-blocking try-acquire paths;
	// the chain otherwise waits rather than raising this.
	ErrRateLimitExceeded Code = "rate_limit_exceeded"
	// ErrQueueShutdown: submission to, or rendezvous wait on, a queue whose
	// shutdown has begun.
	ErrQueueShutdown Code = "queue_shutdown"
	// ErrProcessingError: anything raised by the processor, captured into a
	// Failed response and never propagated through submit.
	ErrProcessingError Code = "processing_error"
)

// Error is the structured error type used throughout the scheduler. It
// carries a taxonomy Code plus a human-readable Message, and optionally
// wraps an underlying cause for errors.Is/errors.As interoperability.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so callers can
// write errors.Is(err, &request.Error{Code: request.ErrQueueShutdown}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs an *Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with the given code and message, wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
