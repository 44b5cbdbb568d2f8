package exec

import "errors"

// Errors surfaced by dispatch.
var (
	// ErrScopeViolation means the calling category may not invoke the
	// target agent. The transport is never called.
	ErrScopeViolation = errors.New("scope violation")

	// ErrSlotTimeout means the agent's concurrency slot could not be
	// acquired before the task timeout.
	ErrSlotTimeout = errors.New("agent slot unavailable")
)

// TransientError marks a transport-level failure that is safe to retry
// (connection reset, 5xx from a worker). Agent-level failures are never
// wrapped in it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient transport error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
