package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// NoRetry marks an error as permanent so the engine stops retrying.
//
//	return engine.NoRetry(fmt.Errorf("task %s has no category: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, noRetry: true}
}

// RetryAfter asks the engine to wait at least after before the next attempt.
// The hint is bounded by the task's RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintError{err: err, after: max(after, 0)}
}

func IsNoRetry(err error) bool {
	var h *hintError
	return errors.As(err, &h) && h.noRetry
}

// retryHint extracts a RetryAfter delay from err.
func retryHint(err error) (time.Duration, bool) {
	var h *hintError
	if errors.As(err, &h) && !h.noRetry {
		return h.after, true
	}
	return 0, false
}

type hintError struct {
	err     error
	noRetry bool
	after   time.Duration
}

func (e *hintError) Error() string {
	if e.noRetry {
		return fmt.Sprintf("no-retry: %v", e.err)
	}
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}

func (e *hintError) Unwrap() error { return e.err }
