package extractor

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoExtractorFound is returned when no registered extractor can handle a
// locator. This is a permanent failure: retrying cannot make an extractor
// appear.
var ErrNoExtractorFound = errors.New("no extractor found for locator")

// ErrContentBlocked is returned when the content is on the takedown
// blocklist. Permanent.
var ErrContentBlocked = errors.New("content blocked by takedown policy")

// ClassifiedError wraps an extraction failure with a retry classification.
// Transient failures (network timeouts, upstream rate limits) are retried by
// the queue; permanent failures (invalid locator, content removed, access
// denied) fail the task immediately.
type ClassifiedError struct {
	Err         error
	IsTransient bool
}

func (e *ClassifiedError) Error() string {
	if e.IsTransient {
		return fmt.Sprintf("transient extraction error: %v", e.Err)
	}
	return fmt.Sprintf("permanent extraction error: %v", e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as a retryable extraction failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, IsTransient: true}
}

// Permanent marks err as a non-retryable extraction failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, IsTransient: false}
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so an unexpected failure never wedges the pool; known
// permanent sentinels and context cancellation do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.IsTransient
	}
	if errors.Is(err, ErrNoExtractorFound) || errors.Is(err, ErrContentBlocked) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
