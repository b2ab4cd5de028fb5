package models

import (
	"errors"
	"fmt"
)

// ValidationError rejects a file before it enters the queue.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid file %q: %s", e.Filename, e.Reason)
}

// RateLimitError signals a provider backoff window. It is transient: the
// owning job stays in processing until the deadline sweep requeues it.
type RateLimitError struct {
	Provider   string
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %ds", e.Provider, e.RetryAfter)
}

// ProviderError is a failed provider call. Retryable errors (5xx) are resolved
// inside the provider's retry ladder; ones that escape are fatal.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// AsRateLimit unwraps err into a RateLimitError, if it is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// IsValidation reports whether err is a pre-queue validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
