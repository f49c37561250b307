package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateJob signals that an active job already exists for the key.
var ErrDuplicateJob = errors.New("active job already exists for this blog url")

// ErrInvalidURL signals a blog URL that cannot be normalized.
var ErrInvalidURL = errors.New("invalid blog url")

// AuthenticationError reports a missing or invalid credential.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// DomainMismatchError reports a URL outside the publisher's registered domain.
type DomainMismatchError struct {
	Host   string
	Domain string
}

func (e *DomainMismatchError) Error() string {
	return fmt.Sprintf("host %q does not belong to publisher domain %q", e.Host, e.Domain)
}

// WhitelistViolationError reports a URL not on the publisher's whitelist.
type WhitelistViolationError struct {
	BlogURL string
}

func (e *WhitelistViolationError) Error() string {
	return fmt.Sprintf("blog url %q is not on the publisher whitelist", e.BlogURL)
}

// UsageLimitExceededError reports an exhausted daily quota.
type UsageLimitExceededError struct {
	PublisherID string
	Limit       int
}

func (e *UsageLimitExceededError) Error() string {
	return fmt.Sprintf("publisher %s reached the daily limit of %d blogs", e.PublisherID, e.Limit)
}

// RateLimitExceededError reports a rejected request with backoff detail.
type RateLimitExceededError struct {
	Class      string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s, retry after %s",
		e.Class, e.Limit, e.Window, e.RetryAfter)
}

// ServiceUnavailableError reports a call rejected by an open circuit breaker.
type ServiceUnavailableError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s is unavailable, retry after %s", e.Dependency, e.RetryAfter)
}

// PipelineStageError reports which pipeline stage failed and why.
type PipelineStageError struct {
	Stage string
	Err   error
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineStageError) Unwrap() error {
	return e.Err
}

// InvariantViolationError reports internal accounting corruption, e.g. a
// quota release at zero. Logged and counted, never surfaced to callers.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Detail)
}
