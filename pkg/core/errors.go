package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound      = errors.New("pricepipe: job not found")
	ErrJobNotOwned      = errors.New("pricepipe: job not owned by this worker")
	ErrQueueNotFound    = errors.New("pricepipe: unknown queue")
	ErrDuplicateJob     = errors.New("pricepipe: duplicate job with same unique key")
	ErrScheduleNotFound = errors.New("pricepipe: schedule not found")
	ErrTemplateNotFound = errors.New("pricepipe: job template not found")
	ErrInvalidCron      = errors.New("pricepipe: invalid cron expression")
)

// NoRetryError indicates a terminal error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after an
// explicit delay, overriding the queue's backoff policy.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// MaxErrorMessageLength bounds error text persisted on job rows.
const MaxErrorMessageLength = 2048

// SanitizeErrorMessage truncates error text before storage.
func SanitizeErrorMessage(msg string) string {
	if len(msg) > MaxErrorMessageLength {
		return msg[:MaxErrorMessageLength]
	}
	return msg
}
