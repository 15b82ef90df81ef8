/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncop

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provider failure for the retry policy.
type ErrorClass string

// Error classes.
// Retryable failures (timeouts, 5xx, transient network errors) drive the retry policy.
// Terminal failures (validation errors, 4xx other than 429, authentication failures)
// dead-letter the operation immediately.
const (
	ClassRetryable ErrorClass = "RETRYABLE"
	ClassTerminal  ErrorClass = "TERMINAL"
)

// ProviderError is an error returned by a provider client with an explicit classification.
type ProviderError struct {
	Class      ErrorClass
	StatusCode int
	Detail     string
	Inner      error
}

// NewRetryableError creates a retryable provider error.
func NewRetryableError(statusCode int, detail string) *ProviderError {
	return &ProviderError{Class: ClassRetryable, StatusCode: statusCode, Detail: detail}
}

// NewTerminalError creates a terminal provider error.
func NewTerminalError(statusCode int, detail string) *ProviderError {
	return &ProviderError{Class: ClassTerminal, StatusCode: statusCode, Detail: detail}
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Class, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Class, e.Detail)
}

// Unwrap returns the next error in the error chain.
func (e *ProviderError) Unwrap() error {
	return e.Inner
}

// ClassifyError determines the error class of an arbitrary provider call failure.
// Explicitly classified errors keep their class. Everything else, including
// expiry of the per-call timeout, is considered a transient failure.
func ClassifyError(err error) ErrorClass {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Class
	}
	return ClassRetryable
}

// ClassifyStatusCode maps an HTTP-like status code to an error class:
// 429 and 5xx are retryable, other 4xx are terminal.
func ClassifyStatusCode(statusCode int) ErrorClass {
	if statusCode == 429 || statusCode >= 500 {
		return ClassRetryable
	}
	if statusCode >= 400 {
		return ClassTerminal
	}
	return ClassRetryable
}
