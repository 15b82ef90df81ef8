/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry computes backoff delays and retry eligibility for failed
// sync operations. Operations are not retried in-process: the dispatch
// engine requeues them with the delay this package computes.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-syncdispatch/syncop"
)

// Default parameter values for Policy.
const (
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2
	DefaultMaxInterval     = time.Minute
	DefaultJitterFraction  = 0.2
)

// Policy defines the backoff strategy for retrying failed operations.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// Multiplier is the exponential growth factor of the delay.
	Multiplier float64

	// MaxInterval caps the computed delay (before jitter).
	MaxInterval time.Duration

	// JitterFraction perturbs the delay by a uniformly random factor in
	// [1-JitterFraction, 1+JitterFraction] to desynchronize retry storms.
	JitterFraction float64
}

// NewPolicy returns a policy with default parameters.
func NewPolicy() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		MaxInterval:     DefaultMaxInterval,
		JitterFraction:  DefaultJitterFraction,
	}
}

// NewBackOff builds the underlying backoff for this policy.
func (p Policy) NewBackOff() backoff.BackOff {
	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = p.InitialInterval
	bf.Multiplier = p.Multiplier
	bf.MaxInterval = p.MaxInterval
	bf.RandomizationFactor = p.JitterFraction
	bf.MaxElapsedTime = 0 // the attempt budget is enforced by IsRetryable, not by elapsed time
	bf.Reset()
	return bf
}

// NextDelay computes the jittered delay before retry attempt number attempt
// (1-based): min(InitialInterval * Multiplier^(attempt-1), MaxInterval),
// perturbed by JitterFraction. Ignoring jitter, the delay is non-decreasing
// in attempt up to MaxInterval.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	bf := p.NewBackOff()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = bf.NextBackOff()
	}
	return delay
}

// IsRetryable reports whether a failed operation is eligible for another attempt.
// Terminal failures are never retried; retryable ones are retried until the
// attempt budget is exhausted.
func IsRetryable(class syncop.ErrorClass, attempts, maxAttempts int) bool {
	if class == syncop.ClassTerminal {
		return false
	}
	return attempts < maxAttempts
}
