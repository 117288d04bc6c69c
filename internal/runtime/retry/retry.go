// Package retry maps attempt counts to backoff delays and retry decisions.
package retry

import (
	"time"

	"github.com/flowbus/flowbus/internal/runtime/store"
)

// DefaultBaseDelay applies when a subscription does not configure one.
const DefaultBaseDelay = 60 * time.Second

// Policy is a pure backoff description. The zero value retries nothing.
type Policy struct {
	Kind       store.RetryPolicyKind
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the computed delay when positive.
	MaxDelay time.Duration
}

// FromSubscription derives the policy from a subscription's retry settings.
func FromSubscription(sub *store.EventSubscription) Policy {
	p := Policy{
		Kind:       sub.RetryPolicy,
		MaxRetries: sub.MaxRetries,
		BaseDelay:  sub.RetryBaseDelay,
		MaxDelay:   sub.RetryMaxDelay,
	}
	if p.Kind == "" {
		p.Kind = store.RetryExponential
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of attempts.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxRetries
}

// Delay computes the backoff before the given attempt: base*2^(attempt-1)
// for exponential, base*attempt for linear, base for fixed. Attempt counts
// below one are treated as one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Kind {
	case store.RetryLinear:
		delay = p.BaseDelay * time.Duration(attempt)
	case store.RetryFixed:
		delay = p.BaseDelay
	default:
		delay = p.BaseDelay << uint(attempt-1)
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		// Shift overflow on absurd attempt counts, including the case
		// where every bit is shifted out and the result is exactly zero.
		delay = p.MaxDelay
		if delay <= 0 {
			delay = p.BaseDelay
		}
	}
	return delay
}

// NextRetryAt returns the wall-clock time of the next attempt.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
