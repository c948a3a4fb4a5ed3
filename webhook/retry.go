// Package webhook delivers kernel events to HTTP endpoints. The
// dispatcher subscribes asynchronously to configured event-type patterns
// and POSTs each matching event, retrying failed deliveries with
// exponential backoff.
package webhook

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ErrMaxRetriesReached marks a delivery abandoned after every allowed
// attempt failed. The dispatcher wraps it into the error it reports
// alongside the webhook.delivery_failed event.
var ErrMaxRetriesReached = errors.New("webhook: maximum retries reached")

// RetryPolicy governs how the dispatcher retries a delivery whose
// endpoint rejected it or could not be reached. MaxRetries counts the
// attempts after the first, so MaxRetries 2 means at most three POSTs.
type RetryPolicy struct {
	MaxRetries int
	// BaseDelay seeds the exponential backoff; the wait doubles each
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads waits by up to this fraction of the computed delay
	// in either direction, so endpoints recovering from an outage are
	// not hit by every pending delivery at once.
	Jitter float64
	// RetryableStatusCodes lists the HTTP statuses worth retrying.
	// Anything else from the endpoint ends the delivery on the spot.
	RetryableStatusCodes map[int]bool
	// Timeout bounds each individual POST, not the delivery as a whole.
	Timeout time.Duration
}

// DefaultRetryPolicy is the policy endpoints get when their config names
// none: three extra attempts, 100ms doubling to a 10s ceiling, 10%
// jitter, and the usual transient statuses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.1,
		Timeout:    5 * time.Second,
		RetryableStatusCodes: map[int]bool{
			408: true,
			429: true,
			500: true,
			502: true,
			503: true,
			504: true,
		},
	}
}

// WithMaxRetries returns a copy of the policy with the retry count
// replaced.
func (p RetryPolicy) WithMaxRetries(maxRetries int) RetryPolicy {
	p.MaxRetries = maxRetries
	return p
}

// WithBaseDelay returns a copy of the policy with the backoff seed
// replaced.
func (p RetryPolicy) WithBaseDelay(baseDelay time.Duration) RetryPolicy {
	p.BaseDelay = baseDelay
	return p
}

// WithTimeout returns a copy of the policy with the per-attempt timeout
// replaced.
func (p RetryPolicy) WithTimeout(timeout time.Duration) RetryPolicy {
	p.Timeout = timeout
	return p
}

// ShouldRetry reports whether an endpoint's response status warrants
// another attempt.
func (p RetryPolicy) ShouldRetry(statusCode int) bool {
	return p.RetryableStatusCodes[statusCode]
}

// CalculateBackoff returns how long to wait before retry number attempt
// (zero-based): BaseDelay doubled per attempt, capped at MaxDelay, with
// the jitter fraction applied.
func (p RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return time.Duration(delay)
		}
		// Uniform in [-Jitter, +Jitter] of the delay.
		spread := (float64(n.Int64())/1000000.0*2 - 1) * p.Jitter * delay
		delay += spread
	}

	return time.Duration(delay)
}
