package api

import "time"

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota
	BreakerOpen                  // cooling down, calls are skipped
	BreakerHalfOpen              // cool-down elapsed, next call is a trial
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive failures and opens after threshold of them.
// While open it rejects calls until cooldown has passed since it opened;
// after that the next call is let through as a trial. A trial failure
// reopens it, a success closes it.
//
// Breaker is not safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	openedAt time.Time
}

// NewBreaker returns a closed Breaker reading time from now.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// State reports the current state.
func (b *Breaker) State() BreakerState {
	if b.openedAt.IsZero() {
		return BreakerClosed
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return BreakerOpen
	}
	return BreakerHalfOpen
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	return b.State() != BreakerOpen
}

// RecordFailure counts a failed call, opening the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.failures = 0
	b.openedAt = time.Time{}
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return b.failures
}
