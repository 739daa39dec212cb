package retry

import (
	"time"
)

// BreakerState is the circuit breaker's protective mode.
type BreakerState int

const (
	// BreakerClosed lets calls through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen short-circuits every call until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen admits exactly one trial call after the cool-down.
	BreakerHalfOpen
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

// BreakerSnapshot is the persistable view of one target's breaker, used to
// carry breaker state across process restarts.
type BreakerSnapshot struct {
	Target   string
	State    BreakerState
	Failures int
	OpenedAt time.Time
	CoolDown time.Duration
}

// breaker tracks consecutive failures against one target (typically a node
// type) and short-circuits calls once the failure threshold is crossed.
// Callers synchronize through the Manager; breaker itself is not safe for
// concurrent use.
type breaker struct {
	state     BreakerState
	failures  int
	openedAt  time.Time
	threshold int
	coolDown  time.Duration
	// probing is set while the single half-open trial call is in flight.
	probing bool
}

// allow reports whether a call may proceed now. In half-open state only the
// first caller gets through until its outcome is recorded.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) >= b.coolDown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// releaseProbe frees the half-open trial slot when its call was abandoned
// before producing an outcome, so the next caller can probe instead of the
// breaker waiting forever for a verdict.
func (b *breaker) releaseProbe() {
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// record feeds an outcome back into the state machine.
func (b *breaker) record(success bool, now time.Time) {
	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if success {
			b.state = BreakerClosed
			b.failures = 0
		} else {
			b.state = BreakerOpen
			b.openedAt = now
		}
	case BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = now
		}
	case BreakerOpen:
		// Outcomes from calls dispatched before the breaker opened; the
		// open state already reflects the failure run.
	}
}

// remaining returns how long until an open breaker admits its trial call.
func (b *breaker) remaining(now time.Time) time.Duration {
	if b.state != BreakerOpen {
		return 0
	}
	left := b.coolDown - now.Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}
