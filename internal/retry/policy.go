package retry

import (
	"math/rand"
	"time"
)

// Strategy selects the backoff curve between retry attempts.
type Strategy int

const (
	// StrategyFixed waits BaseDelay between every attempt.
	StrategyFixed Strategy = iota
	// StrategyExponential waits min(BaseDelay * Factor^attempt, MaxDelay).
	StrategyExponential
	// StrategyFibonacci walks the fibonacci sequence scaled by BaseDelay,
	// bounded by MaxDelay.
	StrategyFibonacci
	// StrategyTable looks the delay up in a caller-provided table; attempts
	// beyond the table reuse its last entry.
	StrategyTable
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyExponential:
		return "exponential"
	case StrategyFibonacci:
		return "fibonacci"
	case StrategyTable:
		return "table"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy. Unknown strings fall
// back to exponential, the engine default.
func ParseStrategy(s string) Strategy {
	switch s {
	case "fixed":
		return StrategyFixed
	case "fibonacci":
		return StrategyFibonacci
	case "table":
		return StrategyTable
	default:
		return StrategyExponential
	}
}

// Policy describes when and how a node's failures are retried. A policy is
// immutable once its job starts executing.
type Policy struct {
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
	// Jitter adds a uniform random fraction of the delay to spread
	// re-dispatch of many nodes failing at once.
	Jitter bool
	// Table holds the delays for StrategyTable.
	Table []time.Duration
	// Retryable overrides the default class filter when non-nil. The
	// default treats everything except ClassFatal as retryable.
	Retryable []Class
}

// DefaultPolicy is the engine-wide fallback when neither the job nor the
// node declares one: three attempts with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		MaxAttempts: 3,
	}
}

// AllowsClass reports whether the policy considers the error class worth
// retrying.
func (p Policy) AllowsClass(c Class) bool {
	if p.Retryable == nil {
		return c != ClassFatal
	}
	for _, rc := range p.Retryable {
		if rc == c {
			return true
		}
	}
	return false
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made (1-based: after the first failure, attempt is 1).
// The result never exceeds MaxDelay when MaxDelay is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = p.BaseDelay
	case StrategyExponential:
		factor := p.Factor
		if factor <= 1 {
			factor = 2
		}
		f := float64(p.BaseDelay)
		for i := 1; i < attempt; i++ {
			f *= factor
			if p.MaxDelay > 0 && f >= float64(p.MaxDelay) {
				f = float64(p.MaxDelay)
				break
			}
		}
		d = time.Duration(f)
	case StrategyFibonacci:
		a, b := 1, 1
		for i := 1; i < attempt; i++ {
			a, b = b, a+b
			if p.MaxDelay > 0 && time.Duration(a)*p.BaseDelay >= p.MaxDelay {
				break
			}
		}
		d = time.Duration(a) * p.BaseDelay
	case StrategyTable:
		if len(p.Table) == 0 {
			d = p.BaseDelay
			break
		}
		idx := attempt - 1
		if idx >= len(p.Table) {
			idx = len(p.Table) - 1
		}
		d = p.Table[idx]
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// jitter spreads d by a uniform random fraction in [-25%, +25%], clamped to
// [0, max] when max is set.
func jitter(rnd *rand.Rand, d, max time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := time.Duration(rnd.Int63n(int64(d)/2+1)) - d/4
	out := d + spread
	if out < 0 {
		out = 0
	}
	if max > 0 && out > max {
		out = max
	}
	return out
}
