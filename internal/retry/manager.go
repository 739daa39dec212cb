package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Decision is the manager's answer to "should this failure be retried".
type Decision struct {
	Retry bool
	Delay time.Duration
	// Reason explains a negative decision for logs and audit records.
	Reason string
}

// Manager makes retry decisions and owns the per-target circuit breakers.
// It is constructed once at engine startup and shared by reference; one
// instance serves every job in the process.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	threshold int
	coolDown  time.Duration
	now       func() time.Time
	rnd       *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithBreakerThreshold sets how many consecutive failures open a breaker.
func WithBreakerThreshold(n int) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithBreakerCoolDown sets how long an open breaker waits before admitting
// a trial call.
func WithBreakerCoolDown(d time.Duration) Option {
	return func(m *Manager) { m.coolDown = d }
}

// withClock overrides the manager's clock; test seam.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a retry manager with a 5-failure threshold and a
// 30-second breaker cool-down unless configured otherwise.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		breakers:  make(map[string]*breaker),
		threshold: 5,
		coolDown:  30 * time.Second,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decide reports whether a node failure should be retried under the given
// policy, and after what delay. attempt is the number of attempts already
// made, including the one that just failed.
func (m *Manager) Decide(p Policy, err error, attempt int) Decision {
	class := Classify(err)
	if !p.AllowsClass(class) {
		return Decision{Reason: "error class " + class.String() + " is not retryable"}
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultPolicy().MaxAttempts
	}
	if attempt >= max {
		return Decision{Reason: "max attempts exhausted"}
	}
	delay := p.Delay(attempt)
	if p.Jitter {
		m.mu.Lock()
		delay = jitter(m.rnd, delay, p.MaxDelay)
		m.mu.Unlock()
	}
	return Decision{Retry: true, Delay: delay}
}

// Allow reports whether a call against the target may proceed, advancing the
// breaker through its open/half-open transitions as time passes.
func (m *Manager) Allow(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker(target).allow(m.now())
}

// RecordOutcome feeds an execution result into the target's breaker.
func (m *Manager) RecordOutcome(target string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker(target).record(success, m.now())
}

// ReleaseProbe returns the target's half-open probe slot without recording
// an outcome. Every caller that wins Allow but abandons the call before it
// executes must release; the slot is not reclaimed any other way.
func (m *Manager) ReleaseProbe(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker(target).releaseProbe()
}

// BreakerStatus returns the target's current breaker state.
func (m *Manager) BreakerStatus(target string) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker(target).state
}

// Cooldown returns how long until an open breaker for the target admits its
// trial call; zero when the target is not open.
func (m *Manager) Cooldown(target string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker(target).remaining(m.now())
}

// Export snapshots every breaker for persistence.
func (m *Manager) Export() []BreakerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(m.breakers))
	for target, b := range m.breakers {
		out = append(out, BreakerSnapshot{
			Target:   target,
			State:    b.state,
			Failures: b.failures,
			OpenedAt: b.openedAt,
			CoolDown: b.coolDown,
		})
	}
	return out
}

// Restore loads persisted breaker state, replacing any in-memory state for
// the same targets.
func (m *Manager) Restore(snaps []BreakerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		coolDown := s.CoolDown
		if coolDown <= 0 {
			coolDown = m.coolDown
		}
		m.breakers[s.Target] = &breaker{
			state:     s.State,
			failures:  s.Failures,
			openedAt:  s.OpenedAt,
			threshold: m.threshold,
			coolDown:  coolDown,
		}
	}
}

func (m *Manager) breaker(target string) *breaker {
	b, ok := m.breakers[target]
	if !ok {
		b = &breaker{threshold: m.threshold, coolDown: m.coolDown}
		m.breakers[target] = b
	}
	return b
}
