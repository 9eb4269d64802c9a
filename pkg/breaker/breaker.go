// Package breaker provides a three-state circuit breaker for calls to
// unreliable external dependencies (the streaming backend, the auth
// provider). It fast-fails while a dependency is presumed down and probes
// recovery with a bounded number of trial calls. It never retries the
// wrapped operation and imposes no timeout of its own; both are the
// caller's responsibility.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config enumerates the per-breaker tunables. MonitoringPeriod is accepted
// for a future failures-per-window trip condition; the implemented trip
// condition is the consecutive-failure count.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
	SuccessThreshold int

	// OnStateChange fires on every transition, after the transition has
	// completed. It is side-effect only: a panic inside it is swallowed so
	// a broken observer cannot wedge the state machine.
	OnStateChange func(name string, from, to State, cause error)
}

// OpenError is returned when the circuit rejects a call without invoking
// the operation. It is a distinct type so callers can switch to degraded
// behavior (serve stale data) without inspecting dependency errors.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Snapshot is a point-in-time copy of the breaker's counters for health
// and stats endpoints.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	TotalRequests        uint64     `json:"total_requests"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
}

// Breaker guards one named external call site. Construct it once at
// process start and share the instance; all state is in-process.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        uint64
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	nextAttemptAt        time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

type transition struct {
	from, to State
	cause    error
}

// Execute runs op through the breaker. While open it rejects immediately
// with *OpenError; the first call at or after nextAttemptAt flips to
// half-open and runs op as a trial. Only the bookkeeping is serialized:
// op itself runs outside the lock.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	var transitions []transition

	b.mu.Lock()
	if b.state == StateOpen {
		now := b.now()
		if now.Before(b.nextAttemptAt) {
			wait := b.nextAttemptAt.Sub(now)
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: wait}
		}
		transitions = append(transitions, b.transitionTo(StateHalfOpen, nil))
	}
	b.totalRequests++
	b.mu.Unlock()

	b.notify(transitions)

	err := op(ctx)

	b.mu.Lock()
	transitions = nil
	if err != nil {
		b.lastFailureAt = b.now()
		b.consecutiveFailures++
		switch b.state {
		case StateHalfOpen:
			// A single failed trial reopens the circuit.
			b.nextAttemptAt = b.now().Add(b.cfg.RecoveryTimeout)
			transitions = []transition{b.transitionTo(StateOpen, err)}
		case StateClosed:
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.nextAttemptAt = b.now().Add(b.cfg.RecoveryTimeout)
				transitions = []transition{b.transitionTo(StateOpen, err)}
			}
		}
	} else {
		b.lastSuccessAt = b.now()
		switch b.state {
		case StateHalfOpen:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.consecutiveFailures = 0
				b.consecutiveSuccesses = 0
				transitions = []transition{b.transitionTo(StateClosed, nil)}
			}
		default:
			// One success wipes prior failure history in the closed state,
			// favoring availability over threshold-within-window counting.
			b.consecutiveFailures = 0
		}
	}
	b.mu.Unlock()

	b.notify(transitions)
	return err
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(to State, cause error) transition {
	t := transition{from: b.state, to: to, cause: cause}
	b.state = to
	if to == StateHalfOpen {
		b.consecutiveSuccesses = 0
		b.nextAttemptAt = time.Time{}
	}
	if to == StateClosed {
		b.nextAttemptAt = time.Time{}
	}
	return t
}

func (b *Breaker) notify(transitions []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range transitions {
		func() {
			defer func() { _ = recover() }()
			b.cfg.OnStateChange(b.name, t.from, t.to, t.cause)
		}()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRequests:        b.totalRequests,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	if !b.nextAttemptAt.IsZero() {
		t := b.nextAttemptAt
		snap.NextAttemptAt = &t
	}
	return snap
}
