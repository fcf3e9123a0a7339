package resilience

import (
	"sync/atomic"
	"time"
)

// State is a circuit breaker position.
type State int32

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
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Breaker is a lock-free circuit breaker for one upstream operation. It trips
// after threshold consecutive failures, rejects calls for the cooldown, then
// admits exactly one trial call whose outcome closes or reopens it.
type Breaker struct {
	name      string
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
	notify    func(Transition)

	state       atomic.Int32
	failures    atomic.Int64
	lastFailure atomic.Int64
	openUntil   atomic.Int64
	trial       atomic.Bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: int64(threshold),
		cooldown:  cooldown,
		now:       time.Now,
		notify:    func(Transition) {},
	}
}

// Name returns the operation the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current position.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// permit is the admission decision for one call.
type permit struct {
	ok         bool
	trial      bool
	retryAfter time.Duration
}

func (b *Breaker) allow() permit {
	switch State(b.state.Load()) {
	case StateClosed:
		return permit{ok: true}
	case StateOpen:
		now := b.now().UnixNano()
		until := b.openUntil.Load()
		if now < until {
			return permit{retryAfter: time.Duration(until - now)}
		}
		if !b.trial.CompareAndSwap(false, true) {
			return permit{retryAfter: b.cooldown}
		}
		if !b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.trial.Store(false)
			return permit{retryAfter: b.cooldown}
		}
		b.transition(StateOpen, StateHalfOpen)
		return permit{ok: true, trial: true}
	default:
		// A trial is in flight.
		return permit{retryAfter: b.cooldown}
	}
}

func (b *Breaker) success(p permit) {
	b.failures.Store(0)
	if !p.trial {
		return
	}
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		b.transition(StateHalfOpen, StateClosed)
	}
	b.trial.Store(false)
}

func (b *Breaker) failure(p permit) {
	now := b.now()
	b.lastFailure.Store(now.UnixNano())
	n := b.failures.Add(1)

	if p.trial {
		b.openUntil.Store(now.Add(b.cooldown).UnixNano())
		if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			b.transition(StateHalfOpen, StateOpen)
		}
		b.trial.Store(false)
		return
	}
	if n >= b.threshold && State(b.state.Load()) == StateClosed {
		b.openUntil.Store(now.Add(b.cooldown).UnixNano())
		if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			b.transition(StateClosed, StateOpen)
		}
	}
}

// retryAfter is the time left until an open breaker admits a trial.
func (b *Breaker) retryAfter() time.Duration {
	if d := time.Duration(b.openUntil.Load() - b.now().UnixNano()); d > 0 {
		return d
	}
	return b.cooldown
}

// abandon returns an unfinished trial without judging the upstream.
func (b *Breaker) abandon(p permit) {
	if !p.trial {
		return
	}
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.transition(StateHalfOpen, StateOpen)
	}
	b.trial.Store(false)
}

func (b *Breaker) transition(from, to State) {
	b.notify(Transition{
		Operation: b.name,
		From:      from,
		To:        to,
		Failures:  b.failures.Load(),
		At:        b.now(),
	})
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Operation           string     `json:"operation"`
	State               State      `json:"state"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// Snapshot reads the breaker without changing it.
func (b *Breaker) Snapshot() Snapshot {
	s := Snapshot{
		Operation:           b.name,
		State:               b.State(),
		ConsecutiveFailures: b.failures.Load(),
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		t := time.Unix(0, ns)
		s.LastFailure = &t
	}
	if s.State == StateOpen {
		t := time.Unix(0, b.openUntil.Load())
		s.OpenUntil = &t
	}
	return s
}
