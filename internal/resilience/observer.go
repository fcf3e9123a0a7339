package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transition is a breaker state change.
type Transition struct {
	Operation string
	From      State
	To        State
	Failures  int64
	At        time.Time
}

// Observer receives breaker transitions.
type Observer interface {
	BreakerTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) BreakerTransition(t Transition) { f(t) }

// Observers fans a transition out to several observers.
type Observers []Observer

func (o Observers) BreakerTransition(t Transition) {
	for _, obs := range o {
		obs.BreakerTransition(t)
	}
}

// AsyncObserver delivers transitions on its own goroutine so a slow observer
// never blocks an upstream call. When the buffer is full the transition is
// dropped and counted, as is every transition published after Close.
type AsyncObserver struct {
	next    Observer
	ch      chan Transition
	dropped atomic.Int64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncObserver starts delivery to next.
func NewAsyncObserver(next Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 64
	}
	a := &AsyncObserver{
		next: next,
		ch:   make(chan Transition, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for t := range a.ch {
		a.next.BreakerTransition(t)
	}
}

// BreakerTransition enqueues t without blocking.
func (a *AsyncObserver) BreakerTransition(t Transition) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- t:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many transitions were discarded.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains pending transitions and stops delivery. Close is idempotent.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

// LogObserver writes transitions to a zap logger.
type LogObserver struct {
	Logger *zap.Logger
}

func (o LogObserver) BreakerTransition(t Transition) {
	fields := []zap.Field{
		zap.String("operation", t.Operation),
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Int64("consecutive_failures", t.Failures),
	}
	if t.To == StateOpen {
		o.Logger.Warn("circuit breaker opened", fields...)
		return
	}
	o.Logger.Info("circuit breaker transition", fields...)
}
