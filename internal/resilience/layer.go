// Package resilience wraps every upstream operation with retries and a
// per-operation circuit breaker. Callers get a typed result or an *errs.Error
// of kind UpstreamTransient, UpstreamRejected or CircuitOpen; raw provider
// errors never leave this package.
package resilience

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/upstream"
)

// Operation names, one breaker each.
const (
	OpCreateSession = "createSession"
	OpPollMessage   = "pollMessage"
	OpCancelSession = "cancelSession"
	OpGetBalance    = "getBalance"
)

// Operations lists every guarded operation.
var Operations = []string{OpCreateSession, OpPollMessage, OpCancelSession, OpGetBalance}

// Config holds retry and breaker thresholds.
type Config struct {
	Retry            Policy
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig trips after 5 consecutive failures for 30 seconds.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultPolicy(),
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CallRecorder is told the outcome of every call.
type CallRecorder interface {
	RecordCall(ctx context.Context, operation, outcome string, attempts int)
}

// Layer is the resilient front of an upstream.Client.
type Layer struct {
	client   upstream.Client
	policy   Policy
	breakers map[string]*Breaker
	observer Observer
	recorder CallRecorder
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
}

// Option configures a Layer.
type Option func(*Layer)

// WithObserver publishes breaker transitions to o. Wrap slow observers in an
// AsyncObserver.
func WithObserver(o Observer) Option {
	return func(l *Layer) { l.observer = o }
}

// WithCallRecorder reports call outcomes to r.
func WithCallRecorder(r CallRecorder) Option {
	return func(l *Layer) { l.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// WithClock replaces time.Now for the breakers.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Layer) { l.sleep = sleep }
}

// New builds a layer with one breaker per operation.
func New(client upstream.Client, cfg Config, opts ...Option) *Layer {
	l := &Layer{
		client:   client,
		policy:   cfg.Retry,
		breakers: make(map[string]*Breaker, len(Operations)),
		logger:   zap.NewNop(),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, op := range Operations {
		b := NewBreaker(op, cfg.FailureThreshold, cfg.Cooldown)
		b.now = l.now
		if l.observer != nil {
			b.notify = l.observer.BreakerTransition
		}
		l.breakers[op] = b
	}
	return l
}

// Breaker returns the breaker guarding op.
func (l *Layer) Breaker(op string) *Breaker {
	return l.breakers[op]
}

// Snapshot reports every breaker, ordered by operation.
func (l *Layer) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(l.breakers))
	for _, b := range l.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// CreateSession rents a number.
func (l *Layer) CreateSession(ctx context.Context, req upstream.CreateRequest) (*upstream.Session, error) {
	return call(ctx, l, OpCreateSession, func(ctx context.Context) (*upstream.Session, error) {
		return l.client.CreateSession(ctx, req)
	})
}

// PollMessage polls a provider session.
func (l *Layer) PollMessage(ctx context.Context, providerID string) (*upstream.PollResult, error) {
	return call(ctx, l, OpPollMessage, func(ctx context.Context) (*upstream.PollResult, error) {
		return l.client.PollMessage(ctx, providerID)
	})
}

// CancelSession releases a provider session.
func (l *Layer) CancelSession(ctx context.Context, providerID string) (bool, error) {
	return call(ctx, l, OpCancelSession, func(ctx context.Context) (bool, error) {
		return l.client.CancelSession(ctx, providerID)
	})
}

// GetBalance returns the provider account balance.
func (l *Layer) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return call(ctx, l, OpGetBalance, func(ctx context.Context) (decimal.Decimal, error) {
		return l.client.GetBalance(ctx)
	})
}

// call admits one logical call through op's breaker and retries transient
// failures within it. The breaker judges the call's final outcome, so a call
// that exhausts its retries counts as one failure.
func call[T any](ctx context.Context, l *Layer, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	b := l.breakers[op]

	p := b.allow()
	if !p.ok {
		l.record(ctx, op, "circuit_open", 0)
		return zero, circuitOpenError(op, p.retryAfter)
	}

	attempts := l.policy.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := l.sleep(ctx, l.policy.Backoff(attempt-1)); err != nil {
				b.abandon(p)
				l.record(ctx, op, "cancelled", attempt-1)
				return zero, transientError(op, lastErr)
			}
			if !p.trial && b.State() != StateClosed {
				// Other calls tripped the breaker during the backoff.
				l.record(ctx, op, "circuit_open", attempt-1)
				return zero, circuitOpenError(op, b.retryAfter())
			}
		}

		res, err := fn(ctx)
		if err == nil {
			b.success(p)
			l.record(ctx, op, "success", attempt)
			return res, nil
		}
		if ctx.Err() != nil {
			b.abandon(p)
			l.record(ctx, op, "cancelled", attempt)
			return zero, transientError(op, err)
		}

		if upstream.Classify(err) == upstream.KindRejected {
			// A rejection proves the provider is reachable.
			b.success(p)
			l.record(ctx, op, "rejected", attempt)
			return zero, rejectedError(op, err)
		}

		lastErr = err
		l.logger.Debug("upstream attempt failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	b.failure(p)
	l.logger.Warn("upstream call exhausted retries",
		zap.String("operation", op),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	l.record(ctx, op, "transient", attempts)
	return zero, transientError(op, lastErr)
}

func (l *Layer) record(ctx context.Context, op, outcome string, attempts int) {
	if l.recorder != nil {
		l.recorder.RecordCall(ctx, op, outcome, attempts)
	}
}

func circuitOpenError(op string, retryAfter time.Duration) *errs.Error {
	return &errs.Error{
		Kind:       errs.CircuitOpen,
		Operation:  op,
		RetryAfter: retryAfter,
		Message:    "provider temporarily disabled",
	}
}

func transientError(op string, err error) *errs.Error {
	e := &errs.Error{
		Kind:      errs.UpstreamTransient,
		Operation: op,
		Message:   "provider temporarily unavailable",
	}
	if ue, ok := upstream.AsError(err); ok {
		e.ProviderCode = ue.Code
	}
	return e
}

func rejectedError(op string, err error) *errs.Error {
	e := &errs.Error{
		Kind:      errs.UpstreamRejected,
		Operation: op,
		Message:   "provider rejected the request",
	}
	if ue, ok := upstream.AsError(err); ok {
		e.ProviderCode = ue.Code
	}
	return e
}
