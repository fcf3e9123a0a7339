// Package upstream talks to the remote verification provider. Every failure
// an adapter returns is an *Error tagged Transient or Rejected so callers can
// decide on retries without guessing from error types.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the narrow provider interface the engine depends on.
type Client interface {
	Authenticate(ctx context.Context) (Token, error)
	CreateSession(ctx context.Context, req CreateRequest) (*Session, error)
	PollMessage(ctx context.Context, sessionID string) (*PollResult, error)
	CancelSession(ctx context.Context, sessionID string) (bool, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Token is a provider access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// CreateRequest asks the provider for a number.
type CreateRequest struct {
	Service    string `json:"service"`
	Capability string `json:"capability"`
	AreaCode   string `json:"area_code,omitempty"`
	Carrier    string `json:"carrier,omitempty"`
	Priority   bool   `json:"priority,omitempty"`
}

// Session is a provider-side session.
type Session struct {
	ID        string    `json:"id"`
	Number    string    `json:"number"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is the provider's view of a session while polling.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Message is content delivered to the number.
type Message struct {
	Text       string    `json:"text"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// PollResult is the outcome of a poll.
type PollResult struct {
	Status   Status    `json:"status"`
	Messages []Message `json:"messages"`
}

// Kind classifies an upstream failure.
type Kind int

const (
	// KindTransient covers timeouts, connection errors, 5xx and 429. Retryable.
	KindTransient Kind = iota + 1
	// KindRejected is a definitive business rejection. Never retried.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("upstream %s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Rejected builds a definitive rejection.
func Rejected(op, code, message string) *Error {
	return &Error{Kind: KindRejected, Op: op, Code: code, Message: message}
}

// Classify returns the kind of err. Unclassified errors are transient.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
