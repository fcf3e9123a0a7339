package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/tempverify/internal/models"
)

// SessionView is what callers see of a session.
type SessionView struct {
	ID            uuid.UUID           `json:"id"`
	Service       string              `json:"service"`
	Capability    models.Capability   `json:"capability"`
	AreaCode      string              `json:"area_code,omitempty"`
	Carrier       string              `json:"carrier,omitempty"`
	PhoneNumber   string              `json:"phone_number,omitempty"`
	State         models.SessionState `json:"state"`
	Cost          decimal.Decimal     `json:"cost"`
	Funding       models.Funding      `json:"funding,omitempty"`
	Code          string              `json:"code,omitempty"`
	Refunded      bool                `json:"refunded"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
}

// Content is a message delivered to the rented number.
type Content struct {
	Text       string    `json:"text"`
	Code       string    `json:"code,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// PollOutcome is the result of PollMessages.
type PollOutcome struct {
	Session  SessionView `json:"session"`
	Messages []Content   `json:"messages"`
}

// Ack confirms a cancellation.
type Ack struct {
	Session SessionView `json:"session"`
	// Refunded is set when this call issued the refund.
	Refunded bool `json:"refunded"`
	// AlreadyCancelled is set when the session was cancelled before this call.
	AlreadyCancelled bool `json:"already_cancelled"`
}

func viewOf(s *models.VerificationSession) SessionView {
	return SessionView{
		ID:            s.ID,
		Service:       s.ServiceName,
		Capability:    s.Capability,
		AreaCode:      s.AreaCode,
		Carrier:       s.Carrier,
		PhoneNumber:   s.PhoneNumber,
		State:         s.State,
		Cost:          s.Cost,
		Funding:       s.Funding,
		Code:          s.Code,
		Refunded:      s.RefundEntryID != nil,
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt,
		CompletedAt:   s.CompletedAt,
		CancelledAt:   s.CancelledAt,
		ExpiresAt:     s.ProviderExpiresAt,
	}
}

func storedContent(s *models.VerificationSession) []Content {
	if s.State != models.SessionCompleted || (s.Code == "" && s.MessageText == "") {
		return []Content{}
	}
	c := Content{Text: s.MessageText, Code: s.Code}
	if s.CompletedAt != nil {
		c.ReceivedAt = *s.CompletedAt
	}
	return []Content{c}
}
