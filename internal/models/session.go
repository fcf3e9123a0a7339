package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle position of a verification session.
type SessionState string

const (
	SessionCreatedLocally SessionState = "created_locally"
	SessionProvisioning   SessionState = "provisioning"
	SessionAwaitingCode   SessionState = "awaiting_code"
	SessionCompleted      SessionState = "completed"
	SessionCancelled      SessionState = "cancelled"
	SessionExpired        SessionState = "expired"
	SessionFailed         SessionState = "failed"
)

// Terminal reports whether no transition may leave the state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// Capability is the delivery channel for the one-time code.
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

// Valid reports whether c is a supported capability.
func (c Capability) Valid() bool {
	return c == CapabilitySMS || c == CapabilityVoice
}

// Funding records how a charge was paid for.
type Funding string

const (
	FundingBalance   Funding = "balance"
	FundingFreeQuota Funding = "free_quota"
)

// VerificationSession tracks one temporary number rented from the provider.
type VerificationSession struct {
	BaseModel
	UserID            uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	ProviderSessionID string          `gorm:"index" json:"provider_session_id,omitempty"`
	ServiceName       string          `json:"service_name"`
	Capability        Capability      `json:"capability"`
	AreaCode          string          `json:"area_code,omitempty"`
	Carrier           string          `json:"carrier,omitempty"`
	Priority          bool            `json:"priority"`
	PhoneNumber       string          `json:"phone_number,omitempty"`
	Code              string          `json:"code,omitempty"`
	MessageText       string          `json:"message_text,omitempty"`
	State             SessionState    `gorm:"index" json:"state"`
	Cost              decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"cost"`
	Funding           Funding         `json:"funding,omitempty"`
	ChargeEntryID     *uuid.UUID      `gorm:"type:uuid" json:"charge_entry_id,omitempty"`
	RefundEntryID     *uuid.UUID      `gorm:"type:uuid" json:"refund_entry_id,omitempty"`
	// Settled is set once a session that ended without completing holds its
	// refund, or is known never to have been charged.
	Settled           bool            `gorm:"not null;default:false;index" json:"-"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	ProviderExpiresAt *time.Time      `json:"provider_expires_at,omitempty"`
}
