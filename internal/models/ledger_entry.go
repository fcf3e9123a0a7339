package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind is the accounting side of a ledger entry.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// LedgerEntry is an append-only balance movement. Amount is signed: debits are
// negative, credits positive, quota-funded rows are zero.
type LedgerEntry struct {
	BaseModel
	UserID         uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	Amount         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"balance_after"`
	Kind           EntryKind       `json:"kind"`
	Funding        Funding         `json:"funding"`
	Reason         string          `json:"reason"`
	SessionID      *uuid.UUID      `gorm:"type:uuid;index" json:"session_id,omitempty"`
	RefundOf       *uuid.UUID      `gorm:"type:uuid" json:"refund_of,omitempty"`
	IdempotencyKey *string         `gorm:"uniqueIndex" json:"-"`
}
