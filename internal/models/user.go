package models

import (
	"github.com/shopspring/decimal"
)

// User is an account holder with a prepaid credit balance.
type User struct {
	BaseModel
	Email             string          `gorm:"uniqueIndex" json:"email"`
	DisplayName       string          `json:"display_name"`
	PasswordHash      string          `json:"-"`
	Plan              string          `gorm:"default:payg" json:"plan"`
	Balance           decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"balance"`
	FreeVerifications int             `gorm:"not null;default:0" json:"free_verifications"`
	// QuotaPeriod is the month ("2006-01") FreeVerifications was last granted for.
	QuotaPeriod       string          `gorm:"not null;default:''" json:"quota_period"`
}
