package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/utils"
)

// AccountLedger is the read side of the ledger.
type AccountLedger interface {
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, int, error)
	Entries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.LedgerEntry, int64, error)
}

// AccountHandler serves balance and ledger history.
type AccountHandler struct {
	ledger AccountLedger
}

// NewAccountHandler constructs an AccountHandler.
func NewAccountHandler(l AccountLedger) *AccountHandler {
	return &AccountHandler{ledger: l}
}

// Balance returns the caller's credit balance and free units.
func (h *AccountHandler) Balance(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	balance, free, err := h.ledger.Balance(c.UserContext(), userID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"balance":            balance.StringFixed(2),
			"free_verifications": free,
		},
	})
}

// Ledger lists the caller's ledger entries, newest first.
func (h *AccountHandler) Ledger(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	p := utils.ParsePagination(c)
	entries, total, err := h.ledger.Entries(c.UserContext(), userID, p.Limit, p.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       entries,
		"pagination": p.Meta(total),
	})
}
