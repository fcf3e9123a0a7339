package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/pricing"
)

// Funder applies funding events to accounts.
type Funder interface {
	Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reason, reference string) (*models.LedgerEntry, error)
	ChangePlan(ctx context.Context, userID uuid.UUID, plan string, allowance int, period string) (*models.User, error)
}

// FundingHandler receives credit and subscription notifications from the
// funding collaborator.
type FundingHandler struct {
	ledger  Funder
	pricing *pricing.Engine
	logger  *zap.Logger
}

// NewFundingHandler constructs a FundingHandler.
func NewFundingHandler(l Funder, engine *pricing.Engine, logger *zap.Logger) *FundingHandler {
	return &FundingHandler{ledger: l, pricing: engine, logger: logger}
}

type creditRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Credit adds funds. Repeating a request with the same reference is a no-op
// that returns the original entry.
func (h *FundingHandler) Credit(c *fiber.Ctx) error {
	var req creditRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return errs.Validation("user_id", "user_id must be a UUID")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return errs.Validation("amount", "amount must be a decimal string")
	}
	if amount.Exponent() < -2 {
		return errs.Validation("amount", "amount has more than two decimal places")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return errs.Validation("reference", "reference is required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "funding credit"
	}

	entry, err := h.ledger.Credit(c.UserContext(), userID, amount, reason, reference)
	if err != nil {
		return err
	}

	h.logger.Info("account credited",
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("reference", reference),
	)

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"entry_id":      entry.ID,
			"amount":        entry.Amount.StringFixed(2),
			"balance_after": entry.BalanceAfter.StringFixed(2),
		},
	})
}

type planRequest struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

// ChangePlan moves a user to a paid-for plan. The user's free verifications
// are replaced by the new plan's allowance for the current month.
func (h *FundingHandler) ChangePlan(c *fiber.Ctx) error {
	var req planRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return errs.Validation("user_id", "user_id must be a UUID")
	}
	key := strings.ToLower(strings.TrimSpace(req.Plan))
	plan, ok := h.pricing.Tables().Plans[key]
	if !ok {
		return errs.Validation("plan", "unknown plan")
	}

	user, err := h.ledger.ChangePlan(c.UserContext(), userID, plan.Key, plan.FreeVerifications, ledger.QuotaPeriod(time.Now()))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"user_id":            user.ID,
			"plan":               user.Plan,
			"free_verifications": user.FreeVerifications,
		},
	})
}
