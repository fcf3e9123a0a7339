package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/tempverify/internal/resilience"
)

// ProviderStatus is what the health endpoint reads from the resilience layer.
type ProviderStatus interface {
	Snapshot() []resilience.Snapshot
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// HealthHandler reports breaker state and provider reachability.
type HealthHandler struct {
	provider ProviderStatus
	timeout  time.Duration
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(provider ProviderStatus) *HealthHandler {
	return &HealthHandler{provider: provider, timeout: 3 * time.Second}
}

// Health returns "ok" or "degraded". It never fails: an unreachable provider
// is part of the report.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	breakers := h.provider.Snapshot()
	status := "ok"
	for _, b := range breakers {
		if b.State != resilience.StateClosed {
			status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	provider := fiber.Map{"reachable": true}
	balance, err := h.provider.GetBalance(ctx)
	if err != nil {
		status = "degraded"
		provider["reachable"] = false
	} else {
		provider["balance"] = balance.StringFixed(2)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"status":   status,
			"breakers": breakers,
			"provider": provider,
		},
	})
}
