package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/orchestrator"
	"github.com/example/tempverify/internal/pricing"
)

// PricingHandler serves price quotes.
type PricingHandler struct {
	orch   *orchestrator.Orchestrator
	engine *pricing.Engine
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(orch *orchestrator.Orchestrator, engine *pricing.Engine) *PricingHandler {
	return &PricingHandler{orch: orch, engine: engine}
}

// Quote prices a verification for the caller's plan and monthly usage.
func (h *PricingHandler) Quote(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	req := orchestrator.CreateRequest{
		Service:    c.Query("service"),
		Capability: models.Capability(strings.ToLower(c.Query("capability"))),
		AreaCode:   c.Query("area_code"),
		Carrier:    c.Query("carrier"),
		Priority:   c.QueryBool("priority", false),
	}

	quote, err := h.orch.QuoteVerification(c.UserContext(), userID, req)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": quote})
}

// Rental prices a number rental.
func (h *PricingHandler) Rental(c *fiber.Ctx) error {
	hours, err := strconv.Atoi(c.Query("hours"))
	if err != nil {
		return errs.Validation("hours", "hours must be an integer")
	}
	bulk, err := strconv.Atoi(c.Query("bulk", "1"))
	if err != nil {
		return errs.Validation("bulk", "bulk must be an integer")
	}

	quote, err := h.engine.QuoteRental(pricing.RentalInput{
		Hours:     hours,
		Mode:      pricing.RentalMode(strings.ToLower(c.Query("mode", string(pricing.RentalAlwaysOn)))),
		AutoRenew: c.QueryBool("auto_renew", false),
		BulkCount: bulk,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": quote})
}
