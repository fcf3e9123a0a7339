package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/tempverify/internal/orchestrator"
	"github.com/example/tempverify/internal/utils"
)

// VerificationHandler exposes the session lifecycle.
type VerificationHandler struct {
	orch *orchestrator.Orchestrator
}

// NewVerificationHandler constructs a VerificationHandler.
func NewVerificationHandler(orch *orchestrator.Orchestrator) *VerificationHandler {
	return &VerificationHandler{orch: orch}
}

// Create rents a number and charges the caller.
func (h *VerificationHandler) Create(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	var req orchestrator.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	view, err := h.orch.CreateVerification(c.UserContext(), userID, req)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    view,
	})
}

// List returns the caller's sessions, newest first.
func (h *VerificationHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	p := utils.ParsePagination(c)
	views, total, err := h.orch.ListVerifications(c.UserContext(), userID, p.Limit, p.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       views,
		"pagination": p.Meta(total),
	})
}

// Get returns one session.
func (h *VerificationHandler) Get(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	view, err := h.orch.GetVerification(c.UserContext(), userID, id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": view})
}

// Poll asks the provider for delivered messages.
func (h *VerificationHandler) Poll(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	out, err := h.orch.PollMessages(c.UserContext(), userID, id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": out})
}

// Cancel cancels the session and refunds its charge.
func (h *VerificationHandler) Cancel(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}

	ack, err := h.orch.CancelVerification(c.UserContext(), userID, id)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": ack})
}
