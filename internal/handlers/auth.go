package handlers

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/example/tempverify/internal/config"
	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/models"
	"github.com/example/tempverify/internal/pricing"
	"github.com/example/tempverify/internal/store"
	"github.com/example/tempverify/internal/utils"
)

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// AuthHandler bundles dependencies for authentication endpoints.
type AuthHandler struct {
	users   UserStore
	pricing *pricing.Engine
	cfg     *config.Config
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(users UserStore, engine *pricing.Engine, cfg *config.Config) *AuthHandler {
	return &AuthHandler{users: users, pricing: engine, cfg: cfg}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// Register creates a new user account on the default plan and grants the
// plan's free verifications for the current month. Plan changes come from the
// funding collaborator.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return errs.Validation("email", "a valid email is required")
	}

	passwordHash, err := utils.HashPassword(req.Password)
	if err != nil {
		return err
	}

	plan := h.pricing.Plan(h.pricing.Tables().DefaultPlan)
	user := models.User{
		Email:             email,
		DisplayName:       strings.TrimSpace(req.DisplayName),
		PasswordHash:      passwordHash,
		Plan:              plan.Key,
		FreeVerifications: plan.FreeVerifications,
		QuotaPeriod:       ledger.QuotaPeriod(time.Now()),
	}

	if err := h.users.CreateUser(c.UserContext(), &user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fiber.NewError(fiber.StatusConflict, "user already exists")
		}
		return err
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, user.ID, user.Plan, h.cfg.TokenExpires)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"user":    userResponse(&user),
		"token":   token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates an existing user.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.users.GetUserByEmail(c.UserContext(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	if !utils.CheckPassword(user.PasswordHash, req.Password) {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	token, err := utils.GenerateToken(h.cfg.JWTSecret, user.ID, user.Plan, h.cfg.TokenExpires)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"user":    userResponse(user),
		"token":   token,
	})
}

func userResponse(u *models.User) fiber.Map {
	return fiber.Map{
		"id":                 u.ID,
		"email":              u.Email,
		"display_name":       u.DisplayName,
		"plan":               u.Plan,
		"balance":            u.Balance.StringFixed(2),
		"free_verifications": u.FreeVerifications,
	}
}
