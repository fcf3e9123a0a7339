package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/tempverify/internal/config"
	"github.com/example/tempverify/internal/utils"
)

const principalKey = "currentPrincipal"

// Principal is the caller an access token identified. Plan is the plan named
// in the token and may lag behind a later plan change; handlers that price or
// charge read the stored account instead.
type Principal struct {
	UserID uuid.UUID
	Plan   string
}

// AuthMiddleware validates bearer tokens and stores the caller's Principal
// on the request.
func AuthMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}

		claims, err := utils.ParseToken(cfg.JWTSecret, token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(principalKey, Principal{UserID: claims.UserID, Plan: claims.Plan})
		return c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
	}
	return token, nil
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(principalKey).(Principal)
	return p, ok
}

// GetCurrentUserID extracts the authenticated user ID from context.
func GetCurrentUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	p, ok := GetPrincipal(c)
	if !ok {
		return uuid.Nil, false
	}
	return p.UserID, true
}
