package middleware

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const fundingUser = "funding"

// FundingAuthMiddleware guards the credit webhook with HTTP Basic auth
// ("funding:<secret>"). An empty secret disables the endpoint.
func FundingAuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return fiber.NewError(fiber.StatusServiceUnavailable, "funding is not configured")
		}

		parts := strings.SplitN(c.Get(fiber.HeaderAuthorization), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
			return unauthorizedFunding(c)
		}

		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return unauthorizedFunding(c)
		}

		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok || user != fundingUser || subtle.ConstantTimeCompare([]byte(pass), []byte(secret)) != 1 {
			return unauthorizedFunding(c)
		}

		return c.Next()
	}
}

func unauthorizedFunding(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="funding"`)
	return fiber.NewError(fiber.StatusUnauthorized, "invalid funding credentials")
}
