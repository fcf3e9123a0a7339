package middleware

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/tempverify/internal/config"
	"github.com/example/tempverify/internal/ratelimit"
	"github.com/example/tempverify/internal/utils"
)

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	app := fiber.New()
	app.Get("/", AuthMiddleware(cfg), func(c *fiber.Ctx) error {
		p, ok := GetPrincipal(c)
		if !ok || p.Plan != "payg" {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(p.UserID.String())
	})

	id := uuid.New()
	token, err := utils.GenerateToken("secret", id, "payg", time.Hour)
	require.NoError(t, err)

	cases := map[string]int{
		"":                   fiber.StatusUnauthorized,
		"Token " + token:     fiber.StatusUnauthorized,
		"Bearer not-a-token": fiber.StatusUnauthorized,
		"Bearer ":            fiber.StatusUnauthorized,
		"Bearer " + token:    fiber.StatusOK,
		"bearer " + token:    fiber.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, header)
	}
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestFundingAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Post("/", FundingAuthMiddleware("s3cret"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	cases := map[string]int{
		"":                         fiber.StatusUnauthorized,
		basic("funding", "s3cret"): fiber.StatusNoContent,
		basic("funding", "wrong"):  fiber.StatusUnauthorized,
		basic("admin", "s3cret"):   fiber.StatusUnauthorized,
		"Basic %%%":                fiber.StatusUnauthorized,
		"Bearer " + "s3cret":       fiber.StatusUnauthorized,
	}
	for header, want := range cases {
		req := httptest.NewRequest("POST", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, header)
	}
}

func TestFundingDisabledWithoutSecret(t *testing.T) {
	app := fiber.New()
	app.Post("/", FundingAuthMiddleware(""), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", basic("funding", ""))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(ratelimit.Config{Limit: 2, Window: time.Minute})
	app := fiber.New()
	app.Use(RateLimit(limiter, zap.NewNop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, assert.AnError
}

func TestRateLimitFailsOpen(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimit(brokenLimiter{}, zap.NewNop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequestLoggerRecordsRenderedStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	app := fiber.New()
	app.Use(RequestLogger(zap.New(core)))
	app.Get("/missing", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "nope")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return assert.AnError
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(fiber.StatusNotFound), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestRequestLoggerAttributesCaller(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := &config.Config{JWTSecret: "secret"}
	app := fiber.New()
	app.Use(RequestLogger(zap.New(core)))
	app.Get("/me", AuthMiddleware(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	id := uuid.New()
	token, err := utils.GenerateToken("secret", id, "pro", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id.String(), fields["user_id"])
	assert.Equal(t, "pro", fields["plan"])
}
