package handlers

import (
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tempverify/internal/errs"
	"github.com/example/tempverify/internal/middleware"
	"github.com/example/tempverify/internal/store"
)

var defaultMessages = map[errs.Kind]string{
	errs.InputValidation:     "invalid request",
	errs.InsufficientFunds:   "insufficient funds",
	errs.UpstreamTransient:   "provider temporarily unavailable",
	errs.UpstreamRejected:    "provider rejected the request",
	errs.CircuitOpen:         "provider temporarily unavailable",
	errs.InvariantViolation:  "operation not allowed in the current state",
	errs.NotFound:            "not found",
	errs.ProviderUnavailable: "provider unavailable",
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(e *errs.Error) int {
	switch e.Kind {
	case errs.InputValidation:
		return fiber.StatusBadRequest
	case errs.InsufficientFunds:
		return fiber.StatusPaymentRequired
	case errs.NotFound:
		return fiber.StatusNotFound
	case errs.InvariantViolation:
		return fiber.StatusConflict
	case errs.UpstreamRejected:
		return fiber.StatusBadGateway
	case errs.UpstreamTransient, errs.CircuitOpen:
		return fiber.StatusServiceUnavailable
	case errs.ProviderUnavailable:
		if e.Cause == errs.UpstreamRejected {
			return fiber.StatusBadGateway
		}
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errorBody(e *errs.Error) fiber.Map {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	body := fiber.Map{
		"kind":    e.Kind,
		"message": msg,
	}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.Kind == errs.InsufficientFunds {
		body["required"] = e.Required.StringFixed(2)
		body["available"] = e.Available.StringFixed(2)
	}
	if e.RetryAfter > 0 {
		body["retry_after_seconds"] = retryAfterSeconds(e)
	}
	if e.Operation != "" {
		body["operation"] = e.Operation
	}
	if e.Cause != "" {
		body["cause"] = e.Cause
	}
	if e.ProviderCode != "" {
		body["provider_code"] = e.ProviderCode
	}
	if e.SessionID != "" {
		body["session_id"] = e.SessionID
	}
	return body
}

func retryAfterSeconds(e *errs.Error) int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// ErrorHandler renders every error as {"success":false,"error":{...}}.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if e, ok := errs.As(err); ok {
			if e.RetryAfter > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(e)))
			}
			return c.Status(StatusFor(e)).JSON(fiber.Map{"success": false, "error": errorBody(e)})
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"message": fe.Message},
			})
		}

		if errors.Is(err, store.ErrDuplicate) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"message": "already exists"},
			})
		}

		logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   fiber.Map{"message": "internal server error"},
		})
	}
}

func currentUser(c *fiber.Ctx) (uuid.UUID, error) {
	id, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	return id, nil
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, errs.NotFoundf("verification %q not found", c.Params("id"))
	}
	return id, nil
}
