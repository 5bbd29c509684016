package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/verigate/backend/pkg/logger"
)

const requestIDKey = "requestID"

// RequestID returns the identifier RequestLogger stored for this request,
// or an empty string when the middleware is not installed.
func RequestID(c *fiber.Ctx) string {
	if v, ok := c.Locals(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := logger.GenerateRequestID()
		c.Locals(requestIDKey, requestID)

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()

		details := map[string]interface{}{
			"method":        c.Method(),
			"path":          c.Path(),
			"status_code":   statusCode,
			"latency_ms":    latency.Milliseconds(),
			"user_agent":    c.Get("User-Agent"),
			"ip":            c.IP(),
			"request_body":  logger.BodySummary(c.Body()),
			"response_body": logger.SizeSummary(c.Response().Body()),
			"request_id":    requestID,
		}

		if statusCode >= 400 {
			logger.Error("http_request", err, details)
		} else {
			logger.Info("http_request", details)
		}

		return err
	}
}

// SecurityLogger emits warn-level events for the responses abuse
// monitoring cares about: rejected evidence, unknown sessions, and
// rate limits.
func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		details := map[string]interface{}{
			"method":     c.Method(),
			"path":       c.Path(),
			"ip":         c.IP(),
			"request_id": RequestID(c),
		}

		switch statusCode {
		case fiber.StatusForbidden:
			details["reason"] = "evidence_rejected"
			logger.Warn("evidence_rejected", details)
		case fiber.StatusNotFound:
			details["reason"] = "not_found"
			logger.Warn("not_found", details)
		case fiber.StatusTooManyRequests:
			details["reason"] = "rate_limited"
			logger.Warn("rate_limited", details)
		}

		return err
	}
}
