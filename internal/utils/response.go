package utils

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// SuccessResponse sends a success JSON response
func SuccessResponse(c *fiber.Ctx, data any, message string, code ...int) error {
	statusCode := fiber.StatusOK
	if len(code) > 0 {
		statusCode = code[0]
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"success": true,
		"data":    data,
		"message": message,
	})
}

// ErrorResponse sends an error JSON response with a failure flag and error code.
// If an explicit HTTP status code is provided it is used; otherwise 500 Internal
// Server Error is sent.
func ErrorResponse(c *fiber.Ctx, message string, code ...int) error {
	statusCode := fiber.StatusInternalServerError
	if len(code) > 0 {
		statusCode = code[0]
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// RateLimitResponse sends a 429 with a Retry-After header. The body never
// reveals which limiter gate rejected the request.
func RateLimitResponse(c *fiber.Ctx, retryAfter time.Duration) error {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Set("Retry-After", strconv.Itoa(seconds))

	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"success":     false,
		"error":       "rate_limited",
		"retry_after": seconds,
	})
}
