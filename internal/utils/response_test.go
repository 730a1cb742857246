package utils

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessResponse(t *testing.T) {
	app := fiber.New()
	app.Get("/ok", func(c *fiber.Ctx) error {
		return SuccessResponse(c, fiber.Map{"value": 42}, "All good")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var result struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Message string         `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, float64(42), result.Data["value"])
	assert.Equal(t, "All good", result.Message)
}

func TestErrorResponse(t *testing.T) {
	app := fiber.New()
	app.Get("/err", func(c *fiber.Ctx) error {
		return ErrorResponse(c, "invalid_token", fiber.StatusUnauthorized)
	})
	app.Get("/default", func(c *fiber.Ctx) error {
		return ErrorResponse(c, "boom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/err", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "invalid_token", result.Error)

	// Without an explicit status the response is a 500
	resp, err = app.Test(httptest.NewRequest("GET", "/default", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestRateLimitResponse(t *testing.T) {
	app := fiber.New()
	app.Get("/limited", func(c *fiber.Ctx) error {
		return RateLimitResponse(c, 42*time.Second)
	})
	app.Get("/subsecond", func(c *fiber.Ctx) error {
		return RateLimitResponse(c, 300*time.Millisecond)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/limited", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("Retry-After"))

	body, _ := io.ReadAll(resp.Body)
	var result struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "rate_limited", result.Error)
	assert.Equal(t, 42, result.RetryAfter)

	// Sub-second waits are rounded up so clients never retry immediately
	resp, err = app.Test(httptest.NewRequest("GET", "/subsecond", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}
