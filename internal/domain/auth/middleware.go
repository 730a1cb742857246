package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fablemill/sessiond/internal/domain/ratelimit"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/fablemill/sessiond/internal/utils"
)

const (
	// IdentityKey is the key used to store the identity in Fiber context
	IdentityKey = "identity"
)

// Middleware verifies the access token and confirms the session is active.
// On success the identity lands in locals, including the rate limiter's
// identity key so downstream limits attribute by user rather than IP.
func Middleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return utils.ErrorResponse(c, "missing_authorization_header", fiber.StatusUnauthorized)
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return utils.ErrorResponse(c, "invalid_authorization_header", fiber.StatusUnauthorized)
		}

		identity, err := svc.Authenticate(c.Context(), parts[1])
		if err != nil {
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				return utils.ErrorResponse(c, "token_expired", fiber.StatusUnauthorized)
			case errors.Is(err, token.ErrTokenInvalid), errors.Is(err, ErrUnauthorized):
				return utils.ErrorResponse(c, "invalid_token", fiber.StatusUnauthorized)
			default:
				return utils.ErrorResponse(c, "token_validation_error", fiber.StatusInternalServerError)
			}
		}

		c.Locals(IdentityKey, identity)
		c.Locals(ratelimit.IdentityKey, identity.UserID)

		return c.Next()
	}
}

// GetIdentity extracts the identity from Fiber context
func GetIdentity(c *fiber.Ctx) *Identity {
	identity, ok := c.Locals(IdentityKey).(*Identity)
	if !ok {
		return nil
	}
	return identity
}
