package auth

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fablemill/sessiond/internal/domain/refresh"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/fablemill/sessiond/internal/utils"
)

const refreshCookieName = "refresh_token"

// Handler exposes the auth façade over HTTP
type Handler struct {
	authService *Service
}

// NewHandler creates a Handler
func NewHandler(s *Service) *Handler {
	return &Handler{authService: s}
}

// LoginRequest is the login endpoint body
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// RefreshRequest is the refresh endpoint body; the cookie is used when the
// body carries no token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login handles POST /auth/login
func (h *Handler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, "invalid_body", fiber.StatusBadRequest)
	}
	if req.Identifier == "" || req.Password == "" {
		return utils.ErrorResponse(c, "missing_credentials", fiber.StatusBadRequest)
	}

	res, err := h.authService.Login(c.Context(), req.Identifier, req.Password, c.IP(), c.Get("User-Agent"))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return utils.ErrorResponse(c, "invalid_credentials", fiber.StatusUnauthorized)
		}
		return utils.ErrorResponse(c, "login_failed", fiber.StatusInternalServerError)
	}

	h.setRefreshCookie(c, res.Pair.RefreshToken, res.Pair.RefreshExpiresAt)

	return utils.SuccessResponse(c, fiber.Map{
		"access_token":   res.Pair.AccessToken,
		"refresh_token":  res.Pair.RefreshToken,
		"expires_in":     ExpiresIn(res.Pair.AccessExpiresAt),
		"session_id":     res.SessionID,
		"binding_secret": res.BindingSecret,
	}, "Login successful")
}

// Refresh handles POST /auth/refresh
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req RefreshRequest
	_ = c.BodyParser(&req)

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		refreshToken = c.Cookies(refreshCookieName)
	}
	if refreshToken == "" {
		return utils.ErrorResponse(c, "missing_refresh_token", fiber.StatusBadRequest)
	}

	pair, err := h.authService.Refresh(c.Context(), refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrBreachDetected):
			// The session is gone; the client must clear local state and log
			// in again. No internal detail crosses the wire.
			h.clearRefreshCookie(c)
			return utils.ErrorResponse(c, "breach", fiber.StatusUnauthorized)
		case errors.Is(err, refresh.ErrLockBusy):
			return utils.ErrorResponse(c, "busy", fiber.StatusConflict)
		case errors.Is(err, refresh.ErrInvalidToken):
			return utils.ErrorResponse(c, "invalid_token", fiber.StatusUnauthorized)
		default:
			return utils.ErrorResponse(c, "transient_error", fiber.StatusServiceUnavailable)
		}
	}

	h.setRefreshCookie(c, pair.RefreshToken, pair.RefreshExpiresAt)

	return utils.SuccessResponse(c, fiber.Map{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    ExpiresIn(pair.AccessExpiresAt),
	}, "Token refreshed")
}

// Logout handles POST /auth/logout; requires authentication
func (h *Handler) Logout(c *fiber.Ctx) error {
	identity := GetIdentity(c)
	if identity == nil {
		return utils.ErrorResponse(c, "unauthorized", fiber.StatusUnauthorized)
	}

	if err := h.authService.Logout(c.Context(), identity.SessionID); err != nil {
		return utils.ErrorResponse(c, "logout_failed", fiber.StatusInternalServerError)
	}

	h.clearRefreshCookie(c)
	return utils.SuccessResponse(c, nil, "Logged out")
}

// Introspect handles GET /auth/introspect; returns the identity behind the
// presented access token.
func (h *Handler) Introspect(c *fiber.Ctx) error {
	identity := GetIdentity(c)
	if identity == nil {
		return utils.ErrorResponse(c, "unauthorized", fiber.StatusUnauthorized)
	}

	return utils.SuccessResponse(c, fiber.Map{
		"user_id":    identity.UserID,
		"session_id": identity.SessionID,
		"roles":      identity.Roles,
		"aal":        identity.AAL,
	}, "Session active")
}

func (h *Handler) setRefreshCookie(c *fiber.Ctx, value string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		HTTPOnly: true,
		Secure:   true,
		Path:     "/v1/auth",
		SameSite: "Strict",
		Expires:  expires,
	})
}

func (h *Handler) clearRefreshCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		HTTPOnly: true,
		Secure:   true,
		Path:     "/v1/auth",
		SameSite: "Strict",
		Expires:  time.Unix(0, 0),
	})
}

// JWKSHandler serves the public key set so resource servers can verify access
// tokens locally.
func JWKSHandler(keys *token.KeyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(keys.JWKS())
	}
}
