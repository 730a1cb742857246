package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fablemill/sessiond/internal/domain/family"
	"github.com/fablemill/sessiond/internal/domain/refresh"
	"github.com/fablemill/sessiond/internal/domain/session"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/google/uuid"
)

// CredentialVerifier checks an identifier/secret pair against the credential
// store. Implementations must return ErrInvalidCredentials for a bad pair so
// the façade can map it without leaking verifier internals.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, secret string) (userID string, roles []string, err error)
}

// Identity is the result of a successful Authenticate call
type Identity struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles"`
	AAL       int      `json:"aal"`
}

// LoginResponse carries the minted pair plus the session handle and the
// binding secret, which is shown to the client exactly once.
type LoginResponse struct {
	Pair          refresh.TokenPair
	SessionID     string
	BindingSecret string
	UserID        string
	Roles         []string
}

// Service is the public entry point for login, logout, token refresh, and
// session introspection. The CRUD API and the frontend talk to this, never to
// the stores underneath.
type Service struct {
	verifier    CredentialVerifier
	sessions    *session.Store
	families    *family.Tracker
	codec       *token.Codec
	coordinator *refresh.Coordinator
}

// NewService creates the auth façade
func NewService(verifier CredentialVerifier, sessions *session.Store, families *family.Tracker, codec *token.Codec, coordinator *refresh.Coordinator) *Service {
	return &Service{
		verifier:    verifier,
		sessions:    sessions,
		families:    families,
		codec:       codec,
		coordinator: coordinator,
	}
}

// Login verifies credentials and, on success, creates a session, its token
// family at generation 0, and the first access/refresh pair.
func (s *Service) Login(ctx context.Context, identifier, secret, ip, userAgent string) (*LoginResponse, error) {
	userID, roles, err := s.verifier.Verify(ctx, identifier, secret)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	sess, bindingSecret, err := s.sessions.Create(ctx, userID, roles, ip, userAgent)
	if err != nil {
		return nil, err
	}

	familyID := uuid.NewString()
	refreshToken, refreshExp, jti, err := s.codec.MintRefreshToken(sess.ID, familyID, 0)
	if err != nil {
		s.discardSession(ctx, sess.ID)
		return nil, err
	}

	if _, err := s.families.Create(ctx, familyID, sess.ID, jti); err != nil {
		s.discardSession(ctx, sess.ID)
		return nil, err
	}

	if err := s.sessions.LinkFamily(ctx, sess.ID, familyID); err != nil {
		s.discardSession(ctx, sess.ID)
		return nil, err
	}

	accessToken, accessExp, _, err := s.codec.MintAccessToken(sess.ID, userID, roles)
	if err != nil {
		s.discardSession(ctx, sess.ID)
		return nil, err
	}

	slog.Info("Login", "user_id", userID, "session_id", sess.ID, "ip", ip, "user_agent", userAgent)

	return &LoginResponse{
		Pair: refresh.TokenPair{
			AccessToken:      accessToken,
			RefreshToken:     refreshToken,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: refreshExp,
			Generation:       0,
		},
		SessionID:     sess.ID,
		BindingSecret: bindingSecret,
		UserID:        userID,
		Roles:         roles,
	}, nil
}

// Authenticate verifies an access token and confirms the owning session is
// still active. Both checks must pass: revocation is enforced here precisely
// because token verification alone cannot see it.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := s.codec.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !s.sessions.Active(sess) {
		return nil, ErrUnauthorized
	}

	s.sessions.Touch(ctx, claims.SessionID)

	return &Identity{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Roles:     claims.Roles,
		AAL:       sess.AAL,
	}, nil
}

// Refresh rotates the presented refresh token into a new pair
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*refresh.TokenPair, error) {
	return s.coordinator.Refresh(ctx, refreshToken)
}

// Logout revokes the session and its token family
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}

	if sess.FamilyID != "" {
		if err := s.families.Revoke(ctx, sess.FamilyID); err != nil {
			slog.Error("Failed to revoke family on logout", "error", err, "family_id", sess.FamilyID)
		}
	}

	return s.sessions.Revoke(ctx, sessionID)
}

// RevokeAllUserSessions destroys every known session of a user, families
// included. Used on password change and by breach response tooling.
func (s *Service) RevokeAllUserSessions(ctx context.Context, userID string) error {
	ids, err := s.sessions.SessionsForUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.Logout(ctx, id); err != nil {
			slog.Warn("Failed to revoke session", "error", err, "session_id", id, "user_id", userID)
		}
	}
	return nil
}

// VerifyBindingSecret lets callers use the per-session binding secret as a
// second request-authentication factor (bound cookies and the like).
func (s *Service) VerifyBindingSecret(ctx context.Context, sessionID, secret string) (bool, error) {
	return s.sessions.VerifyBindingSecret(ctx, sessionID, secret)
}

// discardSession cleans up a half-initialized login
func (s *Service) discardSession(ctx context.Context, sessionID string) {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		slog.Warn("Failed to discard session after login failure", "error", err, "session_id", sessionID)
	}
}

// ExpiresIn converts an absolute expiry into the wire format's second count
func ExpiresIn(expiresAt time.Time) int {
	d := time.Until(expiresAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
