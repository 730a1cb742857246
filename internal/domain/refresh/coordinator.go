package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/domain/family"
	"github.com/fablemill/sessiond/internal/domain/session"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/fablemill/sessiond/internal/store"
)

var (
	// ErrInvalidToken is returned for malformed or expired refresh tokens
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrBreachDetected is returned when token reuse was detected and the
	// session has been destroyed. Never retried, never auto-recovered.
	ErrBreachDetected = errors.New("refresh token breach detected")
	// ErrLockBusy is returned when another refresh held the family lock past
	// the grace window. Retryable with backoff.
	ErrLockBusy = errors.New("refresh already in flight")
	// ErrTransient is returned for storage errors. Retryable; a retry passes
	// the full validation path again, it never shortcuts to token issuance.
	ErrTransient = errors.New("transient refresh failure")
)

// TokenPair is a freshly minted access/refresh pair
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Generation       int
}

// Coordinator serializes refresh operations per token family. The family
// lock is held from validation through generation advance, which is the only
// thing standing between two concurrent refreshes both seeing a still-current
// token.
type Coordinator struct {
	codec        *token.Codec
	sessions     *session.Store
	families     *family.Tracker
	locker       store.Locker
	policy       config.SecurityPolicy
	pollInterval time.Duration
}

// NewCoordinator creates a Coordinator
func NewCoordinator(codec *token.Codec, sessions *session.Store, families *family.Tracker, locker store.Locker, policy config.SecurityPolicy) *Coordinator {
	return &Coordinator{
		codec:        codec,
		sessions:     sessions,
		families:     families,
		locker:       locker,
		policy:       policy,
		pollInterval: 100 * time.Millisecond,
	}
}

// Refresh runs one refresh attempt through the full state machine: decode,
// lock, validate, mint+advance, release.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := c.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	lockKey := store.FamilyLockKey(claims.FamilyID)
	lockToken, err := c.acquireWithGrace(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.locker.Release(ctx, lockKey, lockToken); err != nil {
			slog.Warn("Failed to release family lock", "error", err, "family_id", claims.FamilyID)
		}
	}()

	sess, err := c.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, c.breach(ctx, claims, "session missing")
		}
		return nil, ErrTransient
	}
	if sess.Status != session.StatusActive {
		return nil, c.breach(ctx, claims, "session not active")
	}

	if err := c.families.Validate(ctx, claims.FamilyID, claims.JTI); err != nil {
		switch {
		case errors.Is(err, family.ErrReuseDetected),
			errors.Is(err, family.ErrFamilyRevoked),
			errors.Is(err, family.ErrFamilyNotFound):
			return nil, c.breach(ctx, claims, err.Error())
		default:
			return nil, ErrTransient
		}
	}

	newRefresh, refreshExp, newJTI, err := c.codec.MintRefreshToken(claims.SessionID, claims.FamilyID, claims.Generation+1)
	if err != nil {
		return nil, ErrTransient
	}

	newGen, err := c.families.AdvanceGeneration(ctx, claims.FamilyID, claims.JTI, newJTI)
	if err != nil {
		if errors.Is(err, family.ErrFamilyRevoked) {
			return nil, c.breach(ctx, claims, "family revoked during advance")
		}
		// A conflict under the lock means another writer bypassed it; the
		// presented token is no longer current, so nothing was issued.
		return nil, ErrTransient
	}

	newAccess, accessExp, _, err := c.codec.MintAccessToken(claims.SessionID, sess.UserID, sess.Roles)
	if err != nil {
		return nil, ErrTransient
	}

	if err := c.sessions.RecordRefresh(ctx, claims.SessionID); err != nil {
		slog.Warn("Failed to record refresh on session", "error", err, "session_id", claims.SessionID)
	}

	slog.Info("Refresh token rotated",
		"session_id", claims.SessionID,
		"family_id", claims.FamilyID,
		"generation", newGen)

	return &TokenPair{
		AccessToken:      newAccess,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Generation:       newGen,
	}, nil
}

// acquireWithGrace polls for the family lock until the grace window elapses.
// Legitimate concurrent refreshes from one client (several tabs waking at
// once) queue here instead of being treated as attacks.
func (c *Coordinator) acquireWithGrace(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(c.policy.LockGraceWindow.Std())

	for {
		lockToken, err := c.locker.Acquire(ctx, key, c.policy.LockLease.Std())
		if err == nil {
			return lockToken, nil
		}
		if !errors.Is(err, store.ErrLockHeld) {
			return "", ErrTransient
		}
		if time.Now().After(deadline) {
			return "", ErrLockBusy
		}

		select {
		case <-ctx.Done():
			return "", ErrTransient
		case <-time.After(c.pollInterval):
		}
	}
}

// breach destroys the family and the owning session. Fail-closed and
// irreversible; the caller's client must re-authenticate.
func (c *Coordinator) breach(ctx context.Context, claims *token.RefreshClaims, reason string) error {
	slog.Warn("Refresh breach detected",
		"session_id", claims.SessionID,
		"family_id", claims.FamilyID,
		"generation", claims.Generation,
		"jti", claims.JTI,
		"reason", reason)

	if err := c.families.Revoke(ctx, claims.FamilyID); err != nil {
		slog.Error("Failed to revoke family after breach", "error", err, "family_id", claims.FamilyID)
	}
	if err := c.sessions.Revoke(ctx, claims.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		slog.Error("Failed to revoke session after breach", "error", err, "session_id", claims.SessionID)
	}

	return ErrBreachDetected
}
