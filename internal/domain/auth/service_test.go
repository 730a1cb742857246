package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablemill/sessiond/internal/config"
	"github.com/fablemill/sessiond/internal/domain/family"
	"github.com/fablemill/sessiond/internal/domain/refresh"
	"github.com/fablemill/sessiond/internal/domain/session"
	"github.com/fablemill/sessiond/internal/domain/token"
	"github.com/fablemill/sessiond/internal/store"
)

// fakeVerifier accepts one credential pair
type fakeVerifier struct {
	identifier string
	secret     string
	userID     string
	roles      []string
}

func (f *fakeVerifier) Verify(_ context.Context, identifier, secret string) (string, []string, error) {
	if identifier != f.identifier || secret != f.secret {
		return "", nil, ErrInvalidCredentials
	}
	return f.userID, f.roles, nil
}

func newTestService(t *testing.T, accessTTL time.Duration) (*Service, *session.Store, *family.Tracker) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := token.NewKeyStore(priv, "test")
	require.NoError(t, err)

	policy := config.DefaultSecurityPolicy()
	policy.LockGraceWindow = config.Duration(200 * time.Millisecond)

	codec := token.NewCodec(keys, "auth.example.com", accessTTL, 7*24*time.Hour)
	st := store.NewMemory()
	sessions := session.NewStore(st, policy)
	families := family.NewTracker(st, policy)
	coordinator := refresh.NewCoordinator(codec, sessions, families, st, policy)

	verifier := &fakeVerifier{
		identifier: "alice@example.com",
		secret:     "correct horse",
		userID:     "user-1",
		roles:      []string{"member"},
	}

	return NewService(verifier, sessions, families, codec, coordinator), sessions, families
}

func login(t *testing.T, svc *Service) *LoginResponse {
	t.Helper()
	res, err := svc.Login(context.Background(), "alice@example.com", "correct horse", "203.0.113.7", "test")
	require.NoError(t, err)
	return res
}

func TestService_Login(t *testing.T) {
	svc, sessions, families := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)
	assert.NotEmpty(t, res.Pair.AccessToken)
	assert.NotEmpty(t, res.Pair.RefreshToken)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.BindingSecret)
	assert.Equal(t, "user-1", res.UserID)
	assert.Equal(t, 0, res.Pair.Generation)

	sess, err := sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	require.NotEmpty(t, sess.FamilyID)

	fam, err := families.Get(ctx, sess.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, 0, fam.Generation)
	assert.Equal(t, res.SessionID, fam.SessionID)
}

func TestService_LoginBadCredentials(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)

	_, err := svc.Login(context.Background(), "alice@example.com", "wrong", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "mallory@example.com", "correct horse", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_LoginThenAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)

	identity, err := svc.Authenticate(ctx, res.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, res.SessionID, identity.SessionID)
	assert.Equal(t, []string{"member"}, identity.Roles)
	assert.Equal(t, 1, identity.AAL)
}

func TestService_AuthenticateSurfacesAAL(t *testing.T) {
	svc, sessions, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)

	// A step-up raises the stored assurance level; introspection must report
	// the session's level, not the login default
	require.NoError(t, sessions.SetAAL(ctx, res.SessionID, 2))

	identity, err := svc.Authenticate(ctx, res.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 2, identity.AAL)
}

func TestService_ExpiredAccessThenRefresh(t *testing.T) {
	// Access tokens are born expired; the refresh path must still work
	svc, _, _ := newTestService(t, -time.Second)
	ctx := context.Background()

	res := login(t, svc)

	_, err := svc.Authenticate(ctx, res.Pair.AccessToken)
	assert.ErrorIs(t, err, token.ErrTokenExpired)

	pair, err := svc.Refresh(ctx, res.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, pair.Generation)
	assert.NotEqual(t, res.Pair.RefreshToken, pair.RefreshToken)
}

func TestService_ReuseKillsSession(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)

	_, err := svc.Refresh(ctx, res.Pair.RefreshToken)
	require.NoError(t, err)

	// Replaying the consumed refresh token is a breach
	_, err = svc.Refresh(ctx, res.Pair.RefreshToken)
	require.ErrorIs(t, err, refresh.ErrBreachDetected)

	// The still-unexpired access token no longer authenticates
	_, err = svc.Authenticate(ctx, res.Pair.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_Logout(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)

	_, err := svc.Authenticate(ctx, res.Pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, res.SessionID))

	// The access token has signature and lifetime left, but the session is gone
	_, err = svc.Authenticate(ctx, res.Pair.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// The refresh lineage died with the session
	_, err = svc.Refresh(ctx, res.Pair.RefreshToken)
	assert.Error(t, err)

	// Logout is idempotent and quiet about unknown sessions
	require.NoError(t, svc.Logout(ctx, res.SessionID))
	require.NoError(t, svc.Logout(ctx, "never-existed"))
}

func TestService_RevokeAllUserSessions(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	first := login(t, svc)
	second := login(t, svc)

	require.NoError(t, svc.RevokeAllUserSessions(ctx, "user-1"))

	_, err := svc.Authenticate(ctx, first.Pair.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Authenticate(ctx, second.Pair.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_VerifyBindingSecret(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	res := login(t, svc)

	ok, err := svc.VerifyBindingSecret(ctx, res.SessionID, res.BindingSecret)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyBindingSecret(ctx, res.SessionID, "guessed")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_IndependentSessions(t *testing.T) {
	svc, _, _ := newTestService(t, 15*time.Minute)
	ctx := context.Background()

	first := login(t, svc)
	second := login(t, svc)

	// Breaching one lineage leaves the other untouched
	_, err := svc.Refresh(ctx, first.Pair.RefreshToken)
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, first.Pair.RefreshToken)
	require.ErrorIs(t, err, refresh.ErrBreachDetected)

	_, err = svc.Authenticate(ctx, second.Pair.AccessToken)
	require.NoError(t, err)

	pair, err := svc.Refresh(ctx, second.Pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, pair.Generation)
}

func TestExpiresIn(t *testing.T) {
	assert.Equal(t, 0, ExpiresIn(time.Now().Add(-time.Minute)))
	assert.InDelta(t, 600, ExpiresIn(time.Now().Add(10*time.Minute)), 2)
}
