package token

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys, err := NewKeyStore(priv, "test")
	require.NoError(t, err)

	return NewCodec(keys, "auth.example.com", 15*time.Minute, 7*24*time.Hour)
}

func TestCodec_AccessRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	signed, exp, jti, err := c.MintAccessToken("sess-1", "user-1", []string{"admin", "member"})
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.NotEmpty(t, jti)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 5*time.Second)

	claims, err := c.VerifyAccess(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, jti, claims.JTI)
	assert.Equal(t, []string{"admin", "member"}, claims.Roles)
	assert.WithinDuration(t, exp, claims.ExpiresAt, time.Second)
}

func TestCodec_RefreshRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	signed, _, jti, err := c.MintRefreshToken("sess-1", "fam-1", 3)
	require.NoError(t, err)

	claims, err := c.VerifyRefresh(signed)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "fam-1", claims.FamilyID)
	assert.Equal(t, 3, claims.Generation)
	assert.Equal(t, jti, claims.JTI)
}

func TestCodec_TypeConfusion(t *testing.T) {
	c := newTestCodec(t)

	access, _, _, err := c.MintAccessToken("sess-1", "user-1", nil)
	require.NoError(t, err)
	refresh, _, _, err := c.MintRefreshToken("sess-1", "fam-1", 0)
	require.NoError(t, err)

	// A refresh token must not pass as an access token, or vice versa
	_, err = c.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = c.VerifyRefresh(access)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCodec_Expired(t *testing.T) {
	c := newTestCodec(t)

	signed, _, _, err := c.MintAccessToken("sess-1", "user-1", nil)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	_, err = c.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestCodec_Tampered(t *testing.T) {
	c := newTestCodec(t)

	signed, _, _, err := c.MintAccessToken("sess-1", "user-1", nil)
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	_, err = c.VerifyAccess(tampered)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = c.VerifyAccess("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCodec_WrongKey(t *testing.T) {
	minter := newTestCodec(t)
	verifier := newTestCodec(t)

	signed, _, _, err := minter.MintAccessToken("sess-1", "user-1", nil)
	require.NoError(t, err)

	_, err = verifier.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCodec_WrongIssuer(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := NewKeyStore(priv, "test")
	require.NoError(t, err)

	minter := NewCodec(keys, "other.example.com", 15*time.Minute, time.Hour)
	verifier := NewCodec(keys, "auth.example.com", 15*time.Minute, time.Hour)

	signed, _, _, err := minter.MintAccessToken("sess-1", "user-1", nil)
	require.NoError(t, err)

	_, err = verifier.VerifyAccess(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestCodec_UniqueJTI(t *testing.T) {
	c := newTestCodec(t)

	_, _, jti1, err := c.MintRefreshToken("sess-1", "fam-1", 0)
	require.NoError(t, err)
	_, _, jti2, err := c.MintRefreshToken("sess-1", "fam-1", 0)
	require.NoError(t, err)

	assert.NotEqual(t, jti1, jti2)
}

func TestKeyStore_ActiveKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys, err := NewKeyStore(priv, "2025-06")
	require.NoError(t, err)

	key, err := keys.GetActiveKey()
	require.NoError(t, err)
	kid, ok := key.KeyID()
	require.True(t, ok)
	assert.Equal(t, "key-2025-06", kid)

	keys.ActiveKid = "missing"
	_, err = keys.GetActiveKey()
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestKeyStore_JWKSIsPublic(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys, err := NewKeyStore(priv, "test")
	require.NoError(t, err)

	public := keys.JWKS()
	require.Equal(t, 1, public.Len())

	key, ok := public.Key(0)
	require.True(t, ok)

	// The private exponent must not be present in the published set
	var d []byte
	assert.Error(t, key.Get("d", &d))
}
