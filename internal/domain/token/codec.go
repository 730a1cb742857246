package token

import (
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// AccessClaims are the verified claims of an access token
type AccessClaims struct {
	UserID    string
	SessionID string
	JTI       string
	Roles     []string
	ExpiresAt time.Time
}

// RefreshClaims are the verified claims of a refresh token. FamilyID and
// Generation identify the token's place in its family lineage.
type RefreshClaims struct {
	SessionID  string
	FamilyID   string
	Generation int
	JTI        string
	ExpiresAt  time.Time
}

// Codec mints and verifies signed bearer tokens. Verification checks
// signature, expiry, issuer, and token type only; session and family status
// are separate authorization steps so that verification stays stateless.
type Codec struct {
	keys       *KeyStore
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewCodec creates a Codec signing with the key store's active key
func NewCodec(keys *KeyStore, issuer string, accessTTL, refreshTTL time.Duration) *Codec {
	return &Codec{
		keys:       keys,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// MintAccessToken issues a short-lived access token carrying the session id
// and the roles captured at login.
func (c *Codec) MintAccessToken(sessionID, userID string, roles []string) (string, time.Time, string, error) {
	now := c.now()
	exp := now.Add(c.accessTTL)
	jti := uuid.NewString()

	tok, err := jwt.NewBuilder().
		Subject(userID).
		Issuer(c.issuer).
		IssuedAt(now).
		Expiration(exp).
		JwtID(jti).
		Claim("sid", sessionID).
		Claim("roles", roles).
		Claim("typ", typeAccess).
		Build()
	if err != nil {
		return "", time.Time{}, "", err
	}

	signed, err := c.sign(tok)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return signed, exp, jti, nil
}

// MintRefreshToken issues a long-lived refresh token bound to a family and
// generation.
func (c *Codec) MintRefreshToken(sessionID, familyID string, generation int) (string, time.Time, string, error) {
	now := c.now()
	exp := now.Add(c.refreshTTL)
	jti := uuid.NewString()

	tok, err := jwt.NewBuilder().
		Issuer(c.issuer).
		IssuedAt(now).
		Expiration(exp).
		JwtID(jti).
		Claim("sid", sessionID).
		Claim("fid", familyID).
		Claim("gen", generation).
		Claim("typ", typeRefresh).
		Build()
	if err != nil {
		return "", time.Time{}, "", err
	}

	signed, err := c.sign(tok)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return signed, exp, jti, nil
}

func (c *Codec) sign(tok jwt.Token) (string, error) {
	key, err := c.keys.GetActiveKey()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256(), key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// VerifyAccess checks signature, expiry, issuer, and token type of an access
// token and returns its claims.
func (c *Codec) VerifyAccess(tokenString string) (*AccessClaims, error) {
	tok, err := c.parse(tokenString, typeAccess)
	if err != nil {
		return nil, err
	}

	sub, _ := tok.Subject()
	exp, _ := tok.Expiration()
	jti, _ := tok.JwtID()

	return &AccessClaims{
		UserID:    sub,
		SessionID: stringClaim(tok, "sid"),
		JTI:       jti,
		Roles:     stringsClaim(tok, "roles"),
		ExpiresAt: exp,
	}, nil
}

// VerifyRefresh checks signature, expiry, issuer, and token type of a refresh
// token and returns its claims.
func (c *Codec) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	tok, err := c.parse(tokenString, typeRefresh)
	if err != nil {
		return nil, err
	}

	exp, _ := tok.Expiration()
	jti, _ := tok.JwtID()

	return &RefreshClaims{
		SessionID:  stringClaim(tok, "sid"),
		FamilyID:   stringClaim(tok, "fid"),
		Generation: intClaim(tok, "gen"),
		JTI:        jti,
		ExpiresAt:  exp,
	}, nil
}

// parse verifies the signature against the key set, then applies the expiry,
// issuer, and type checks explicitly so callers can tell Expired apart from
// Invalid.
func (c *Codec) parse(tokenString, wantType string) (jwt.Token, error) {
	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(c.keys.KeySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	exp, ok := tok.Expiration()
	if !ok {
		return nil, ErrTokenInvalid
	}
	if c.now().After(exp) {
		return nil, ErrTokenExpired
	}

	if iss, _ := tok.Issuer(); c.issuer != "" && iss != c.issuer {
		return nil, ErrTokenInvalid
	}

	if stringClaim(tok, "typ") != wantType {
		return nil, ErrTokenInvalid
	}

	return tok, nil
}

func stringClaim(tok jwt.Token, name string) string {
	var v any
	if tok.Get(name, &v) == nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intClaim(tok jwt.Token, name string) int {
	var v any
	if tok.Get(name, &v) != nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringsClaim(tok jwt.Token, name string) []string {
	var v any
	if tok.Get(name, &v) != nil {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
