package user

import (
	"context"
	"errors"
	"strings"

	"github.com/fablemill/sessiond/internal/domain/auth"
	"gorm.io/gorm"
)

// Verifier adapts the user repository to the auth façade's
// CredentialVerifier contract.
type Verifier struct {
	repo Repository
}

// NewVerifier creates a Verifier
func NewVerifier(repo Repository) *Verifier {
	return &Verifier{repo: repo}
}

// Verify checks the email/password pair. Unknown users, disabled users, and
// wrong passwords all map to ErrInvalidCredentials.
func (v *Verifier) Verify(ctx context.Context, identifier, secret string) (string, []string, error) {
	u, err := v.repo.GetByEmail(identifier)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, auth.ErrInvalidCredentials
		}
		return "", nil, err
	}

	if !u.IsActive || !VerifyPassword(secret, u.Password) {
		return "", nil, auth.ErrInvalidCredentials
	}

	return u.ID.String(), strings.Fields(u.Roles), nil
}
