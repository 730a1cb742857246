package family

import "time"

// Status is the lifecycle state of a token family
type Status string

const (
	StatusValid   Status = "valid"
	StatusRevoked Status = "revoked"
)

// UsedToken is a superseded refresh token id. Presenting one is conclusive
// evidence of reuse.
type UsedToken struct {
	JTI       string    `json:"jti"`
	RotatedAt time.Time `json:"rotated_at"`
}

// Family is the refresh-token lineage descending from one login. A session
// has exactly one family; a new family is created only at login, never at
// refresh.
type Family struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Generation     int         `json:"generation"`
	CurrentTokenID string      `json:"current_token_id"`
	UsedTokenIDs   []UsedToken `json:"used_token_ids"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	LastRotationAt time.Time   `json:"last_rotation_at"`
}
