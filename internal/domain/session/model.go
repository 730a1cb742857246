package session

import "time"

// Status is the lifecycle state of a session
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Session is the persisted session record. The id is opaque to clients and is
// never used as key material. IPAddress and UserAgent are captured at creation
// for audit only; they never gate access.
type Session struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Roles             []string  `json:"roles"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
	BindingSecretHash string    `json:"binding_secret_hash"`
	AAL               int       `json:"aal"`
	RefreshCount      int       `json:"refresh_count"`

	// FamilyID links the one active token family spawned at login
	FamilyID string `json:"family_id,omitempty"`
}
