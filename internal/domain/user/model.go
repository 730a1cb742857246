package user

import "github.com/fablemill/sessiond/internal/database"

// User is a credential-store record. Roles are stored space-separated and
// surface as opaque strings on the session at login.
type User struct {
	database.BaseModel
	Email    string `gorm:"column:email;unique;not null"`
	Password string `gorm:"column:password;not null"`
	Roles    string `gorm:"column:roles;type:text"`
	IsActive bool   `gorm:"column:is_active;default:true"`
}

func (User) TableName() string {
	return "users"
}
