package users

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered account. Address is the identity used for custody
// checks and defaults to Username. It is unique and never equal to another
// user's username.
type User struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Username     string    `gorm:"column:username;type:varchar(100);uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"column:email;type:varchar(120);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;type:varchar(255);not null" json:"-"`
	Role         string    `gorm:"column:role;type:varchar(50);not null" json:"role"`
	Address      string    `gorm:"column:address;type:varchar(255);uniqueIndex;not null" json:"address"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the GORM table name.
func (User) TableName() string { return "users" }

// BeforeCreate assigns an ID when unset.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
