package users

import (
	"strings"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// Account is a row of the users auth collection.
type Account struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	Username     string    `gorm:"column:username;size:190;not null"`
	Name         string    `gorm:"column:name;size:320"`
	Avatar       string    `gorm:"column:avatar;size:512"`
	Role         string    `gorm:"column:role;size:32;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "users"
}

// Principal returns the access-control identity of the account.
func (a Account) Principal() records.Principal {
	return records.Principal{UserID: a.ID, Role: records.ParseRole(a.Role)}
}

// AsRecord projects the account into the public shape used when a relation
// to a user is expanded. The email and password hash are not exposed.
func (a Account) AsRecord() records.Record {
	return records.Record{
		ID:         a.ID,
		Collection: "users",
		Fields: records.Fields{
			"name":     a.Name,
			"username": a.Username,
			"avatar":   a.Avatar,
			"role":     string(records.ParseRole(a.Role)),
		},
		CreatedAt: a.CreatedAt.UTC(),
		UpdatedAt: a.UpdatedAt.UTC(),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	normalized := normalize(*value)
	return &normalized
}
