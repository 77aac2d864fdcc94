// Package remote talks to the record service over its REST API.
package remote

import (
	"context"

	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

// User is the signed-in account as reported by the record service.
type User struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Username string       `json:"username"`
	Name     string       `json:"name"`
	Avatar   string       `json:"avatar"`
	Role     records.Role `json:"role"`
}

// Principal converts the user into an access-control principal.
func (u User) Principal() records.Principal {
	return records.Principal{UserID: u.ID, Role: u.Role}
}

// Service is the remote record store contract consumed by the query cache
// and the mutation coordinator. Every method may fail independently with a
// *records.Error.
type Service interface {
	List(ctx context.Context, query records.Query) ([]records.Record, error)
	Get(ctx context.Context, collection, id string, expand ...string) (records.Record, error)
	Create(ctx context.Context, collection string, fields records.Fields) (records.Record, error)
	Update(ctx context.Context, collection, id string, fields records.Fields) (records.Record, error)
	Delete(ctx context.Context, collection, id string) error
	FileURL(record records.Record, field string) string
	CurrentUser() (User, bool)
}
