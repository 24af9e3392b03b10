// README: Account model and sentinel errors.
package user

import (
	"errors"
	"time"

	"metrocarpool/internal/types"
)

var (
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("unknown email or wrong password")
	ErrBadToken       = errors.New("invalid or expired token")
	ErrBadSignup      = errors.New("signup needs an email, a password of 8+ chars, and a valid role")
	ErrNotFound       = errors.New("account not found")
)

type Account struct {
	ID           types.UserID
	Email        string
	Role         types.Role
	PasswordHash []byte
	CreatedAt    time.Time
}
