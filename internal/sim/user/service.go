// README: Account service: signup, login, token issue.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"metrocarpool/internal/log"
	"metrocarpool/internal/types"
)

// AccountStore is what the service needs from persistence.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	GetByEmail(ctx context.Context, email string) (*Account, error)
}

type Service struct {
	store  AccountStore
	tokens *TokenIssuer
	log    zerolog.Logger
}

func NewService(store AccountStore, tokens *TokenIssuer) *Service {
	return &Service{store: store, tokens: tokens, log: log.WithComponent("user")}
}

func (s *Service) Signup(ctx context.Context, email, password string, role types.Role) (*Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") || len(password) < 8 || !role.Valid() {
		return nil, ErrBadSignup
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a := &Account{
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info().Int64("userId", int64(a.ID)).Str("role", string(role)).Msg("account created")
	return a, nil
}

// Login checks credentials and issues a bearer token. A missing account and a
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Account, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	a, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, "", ErrBadCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}
	token, err := s.tokens.Issue(a.ID, a.Role)
	if err != nil {
		return nil, "", err
	}
	s.log.Info().Int64("userId", int64(a.ID)).Msg("login")
	return a, token, nil
}
