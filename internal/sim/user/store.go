// README: Account store backed by PostgreSQL.
package user

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, a *Account) error {
	row := s.db.QueryRow(ctx, `
        INSERT INTO accounts (email, role, password_hash, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id`,
		a.Email,
		string(a.Role),
		a.PasswordHash,
		a.CreatedAt,
	)
	if err := row.Scan(&a.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, email, role, password_hash, created_at
        FROM accounts
        WHERE email = $1`, email,
	)

	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.Role, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
