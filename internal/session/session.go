// README: Authenticated actor session and its file-backed persistence.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"metrocarpool/internal/types"
)

var (
	ErrNoSession = errors.New("no stored session")
	ErrCorrupt   = errors.New("stored session unreadable")
)

// Session is the authenticated actor identity for the lifetime of one
// process. It is immutable; components receive it by value.
type Session struct {
	Role   types.Role   `json:"role"`
	UserID types.UserID `json:"userId"`
	Token  string       `json:"authToken"`
}

func (s Session) Valid() bool {
	return s.Role.Valid() && s.UserID > 0 && s.Token != ""
}

// Store persists exactly the session triple {token, role, userId} across
// process restarts. Ride-scoped data (match, location) is never written here.
type Store struct {
	path string
}

// NewStore returns a store at path, or under $HOME/.carpool when path is empty.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".carpool", "session.json")
	}
	return &Store{path: path}, nil
}

func (st *Store) Save(s Session) error {
	if !s.Valid() {
		return errors.New("refusing to persist incomplete session")
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// 0600: the file holds a bearer token.
	return os.WriteFile(st.path, b, 0o600)
}

func (st *Store) Load() (Session, error) {
	b, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !s.Valid() {
		return Session{}, ErrCorrupt
	}
	return s, nil
}

// Clear removes the persisted session. Clearing an absent session is not an
// error: logout must be idempotent.
func (st *Store) Clear() error {
	err := os.Remove(st.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
