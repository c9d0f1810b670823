package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, username, public_key, vault, remove_date, hidden_mode, introvert_mode`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PublicKey, &u.Vault, &u.RemoveDate, &u.HiddenMode, &u.IntrovertMode)
	if err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

// CreateUser inserts a new account. A duplicate username classifies as
// conflict "already exists".
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, username, public_key, vault, remove_date, hidden_mode, introvert_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, u.PublicKey, u.Vault, u.RemoveDate, u.HiddenMode, u.IntrovertMode)
	return classify(err)
}

// GetUser fetches an account by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername fetches an account by its unique name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// UsernameExists reports whether the name is taken.
func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	return exists, classify(err)
}

// UpdateAccount applies the optional vault and remove-date changes.
func (s *Store) UpdateAccount(ctx context.Context, id uuid.UUID, vault *string, removeDate *time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET vault = COALESCE($2, vault), remove_date = COALESCE($3, remove_date)
		WHERE id = $1`,
		id, vault, removeDate)
	return classify(err)
}

// SetHiddenMode flips the hidden flag.
func (s *Store) SetHiddenMode(ctx context.Context, id uuid.UUID, hidden bool) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET hidden_mode = $2 WHERE id = $1`, id, hidden)
	return classify(err)
}

// SetIntrovertMode flips the introvert flag.
func (s *Store) SetIntrovertMode(ctx context.Context, id uuid.UUID, introvert bool) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET introvert_mode = $2 WHERE id = $1`, id, introvert)
	return classify(err)
}

// DeleteUser removes the account; memberships, messages, unread rows and
// push rows cascade.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// DeleteExpiredUsers removes accounts whose remove_date has passed and
// returns how many were deleted.
func (s *Store) DeleteExpiredUsers(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE remove_date < $1`, now)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
