package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/studyreports/apiserver/types"
)

// UserRepository handles persistence for users outside of a sync.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT email, access_group, token_hash
		FROM users
		WHERE email = lower($1)`
	var user types.User
	var tokenHash sql.NullString
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&user.Email,
		&user.AccessGroup,
		&tokenHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	if tokenHash.Valid {
		user.TokenHash = &tokenHash.String
	}
	return user, nil
}

func (r *UserRepository) Exists(ctx context.Context, email string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE email = lower($1))`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// List returns every user ordered by email. Token hashes are not loaded.
func (r *UserRepository) List(ctx context.Context) ([]types.User, error) {
	const query = `
		SELECT email, access_group
		FROM users
		ORDER BY email`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		var user types.User
		if err := rows.Scan(&user.Email, &user.AccessGroup); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// SetTokenHash replaces the stored token hash for email.
func (r *UserRepository) SetTokenHash(ctx context.Context, email, tokenHash string) error {
	const query = `UPDATE users SET token_hash = $1 WHERE email = lower($2)`
	result, err := r.db.ExecContext(ctx, query, tokenHash, email)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
