// ABOUTME: UserDirectory implementation for SQLiteStore
// ABOUTME: Stores the display identity of users so conversation summaries can render participants

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const defaultUserListLimit = 100

// CreateUser stores a new user. CreatedAt is stamped when zero.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if user.DisplayName == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalid)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	query := `
		INSERT INTO users (id, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?)
	`
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, user.ID, user.DisplayName, nullString(user.AvatarURL), toNanos(user.CreatedAt))
		return err
	})
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "user_id", user.ID)
	return nil
}

// ResolveUser retrieves a user by ID
func (s *SQLiteStore) ResolveUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, display_name, avatar_url, created_at
		FROM users
		WHERE id = ?
	`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// ListUsers returns users ordered by creation time, up to limit.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = defaultUserListLimit
	}

	query := `
		SELECT id, display_name, avatar_url, created_at
		FROM users
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}

	return users, nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var avatar sql.NullString
	var createdAt int64

	err := row.Scan(&u.ID, &u.DisplayName, &avatar, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.AvatarURL = avatar.String
	u.CreatedAt = fromNanos(createdAt)
	return &u, nil
}
