// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/ambassador/pkg/storage"
)

// CreateUser inserts a user record.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, status, auth_source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.DisplayName, string(user.Status), user.AuthSource, encodeTime(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, status, auth_source, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, status, auth_source, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserStatus changes a user's status. Suspending or deactivating
// cascades: the user's live sessions move to suspended in the same
// transaction.
func (s *Store) UpdateUserStatus(ctx context.Context, id string, status storage.UserStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return fmt.Errorf("updating user status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
		}

		if status == storage.UserSuspended || status == storage.UserDeactivated {
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ? WHERE user_id = ? AND status IN (`+liveStatusPlaceholders+`)`,
				append([]any{string(storage.SessionSuspended), id}, liveStatusArgs()...)...)
			if err != nil {
				return fmt.Errorf("suspending user sessions: %w", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (storage.User, error) {
	var u storage.User
	var status, createdAt string
	if err := row.Scan(&u.ID, &u.DisplayName, &status, &u.AuthSource, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("scanning user: %w", err)
	}
	u.Status = storage.UserStatus(status)
	var err error
	if u.CreatedAt, err = decodeTime(createdAt); err != nil {
		return storage.User{}, fmt.Errorf("decoding user created_at: %w", err)
	}
	return u, nil
}

var liveStatusPlaceholders = strings.TrimSuffix(strings.Repeat("?, ", len(storage.LiveSessionStatuses)), ", ")

func liveStatusArgs() []any {
	args := make([]any, len(storage.LiveSessionStatuses))
	for i, st := range storage.LiveSessionStatuses {
		args[i] = string(st)
	}
	return args
}

// isUniqueViolation detects SQLite constraint errors without importing
// the driver's error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
