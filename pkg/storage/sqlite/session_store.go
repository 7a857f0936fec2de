// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/ambassador/pkg/storage"
)

const sessionColumns = `id, user_id, profile_id, token_hash, token_nonce, status,
	created_at, last_activity_at, expires_at, ttl_secs, idle_timeout_secs, spindown_delay_secs`

// CreateSession inserts a session record.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ProfileID, sess.TokenHash, sess.TokenNonce,
		string(sess.Status), encodeTime(sess.CreatedAt), encodeTime(sess.LastActivityAt),
		encodeTime(sess.ExpiresAt), int64(sess.TTL.Seconds()),
		int64(sess.IdleTimeout.Seconds()), int64(sess.SpindownDelay.Seconds()))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range filter.Statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus moves a session to the given status. The terminal
// expired state cannot be left.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status storage.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status != ?`,
		string(status), id, string(storage.SessionExpired))
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking session: %w", err)
		}
		if status != storage.SessionExpired {
			return fmt.Errorf("session %s is expired and cannot transition to %s", id, status)
		}
	}
	return nil
}

// TouchSession updates activity and expiry together.
func (s *Store) TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, expires_at = ? WHERE id = ?`,
		encodeTime(lastActivity), encodeTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CountLiveSessionsForUser counts sessions in a live state.
func (s *Store) CountLiveSessionsForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN (`+liveStatusPlaceholders+`)`,
		append([]any{userID}, liveStatusArgs()...)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting live sessions: %w", err)
	}
	return count, nil
}

// ExpireAllLive expires every live session and disconnects its
// connections, in one transaction. Used by signing-secret rotation.
func (s *Store) ExpireAllLive(ctx context.Context, now time.Time) (int64, error) {
	var expired int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, last_activity_at = ?
			 WHERE status IN (`+liveStatusPlaceholders+`)`,
			append([]any{string(storage.SessionExpired), encodeTime(now)}, liveStatusArgs()...)...)
		if err != nil {
			return fmt.Errorf("expiring live sessions: %w", err)
		}
		expired, _ = res.RowsAffected()

		_, err = tx.ExecContext(ctx,
			`UPDATE session_connections SET status = ?, disconnected_at = ?
			 WHERE status = ?`,
			string(storage.ConnectionDisconnected), encodeTime(now), string(storage.ConnectionConnected))
		if err != nil {
			return fmt.Errorf("disconnecting connections: %w", err)
		}
		return nil
	})
	return expired, err
}

// DeleteExpiredBefore removes expired sessions whose last activity is
// older than the cutoff.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND last_activity_at < ?`,
		string(storage.SessionExpired), encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSession(row rowScanner) (storage.Session, error) {
	var sess storage.Session
	var status, createdAt, lastActivityAt, expiresAt string
	var ttlSecs, idleSecs, spindownSecs int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ProfileID, &sess.TokenHash, &sess.TokenNonce,
		&status, &createdAt, &lastActivityAt, &expiresAt, &ttlSecs, &idleSecs, &spindownSecs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = storage.SessionStatus(status)
	if sess.CreatedAt, err = decodeTime(createdAt); err != nil {
		return storage.Session{}, fmt.Errorf("decoding session created_at: %w", err)
	}
	if sess.LastActivityAt, err = decodeTime(lastActivityAt); err != nil {
		return storage.Session{}, fmt.Errorf("decoding session last_activity_at: %w", err)
	}
	if sess.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return storage.Session{}, fmt.Errorf("decoding session expires_at: %w", err)
	}
	sess.TTL = time.Duration(ttlSecs) * time.Second
	sess.IdleTimeout = time.Duration(idleSecs) * time.Second
	sess.SpindownDelay = time.Duration(spindownSecs) * time.Second
	return sess, nil
}
