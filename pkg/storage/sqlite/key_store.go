// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stacklok/ambassador/pkg/storage"
)

const keyColumns = `id, key_prefix, key_hash, user_id, profile_id, status, expires_at, created_at`

// CreateKey inserts a preshared key record.
func (s *Store) CreateKey(ctx context.Context, key storage.PresharedKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preshared_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyPrefix, key.KeyHash, key.UserID, key.ProfileID,
		string(key.Status), encodeTimePtr(key.ExpiresAt), encodeTime(key.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("key %s: %w", key.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting preshared key: %w", err)
	}
	return nil
}

// GetKey loads one preshared key.
func (s *Store) GetKey(ctx context.Context, id string) (storage.PresharedKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM preshared_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListActiveKeysByPrefix returns the active keys matching the lookup
// prefix. More than one match is possible; the caller verifies hashes.
func (s *Store) ListActiveKeysByPrefix(ctx context.Context, prefix string) ([]storage.PresharedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM preshared_keys WHERE key_prefix = ? AND status = ?`,
		prefix, string(storage.KeyActive))
	if err != nil {
		return nil, fmt.Errorf("listing keys by prefix: %w", err)
	}
	defer rows.Close()

	var keys []storage.PresharedKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKeyStatus changes a key's status. Revocation cascades: every
// live session minted from the key is expired in the same transaction.
func (s *Store) UpdateKeyStatus(ctx context.Context, id string, status storage.KeyStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var userID, profileID string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, profile_id FROM preshared_keys WHERE id = ?`, id).
			Scan(&userID, &profileID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("key %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading key: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE preshared_keys SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return fmt.Errorf("updating key status: %w", err)
		}

		if status == storage.KeyRevoked {
			// Sessions carry no key id; the (user, profile) pair identifies
			// the sessions this key could have minted.
			_, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?
				 WHERE user_id = ? AND profile_id = ? AND status IN (`+liveStatusPlaceholders+`)`,
				append([]any{string(storage.SessionExpired), userID, profileID}, liveStatusArgs()...)...)
			if err != nil {
				return fmt.Errorf("expiring sessions for revoked key: %w", err)
			}
		}
		return nil
	})
}

func scanKey(row rowScanner) (storage.PresharedKey, error) {
	var k storage.PresharedKey
	var status, createdAt string
	var expiresAt sql.NullString
	err := row.Scan(&k.ID, &k.KeyPrefix, &k.KeyHash, &k.UserID, &k.ProfileID,
		&status, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PresharedKey{}, storage.ErrNotFound
		}
		return storage.PresharedKey{}, fmt.Errorf("scanning key: %w", err)
	}
	k.Status = storage.KeyStatus(status)
	if k.ExpiresAt, err = decodeTimePtr(expiresAt); err != nil {
		return storage.PresharedKey{}, fmt.Errorf("decoding key expires_at: %w", err)
	}
	if k.CreatedAt, err = decodeTime(createdAt); err != nil {
		return storage.PresharedKey{}, fmt.Errorf("decoding key created_at: %w", err)
	}
	return k, nil
}
