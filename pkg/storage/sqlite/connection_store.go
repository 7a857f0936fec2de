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

const connectionColumns = `id, session_id, friendly_name, host_tool,
	connected_at, last_heartbeat_at, disconnected_at, status`

// CreateConnection inserts a session connection record.
func (s *Store) CreateConnection(ctx context.Context, c storage.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.FriendlyName, c.HostTool,
		encodeTime(c.ConnectedAt), encodeTime(c.LastHeartbeatAt),
		encodeTimePtr(c.DisconnectedAt), string(c.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("connection %s: %w", c.ID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection.
func (s *Store) GetConnection(ctx context.Context, id string) (storage.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM session_connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnectionsBySession returns a session's connections, oldest first.
func (s *Store) ListConnectionsBySession(ctx context.Context, sessionID string) ([]storage.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM session_connections
		 WHERE session_id = ? ORDER BY connected_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var conns []storage.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// DisconnectConnection marks one connection disconnected. Disconnecting
// an already disconnected connection is a no-op.
func (s *Store) DisconnectConnection(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET status = ?, disconnected_at = ?
		 WHERE id = ? AND status = ?`,
		string(storage.ConnectionDisconnected), encodeTime(at), id, string(storage.ConnectionConnected))
	if err != nil {
		return fmt.Errorf("disconnecting connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM session_connections WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
		}
		return err
	}
	return nil
}

// TouchConnectedHeartbeats stamps last_heartbeat_at on every connected
// connection of the session.
func (s *Store) TouchConnectedHeartbeats(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_connections SET last_heartbeat_at = ?
		 WHERE session_id = ? AND status = ?`,
		encodeTime(at), sessionID, string(storage.ConnectionConnected))
	if err != nil {
		return fmt.Errorf("touching connection heartbeats: %w", err)
	}
	return nil
}

func scanConnection(row rowScanner) (storage.Connection, error) {
	var c storage.Connection
	var status, connectedAt, lastHeartbeatAt string
	var disconnectedAt sql.NullString
	err := row.Scan(&c.ID, &c.SessionID, &c.FriendlyName, &c.HostTool,
		&connectedAt, &lastHeartbeatAt, &disconnectedAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrNotFound
		}
		return storage.Connection{}, fmt.Errorf("scanning connection: %w", err)
	}
	c.Status = storage.ConnectionStatus(status)
	if c.ConnectedAt, err = decodeTime(connectedAt); err != nil {
		return storage.Connection{}, fmt.Errorf("decoding connected_at: %w", err)
	}
	if c.LastHeartbeatAt, err = decodeTime(lastHeartbeatAt); err != nil {
		return storage.Connection{}, fmt.Errorf("decoding last_heartbeat_at: %w", err)
	}
	if c.DisconnectedAt, err = decodeTimePtr(disconnectedAt); err != nil {
		return storage.Connection{}, fmt.Errorf("decoding disconnected_at: %w", err)
	}
	return c, nil
}
