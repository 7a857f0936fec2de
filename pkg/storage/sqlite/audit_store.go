// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/storage"
)

const auditColumns = `event_id, timestamp, event_type, severity, session_id, client_id,
	user_id, source_ip, tool_name, downstream_mcp, action,
	request_summary, response_summary, authz_decision, authz_policy, metadata`

// InsertAuditEvents writes a flushed batch in one transaction. Events
// whose id already exists are skipped, making redelivery after a failed
// flush safe.
func (s *Store) InsertAuditEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO audit_events (`+auditColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing audit insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			reqSummary, err := encodeJSON(e.RequestSummary)
			if err != nil {
				return err
			}
			respSummary, err := encodeJSON(e.ResponseSummary)
			if err != nil {
				return err
			}
			metadata, err := encodeJSON(e.Metadata)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				e.EventID, encodeTime(e.Timestamp), e.EventType, e.Severity,
				e.SessionID, e.ClientID, e.UserID, e.SourceIP,
				e.ToolName, e.DownstreamMCP, e.Action,
				reqSummary, respSummary, e.AuthzDecision, e.AuthzPolicy, metadata)
			if err != nil {
				return fmt.Errorf("inserting audit event %s: %w", e.EventID, err)
			}
		}
		return nil
	})
}

// FlushAuditEvents lets the store act as the audit buffer's sink.
func (s *Store) FlushAuditEvents(ctx context.Context, events []audit.Event) error {
	return s.InsertAuditEvents(ctx, events)
}

// QueryAuditEvents returns events matching the query, newest first.
func (s *Store) QueryAuditEvents(ctx context.Context, q storage.AuditQuery) ([]audit.Event, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`
	var args []any
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, encodeTime(q.Since))
	}
	if !q.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, encodeTime(q.Until))
	}
	query += ` ORDER BY timestamp DESC`

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanAuditEvent(row rowScanner) (audit.Event, error) {
	var e audit.Event
	var timestamp, reqSummary, respSummary, metadata string
	err := row.Scan(&e.EventID, &timestamp, &e.EventType, &e.Severity,
		&e.SessionID, &e.ClientID, &e.UserID, &e.SourceIP,
		&e.ToolName, &e.DownstreamMCP, &e.Action,
		&reqSummary, &respSummary, &e.AuthzDecision, &e.AuthzPolicy, &metadata)
	if err != nil {
		return audit.Event{}, fmt.Errorf("scanning audit event: %w", err)
	}
	if e.Timestamp, err = decodeTime(timestamp); err != nil {
		return audit.Event{}, fmt.Errorf("decoding audit timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(reqSummary), &e.RequestSummary); err != nil {
		return audit.Event{}, fmt.Errorf("decoding request_summary: %w", err)
	}
	if err := json.Unmarshal([]byte(respSummary), &e.ResponseSummary); err != nil {
		return audit.Event{}, fmt.Errorf("decoding response_summary: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return audit.Event{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return e, nil
}
