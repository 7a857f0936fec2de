// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stacklok/ambassador/pkg/authz"
	"github.com/stacklok/ambassador/pkg/storage"
)

const profileColumns = `id, name, allowed_tools, denied_tools, rate_limits,
	environment_scope, time_restrictions, inherited_from, created_at`

// CreateProfile inserts a profile after validating its inheritance
// chain against the already persisted profiles.
func (s *Store) CreateProfile(ctx context.Context, p storage.ToolProfile) error {
	if err := authz.ValidateInheritance(ctx, s, p.ID, p.InheritedFrom); err != nil {
		return err
	}

	cols, err := encodeProfile(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, cols.allowed, cols.denied, cols.limits,
		cols.envScope, cols.windows, inheritedArg(p.InheritedFrom), encodeTime(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("profile %s: %w", p.Name, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile loads one profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (storage.ToolProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM tool_profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// GetProfileByName loads one profile by unique name.
func (s *Store) GetProfileByName(ctx context.Context, name string) (storage.ToolProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM tool_profiles WHERE name = ?`, name)
	return scanProfile(row)
}

// ListProfiles returns all profiles ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]storage.ToolProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM tool_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []storage.ToolProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile replaces a profile's rules, re-validating inheritance.
func (s *Store) UpdateProfile(ctx context.Context, p storage.ToolProfile) error {
	if err := authz.ValidateInheritance(ctx, s, p.ID, p.InheritedFrom); err != nil {
		return err
	}

	cols, err := encodeProfile(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_profiles SET name = ?, allowed_tools = ?, denied_tools = ?,
		 rate_limits = ?, environment_scope = ?, time_restrictions = ?, inherited_from = ?
		 WHERE id = ?`,
		p.Name, cols.allowed, cols.denied, cols.limits,
		cols.envScope, cols.windows, inheritedArg(p.InheritedFrom), p.ID)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", p.ID, storage.ErrNotFound)
	}
	return nil
}

// DeleteProfile removes a profile. Profiles still referenced by keys,
// sessions, or child profiles fail the foreign key check.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

type profileJSON struct {
	allowed, denied, limits, envScope, windows string
}

func encodeProfile(p storage.ToolProfile) (profileJSON, error) {
	var out profileJSON
	var err error
	if out.allowed, err = encodeJSON(orEmpty(p.AllowedTools)); err != nil {
		return out, err
	}
	if out.denied, err = encodeJSON(orEmpty(p.DeniedTools)); err != nil {
		return out, err
	}
	if out.limits, err = encodeJSON(p.RateLimits); err != nil {
		return out, err
	}
	if out.envScope, err = encodeJSON(orEmpty(p.EnvironmentScope)); err != nil {
		return out, err
	}
	if out.windows, err = encodeJSON(p.TimeRestrictions); err != nil {
		return out, err
	}
	return out, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding profile field: %w", err)
	}
	return string(data), nil
}

func inheritedArg(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func scanProfile(row rowScanner) (storage.ToolProfile, error) {
	var p storage.ToolProfile
	var allowed, denied, limits, envScope, windows, createdAt string
	var inherited sql.NullString
	err := row.Scan(&p.ID, &p.Name, &allowed, &denied, &limits,
		&envScope, &windows, &inherited, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ToolProfile{}, storage.ErrNotFound
		}
		return storage.ToolProfile{}, fmt.Errorf("scanning profile: %w", err)
	}

	if err := json.Unmarshal([]byte(allowed), &p.AllowedTools); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding allowed_tools: %w", err)
	}
	if err := json.Unmarshal([]byte(denied), &p.DeniedTools); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding denied_tools: %w", err)
	}
	if err := json.Unmarshal([]byte(limits), &p.RateLimits); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding rate_limits: %w", err)
	}
	if err := json.Unmarshal([]byte(envScope), &p.EnvironmentScope); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding environment_scope: %w", err)
	}
	if err := json.Unmarshal([]byte(windows), &p.TimeRestrictions); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding time_restrictions: %w", err)
	}
	if inherited.Valid {
		p.InheritedFrom = &inherited.String
	}
	if p.CreatedAt, err = decodeTime(createdAt); err != nil {
		return storage.ToolProfile{}, fmt.Errorf("decoding profile created_at: %w", err)
	}
	return p, nil
}
