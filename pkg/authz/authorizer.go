// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Decision is the outcome of an authorization check. Reason is recorded
// in the audit trail and server logs only; clients receive a generic
// message.
type Decision struct {
	Permit bool
	Reason string

	// Policy names the profile that produced the decision.
	Policy string
}

// Authorizer decides whether an authenticated session may invoke a tool.
type Authorizer interface {
	// Authorize evaluates the session's effective profile against the
	// tool name. It returns a deny decision rather than an error for
	// policy outcomes; errors are reserved for resolution failures.
	Authorize(ctx context.Context, session *ambassador.SessionContext, toolName string) (Decision, error)

	// FilterTools returns the subset of the catalog the session's profile
	// permits, used to shape GET /v1/tools responses.
	FilterTools(ctx context.Context, session *ambassador.SessionContext, tools []ambassador.Tool) ([]ambassador.Tool, error)
}

// rbacAuthorizer resolves effective profiles from the profile store on
// each decision. Environment is the deployment label this instance runs
// in; now is injectable for tests.
type rbacAuthorizer struct {
	profiles    storage.ProfileStore
	environment string
	now         func() time.Time
}

// NewAuthorizer creates the profile-based authorizer. environment is the
// instance's deployment label checked against profile environment scopes.
func NewAuthorizer(profiles storage.ProfileStore, environment string) Authorizer {
	return &rbacAuthorizer{
		profiles:    profiles,
		environment: environment,
		now:         time.Now,
	}
}

func (a *rbacAuthorizer) Authorize(
	ctx context.Context, session *ambassador.SessionContext, toolName string,
) (Decision, error) {
	eff, err := ResolveEffectiveProfile(ctx, a.profiles, session.ProfileID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving profile for session %s: %w", session.SessionID, err)
	}
	return a.decide(eff, toolName), nil
}

// decide applies the ordered rule evaluation: deny globs win over allow
// globs, unmatched tools are denied, and a glob permit can still be
// denied by environment scope or time restrictions.
func (a *rbacAuthorizer) decide(eff *EffectiveProfile, toolName string) Decision {
	if eff.denied.matches(toolName) {
		return Decision{Permit: false, Reason: "tool matches a deny rule", Policy: eff.ProfileName}
	}
	if !eff.allowed.matches(toolName) {
		return Decision{Permit: false, Reason: "tool matches no allow rule", Policy: eff.ProfileName}
	}
	if len(eff.EnvironmentScope) > 0 && !contains(eff.EnvironmentScope, a.environment) {
		return Decision{
			Permit: false,
			Reason: fmt.Sprintf("environment %q outside profile scope", a.environment),
			Policy: eff.ProfileName,
		}
	}
	if len(eff.TimeRestrictions) > 0 && !inAnyWindow(eff.TimeRestrictions, a.now().UTC()) {
		return Decision{Permit: false, Reason: "outside permitted time windows", Policy: eff.ProfileName}
	}
	return Decision{Permit: true, Policy: eff.ProfileName}
}

func (a *rbacAuthorizer) FilterTools(
	ctx context.Context, session *ambassador.SessionContext, tools []ambassador.Tool,
) ([]ambassador.Tool, error) {
	eff, err := ResolveEffectiveProfile(ctx, a.profiles, session.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("resolving profile for session %s: %w", session.SessionID, err)
	}

	filtered := make([]ambassador.Tool, 0, len(tools))
	for _, t := range tools {
		if d := a.decide(eff, t.Name); d.Permit {
			filtered = append(filtered, t)
		}
	}
	logger.Debugw("filtered tool catalog",
		"session_id", session.SessionID, "profile", eff.ProfileName,
		"total", len(tools), "visible", len(filtered))
	return filtered, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// inAnyWindow reports whether now falls inside any daily UTC window.
// Windows wrapping midnight (start > end) are honored.
func inAnyWindow(windows []storage.TimeWindow, now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		start, err1 := parseClock(w.Start)
		end, err2 := parseClock(w.End)
		if err1 != nil || err2 != nil {
			logger.Warnw("skipping malformed time window", "start", w.Start, "end", w.End)
			continue
		}
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else if minutes >= start || minutes < end {
			return true
		}
	}
	return false
}

// parseClock converts "15:04" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
