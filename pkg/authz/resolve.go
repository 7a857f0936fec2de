// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"fmt"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/storage"
)

// MaxInheritanceDepth bounds the inherited_from chain. A profile may have
// at most this many ancestors.
const MaxInheritanceDepth = 5

// EffectiveProfile is the flattened rule set of a profile and its
// ancestors, with child rules taking precedence.
type EffectiveProfile struct {
	ProfileID   string
	ProfileName string

	AllowedTools     []string
	DeniedTools      []string
	RateLimits       storage.RateLimits
	EnvironmentScope []string
	TimeRestrictions []storage.TimeWindow

	allowed globSet
	denied  globSet
}

// ResolveEffectiveProfile walks the inheritance chain of the given
// profile and merges it into a flat rule set:
//
//   - allowed_tools and denied_tools are the union over the chain
//   - rate_limits: child wins per field
//   - environment_scope and time_restrictions: child wins if set,
//     otherwise the nearest ancestor's value applies
//
// Cycles and chains deeper than MaxInheritanceDepth are rejected.
func ResolveEffectiveProfile(
	ctx context.Context, profiles storage.ProfileStore, profileID string,
) (*EffectiveProfile, error) {
	chain, err := collectChain(ctx, profiles, profileID)
	if err != nil {
		return nil, err
	}

	child := chain[0]
	eff := &EffectiveProfile{
		ProfileID:   child.ID,
		ProfileName: child.Name,
	}

	// Merge root-ancestor first so that child values overwrite.
	for i := len(chain) - 1; i >= 0; i-- {
		p := chain[i]
		eff.AllowedTools = append(eff.AllowedTools, p.AllowedTools...)
		eff.DeniedTools = append(eff.DeniedTools, p.DeniedTools...)
		if p.RateLimits.CallsPerMinute > 0 {
			eff.RateLimits.CallsPerMinute = p.RateLimits.CallsPerMinute
		}
		if p.RateLimits.CallsPerHour > 0 {
			eff.RateLimits.CallsPerHour = p.RateLimits.CallsPerHour
		}
		if len(p.EnvironmentScope) > 0 {
			eff.EnvironmentScope = p.EnvironmentScope
		}
		if len(p.TimeRestrictions) > 0 {
			eff.TimeRestrictions = p.TimeRestrictions
		}
	}

	if eff.allowed, err = compileGlobs(eff.AllowedTools); err != nil {
		return nil, fmt.Errorf("profile %s: %w", child.Name, err)
	}
	if eff.denied, err = compileGlobs(eff.DeniedTools); err != nil {
		return nil, fmt.Errorf("profile %s: %w", child.Name, err)
	}
	return eff, nil
}

// collectChain loads the profile and its ancestors, child first.
func collectChain(
	ctx context.Context, profiles storage.ProfileStore, profileID string,
) ([]storage.ToolProfile, error) {
	var chain []storage.ToolProfile
	visited := make(map[string]struct{})

	id := profileID
	for {
		if _, ok := visited[id]; ok {
			return nil, fmt.Errorf("%w: at profile %s", ambassador.ErrProfileCycle, id)
		}
		visited[id] = struct{}{}

		p, err := profiles.GetProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading profile %s: %w", id, err)
		}
		chain = append(chain, p)

		if p.InheritedFrom == nil || *p.InheritedFrom == "" {
			return chain, nil
		}
		if len(chain) > MaxInheritanceDepth {
			return nil, fmt.Errorf("%w: more than %d ancestors from profile %s",
				ambassador.ErrProfileDepthExceeded, MaxInheritanceDepth, profileID)
		}
		id = *p.InheritedFrom
	}
}

// ValidateInheritance checks that setting parent as the inherited_from of
// profileID introduces neither a cycle nor an over-deep chain. It is used
// by the profile write path before persisting.
func ValidateInheritance(
	ctx context.Context, profiles storage.ProfileStore, profileID string, parent *string,
) error {
	if parent == nil || *parent == "" {
		return nil
	}

	visited := map[string]struct{}{profileID: {}}
	depth := 0
	id := *parent
	for {
		if _, ok := visited[id]; ok {
			return ambassador.ErrProfileCycle
		}
		visited[id] = struct{}{}
		depth++
		if depth > MaxInheritanceDepth {
			return ambassador.ErrProfileDepthExceeded
		}

		p, err := profiles.GetProfile(ctx, id)
		if err != nil {
			return fmt.Errorf("loading ancestor profile %s: %w", id, err)
		}
		if p.InheritedFrom == nil || *p.InheritedFrom == "" {
			return nil
		}
		id = *p.InheritedFrom
	}
}
