// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router resolves tool names to backend pools and dispatches
// invocations.
package router

import (
	"context"
	"fmt"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/mcp/shared"
	"github.com/stacklok/ambassador/pkg/mcp/userpool"
)

// Router routes a tool call for a user to whichever pool owns the tool.
// Per-user instances are consulted first: their names carry the
// "<mcp>.<tool>" namespace so they never collide with shared tools, but
// the ordering also makes resolution deterministic if a shared backend
// ever exposes a dotted name.
type Router struct {
	shared *shared.Manager
	users  *userpool.Pool
}

// New creates a router over the two pools.
func New(sharedPool *shared.Manager, userPool *userpool.Pool) *Router {
	return &Router{shared: sharedPool, users: userPool}
}

// Catalog returns the union of the user's per-user catalog and the
// shared catalog.
func (r *Router) Catalog(userID string) []ambassador.Tool {
	catalog := r.users.Catalog(userID)
	return append(catalog, r.shared.ToolCatalog()...)
}

// GetToolDescriptor resolves a tool name for a user.
func (r *Router) GetToolDescriptor(userID, toolName string) (*ambassador.Tool, error) {
	for _, tool := range r.Catalog(userID) {
		if tool.Name == toolName {
			return &tool, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ambassador.ErrToolNotFound, toolName)
}

// Invoke dispatches the call. The per-user pool is tried first; a miss
// there falls through to the shared pool.
func (r *Router) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (*ambassador.ToolCallResult, error) {
	if _, _, ok := r.users.Lookup(userID, toolName); ok {
		return r.users.Invoke(ctx, userID, toolName, args)
	}
	if _, ok := r.shared.Lookup(toolName); ok {
		return r.shared.Invoke(ctx, toolName, args)
	}
	return nil, fmt.Errorf("%w: %s", ambassador.ErrToolNotFound, toolName)
}
