// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shared manages the pool of shared (process-wide) backend MCP
// connections and their aggregated tool catalog.
package shared

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp"
)

// Manager owns the name → connection map for catalog entries with
// isolation_mode=shared. All mutation goes through the manager; catalog
// reads take the read lock only.
type Manager struct {
	dial mcp.DialFunc

	mu    sync.RWMutex
	conns map[string]mcp.Conn
	cfgs  map[string]ambassador.ServerConfig

	// reconciling is the single-flight gate for Reconcile.
	reconciling atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialFunc overrides how connections are established. Tests use this
// to substitute fake connections.
func WithDialFunc(dial mcp.DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager creates an empty shared pool manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dial:  mcp.Dial,
		conns: make(map[string]mcp.Conn),
		cfgs:  make(map[string]ambassador.ServerConfig),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize starts all shared backends in parallel. Individual backend
// failures are logged and tolerated; the gateway serves the catalog of
// whatever came up.
func (m *Manager) Initialize(ctx context.Context, configs []ambassador.ServerConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		if cfg.IsolationMode == ambassador.IsolationPerUser {
			continue
		}
		g.Go(func() error {
			conn, err := m.dial(ctx, cfg)
			if err != nil {
				logger.Errorw("shared backend failed to start", "name", cfg.Name, "error", err.Error())
				return nil
			}
			m.mu.Lock()
			m.conns[cfg.Name] = conn
			m.cfgs[cfg.Name] = cfg
			m.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initializing shared backends: %w", err)
	}
	logger.Infow("shared pool initialized", "backends", len(m.conns))
	return nil
}

// AddMcp starts a single new shared backend.
func (m *Manager) AddMcp(ctx context.Context, cfg ambassador.ServerConfig) error {
	m.mu.RLock()
	_, exists := m.conns[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("backend %s already running", cfg.Name)
	}

	conn, err := m.dial(ctx, cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.conns[cfg.Name] = conn
	m.cfgs[cfg.Name] = cfg
	m.mu.Unlock()
	return nil
}

// UpdateMcp replaces a running backend with a new config. The old
// connection is stopped before the new one starts.
func (m *Manager) UpdateMcp(ctx context.Context, cfg ambassador.ServerConfig) error {
	m.mu.Lock()
	old, exists := m.conns[cfg.Name]
	delete(m.conns, cfg.Name)
	delete(m.cfgs, cfg.Name)
	m.mu.Unlock()

	if exists {
		if err := old.Stop(ctx); err != nil {
			logger.Warnw("stopping outdated backend", "name", cfg.Name, "error", err.Error())
		}
	}
	return m.AddMcp(ctx, cfg)
}

// RemoveMcp stops and forgets a shared backend. Removing an unknown name
// is a no-op.
func (m *Manager) RemoveMcp(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, exists := m.conns[name]
	delete(m.conns, name)
	delete(m.cfgs, name)
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return conn.Stop(ctx)
}

// ToolCatalog returns the merged, de-duplicated tool list across all
// ready connections. On a name collision the backend that sorts first
// wins; the loser is suppressed and logged.
func (m *Manager) ToolCatalog() []ambassador.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var catalog []ambassador.Tool
	seen := make(map[string]string)
	for _, name := range m.sortedNamesLocked() {
		conn := m.conns[name]
		if conn.State() != mcp.StateReady {
			continue
		}
		for _, tool := range conn.Tools() {
			if winner, dup := seen[tool.Name]; dup {
				logger.Warnw("suppressing colliding tool",
					"tool", tool.Name, "winner", winner, "loser", name)
				continue
			}
			seen[tool.Name] = name
			catalog = append(catalog, tool)
		}
	}
	return catalog
}

// Lookup resolves a tool name to the connection that owns it, honoring
// the same first-wins ordering as ToolCatalog.
func (m *Manager) Lookup(toolName string) (mcp.Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.sortedNamesLocked() {
		conn := m.conns[name]
		if conn.State() != mcp.StateReady {
			continue
		}
		for _, tool := range conn.Tools() {
			if tool.Name == toolName {
				return conn, true
			}
		}
	}
	return nil, false
}

// Invoke dispatches a tool call to the owning connection.
func (m *Manager) Invoke(ctx context.Context, toolName string, args map[string]any) (*ambassador.ToolCallResult, error) {
	conn, ok := m.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ambassador.ErrToolNotFound, toolName)
	}
	return conn.Call(ctx, toolName, args)
}

// RunningFingerprints returns name → config fingerprint for reconcile
// diffs.
func (m *Manager) RunningFingerprints() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.conns))
	for name, conn := range m.conns {
		out[name] = conn.Fingerprint()
	}
	return out
}

// Shutdown stops every shared connection.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]mcp.Conn)
	m.cfgs = make(map[string]ambassador.ServerConfig)
	m.mu.Unlock()

	for name, conn := range conns {
		if err := conn.Stop(ctx); err != nil {
			logger.Warnw("stopping shared backend", "name", name, "error", err.Error())
		}
	}
}

// sortedNamesLocked returns the backend names in stable order. Callers
// must hold at least the read lock.
func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
