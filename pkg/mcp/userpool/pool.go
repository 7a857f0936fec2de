// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package userpool supervises per-user instances of backend MCPs that
// require user credentials, under strict global and per-user caps.
package userpool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp"
)

// Defaults for pool supervision.
const (
	DefaultMaxTotalInstances   = 64
	DefaultMaxInstancesPerUser = 4
	DefaultHealthInterval      = 60 * time.Second
	DefaultIdleReapInterval    = 60 * time.Second
	DefaultInstanceIdleTimeout = 15 * time.Minute
)

var runningInstances = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ambassador_user_pool_instances",
	Help: "Currently running per-user MCP instances.",
})

// CredentialSource resolves a user's decrypted credentials for one
// backend. The vault itself is an external collaborator; the pool only
// sees the resulting environment variables. ok is false when the user
// has no credentials or no group access for the backend.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, userID, mcpName string) (env map[string]string, ok bool, err error)
}

// Config configures the pool.
type Config struct {
	// Servers are the catalog entries with isolation_mode=per_user.
	Servers []ambassador.ServerConfig

	// MaxTotalInstances caps instances across all users.
	MaxTotalInstances int

	// MaxInstancesPerUser caps instances per user.
	MaxInstancesPerUser int

	// HealthInterval is the probe period for running instances.
	HealthInterval time.Duration

	// IdleReapInterval is how often stale and idle instances are swept.
	IdleReapInterval time.Duration

	// InstanceIdleTimeout is how long an unused instance survives.
	InstanceIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTotalInstances <= 0 {
		c.MaxTotalInstances = DefaultMaxTotalInstances
	}
	if c.MaxInstancesPerUser <= 0 {
		c.MaxInstancesPerUser = DefaultMaxInstancesPerUser
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.IdleReapInterval <= 0 {
		c.IdleReapInterval = DefaultIdleReapInterval
	}
	if c.InstanceIdleTimeout <= 0 {
		c.InstanceIdleTimeout = DefaultInstanceIdleTimeout
	}
	return c
}

// instance is one running per-user backend.
type instance struct {
	conn     mcp.Conn
	userID   string
	mcpName  string
	stale    bool
	lastUsed time.Time
}

// Pool maintains at most one instance per (backend, user) pair. All
// admission decisions and map mutations happen under the pool mutex;
// subprocess starts and stops happen outside it.
type Pool struct {
	cfg   Config
	creds CredentialSource
	dial  mcp.DialFunc

	mu        sync.Mutex
	instances map[string]map[string]*instance // userID → mcpName → instance
	total     int
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialFunc overrides how per-user connections are established.
func WithDialFunc(dial mcp.DialFunc) Option {
	return func(p *Pool) {
		p.dial = dial
	}
}

// NewPool creates the per-user pool supervisor.
func NewPool(cfg Config, creds CredentialSource, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		creds:     creds,
		dial:      mcp.Dial,
		instances: make(map[string]map[string]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SpawnForUser creates one instance of each per-user backend the user has
// credentials and access for. Admission is checked per instance in
// order: global cap first (ErrPoolExhausted), then the per-user cap
// (ErrUserQuotaExceeded). On any failure, including context
// cancellation, instances created by this call are rolled back.
func (p *Pool) SpawnForUser(ctx context.Context, userID string) error {
	var spawned []*instance

	rollback := func() {
		for _, inst := range spawned {
			p.removeInstance(inst.userID, inst.mcpName)
			if err := inst.conn.Stop(context.Background()); err != nil {
				logger.Warnw("rolling back per-user instance",
					"user_id", userID, "backend", inst.mcpName, "error", err.Error())
			}
		}
	}

	for _, cfg := range p.perUserConfigs() {
		if err := ctx.Err(); err != nil {
			rollback()
			return err
		}

		env, ok, err := p.creds.CredentialsFor(ctx, userID, cfg.Name)
		if err != nil {
			rollback()
			return fmt.Errorf("resolving credentials for %s/%s: %w", userID, cfg.Name, err)
		}
		if !ok {
			continue
		}

		if err := p.admit(userID, cfg.Name); err != nil {
			rollback()
			return err
		}

		conn, err := p.dial(ctx, cfg, mcp.WithExtraEnv(env))
		if err != nil {
			p.removeReservation(userID, cfg.Name)
			rollback()
			return fmt.Errorf("spawning %s for user %s: %w", cfg.Name, userID, err)
		}

		inst := p.commit(userID, cfg.Name, conn)
		spawned = append(spawned, inst)
	}

	logger.Infow("per-user pool spawned", "user_id", userID, "instances", len(spawned))
	return nil
}

// admit reserves a slot under the caps, recording a placeholder so that
// concurrent spawns observe the reservation. The ordered checks are the
// admission policy: global cap, then user quota.
func (p *Pool) admit(userID, mcpName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total >= p.cfg.MaxTotalInstances {
		return fmt.Errorf("%w: %d instances running", ambassador.ErrPoolExhausted, p.total)
	}
	if len(p.instances[userID]) >= p.cfg.MaxInstancesPerUser {
		return fmt.Errorf("%w: user %s has %d instances",
			ambassador.ErrUserQuotaExceeded, userID, len(p.instances[userID]))
	}
	if _, exists := p.instances[userID][mcpName]; exists {
		// At most one instance per (backend, user).
		return fmt.Errorf("instance %s already running for user %s", mcpName, userID)
	}

	if p.instances[userID] == nil {
		p.instances[userID] = make(map[string]*instance)
	}
	p.instances[userID][mcpName] = &instance{userID: userID, mcpName: mcpName, lastUsed: time.Now()}
	p.total++
	runningInstances.Set(float64(p.total))
	return nil
}

// commit attaches the started connection to its reservation.
func (p *Pool) commit(userID, mcpName string, conn mcp.Conn) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst := p.instances[userID][mcpName]
	inst.conn = conn
	return inst
}

// removeReservation releases a slot whose spawn failed.
func (p *Pool) removeReservation(userID, mcpName string) {
	p.removeInstance(userID, mcpName)
}

// removeInstance forgets an instance and releases its quota.
func (p *Pool) removeInstance(userID, mcpName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.instances[userID][mcpName]; !exists {
		return
	}
	delete(p.instances[userID], mcpName)
	if len(p.instances[userID]) == 0 {
		delete(p.instances, userID)
	}
	p.total--
	runningInstances.Set(float64(p.total))
}

// TerminateForUser stops and removes all of the user's instances,
// releasing their quota. It is idempotent.
func (p *Pool) TerminateForUser(ctx context.Context, userID string) error {
	p.mu.Lock()
	userInstances := p.instances[userID]
	delete(p.instances, userID)
	p.total -= len(userInstances)
	runningInstances.Set(float64(p.total))
	p.mu.Unlock()

	for name, inst := range userInstances {
		if inst.conn == nil {
			continue
		}
		if err := inst.conn.Stop(ctx); err != nil {
			logger.Warnw("stopping per-user instance", "user_id", userID, "backend", name, "error", err.Error())
		}
	}
	if len(userInstances) > 0 {
		logger.Infow("per-user pool terminated", "user_id", userID, "instances", len(userInstances))
	}
	return nil
}

// HasActiveInstances reports whether the user has any running instances.
func (p *Pool) HasActiveInstances(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances[userID]) > 0
}

// Catalog returns the user's per-user tool catalog, each tool namespaced
// as "<mcp>.<tool>".
func (p *Pool) Catalog(userID string) []ambassador.Tool {
	type entry struct {
		mcpName string
		conn    mcp.Conn
	}

	p.mu.Lock()
	entries := make([]entry, 0, len(p.instances[userID]))
	for _, inst := range p.instances[userID] {
		entries = append(entries, entry{mcpName: inst.mcpName, conn: inst.conn})
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mcpName < entries[j].mcpName
	})

	var catalog []ambassador.Tool
	for _, e := range entries {
		if e.conn == nil || e.conn.State() != mcp.StateReady {
			continue
		}
		for _, tool := range e.conn.Tools() {
			tool.Name = e.mcpName + "." + tool.Name
			catalog = append(catalog, tool)
		}
	}
	return catalog
}

// Lookup resolves a namespaced tool name to the user's owning connection
// and the backend-facing tool name.
func (p *Pool) Lookup(userID, toolName string) (mcp.Conn, string, bool) {
	mcpName, backendTool, ok := strings.Cut(toolName, ".")
	if !ok {
		return nil, "", false
	}

	p.mu.Lock()
	var conn mcp.Conn
	if inst, exists := p.instances[userID][mcpName]; exists {
		conn = inst.conn
	}
	p.mu.Unlock()
	if conn == nil || conn.State() != mcp.StateReady {
		return nil, "", false
	}

	for _, tool := range conn.Tools() {
		if tool.Name == backendTool {
			return conn, backendTool, true
		}
	}
	return nil, "", false
}

// Invoke dispatches a namespaced tool call to the user's instance.
func (p *Pool) Invoke(ctx context.Context, userID, toolName string, args map[string]any) (*ambassador.ToolCallResult, error) {
	conn, backendTool, ok := p.Lookup(userID, toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s for user %s", ambassador.ErrToolNotFound, toolName, userID)
	}

	p.touch(userID, toolName)
	return conn.Call(ctx, backendTool, args)
}

// touch records activity for the idle reaper.
func (p *Pool) touch(userID, toolName string) {
	mcpName, _, _ := strings.Cut(toolName, ".")
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, exists := p.instances[userID][mcpName]; exists {
		inst.lastUsed = time.Now()
	}
}

// UpdateConfigs marks running instances stale when their config
// fingerprint drifted from the desired catalog. Stale instances keep
// serving their current sessions and are terminated by the idle reaper;
// the next spawn picks up the new config.
func (p *Pool) UpdateConfigs(desired []ambassador.ServerConfig) {
	fingerprints := make(map[string]string, len(desired))
	for _, cfg := range desired {
		if cfg.IsolationMode == ambassador.IsolationPerUser {
			fingerprints[cfg.Name] = mcp.Fingerprint(cfg)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Servers = desired
	marked := 0
	for _, userInstances := range p.instances {
		for name, inst := range userInstances {
			want, exists := fingerprints[name]
			if !exists || (inst.conn != nil && inst.conn.Fingerprint() != want) {
				inst.stale = true
				marked++
			}
		}
	}
	if marked > 0 {
		logger.Infow("marked per-user instances stale", "count", marked)
	}
}

// perUserConfigs returns the catalog entries this pool supervises.
// Reads under the mutex because UpdateConfigs replaces the slice.
func (p *Pool) perUserConfigs() []ambassador.ServerConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ambassador.ServerConfig
	for _, cfg := range p.cfg.Servers {
		if cfg.IsolationMode == ambassador.IsolationPerUser {
			out = append(out, cfg)
		}
	}
	return out
}

// TotalRunning returns the number of running instances across all users.
func (p *Pool) TotalRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Shutdown terminates every instance.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	users := make([]string, 0, len(p.instances))
	for userID := range p.instances {
		users = append(users, userID)
	}
	p.mu.Unlock()

	for _, userID := range users {
		_ = p.TerminateForUser(ctx, userID)
	}
}
