// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/mcp"
)

type fakeConn struct {
	name        string
	fingerprint string
	tools       []ambassador.Tool
	stopped     atomic.Bool
	pingErr     error
}

func (f *fakeConn) Name() string             { return f.name }
func (f *fakeConn) State() mcp.State         { return mcp.StateReady }
func (f *fakeConn) Fingerprint() string      { return f.fingerprint }
func (f *fakeConn) Tools() []ambassador.Tool { return f.tools }

func (f *fakeConn) Call(_ context.Context, toolName string, _ map[string]any) (*ambassador.ToolCallResult, error) {
	return &ambassador.ToolCallResult{
		Content: []ambassador.Content{{Type: "text", Text: f.name + ":" + toolName}},
	}, nil
}

func (f *fakeConn) Ping(context.Context) error { return f.pingErr }

func (f *fakeConn) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

// staticCreds grants every listed user access to every backend.
type staticCreds struct {
	users map[string]bool
}

func (c staticCreds) CredentialsFor(_ context.Context, userID, _ string) (map[string]string, bool, error) {
	if !c.users[userID] {
		return nil, false, nil
	}
	return map[string]string{"API_TOKEN": "tok-" + userID}, true, nil
}

type dialRecorder struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  map[string]error
}

func (d *dialRecorder) dial(_ context.Context, cfg ambassador.ServerConfig, _ ...mcp.Option) (mcp.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[cfg.Name]; err != nil {
		return nil, err
	}
	conn := &fakeConn{
		name:        cfg.Name,
		fingerprint: mcp.Fingerprint(cfg),
		tools:       []ambassador.Tool{{Name: "run", ServerName: cfg.Name}},
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func perUserCfg(name string) ambassador.ServerConfig {
	return ambassador.ServerConfig{
		Name:          name,
		Transport:     ambassador.TransportStdio,
		Command:       name + "-mcp",
		IsolationMode: ambassador.IsolationPerUser,
	}
}

func newTestPool(t *testing.T, cfg Config, creds CredentialSource, rec *dialRecorder) *Pool {
	t.Helper()
	if rec == nil {
		rec = &dialRecorder{}
	}
	return NewPool(cfg, creds, WithDialFunc(rec.dial))
}

func TestSpawnForUserCreatesInstances(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github"), perUserCfg("jira")},
	}, staticCreds{users: map[string]bool{"alice": true}}, nil)

	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))
	assert.True(t, p.HasActiveInstances("alice"))
	assert.Equal(t, 2, p.TotalRunning())

	catalog := p.Catalog("alice")
	names := make([]string, 0, len(catalog))
	for _, tool := range catalog {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"github.run", "jira.run"}, names)
}

func TestSpawnSkipsUsersWithoutCredentials(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github")},
	}, staticCreds{users: map[string]bool{}}, nil)

	require.NoError(t, p.SpawnForUser(context.Background(), "mallory"))
	assert.False(t, p.HasActiveInstances("mallory"))
	assert.Zero(t, p.TotalRunning())
}

func TestGlobalCapRejectsBeforeUserQuota(t *testing.T) {
	t.Parallel()

	creds := staticCreds{users: map[string]bool{"alice": true, "bob": true}}
	p := newTestPool(t, Config{
		Servers:             []ambassador.ServerConfig{perUserCfg("github"), perUserCfg("jira")},
		MaxTotalInstances:   3,
		MaxInstancesPerUser: 2,
	}, creds, nil)

	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))

	// bob's second instance hits the global cap of 3.
	err := p.SpawnForUser(context.Background(), "bob")
	require.ErrorIs(t, err, ambassador.ErrPoolExhausted)

	// Failed admission must roll back everything bob got.
	assert.False(t, p.HasActiveInstances("bob"))
	assert.Equal(t, 2, p.TotalRunning())
}

func TestUserQuotaExceeded(t *testing.T) {
	t.Parallel()

	creds := staticCreds{users: map[string]bool{"alice": true}}
	p := newTestPool(t, Config{
		Servers:             []ambassador.ServerConfig{perUserCfg("github"), perUserCfg("jira")},
		MaxTotalInstances:   10,
		MaxInstancesPerUser: 1,
	}, creds, nil)

	err := p.SpawnForUser(context.Background(), "alice")
	require.ErrorIs(t, err, ambassador.ErrUserQuotaExceeded)
	assert.False(t, p.HasActiveInstances("alice"))
	assert.Zero(t, p.TotalRunning())
}

func TestSpawnRollsBackOnDialFailure(t *testing.T) {
	t.Parallel()

	rec := &dialRecorder{fail: map[string]error{"jira": errors.New("binary missing")}}
	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github"), perUserCfg("jira")},
	}, staticCreds{users: map[string]bool{"alice": true}}, rec)

	err := p.SpawnForUser(context.Background(), "alice")
	require.Error(t, err)

	assert.False(t, p.HasActiveInstances("alice"))
	assert.Zero(t, p.TotalRunning())
	for _, conn := range rec.conns {
		assert.True(t, conn.stopped.Load(), "partially spawned instance %s must be stopped", conn.name)
	}
}

func TestTerminateForUserIdempotent(t *testing.T) {
	t.Parallel()

	rec := &dialRecorder{}
	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github")},
	}, staticCreds{users: map[string]bool{"alice": true}}, rec)

	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))
	require.NoError(t, p.TerminateForUser(context.Background(), "alice"))
	assert.False(t, p.HasActiveInstances("alice"))
	assert.Zero(t, p.TotalRunning())
	assert.True(t, rec.conns[0].stopped.Load())

	// Terminating again is a no-op.
	require.NoError(t, p.TerminateForUser(context.Background(), "alice"))
}

func TestInvokeNamespacedTool(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github")},
	}, staticCreds{users: map[string]bool{"alice": true}}, nil)
	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))

	result, err := p.Invoke(context.Background(), "alice", "github.run", nil)
	require.NoError(t, err)
	assert.Equal(t, "github:run", result.Content[0].Text)

	// Another user cannot reach alice's instance.
	_, err = p.Invoke(context.Background(), "bob", "github.run", nil)
	assert.ErrorIs(t, err, ambassador.ErrToolNotFound)

	// Unknown namespaced names miss.
	_, err = p.Invoke(context.Background(), "alice", "github.missing", nil)
	assert.ErrorIs(t, err, ambassador.ErrToolNotFound)
}

// backdate rewinds an instance's activity clock for reaper tests.
func backdate(p *Pool, userID, mcpName string, to time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[userID][mcpName]; ok {
		inst.lastUsed = to
	}
}

func TestStaleInstanceSurvivesUntilIdle(t *testing.T) {
	t.Parallel()

	cfg := perUserCfg("github")
	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{cfg},
	}, staticCreds{users: map[string]bool{"alice": true}}, nil)
	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))

	changed := cfg
	changed.Args = []string{"--new"}
	p.UpdateConfigs([]ambassador.ServerConfig{changed})

	// Just used: config drift alone must not tear the instance out from
	// under an active session.
	_, err := p.Invoke(context.Background(), "alice", "github.run", nil)
	require.NoError(t, err)
	p.reapIdle(context.Background())
	assert.True(t, p.HasActiveInstances("alice"))

	// Once idle past the timeout the stale instance goes.
	backdate(p, "alice", "github", time.Now().Add(-DefaultInstanceIdleTimeout-time.Minute))
	p.reapIdle(context.Background())
	assert.False(t, p.HasActiveInstances("alice"))
}

func TestReapIdleTerminatesUnusedInstance(t *testing.T) {
	t.Parallel()

	rec := &dialRecorder{}
	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github")},
	}, staticCreds{users: map[string]bool{"alice": true}}, rec)
	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))

	p.reapIdle(context.Background())
	assert.True(t, p.HasActiveInstances("alice"))

	backdate(p, "alice", "github", time.Now().Add(-DefaultInstanceIdleTimeout-time.Minute))
	p.reapIdle(context.Background())
	assert.False(t, p.HasActiveInstances("alice"))
	assert.True(t, rec.conns[0].stopped.Load())
}

// allowAllCreds grants every user access to every backend.
type allowAllCreds struct{}

func (allowAllCreds) CredentialsFor(context.Context, string, string) (map[string]string, bool, error) {
	return map[string]string{"API_TOKEN": "tok"}, true, nil
}

func TestConcurrentReloadAndSpawn(t *testing.T) {
	t.Parallel()

	cfg := perUserCfg("github")
	p := newTestPool(t, Config{
		Servers:           []ambassador.ServerConfig{cfg},
		MaxTotalInstances: 256,
	}, allowAllCreds{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			changed := cfg
			changed.Args = []string{"--gen"}
			p.UpdateConfigs([]ambassador.ServerConfig{changed})
		}()
		go func(i int) {
			defer wg.Done()
			require.NoError(t, p.SpawnForUser(context.Background(), fmt.Sprintf("user-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, p.TotalRunning())
}

func TestHealthCheckTerminatesFailingInstance(t *testing.T) {
	t.Parallel()

	rec := &dialRecorder{}
	p := newTestPool(t, Config{
		Servers: []ambassador.ServerConfig{perUserCfg("github")},
	}, staticCreds{users: map[string]bool{"alice": true}}, rec)
	require.NoError(t, p.SpawnForUser(context.Background(), "alice"))

	rec.conns[0].pingErr = errors.New("broken pipe")
	p.checkHealth(context.Background())

	assert.False(t, p.HasActiveInstances("alice"))
	assert.True(t, rec.conns[0].stopped.Load())
}
