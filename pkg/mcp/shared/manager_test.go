// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shared

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/mcp"
)

// fakeConn is a scriptable mcp.Conn.
type fakeConn struct {
	name        string
	fingerprint string
	tools       []ambassador.Tool
	state       mcp.State

	stopped atomic.Bool
	callErr error
}

func (f *fakeConn) Name() string             { return f.name }
func (f *fakeConn) State() mcp.State         { return f.state }
func (f *fakeConn) Fingerprint() string      { return f.fingerprint }
func (f *fakeConn) Tools() []ambassador.Tool { return f.tools }

func (f *fakeConn) Call(_ context.Context, toolName string, _ map[string]any) (*ambassador.ToolCallResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &ambassador.ToolCallResult{
		Content: []ambassador.Content{{Type: "text", Text: f.name + ":" + toolName}},
	}, nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

// fakeDialer builds fake connections and records dial order.
type fakeDialer struct {
	mu      sync.Mutex
	conns   map[string]*fakeConn
	dialErr map[string]error
	dialed  []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn), dialErr: make(map[string]error)}
}

func (d *fakeDialer) add(name string, tools ...string) *fakeConn {
	conn := &fakeConn{name: name, state: mcp.StateReady, fingerprint: "fp-" + name}
	for _, tool := range tools {
		conn.tools = append(conn.tools, ambassador.Tool{Name: tool, ServerName: name})
	}
	d.conns[name] = conn
	return conn
}

func (d *fakeDialer) dial(_ context.Context, cfg ambassador.ServerConfig, _ ...mcp.Option) (mcp.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, cfg.Name)
	if err := d.dialErr[cfg.Name]; err != nil {
		return nil, err
	}
	conn, ok := d.conns[cfg.Name]
	if !ok {
		conn = &fakeConn{name: cfg.Name, state: mcp.StateReady, fingerprint: mcp.Fingerprint(cfg)}
		d.conns[cfg.Name] = conn
	}
	return conn, nil
}

func sharedCfg(name string) ambassador.ServerConfig {
	return ambassador.ServerConfig{
		Name:      name,
		Transport: ambassador.TransportStdio,
		Command:   name + "-mcp",
	}
}

func TestInitializeSkipsPerUserAndToleratesFailures(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	dialer.add("alpha", "a_tool")
	dialer.dialErr["broken"] = errors.New("spawn failed")

	m := NewManager(WithDialFunc(dialer.dial))
	perUser := sharedCfg("peruser")
	perUser.IsolationMode = ambassador.IsolationPerUser

	err := m.Initialize(context.Background(), []ambassador.ServerConfig{
		sharedCfg("alpha"), sharedCfg("broken"), perUser,
	})
	require.NoError(t, err)

	catalog := m.ToolCatalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, "a_tool", catalog[0].Name)
	assert.NotContains(t, dialer.dialed, "peruser")
}

func TestToolCatalogCollisionFirstWins(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	dialer.add("alpha", "shared_tool", "alpha_only")
	dialer.add("beta", "shared_tool", "beta_only")

	m := NewManager(WithDialFunc(dialer.dial))
	require.NoError(t, m.Initialize(context.Background(),
		[]ambassador.ServerConfig{sharedCfg("alpha"), sharedCfg("beta")}))

	catalog := m.ToolCatalog()
	names := map[string]string{}
	for _, tool := range catalog {
		names[tool.Name] = tool.ServerName
	}
	assert.Len(t, catalog, 3)
	// alpha sorts before beta, so its duplicate wins.
	assert.Equal(t, "alpha", names["shared_tool"])

	conn, ok := m.Lookup("shared_tool")
	require.True(t, ok)
	assert.Equal(t, "alpha", conn.Name())
}

func TestInvokeRoutesToOwner(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	dialer.add("alpha", "a_tool")
	dialer.add("beta", "b_tool")

	m := NewManager(WithDialFunc(dialer.dial))
	require.NoError(t, m.Initialize(context.Background(),
		[]ambassador.ServerConfig{sharedCfg("alpha"), sharedCfg("beta")}))

	result, err := m.Invoke(context.Background(), "b_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, "beta:b_tool", result.Content[0].Text)

	_, err = m.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ambassador.ErrToolNotFound)
}

func TestReconcileAppliesDiff(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	m := NewManager(WithDialFunc(dialer.dial))

	alpha := sharedCfg("alpha")
	beta := sharedCfg("beta")
	require.NoError(t, m.Initialize(context.Background(), []ambassador.ServerConfig{alpha, beta}))

	alphaConn := dialer.conns["alpha"]
	betaConn := dialer.conns["beta"]

	// alpha drifts, beta disappears, gamma appears.
	alphaChanged := alpha
	alphaChanged.Args = []string{"--new-flag"}
	gamma := sharedCfg("gamma")

	require.NoError(t, m.Reconcile(context.Background(), []ambassador.ServerConfig{alphaChanged, gamma}))

	assert.True(t, alphaConn.stopped.Load(), "drifted backend must be restarted")
	assert.True(t, betaConn.stopped.Load(), "removed backend must be stopped")

	running := m.RunningFingerprints()
	assert.Contains(t, running, "alpha")
	assert.Contains(t, running, "gamma")
	assert.NotContains(t, running, "beta")
}

func TestReconcileSingleFlight(t *testing.T) {
	t.Parallel()

	m := NewManager(WithDialFunc(newFakeDialer().dial))
	m.reconciling.Store(true)

	err := m.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, ambassador.ErrReloadConflict)

	m.reconciling.Store(false)
	assert.NoError(t, m.Reconcile(context.Background(), nil))
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	alpha := dialer.add("alpha", "a_tool")

	m := NewManager(WithDialFunc(dialer.dial))
	require.NoError(t, m.Initialize(context.Background(), []ambassador.ServerConfig{sharedCfg("alpha")}))

	m.Shutdown(context.Background())
	assert.True(t, alpha.stopped.Load())
	assert.Empty(t, m.ToolCatalog())
}
