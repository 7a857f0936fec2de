// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "environment: staging\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8484", cfg.Listen)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "ambassador.db", cfg.Database.Path)
	assert.Equal(t, "ambassador.secret", cfg.Secret.Path)
	assert.Equal(t, "buffer", cfg.Audit.Mode)
	assert.Empty(t, cfg.AdminToken)
	assert.Empty(t, cfg.Servers)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: 0.0.0.0:9090
environment: production
admin_token: s3cret
database:
  path: /var/lib/ambassador/state.db
audit:
  mode: block
  ring_size: 2048
  flush_interval: 10s
pool:
  max_total_instances: 128
  max_instances_per_user: 8
  instance_idle_timeout: 20m
vault:
  path: /etc/ambassador/credentials.yaml
servers:
  - name: github
    transport: stdio
    command: github-mcp
    isolation_mode: per_user
  - name: search
    transport: sse
    url: https://search.internal/sse
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "s3cret", cfg.AdminToken)
	assert.Equal(t, "block", cfg.Audit.Mode)
	assert.Equal(t, 2048, cfg.Audit.RingSize)
	assert.Equal(t, 10*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, 128, cfg.Pool.MaxTotalInstances)
	assert.Equal(t, 20*time.Minute, cfg.Pool.InstanceIdleTimeout)
	assert.Equal(t, "/etc/ambassador/credentials.yaml", cfg.Vault.Path)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, ambassador.TransportStdio, cfg.Servers[0].Transport)
	assert.Equal(t, ambassador.IsolationPerUser, cfg.Servers[0].IsolationMode)
	assert.Equal(t, ambassador.TransportSSE, cfg.Servers[1].Transport)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AMBASSADOR_LISTEN", "127.0.0.1:7777")
	t.Setenv("AMBASSADOR_DATABASE_PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, "environment: staging\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Listen)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad audit mode",
			yaml:    "audit:\n  mode: firehose\n",
			wantErr: "audit.mode",
		},
		{
			name: "duplicate server name",
			yaml: `
servers:
  - name: github
    transport: stdio
    command: a
  - name: github
    transport: stdio
    command: b
`,
			wantErr: "duplicate server name",
		},
		{
			name: "missing server name",
			yaml: "servers:\n  - transport: stdio\n    command: a\n",
			wantErr: "missing name",
		},
		{
			name:    "stdio without command",
			yaml:    "servers:\n  - name: github\n    transport: stdio\n",
			wantErr: "requires command",
		},
		{
			name:    "sse without url",
			yaml:    "servers:\n  - name: search\n    transport: sse\n",
			wantErr: "requires url",
		},
		{
			name:    "unknown transport",
			yaml:    "servers:\n  - name: search\n    transport: carrier-pigeon\n",
			wantErr: "unknown transport",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
