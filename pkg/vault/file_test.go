// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVault(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCredentialsFor(t *testing.T) {
	t.Parallel()

	v := NewFileVault(writeVault(t, `
users:
  alice:
    github:
      GITHUB_TOKEN: ghp_alice
      GITHUB_HOST: github.internal
  bob:
    jira:
      JIRA_TOKEN: jt_bob
`))

	env, ok, err := v.CredentialsFor(context.Background(), "alice", "github")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"GITHUB_TOKEN": "ghp_alice",
		"GITHUB_HOST":  "github.internal",
	}, env)

	// No entry for the backend or the user reports ok=false, not an error.
	_, ok, err = v.CredentialsFor(context.Background(), "alice", "jira")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = v.CredentialsFor(context.Background(), "mallory", "github")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCredentialsRejectDeniedEnvNames(t *testing.T) {
	t.Parallel()

	v := NewFileVault(writeVault(t, `
users:
  alice:
    github:
      PATH: /tmp/evil
`))

	_, _, err := v.CredentialsFor(context.Background(), "alice", "github")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PATH")
}

func TestMissingFileIsEmptyVault(t *testing.T) {
	t.Parallel()

	v := NewFileVault(filepath.Join(t.TempDir(), "absent.yaml"))
	_, ok, err := v.CredentialsFor(context.Background(), "alice", "github")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedFile(t *testing.T) {
	t.Parallel()

	v := NewFileVault(writeVault(t, "users: [not, a, map]\n"))
	_, _, err := v.CredentialsFor(context.Background(), "alice", "github")
	assert.Error(t, err)
}
