// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	cfg := ambassador.ServerConfig{
		Name:      "github",
		Transport: ambassador.TransportStdio,
		Command:   "github-mcp",
		Args:      []string{"--stdio"},
		Env:       map[string]string{"GITHUB_TOKEN": "secret"},
	}
	assert.Equal(t, Fingerprint(cfg), Fingerprint(cfg))
}

func TestFingerprintIgnoresEnvValues(t *testing.T) {
	t.Parallel()

	a := ambassador.ServerConfig{
		Name:      "github",
		Transport: ambassador.TransportStdio,
		Command:   "github-mcp",
		Env:       map[string]string{"GITHUB_TOKEN": "old"},
	}
	b := a
	b.Env = map[string]string{"GITHUB_TOKEN": "rotated"}

	// Credential rotation must not force an instance restart.
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.Env = map[string]string{"OTHER_VAR": "x"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestFingerprintChangesOnCommand(t *testing.T) {
	t.Parallel()

	a := ambassador.ServerConfig{Name: "fs", Transport: ambassador.TransportStdio, Command: "fs-mcp"}
	b := a
	b.Command = "fs-mcp-v2"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := a
	c.Args = []string{"--readonly"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}
