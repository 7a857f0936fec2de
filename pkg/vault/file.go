// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vault resolves per-user backend credentials. The file vault is
// a YAML document mapping user id to backend name to environment
// variables, reloaded on every lookup so operators can edit it live.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/ambassador/pkg/mcp"
)

const cacheTTL = 10 * time.Second

// FileVault reads credentials from a YAML file:
//
//	users:
//	  alice:
//	    github:
//	      GITHUB_TOKEN: ghp_...
type FileVault struct {
	path string

	mu       sync.Mutex
	cached   fileContents
	loadedAt time.Time
}

type fileContents struct {
	Users map[string]map[string]map[string]string `yaml:"users"`
}

// NewFileVault creates a vault backed by path. A missing file is not an
// error; it behaves as an empty vault so shared-only deployments need
// no credential file.
func NewFileVault(path string) *FileVault {
	return &FileVault{path: path}
}

// CredentialsFor returns the user's environment for one backend. ok is
// false when the user has no entry. Env variable names on the transport
// deny-list are rejected rather than silently dropped.
func (v *FileVault) CredentialsFor(_ context.Context, userID, mcpName string) (map[string]string, bool, error) {
	contents, err := v.load()
	if err != nil {
		return nil, false, err
	}

	env, ok := contents.Users[userID][mcpName]
	if !ok {
		return nil, false, nil
	}
	for name := range env {
		if err := mcp.CheckEnvName(name); err != nil {
			return nil, false, fmt.Errorf("credential for %s/%s: %w", userID, mcpName, err)
		}
	}
	return env, true, nil
}

func (v *FileVault) load() (fileContents, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if time.Since(v.loadedAt) < cacheTTL && v.cached.Users != nil {
		return v.cached, nil
	}

	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		v.cached = fileContents{Users: map[string]map[string]map[string]string{}}
		v.loadedAt = time.Now()
		return v.cached, nil
	}
	if err != nil {
		return fileContents{}, fmt.Errorf("reading credential file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return fileContents{}, fmt.Errorf("parsing credential file: %w", err)
	}
	if contents.Users == nil {
		contents.Users = map[string]map[string]map[string]string{}
	}
	v.cached = contents
	v.loadedAt = time.Now()
	return contents, nil
}
