// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

// Fingerprint returns a canonical hash of the connection-relevant parts
// of a server config. Managers compare fingerprints to detect config
// drift during reconcile. Env var values are deliberately excluded; only
// the key set participates, so rotating a credential does not force a
// restart while adding or removing one does.
func Fingerprint(cfg ambassador.ServerConfig) string {
	envKeys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)

	canonical := struct {
		Transport ambassador.TransportType `json:"transport"`
		Command   string                   `json:"command,omitempty"`
		Args      []string                 `json:"args,omitempty"`
		URL       string                   `json:"url,omitempty"`
		EnvKeys   []string                 `json:"env_keys,omitempty"`
	}{
		Transport: cfg.Transport,
		Command:   cfg.Command,
		Args:      cfg.Args,
		URL:       cfg.URL,
		EnvKeys:   envKeys,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of the struct above cannot fail; keep the signature simple.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
