// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shared

import (
	"context"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp"
)

// changeSet is the diff between the running pool and the desired catalog.
type changeSet struct {
	toAdd    []ambassador.ServerConfig
	toUpdate []ambassador.ServerConfig
	toRemove []string
}

// Reconcile drives the running pool toward the desired catalog. It
// computes the additions, fingerprint drifts, and removals, then applies
// them. Only one reconcile may run at a time; concurrent attempts fail
// fast with ErrReloadConflict.
func (m *Manager) Reconcile(ctx context.Context, desired []ambassador.ServerConfig) error {
	if !m.reconciling.CompareAndSwap(false, true) {
		return ambassador.ErrReloadConflict
	}
	defer m.reconciling.Store(false)

	changes := m.diff(desired)
	logger.Infow("reconciling shared pool",
		"add", len(changes.toAdd), "update", len(changes.toUpdate), "remove", len(changes.toRemove))

	for _, name := range changes.toRemove {
		if err := m.RemoveMcp(ctx, name); err != nil {
			logger.Warnw("removing backend during reconcile", "name", name, "error", err.Error())
		}
	}
	for _, cfg := range changes.toUpdate {
		if err := m.UpdateMcp(ctx, cfg); err != nil {
			logger.Errorw("updating backend during reconcile", "name", cfg.Name, "error", err.Error())
		}
	}
	for _, cfg := range changes.toAdd {
		if err := m.AddMcp(ctx, cfg); err != nil {
			logger.Errorw("adding backend during reconcile", "name", cfg.Name, "error", err.Error())
		}
	}
	return nil
}

// diff compares running fingerprints against the desired set.
func (m *Manager) diff(desired []ambassador.ServerConfig) changeSet {
	running := m.RunningFingerprints()

	var changes changeSet
	wanted := make(map[string]struct{}, len(desired))
	for _, cfg := range desired {
		if cfg.IsolationMode == ambassador.IsolationPerUser {
			continue
		}
		wanted[cfg.Name] = struct{}{}

		current, exists := running[cfg.Name]
		switch {
		case !exists:
			changes.toAdd = append(changes.toAdd, cfg)
		case current != mcp.Fingerprint(cfg):
			changes.toUpdate = append(changes.toUpdate, cfg)
		}
	}

	for name := range running {
		if _, ok := wanted[name]; !ok {
			changes.toRemove = append(changes.toRemove, name)
		}
	}
	return changes
}
