// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userpool

import (
	"context"
	"time"

	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp"
)

// Run drives the background health checker and idle reaper until the
// context is cancelled. Intended to be started once as a goroutine.
func (p *Pool) Run(ctx context.Context) {
	health := time.NewTicker(p.cfg.HealthInterval)
	defer health.Stop()
	reap := time.NewTicker(p.cfg.IdleReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			p.checkHealth(ctx)
		case <-reap.C:
			p.reapIdle(ctx)
		}
	}
}

// probe is an instance snapshot taken under the pool mutex, so the
// background loops never read instance fields concurrently with the
// request path.
type probe struct {
	userID  string
	mcpName string
	conn    mcp.Conn
	stale   bool
	idle    bool
}

// checkHealth pings every running instance. An instance that fails its
// probe is terminated and its quota released; it respawns on the user's
// next session activity.
func (p *Pool) checkHealth(ctx context.Context) {
	for _, inst := range p.snapshot(time.Time{}) {
		if inst.conn == nil || inst.conn.State() != mcp.StateReady {
			continue
		}
		if err := inst.conn.Ping(ctx); err != nil {
			logger.Warnw("per-user instance failed health probe",
				"user_id", inst.userID, "backend", inst.mcpName, "error", err.Error())
			p.removeInstance(inst.userID, inst.mcpName)
			if stopErr := inst.conn.Stop(ctx); stopErr != nil {
				logger.Warnw("stopping unhealthy instance",
					"user_id", inst.userID, "backend", inst.mcpName, "error", stopErr.Error())
			}
		}
	}
}

// reapIdle terminates instances unused past the idle timeout. A stale
// instance is reaped on the same idle condition: config drift alone
// never tears an instance out from under an active session.
func (p *Pool) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.InstanceIdleTimeout)
	for _, inst := range p.snapshot(cutoff) {
		if !inst.idle {
			continue
		}
		logger.Infow("reaping per-user instance",
			"user_id", inst.userID, "backend", inst.mcpName, "stale", inst.stale)
		p.removeInstance(inst.userID, inst.mcpName)
		if inst.conn != nil {
			if err := inst.conn.Stop(ctx); err != nil {
				logger.Warnw("stopping reaped instance",
					"user_id", inst.userID, "backend", inst.mcpName, "error", err.Error())
			}
		}
	}
}

// snapshot copies the instance state so probes run without holding the
// pool mutex. idle is evaluated against the cutoff while still locked.
func (p *Pool) snapshot(cutoff time.Time) []probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]probe, 0, p.total)
	for _, userInstances := range p.instances {
		for _, inst := range userInstances {
			out = append(out, probe{
				userID:  inst.userID,
				mcpName: inst.mcpName,
				conn:    inst.conn,
				stale:   inst.stale,
				idle:    inst.lastUsed.Before(cutoff),
			})
		}
	}
	return out
}
