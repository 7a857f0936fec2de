// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session drives the session state machine: heartbeat-based
// keepalive, idle detection, spindown of per-user resources, and
// expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/auth"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Lifecycle cadence.
const (
	EvaluateInterval = 60 * time.Second
	SweepInterval    = 15 * time.Minute
	ExpiredRetention = 30 * 24 * time.Hour

	heartbeatMinGap = 5 * time.Second
)

// Pool is the slice of the per-user pool the lifecycle needs.
type Pool interface {
	SpawnForUser(ctx context.Context, userID string) error
	TerminateForUser(ctx context.Context, userID string) error
	HasActiveInstances(userID string) bool
}

// Manager owns session state transitions. All transitions for one
// session are serialized through a per-session lock so the evaluator
// and a concurrent heartbeat cannot interleave.
type Manager struct {
	store storage.Store
	pool  Pool

	locks sync.Map // session ID → *sync.Mutex

	hbMu       sync.Mutex
	hbLimiters map[string]*rate.Limiter
}

// NewManager creates the lifecycle manager.
func NewManager(store storage.Store, pool Pool) *Manager {
	return &Manager{
		store:      store,
		pool:       pool,
		hbLimiters: make(map[string]*rate.Limiter),
	}
}

func (m *Manager) lockSession(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HeartbeatResult reports the session state after a heartbeat.
type HeartbeatResult struct {
	Status    storage.SessionStatus
	ExpiresAt time.Time
}

// Heartbeat extends a session's lease. Expiry never moves past
// created_at plus the hard TTL cap, and a dormant session transitions
// back to active with its per-user instances respawned.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (*HeartbeatResult, error) {
	if !m.allowHeartbeat(sessionID) {
		return nil, fmt.Errorf("%w: heartbeat too frequent", ambassador.ErrRateLimited)
	}

	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ambassador.ErrSessionExpired
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := time.Now()
	if session.Status == storage.SessionExpired || !session.ExpiresAt.After(now) {
		return nil, ambassador.ErrSessionExpired
	}

	// Extend by the TTL fixed at registration, never by the accumulated
	// lease, so repeated heartbeats cannot grow the extension.
	ttl := session.TTL
	if ttl <= 0 {
		ttl = auth.DefaultSessionTTL
	}
	if ttl > auth.HardMaxTTL {
		ttl = auth.HardMaxTTL
	}
	expiresAt := now.Add(ttl)
	if hardCap := session.CreatedAt.Add(auth.HardMaxTTL); expiresAt.After(hardCap) {
		expiresAt = hardCap
	}

	if err := m.store.TouchSession(ctx, sessionID, now, expiresAt); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}

	wasDormant := session.Status != storage.SessionActive
	if wasDormant {
		if err := m.store.UpdateSessionStatus(ctx, sessionID, storage.SessionActive); err != nil {
			return nil, fmt.Errorf("reactivating session: %w", err)
		}
	}
	if err := m.store.TouchConnectedHeartbeats(ctx, sessionID, now); err != nil {
		logger.Warnw("touching connection heartbeats", "session_id", sessionID, "error", err.Error())
	}

	// Active sessions can lose their instances too, for example after a
	// failed health probe, so the respawn check is unconditional.
	m.Activate(ctx, session.UserID)

	return &HeartbeatResult{Status: storage.SessionActive, ExpiresAt: expiresAt}, nil
}

// Activate ensures the user's per-user instances are running. Spawn
// failures, including a full pool, are never fatal to the caller: the
// session simply sees only shared tools until the next attempt.
func (m *Manager) Activate(ctx context.Context, userID string) {
	if m.pool.HasActiveInstances(userID) {
		return
	}
	if err := m.pool.SpawnForUser(ctx, userID); err != nil {
		logger.Errorw("spawning per-user pool", "user_id", userID, "error", err.Error())
	}
}

// allowHeartbeat enforces the per-session heartbeat floor.
func (m *Manager) allowHeartbeat(sessionID string) bool {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	lim, exists := m.hbLimiters[sessionID]
	if !exists {
		lim = rate.NewLimiter(rate.Every(heartbeatMinGap), 1)
		m.hbLimiters[sessionID] = lim
	}
	return lim.Allow()
}

// Touch records tool-call activity without the heartbeat rate limit.
// The lease itself is not extended; only heartbeats move expires_at.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if err := m.store.TouchSession(ctx, sessionID, time.Now(), session.ExpiresAt); err != nil {
		logger.Warnw("recording session activity", "session_id", sessionID, "error", err.Error())
		return
	}
	if session.Status == storage.SessionIdle {
		if err := m.store.UpdateSessionStatus(ctx, sessionID, storage.SessionActive); err != nil {
			logger.Warnw("reactivating session on activity", "session_id", sessionID, "error", err.Error())
		}
	}
}

// Expire force-expires one session, releasing per-user resources if no
// other live session of the same user remains. Used by the admin
// surface and by the evaluator.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if session.Status == storage.SessionExpired {
		return nil
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, storage.SessionExpired); err != nil {
		return fmt.Errorf("expiring session: %w", err)
	}
	m.releaseLimiter(sessionID)
	m.maybeReleaseUser(ctx, session.UserID)
	logger.Infow("session expired", "session_id", sessionID, "user_id", session.UserID)
	return nil
}

// maybeReleaseUser terminates the user's per-user instances when no
// live session remains to use them.
func (m *Manager) maybeReleaseUser(ctx context.Context, userID string) {
	live, err := m.store.CountLiveSessionsForUser(ctx, userID)
	if err != nil {
		logger.Warnw("counting live sessions", "user_id", userID, "error", err.Error())
		return
	}
	if live > 0 {
		return
	}
	if err := m.pool.TerminateForUser(ctx, userID); err != nil {
		logger.Warnw("terminating per-user pool", "user_id", userID, "error", err.Error())
	}
}

func (m *Manager) releaseLimiter(sessionID string) {
	m.hbMu.Lock()
	delete(m.hbLimiters, sessionID)
	m.hbMu.Unlock()
	m.locks.Delete(sessionID)
}
