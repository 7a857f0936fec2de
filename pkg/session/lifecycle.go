// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Run drives the periodic lifecycle evaluator and the expired-session
// sweeper until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	evaluate := time.NewTicker(EvaluateInterval)
	defer evaluate.Stop()
	sweep := time.NewTicker(SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evaluate.C:
			m.evaluate(ctx)
		case <-sweep.C:
			m.sweep(ctx)
		}
	}
}

// evaluate advances every live session through the state machine:
//
//	active → idle            after idle_timeout without activity
//	idle → spinning_down     after a further spindown_delay
//	spinning_down → expired  once per-user resources are released
//	any live → expired       once expires_at passes
func (m *Manager) evaluate(ctx context.Context) {
	sessions, err := m.store.ListSessions(ctx, storage.SessionFilter{Statuses: storage.LiveSessionStatuses})
	if err != nil {
		logger.Errorw("listing live sessions", "error", err.Error())
		return
	}

	now := time.Now()
	for _, s := range sessions {
		m.evaluateOne(ctx, s.ID, now)
	}
}

func (m *Manager) evaluateOne(ctx context.Context, sessionID string, now time.Time) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	// Re-read under the lock; a heartbeat may have landed since the list.
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}

	if !s.ExpiresAt.After(now) {
		if err := m.store.UpdateSessionStatus(ctx, s.ID, storage.SessionExpired); err != nil {
			logger.Warnw("expiring session", "session_id", s.ID, "error", err.Error())
			return
		}
		m.releaseLimiter(s.ID)
		m.maybeReleaseUser(ctx, s.UserID)
		logger.Infow("session expired", "session_id", s.ID, "user_id", s.UserID)
		return
	}

	idleFor := now.Sub(s.LastActivityAt)
	switch s.Status {
	case storage.SessionActive:
		if idleFor >= s.IdleTimeout {
			if err := m.store.UpdateSessionStatus(ctx, s.ID, storage.SessionIdle); err != nil {
				logger.Warnw("marking session idle", "session_id", s.ID, "error", err.Error())
			}
		}
	case storage.SessionIdle:
		if idleFor >= s.IdleTimeout+s.SpindownDelay {
			if err := m.store.UpdateSessionStatus(ctx, s.ID, storage.SessionSpinningDown); err != nil {
				logger.Warnw("marking session spinning down", "session_id", s.ID, "error", err.Error())
				return
			}
			m.releaseUnlessBusy(ctx, s.UserID)
			logger.Infow("session spinning down", "session_id", s.ID, "user_id", s.UserID)
		}
	case storage.SessionSpinningDown:
		// Resources already released; the session stays resumable by
		// heartbeat until expires_at passes.
		m.releaseUnlessBusy(ctx, s.UserID)
	}
}

// releaseUnlessBusy terminates the user's per-user instances unless
// another session of the same user is still active or idle. Sessions
// already spinning down do not hold resources.
func (m *Manager) releaseUnlessBusy(ctx context.Context, userID string) {
	busy, err := m.store.ListSessions(ctx, storage.SessionFilter{
		Statuses: []storage.SessionStatus{storage.SessionActive, storage.SessionIdle},
		UserID:   userID,
	})
	if err != nil {
		logger.Warnw("listing busy sessions", "user_id", userID, "error", err.Error())
		return
	}
	if len(busy) > 0 {
		return
	}
	if err := m.pool.TerminateForUser(ctx, userID); err != nil {
		logger.Warnw("terminating per-user pool", "user_id", userID, "error", err.Error())
	}
}

// sweep hard-deletes expired sessions past the retention window.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-ExpiredRetention)
	deleted, err := m.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		logger.Errorw("sweeping expired sessions", "error", err.Error())
		return
	}
	if deleted > 0 {
		logger.Infow("swept expired sessions", "deleted", deleted)
	}
}
