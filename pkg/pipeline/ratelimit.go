// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sessionLimiter struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	perMin   int
	perHour  int
	lastSeen time.Time
}

// callLimiter enforces a profile's tool-call quotas per session. A zero
// quota means unlimited for that window.
type callLimiter struct {
	mu       sync.Mutex
	sessions map[string]*sessionLimiter
}

func newCallLimiter() *callLimiter {
	return &callLimiter{sessions: make(map[string]*sessionLimiter)}
}

// allow consumes one call from the session's quota, rebuilding the
// limiters if the effective profile's quotas changed mid-session.
func (l *callLimiter) allow(sessionID string, perMinute, perHour int) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.sessions {
		if now.Sub(entry.lastSeen) > 2*time.Hour {
			delete(l.sessions, id)
		}
	}

	entry, exists := l.sessions[sessionID]
	if !exists || entry.perMin != perMinute || entry.perHour != perHour {
		entry = &sessionLimiter{perMin: perMinute, perHour: perHour}
		if perMinute > 0 {
			entry.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		}
		if perHour > 0 {
			entry.hour = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		}
		l.sessions[sessionID] = entry
	}
	entry.lastSeen = now

	if entry.minute != nil && entry.hour != nil {
		minRes := entry.minute.Reserve()
		hourRes := entry.hour.Reserve()
		if minRes.Delay() == 0 && hourRes.Delay() == 0 {
			return true
		}
		minRes.Cancel()
		hourRes.Cancel()
		return false
	}
	if entry.minute != nil {
		return entry.minute.Allow()
	}
	if entry.hour != nil {
		return entry.hour.Allow()
	}
	return true
}

// forget releases a session's limiter state.
func (l *callLimiter) forget(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}
