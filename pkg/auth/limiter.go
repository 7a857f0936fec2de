// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Auth attempt limits per source IP.
const (
	attemptsPerMinute = 10
	attemptsPerHour   = 100
	limiterIdleEvict  = 2 * time.Hour
)

type ipLimiter struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// AttemptLimiter throttles authentication attempts per source IP with
// two stacked windows. Entries idle past limiterIdleEvict are dropped
// during lookups to bound memory.
type AttemptLimiter struct {
	mu  sync.Mutex
	ips map[string]*ipLimiter
}

// NewAttemptLimiter creates an empty limiter.
func NewAttemptLimiter() *AttemptLimiter {
	return &AttemptLimiter{ips: make(map[string]*ipLimiter)}
}

// Allow reports whether another attempt from ip is permitted and, if
// not, how long the caller should wait.
func (l *AttemptLimiter) Allow(ip string) (bool, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for addr, entry := range l.ips {
		if now.Sub(entry.lastSeen) > limiterIdleEvict {
			delete(l.ips, addr)
		}
	}

	entry, exists := l.ips[ip]
	if !exists {
		entry = &ipLimiter{
			minute: rate.NewLimiter(rate.Every(time.Minute/attemptsPerMinute), attemptsPerMinute),
			hour:   rate.NewLimiter(rate.Every(time.Hour/attemptsPerHour), attemptsPerHour),
		}
		l.ips[ip] = entry
	}
	entry.lastSeen = now

	minuteRes := entry.minute.Reserve()
	hourRes := entry.hour.Reserve()
	minuteDelay := minuteRes.Delay()
	hourDelay := hourRes.Delay()
	if minuteDelay == 0 && hourDelay == 0 {
		return true, 0
	}

	minuteRes.Cancel()
	hourRes.Cancel()
	if hourDelay > minuteDelay {
		return false, hourDelay
	}
	return false, minuteDelay
}
