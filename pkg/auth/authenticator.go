// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Session TTL bounds. Requested TTLs are clamped; the hard maximum is
// enforced again at heartbeat so no extension pushes expiry past
// created_at + HardMaxTTL.
const (
	DefaultSessionTTL = 8 * time.Hour
	HardMaxTTL        = 24 * time.Hour

	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSpindownDelay = 15 * time.Minute
)

// RegisterRequest carries the parameters for a session registration.
type RegisterRequest struct {
	Key           string
	TTL           time.Duration
	IdleTimeout   time.Duration
	SpindownDelay time.Duration
	SourceIP      string
	ClientID      string
}

// RegisterResult is what a successful registration returns to the
// caller. Token is shown exactly once.
type RegisterResult struct {
	SessionID string
	Token     string
	UserID    string
	ProfileID string
	ExpiresAt time.Time
}

// Authenticator validates preshared keys and session tokens against
// storage and the current signing secret.
type Authenticator struct {
	store   storage.Store
	keeper  *SecretKeeper
	limiter *AttemptLimiter
}

// NewAuthenticator wires the authenticator to its stores.
func NewAuthenticator(store storage.Store, keeper *SecretKeeper) *Authenticator {
	return &Authenticator{
		store:   store,
		keeper:  keeper,
		limiter: NewAttemptLimiter(),
	}
}

// RegisterSession exchanges a preshared key for a session token. Every
// failure except rate limiting costs at least one argon2 verification
// so timing does not reveal whether the prefix matched anything.
func (a *Authenticator) RegisterSession(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if allowed, wait := a.limiter.Allow(req.SourceIP); !allowed {
		return nil, fmt.Errorf("%w: retry in %s", ambassador.ErrRateLimited, wait.Round(time.Second))
	}

	prefix, err := SplitKey(req.Key)
	if err != nil {
		VerifyDummy()
		return nil, err
	}

	key, err := a.matchKey(ctx, prefix, req.Key)
	if err != nil {
		return nil, err
	}

	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return nil, ambassador.ErrInvalidKey
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, ambassador.ErrInvalidKey
	}
	if user.Status != storage.UserActive {
		return nil, fmt.Errorf("%w: user not active", ambassador.ErrUnauthorized)
	}

	now := time.Now()
	ttl := clampTTL(req.TTL)
	idle := req.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	spindown := req.SpindownDelay
	if spindown <= 0 {
		spindown = DefaultSpindownDelay
	}

	sessionID := uuid.NewString()
	token, mac, nonce, err := MintToken(a.keeper.Secret(), sessionID)
	if err != nil {
		return nil, err
	}

	session := storage.Session{
		ID:             sessionID,
		UserID:         key.UserID,
		ProfileID:      key.ProfileID,
		TokenHash:      mac,
		TokenNonce:     nonce,
		Status:         storage.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
		TTL:            ttl,
		IdleTimeout:    idle,
		SpindownDelay:  spindown,
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	logger.Infow("session registered",
		"session_id", sessionID, "user_id", key.UserID, "profile_id", key.ProfileID, "client_id", req.ClientID)

	return &RegisterResult{
		SessionID: sessionID,
		Token:     token,
		UserID:    key.UserID,
		ProfileID: key.ProfileID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// matchKey finds the active key whose hash verifies the presented raw
// key. When no candidates exist a dummy verification runs instead.
func (a *Authenticator) matchKey(ctx context.Context, prefix, raw string) (*storage.PresharedKey, error) {
	candidates, err := a.store.ListActiveKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	if len(candidates) == 0 {
		VerifyDummy()
		return nil, ambassador.ErrInvalidKey
	}
	for _, key := range candidates {
		if VerifyKey(raw, key.KeyHash) {
			return &key, nil
		}
	}
	return nil, ambassador.ErrInvalidKey
}

// Authenticate validates a presented session token and returns the
// session context for downstream authorization. Sessions past their
// expiry are lazily marked expired here.
func (a *Authenticator) Authenticate(ctx context.Context, token, sourceIP string) (*ambassador.SessionContext, error) {
	tok, err := ParseToken(token)
	if err != nil {
		return nil, err
	}

	session, err := a.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ambassador.ErrUnauthorized
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !VerifyMAC(a.keeper.Secret(), tok, session.TokenHash) {
		return nil, ambassador.ErrUnauthorized
	}

	switch session.Status {
	case storage.SessionExpired:
		return nil, ambassador.ErrSessionExpired
	case storage.SessionSuspended:
		return nil, fmt.Errorf("%w: session suspended", ambassador.ErrUnauthorized)
	}

	if !session.ExpiresAt.After(time.Now()) {
		if err := a.store.UpdateSessionStatus(ctx, session.ID, storage.SessionExpired); err != nil {
			logger.Warnw("lazily expiring session", "session_id", session.ID, "error", err.Error())
		}
		return nil, ambassador.ErrSessionExpired
	}

	return &ambassador.SessionContext{
		SessionID: session.ID,
		UserID:    session.UserID,
		ProfileID: session.ProfileID,
		SourceIP:  sourceIP,
	}, nil
}

// RotateSecret invalidates every live session and installs a fresh
// signing secret. Sessions are expired first: if the rotation then
// fails, the system is left strictly safer, never with live sessions
// signed by a retired secret.
func (a *Authenticator) RotateSecret(ctx context.Context) (int64, error) {
	expired, err := a.store.ExpireAllLive(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("expiring live sessions: %w", err)
	}
	if err := a.keeper.Rotate(); err != nil {
		return expired, fmt.Errorf("rotating signing secret: %w", err)
	}
	logger.Infow("signing secret rotated", "sessions_expired", expired)
	return expired, nil
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultSessionTTL
	}
	if ttl > HardMaxTTL {
		return HardMaxTTL
	}
	return ttl
}
