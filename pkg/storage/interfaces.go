// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the repository interfaces and record types for
// the ambassador's persistent state: users, preshared keys, sessions,
// session connections, tool profiles, and flushed audit events.
//
// Implementations must provide single-statement atomicity; methods
// documented as cascading (ExpireAllLive, SuspendByUser, revocations)
// must perform the cascade in one transaction.
package storage

import (
	"context"
	"time"

	"github.com/stacklok/ambassador/pkg/audit"
)

// UserStatus is the lifecycle state of a user.
type UserStatus string

// User status values.
const (
	UserActive      UserStatus = "active"
	UserSuspended   UserStatus = "suspended"
	UserDeactivated UserStatus = "deactivated"
)

// User is an account that owns preshared keys and sessions.
type User struct {
	ID          string
	DisplayName string
	Status      UserStatus
	AuthSource  string
	CreatedAt   time.Time
}

// KeyStatus is the lifecycle state of a preshared key.
type KeyStatus string

// Preshared key status values.
const (
	KeyActive    KeyStatus = "active"
	KeySuspended KeyStatus = "suspended"
	KeyRevoked   KeyStatus = "revoked"
)

// PresharedKey is a long-lived credential bound to one user and one
// profile. Only the prefix and the password hash are stored; the raw key
// is shown once at creation and never persisted.
type PresharedKey struct {
	ID string

	// KeyPrefix is the first 8 characters of the base64url-encoded random
	// body after the "amb_pk_" label. It is a lookup hint only; final
	// authentication always verifies KeyHash.
	KeyPrefix string

	// KeyHash is the encoded memory-hard password hash of the raw key.
	KeyHash string

	UserID    string
	ProfileID string
	Status    KeyStatus
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session status values. Expired is terminal.
const (
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionSpinningDown SessionStatus = "spinning_down"
	SessionSuspended    SessionStatus = "suspended"
	SessionExpired      SessionStatus = "expired"
)

// LiveSessionStatuses are the states a session can still leave.
var LiveSessionStatuses = []SessionStatus{SessionActive, SessionIdle, SessionSpinningDown}

// Session is the short-lived context minted by a preshared key.
type Session struct {
	ID        string
	UserID    string
	ProfileID string

	// TokenHash is hex(HMAC-SHA256(secret, nonce ∥ session_id)).
	TokenHash string

	// TokenNonce is the base64url encoding of the random token nonce.
	TokenNonce string

	Status         SessionStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time

	// TTL is the lease granted at registration. Each heartbeat extends
	// expiry by exactly this much, never by the accumulated lease.
	TTL           time.Duration
	IdleTimeout   time.Duration
	SpindownDelay time.Duration
}

// ConnectionStatus is the state of a session connection.
type ConnectionStatus string

// Connection status values.
const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection is one client attachment to a session (a session may have
// several, e.g. an IDE window and a CLI).
type Connection struct {
	ID              string
	SessionID       string
	FriendlyName    string
	HostTool        string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	DisconnectedAt  *time.Time
	Status          ConnectionStatus
}

// RateLimits holds per-profile invocation limits. Zero means unlimited.
type RateLimits struct {
	CallsPerMinute int `json:"calls_per_minute,omitempty"`
	CallsPerHour   int `json:"calls_per_hour,omitempty"`
}

// TimeWindow is a daily UTC window in "15:04" notation. Windows that wrap
// midnight (Start > End) are valid.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ToolProfile is a named bundle of allow/deny globs and conditional
// access rules. Profiles form a DAG via InheritedFrom with depth ≤ 5.
type ToolProfile struct {
	ID               string
	Name             string
	AllowedTools     []string
	DeniedTools      []string
	RateLimits       RateLimits
	EnvironmentScope []string
	TimeRestrictions []TimeWindow
	InheritedFrom    *string
	CreatedAt        time.Time
}

// UserStore manages user records.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// UpdateUserStatus changes a user's status and cascades: suspending or
	// deactivating a user suspends all of the user's live sessions in the
	// same transaction.
	UpdateUserStatus(ctx context.Context, id string, status UserStatus) error
}

// PresharedKeyStore manages preshared key records.
type PresharedKeyStore interface {
	CreateKey(ctx context.Context, key PresharedKey) error
	GetKey(ctx context.Context, id string) (PresharedKey, error)

	// ListActiveKeysByPrefix returns the active candidate keys for a
	// prefix lookup during registration.
	ListActiveKeysByPrefix(ctx context.Context, prefix string) ([]PresharedKey, error)

	// UpdateKeyStatus changes a key's status. Revoking a key expires all
	// live sessions minted from it in the same transaction.
	UpdateKeyStatus(ctx context.Context, id string, status KeyStatus) error
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	// Statuses filters by status. Empty matches all.
	Statuses []SessionStatus
	// UserID filters by owning user. Empty matches all.
	UserID string
}

// SessionStore manages session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// UpdateSessionStatus moves a session to the given status. It returns
	// ErrNotFound for unknown sessions. Transitions out of the terminal
	// expired state are rejected by the implementation.
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error

	// TouchSession updates last_activity_at and expires_at together.
	TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time) error

	// CountLiveSessionsForUser counts the user's sessions in a live state.
	CountLiveSessionsForUser(ctx context.Context, userID string) (int, error)

	// ExpireAllLive marks every live session expired and disconnects its
	// connections, in one transaction. It returns the number of sessions
	// invalidated. Used by HMAC secret rotation; repeated calls after a
	// completed rotation return zero.
	ExpireAllLive(ctx context.Context, now time.Time) (int64, error)

	// DeleteExpiredBefore removes expired sessions whose last activity is
	// older than the cutoff. Used by the lifecycle sweeper.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConnectionStore manages session connection records.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, c Connection) error
	GetConnection(ctx context.Context, id string) (Connection, error)
	ListConnectionsBySession(ctx context.Context, sessionID string) ([]Connection, error)

	// DisconnectConnection marks a single connection disconnected.
	DisconnectConnection(ctx context.Context, id string, at time.Time) error

	// TouchConnectedHeartbeats updates last_heartbeat_at on every
	// currently connected connection of the session.
	TouchConnectedHeartbeats(ctx context.Context, sessionID string, at time.Time) error
}

// ProfileStore manages tool profile records. Writes that would introduce
// an inheritance cycle or exceed the maximum depth are rejected with
// the authorizer's sentinel errors.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p ToolProfile) error
	GetProfile(ctx context.Context, id string) (ToolProfile, error)
	GetProfileByName(ctx context.Context, name string) (ToolProfile, error)
	ListProfiles(ctx context.Context) ([]ToolProfile, error)
	UpdateProfile(ctx context.Context, p ToolProfile) error
	DeleteProfile(ctx context.Context, id string) error
}

// AuditQuery narrows audit event queries. Zero values match all.
type AuditQuery struct {
	SessionID string
	UserID    string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// AuditStore persists flushed audit events. Events are immutable once
// written.
type AuditStore interface {
	// InsertAuditEvents writes a flushed batch in one transaction.
	InsertAuditEvents(ctx context.Context, events []audit.Event) error

	// QueryAuditEvents returns events matching the query, newest first.
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]audit.Event, error)
}

// Store is the full repository surface the ambassador core depends on.
type Store interface {
	UserStore
	PresharedKeyStore
	SessionStore
	ConnectionStore
	ProfileStore
	AuditStore

	// Close releases any resources held by the store.
	Close() error
}
