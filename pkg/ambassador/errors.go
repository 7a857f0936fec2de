// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ambassador

import "errors"

// Common domain errors used across ambassador subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrToolNotFound indicates a requested tool is in no reachable catalog.
	ErrToolNotFound = errors.New("tool not found")

	// ErrConnectionNotReady indicates a call was attempted on a connection
	// that is not in the ready state.
	ErrConnectionNotReady = errors.New("connection not ready")

	// ErrPoolExhausted indicates the global per-user instance cap is reached.
	ErrPoolExhausted = errors.New("per-user pool exhausted")

	// ErrUserQuotaExceeded indicates the per-user instance cap is reached.
	ErrUserQuotaExceeded = errors.New("user instance quota exceeded")

	// ErrReloadConflict indicates a reconcile was attempted while another
	// reconcile was in progress.
	ErrReloadConflict = errors.New("reload already in progress")

	// ErrUnauthorized indicates authentication failed. The wrapped detail is
	// for server-side logs only and must never reach clients.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired indicates the session exists but is expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrForbidden indicates the request was denied by policy or kill-switch.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidKeyFormat indicates a preshared key failed the shape check.
	ErrInvalidKeyFormat = errors.New("invalid preshared key format")

	// ErrInvalidKey indicates no active preshared key matched.
	ErrInvalidKey = errors.New("invalid preshared key")

	// ErrProfileCycle indicates a profile inheritance cycle.
	ErrProfileCycle = errors.New("profile inheritance cycle detected")

	// ErrProfileDepthExceeded indicates inheritance deeper than the maximum.
	ErrProfileDepthExceeded = errors.New("profile inheritance depth exceeded")

	// ErrDownstream indicates a backend MCP failed (crash, invalid
	// response, unreachable).
	ErrDownstream = errors.New("downstream MCP error")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedTransport indicates an unknown transport type.
	ErrUnsupportedTransport = errors.New("unsupported transport type")
)
