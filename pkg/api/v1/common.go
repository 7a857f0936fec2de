// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the version 1 HTTP API.
package v1

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

// maxBodyBytes caps request bodies; larger requests get 413.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warnw("encoding response", "error", err.Error())
		}
	}
}

// writeError maps domain errors onto HTTP statuses. Client-facing
// messages stay generic; details live in logs and the audit trail.
func writeError(w http.ResponseWriter, err error) {
	var status int
	var msg string
	switch {
	case errors.Is(err, ambassador.ErrInvalidKeyFormat), errors.Is(err, ambassador.ErrInvalidInput):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, ambassador.ErrInvalidKey), errors.Is(err, ambassador.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, ambassador.ErrForbidden):
		status, msg = http.StatusForbidden, "access denied"
	case errors.Is(err, ambassador.ErrSessionExpired):
		status, msg = http.StatusGone, "session expired"
	case errors.Is(err, ambassador.ErrToolNotFound), errors.Is(err, storage.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, storage.ErrAlreadyExists):
		status, msg = http.StatusConflict, "already exists"
	case errors.Is(err, ambassador.ErrReloadConflict):
		status, msg = http.StatusConflict, "reload already in progress"
	case errors.Is(err, ambassador.ErrRateLimited), errors.Is(err, ambassador.ErrUserQuotaExceeded):
		status, msg = http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, ambassador.ErrProfileCycle), errors.Is(err, ambassador.ErrProfileDepthExceeded):
		status, msg = http.StatusBadRequest, "invalid profile inheritance"
	case errors.Is(err, ambassador.ErrPoolExhausted), errors.Is(err, audit.ErrBufferFull):
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, ambassador.ErrTimeout):
		status, msg = http.StatusGatewayTimeout, "backend timed out"
	case errors.Is(err, ambassador.ErrDownstream), errors.Is(err, ambassador.ErrConnectionNotReady):
		status, msg = http.StatusBadGateway, "backend unavailable"
	default:
		logger.Errorw("internal error", "error", err.Error())
		status, msg = http.StatusInternalServerError, "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON parses a JSON body, enforcing size and content-type.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "expected application/json"})
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

// bearerToken extracts a bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// sourceIP returns the client address without the port. chi's RealIP
// middleware has already resolved forwarding headers.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAdmin guards the admin routes with a constant-time token check.
func requireAdmin(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
				return
			}
			presented := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication failed"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
