// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/auth"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/storage"
)

type registerRequest struct {
	Key                  string `json:"key"`
	TTLSeconds           int    `json:"ttl_seconds,omitempty"`
	IdleTimeoutSeconds   int    `json:"idle_timeout_seconds,omitempty"`
	SpindownDelaySeconds int    `json:"spindown_delay_seconds,omitempty"`
	ClientID             string `json:"client_id,omitempty"`

	Connection struct {
		FriendlyName string `json:"friendly_name,omitempty"`
		HostTool     string `json:"host_tool,omitempty"`
	} `json:"connection"`
}

type registerResponse struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	ConnectionID string    `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// registerSession exchanges a preshared key for a session token and
// records the first connection.
func (h *Handlers) registerSession(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ip := sourceIP(r)
	result, err := h.registrar.RegisterSession(r.Context(), auth.RegisterRequest{
		Key:           req.Key,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		IdleTimeout:   time.Duration(req.IdleTimeoutSeconds) * time.Second,
		SpindownDelay: time.Duration(req.SpindownDelaySeconds) * time.Second,
		SourceIP:      ip,
		ClientID:      req.ClientID,
	})
	if err != nil {
		event := audit.NewEvent(audit.EventTypeAuthFailure, audit.SeverityWarn)
		event.SourceIP = ip
		event.ClientID = req.ClientID
		event.Action = "register_session"
		event.Metadata["reason"] = err.Error()
		if addErr := h.auditBuf.Add(event); addErr != nil {
			writeError(w, addErr)
			return
		}
		writeError(w, err)
		return
	}

	// Spawn the user's per-user instances up front so the session sees
	// its full catalog immediately. Best effort: a full pool degrades the
	// catalog to shared tools, it never fails the registration.
	h.lifecycle.Activate(r.Context(), result.UserID)

	now := time.Now()
	conn := storage.Connection{
		ID:              uuid.NewString(),
		SessionID:       result.SessionID,
		FriendlyName:    req.Connection.FriendlyName,
		HostTool:        req.Connection.HostTool,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Status:          storage.ConnectionConnected,
	}
	if err := h.store.CreateConnection(r.Context(), conn); err != nil {
		logger.Errorw("recording session connection", "session_id", result.SessionID, "error", err.Error())
	}

	event := audit.NewEvent(audit.EventTypeSessionRegistered, audit.SeverityInfo)
	event.SessionID = result.SessionID
	event.UserID = result.UserID
	event.ClientID = req.ClientID
	event.SourceIP = ip
	event.Action = "register_session"
	event.AuthzPolicy = result.ProfileID
	if err := h.auditBuf.Add(event); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		SessionID:    result.SessionID,
		Token:        result.Token,
		ConnectionID: conn.ID,
		ExpiresAt:    result.ExpiresAt,
	})
}

type heartbeatResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// heartbeat extends the caller's session lease.
func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registrar.Authenticate(r.Context(), bearerToken(r), sourceIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.lifecycle.Heartbeat(r.Context(), sess.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Status:    string(result.Status),
		ExpiresAt: result.ExpiresAt,
	})
}

// disconnect marks one connection of the caller's session disconnected.
// The session itself stays live until its lease lapses.
func (h *Handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registrar.Authenticate(r.Context(), bearerToken(r), sourceIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	conn, err := h.store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if conn.SessionID != sess.SessionID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	if err := h.store.DisconnectConnection(r.Context(), id, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
