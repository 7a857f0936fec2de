// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/auth"
	"github.com/stacklok/ambassador/pkg/storage"
)

type createUserRequest struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name"`
	AuthSource  string `json:"auth_source,omitempty"`
}

func (h *Handlers) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user := storage.User{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Status:      storage.UserActive,
		AuthSource:  req.AuthSource,
		CreatedAt:   time.Now(),
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handlers) updateUserStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := storage.UserStatus(req.Status)
	switch status {
	case storage.UserActive, storage.UserSuspended, storage.UserDeactivated:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown user status"})
		return
	}
	if err := h.store.UpdateUserStatus(r.Context(), chi.URLParam(r, "id"), status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createKeyRequest struct {
	UserID        string `json:"user_id"`
	ProfileID     string `json:"profile_id"`
	ExpiresInDays int    `json:"expires_in_days,omitempty"`
}

type createKeyResponse struct {
	ID string `json:"id"`

	// Key is the raw preshared key, returned exactly once.
	Key string `json:"key"`
}

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ProfileID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and profile_id are required"})
		return
	}

	raw, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		writeError(w, err)
		return
	}

	key := storage.PresharedKey{
		ID:        uuid.NewString(),
		KeyPrefix: prefix,
		KeyHash:   hash,
		UserID:    req.UserID,
		ProfileID: req.ProfileID,
		Status:    storage.KeyActive,
		CreatedAt: time.Now(),
	}
	if req.ExpiresInDays > 0 {
		expires := time.Now().AddDate(0, 0, req.ExpiresInDays)
		key.ExpiresAt = &expires
	}
	if err := h.store.CreateKey(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{ID: key.ID, Key: raw})
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.store.UpdateKeyStatus(r.Context(), chi.URLParam(r, "id"), storage.KeyRevoked); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createProfile(w http.ResponseWriter, r *http.Request) {
	var p storage.ToolProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	if err := h.store.CreateProfile(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *Handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	var p storage.ToolProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := h.store.UpdateProfile(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := storage.SessionFilter{UserID: r.URL.Query().Get("user_id")}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []storage.SessionStatus{storage.SessionStatus(status)}
	}
	sessions, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	// Token material never leaves the server.
	for i := range sessions {
		sessions[i].TokenHash = ""
		sessions[i].TokenNonce = ""
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) expireSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.lifecycle.Expire(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.gateway.ReleaseSession(id)

	event := audit.NewEvent(audit.EventTypeSessionExpired, audit.SeverityInfo)
	event.SessionID = id
	event.SourceIP = sourceIP(r)
	event.Action = "admin_expire_session"
	if err := h.auditBuf.Add(event); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type killSwitchRequest struct {
	Scope  string `json:"scope"`
	Target string `json:"target,omitempty"`
}

func (h *Handlers) engageKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.kill.Block(req.Scope, req.Target); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) releaseKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.kill.Unblock(req.Scope, req.Target)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listKillSwitches(w http.ResponseWriter, _ *http.Request) {
	entries := h.kill.Entries()
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blocked": entries})
}

type rotateResponse struct {
	SessionsInvalidated int64 `json:"sessionsInvalidated"`
}

// rotateSecret invalidates all live sessions and installs a fresh
// signing secret.
func (h *Handlers) rotateSecret(w http.ResponseWriter, r *http.Request) {
	expired, err := h.registrar.RotateSecret(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	event := audit.NewEvent(audit.EventTypeSecretRotated, audit.SeverityWarn)
	event.SourceIP = sourceIP(r)
	event.Action = "rotate_secret"
	event.Metadata["sessions_expired"] = expired
	if err := h.auditBuf.Add(event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rotateResponse{SessionsInvalidated: expired})
}

// reload re-reads the backend catalog and reconciles the pools.
func (h *Handlers) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.reloadCatalog(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := storage.AuditQuery{
		SessionID: r.URL.Query().Get("session_id"),
		UserID:    r.URL.Query().Get("user_id"),
		EventType: r.URL.Query().Get("event_type"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC3339"})
			return
		}
		q.Since = t
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "until must be RFC3339"})
			return
		}
		q.Until = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "offset must be a non-negative integer"})
			return
		}
		q.Offset = n
	}

	events, err := h.store.QueryAuditEvents(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string][]audit.Event{"events": events})
}
