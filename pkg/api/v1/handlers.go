// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/auth"
	"github.com/stacklok/ambassador/pkg/pipeline"
	"github.com/stacklok/ambassador/pkg/session"
	"github.com/stacklok/ambassador/pkg/storage"
)

// Registrar exchanges preshared keys for sessions and rotates the
// signing secret.
type Registrar interface {
	RegisterSession(ctx context.Context, req auth.RegisterRequest) (*auth.RegisterResult, error)
	Authenticate(ctx context.Context, token, sourceIP string) (*ambassador.SessionContext, error)
	RotateSecret(ctx context.Context) (int64, error)
}

// Lifecycle is the session manager surface the API drives.
type Lifecycle interface {
	Heartbeat(ctx context.Context, sessionID string) (*session.HeartbeatResult, error)
	Expire(ctx context.Context, sessionID string) error
	Activate(ctx context.Context, userID string)
}

// Gateway is the tool traffic surface.
type Gateway interface {
	ListTools(ctx context.Context, token, sourceIP string) ([]ambassador.Tool, error)
	Invoke(ctx context.Context, token, sourceIP string, req ambassador.ToolCallRequest) (*ambassador.ToolCallResult, error)
	ReleaseSession(sessionID string)
}

// Handlers bundles the v1 route dependencies.
type Handlers struct {
	registrar Registrar
	lifecycle Lifecycle
	gateway   Gateway
	store     storage.Store
	auditBuf  *audit.Buffer
	kill      *pipeline.KillSwitch

	// reloadCatalog re-reads the backend catalog and reconciles the
	// pools. Wired by the command layer.
	reloadCatalog func(ctx context.Context) error

	adminToken string
}

// NewHandlers wires the v1 handler set.
func NewHandlers(
	registrar Registrar,
	lifecycle Lifecycle,
	gateway Gateway,
	store storage.Store,
	auditBuf *audit.Buffer,
	kill *pipeline.KillSwitch,
	reloadCatalog func(ctx context.Context) error,
	adminToken string,
) *Handlers {
	return &Handlers{
		registrar:     registrar,
		lifecycle:     lifecycle,
		gateway:       gateway,
		store:         store,
		auditBuf:      auditBuf,
		kill:          kill,
		reloadCatalog: reloadCatalog,
		adminToken:    adminToken,
	}
}

// Routes assembles the v1 router.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", h.registerSession)
	r.Post("/sessions/heartbeat", h.heartbeat)
	r.Delete("/connections/{id}", h.disconnect)

	r.Get("/tools", h.listTools)
	r.Post("/tools/call", h.invokeTool)

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin(h.adminToken))

		r.Post("/users", h.createUser)
		r.Get("/users", h.listUsers)
		r.Put("/users/{id}/status", h.updateUserStatus)

		r.Post("/keys", h.createKey)
		r.Delete("/keys/{id}", h.revokeKey)

		r.Post("/profiles", h.createProfile)
		r.Get("/profiles", h.listProfiles)
		r.Get("/profiles/{id}", h.getProfile)
		r.Put("/profiles/{id}", h.updateProfile)
		r.Delete("/profiles/{id}", h.deleteProfile)

		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{id}", h.expireSession)

		r.Post("/killswitch", h.engageKillSwitch)
		r.Delete("/killswitch", h.releaseKillSwitch)
		r.Get("/killswitch", h.listKillSwitches)

		r.Post("/rotate-secret", h.rotateSecret)
		r.Post("/reload", h.reload)
		r.Get("/audit", h.queryAudit)
	})

	return r
}
