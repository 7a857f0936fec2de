// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

type toolListResponse struct {
	Tools []ambassador.Tool `json:"tools"`
}

// listTools returns the catalog visible to the caller's profile.
func (h *Handlers) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.gateway.ListTools(r.Context(), bearerToken(r), sourceIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if tools == nil {
		tools = []ambassador.Tool{}
	}
	writeJSON(w, http.StatusOK, toolListResponse{Tools: tools})
}

// invokeTool runs one tool call through the pipeline.
func (h *Handlers) invokeTool(w http.ResponseWriter, r *http.Request) {
	var req ambassador.ToolCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tool is required"})
		return
	}

	result, err := h.gateway.Invoke(r.Context(), bearerToken(r), sourceIP(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
