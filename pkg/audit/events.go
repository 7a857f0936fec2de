// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the ambassador's audit event model and the
// bounded in-memory buffer that feeds the durable sink.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline and the session lifecycle.
const (
	// EventTypeAuthFailure represents a failed token or key verification.
	EventTypeAuthFailure = "auth_failure"
	// EventTypeAuthzDeny represents a request denied by policy or kill-switch.
	EventTypeAuthzDeny = "authz_deny"
	// EventTypeToolInvocation represents a permitted tool call.
	EventTypeToolInvocation = "tool_invocation"
	// EventTypeSessionRegistered represents a successful session registration.
	EventTypeSessionRegistered = "session_registered"
	// EventTypeSessionExpired represents a session reaching the terminal state.
	EventTypeSessionExpired = "session_expired"
	// EventTypeSecretRotated represents an HMAC secret rotation.
	EventTypeSecretRotated = "secret_rotated"
)

// Severity levels for audit events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Authorization decisions recorded on events.
const (
	DecisionPermit = "permit"
	DecisionDeny   = "deny"
)

// Event is one immutable audit record. The JSON field set is the wire
// format persisted to the sink and the spill file; it must not change
// shape between releases.
type Event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Severity  string    `json:"severity"`

	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SourceIP  string `json:"source_ip"`

	ToolName      string `json:"tool_name,omitempty"`
	DownstreamMCP string `json:"downstream_mcp,omitempty"`

	// Action is a short verb describing what was attempted.
	Action string `json:"action"`

	// RequestSummary never contains raw arguments; see SummarizeArguments.
	RequestSummary  map[string]any `json:"request_summary,omitempty"`
	ResponseSummary map[string]any `json:"response_summary,omitempty"`

	AuthzDecision string `json:"authz_decision,omitempty"`
	AuthzPolicy   string `json:"authz_policy,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh id, the current timestamp, and
// the informational ambassador_node label.
func NewEvent(eventType, severity string) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		Metadata:  map[string]any{"ambassador_node": nodeName()},
	}
}

// SummarizeArguments reduces raw tool arguments to a stable digest so the
// audit trail records what was sent without storing the payload itself.
func SummarizeArguments(args map[string]any) map[string]any {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return map[string]any{
		"argument_hash":  hex.EncodeToString(sum[:]),
		"argument_count": len(args),
	}
}

// SummarizeResponse records the outcome shape of a tool call.
func SummarizeResponse(status string, duration time.Duration, sizeBytes int) map[string]any {
	return map[string]any{
		"status":      status,
		"duration_ms": duration.Milliseconds(),
		"size_bytes":  sizeBytes,
	}
}

func nodeName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
