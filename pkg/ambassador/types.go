// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ambassador

import (
	"time"
)

// This file contains shared domain types used across multiple ambassador
// subpackages. They sit at the package root so that the connection layer,
// the pools, the router, and the pipeline can exchange values without
// circular imports.

// IsolationMode describes how instances of a backend MCP are shared
// between users.
type IsolationMode string

const (
	// IsolationShared runs a single process serving all users.
	IsolationShared IsolationMode = "shared"

	// IsolationPerUser runs one process per user, spawned on demand and
	// bound to that user's credentials.
	IsolationPerUser IsolationMode = "per_user"
)

// TransportType is the MCP transport protocol used to reach a backend.
type TransportType string

const (
	// TransportStdio spawns the backend as a subprocess and speaks
	// JSON-RPC over its stdin/stdout.
	TransportStdio TransportType = "stdio"

	// TransportSSE dials the backend over HTTP with server-sent events.
	TransportSSE TransportType = "sse"

	// TransportStreamableHTTP dials the backend over streamable HTTP.
	TransportStreamableHTTP TransportType = "streamable-http"
)

// ServerConfig describes one backend MCP server in the catalog.
type ServerConfig struct {
	// Name uniquely identifies the backend within the catalog.
	Name string `mapstructure:"name" yaml:"name"`

	// Transport selects stdio, sse, or streamable-http.
	Transport TransportType `mapstructure:"transport" yaml:"transport"`

	// Command and Args are used for stdio backends.
	Command string   `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`

	// URL is used for HTTP-based backends.
	URL string `mapstructure:"url" yaml:"url,omitempty"`

	// Env holds environment variables injected into stdio subprocesses.
	// For per_user backends, decrypted user credentials are merged in at
	// spawn time.
	Env map[string]string `mapstructure:"env" yaml:"env,omitempty"`

	// IsolationMode is shared or per_user. Defaults to shared.
	IsolationMode IsolationMode `mapstructure:"isolation_mode" yaml:"isolation_mode,omitempty"`

	// CallTimeout bounds a single tools/call round trip. Zero means the
	// default of 30 seconds.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout,omitempty"`
}

// Tool represents one entry of a backend's tool catalog.
type Tool struct {
	// Name is the tool name as exposed to clients. For per-user backends
	// it is namespaced as "<mcp>.<tool>".
	Name string `json:"name"`

	// Description describes what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// ServerName identifies the backend that provides this tool.
	ServerName string `json:"server,omitempty"`
}

// Content represents one MCP content item (text, image, audio).
type Content struct {
	// Type indicates the content type: "text", "image", "audio".
	Type string `json:"type"`

	// Text is the content text (for text content).
	Text string `json:"text,omitempty"`

	// Data is the base64-encoded payload (for image/audio content).
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type (for image/audio content).
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallRequest is a tool invocation as received from a client.
type ToolCallRequest struct {
	// ToolName is the client-facing tool name.
	ToolName string `json:"tool"`

	// Arguments are the raw tool arguments.
	Arguments map[string]any `json:"arguments"`
}

// ToolCallResult wraps a tool call response.
type ToolCallResult struct {
	// Content is the tool output as returned by the backend.
	Content []Content `json:"content"`

	// IsError indicates the tool itself signalled an execution error.
	// The payload is still returned to the caller.
	IsError bool `json:"isError"`
}

// SessionContext is the authenticated identity attached to a request
// after token verification. It is the input to authorization and audit.
type SessionContext struct {
	SessionID string
	UserID    string
	ProfileID string
	ClientID  string
	SourceIP  string

	// Attributes carries informational labels (host tool, friendly name).
	Attributes map[string]string
}
