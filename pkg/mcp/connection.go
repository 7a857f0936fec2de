// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the downstream MCP connection layer: one
// connection per backend server, speaking the MCP protocol over stdio
// subprocesses or HTTP (SSE / streamable-HTTP) via the mcp-go SDK.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
)

// State is the lifecycle state of a connection. Only StateReady accepts
// calls.
type State int32

// Connection states.
const (
	StateNew State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Timeouts for the connection lifecycle.
const (
	// DefaultCallTimeout bounds one tools/call round trip.
	DefaultCallTimeout = 30 * time.Second

	// initTimeout covers subprocess start plus the MCP handshake.
	initTimeout = 10 * time.Second
)

// Connection owns one backend MCP server: its transport, handshake, and
// cached tool catalog. Concurrent calls are allowed in the ready state;
// the mcp-go client correlates request ids internally.
type Connection struct {
	cfg ambassador.ServerConfig

	// extraEnv holds per-user credentials merged into the subprocess
	// environment at start. Never logged.
	extraEnv map[string]string

	state atomic.Int32

	// mu guards client and tools across Start/Stop.
	mu     sync.Mutex
	client *client.Client
	tools  []ambassador.Tool
}

// Option configures a Connection.
type Option func(*Connection)

// WithExtraEnv injects additional environment variables (decrypted user
// credentials) into the subprocess. Only meaningful for stdio transports.
func WithExtraEnv(env map[string]string) Option {
	return func(c *Connection) {
		c.extraEnv = env
	}
}

// New creates a connection in the new state. Call Start to connect.
func New(cfg ambassador.ServerConfig, opts ...Option) *Connection {
	c := &Connection{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend's catalog name.
func (c *Connection) Name() string {
	return c.cfg.Name
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Fingerprint returns the config drift hash for this connection.
func (c *Connection) Fingerprint() string {
	return Fingerprint(c.cfg)
}

// Start connects to the backend: it spawns the subprocess or dials the
// URL, performs the initialize handshake, and caches the tool catalog.
// It may only be called once per connection.
func (c *Connection) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("%w: connection %s is %s", ambassador.ErrConnectionNotReady, c.cfg.Name, c.State())
	}

	cli, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("starting %s: %w", c.cfg.Name, err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initTimeout)
		defer cancel()
	}

	if _, err := cli.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "ambassador",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}); err != nil {
		_ = cli.Close()
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: initialize handshake with %s: %w", ambassador.ErrDownstream, c.cfg.Name, err)
	}

	tools, err := c.fetchTools(initCtx, cli)
	if err != nil {
		_ = cli.Close()
		c.state.Store(int32(StateFailed))
		return err
	}

	c.mu.Lock()
	c.client = cli
	c.tools = tools
	c.mu.Unlock()
	c.state.Store(int32(StateReady))

	logger.Infow("backend MCP ready", "name", c.cfg.Name, "transport", c.cfg.Transport, "tools", len(tools))
	return nil
}

// dial builds the transport-specific mcp-go client. Stdio spawns the
// subprocess; the HTTP variants open the connection via Start.
func (c *Connection) dial(ctx context.Context) (*client.Client, error) {
	switch c.cfg.Transport {
	case ambassador.TransportStdio:
		env, err := c.subprocessEnv()
		if err != nil {
			return nil, err
		}
		cli, err := client.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("%w: spawning %s: %w", ambassador.ErrDownstream, c.cfg.Command, err)
		}
		return cli, nil

	case ambassador.TransportSSE:
		cli, err := client.NewSSEMCPClient(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: creating SSE client for %s: %w", ambassador.ErrDownstream, c.cfg.URL, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("%w: connecting to %s: %w", ambassador.ErrDownstream, c.cfg.URL, err)
		}
		return cli, nil

	case ambassador.TransportStreamableHTTP:
		cli, err := client.NewStreamableHttpClient(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: creating streamable-http client for %s: %w", ambassador.ErrDownstream, c.cfg.URL, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("%w: connecting to %s: %w", ambassador.ErrDownstream, c.cfg.URL, err)
		}
		return cli, nil

	default:
		return nil, fmt.Errorf("%w: %s", ambassador.ErrUnsupportedTransport, c.cfg.Transport)
	}
}

// subprocessEnv merges the configured env with injected credentials,
// rejecting deny-listed variable names.
func (c *Connection) subprocessEnv() ([]string, error) {
	merged := make(map[string]string, len(c.cfg.Env)+len(c.extraEnv))
	for k, v := range c.cfg.Env {
		merged[k] = v
	}
	for k, v := range c.extraEnv {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		if err := CheckEnvName(k); err != nil {
			return nil, fmt.Errorf("backend %s: %w", c.cfg.Name, err)
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

// fetchTools lists the backend's catalog and drops names that fail the
// identifier grammar.
func (c *Connection) fetchTools(ctx context.Context, cli *client.Client) ([]ambassador.Tool, error) {
	result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("%w: listing tools from %s: %w", ambassador.ErrDownstream, c.cfg.Name, err)
	}

	tools := make([]ambassador.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		if !ValidToolName(t.Name) {
			logger.Warnw("dropping tool with invalid name", "backend", c.cfg.Name, "tool", t.Name)
			continue
		}
		inputSchema := map[string]any{"type": t.InputSchema.Type}
		if t.InputSchema.Properties != nil {
			inputSchema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			inputSchema["required"] = t.InputSchema.Required
		}
		tools = append(tools, ambassador.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema,
			ServerName:  c.cfg.Name,
		})
	}
	return tools, nil
}

// Tools returns the catalog cached at Start.
func (c *Connection) Tools() []ambassador.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ambassador.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes a tool on the backend with a per-call deadline. A tool
// that signals its own execution error is returned with IsError set, not
// as a transport error.
func (c *Connection) Call(ctx context.Context, toolName string, args map[string]any) (*ambassador.ToolCallResult, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ambassador.ErrConnectionNotReady, c.cfg.Name, c.State())
	}

	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return nil, fmt.Errorf("%w: %s has no client", ambassador.ErrConnectionNotReady, c.cfg.Name)
	}

	timeout := c.cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := cli.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: calling %s on %s: %w", ambassador.ErrTimeout, toolName, c.cfg.Name, err)
		}
		return nil, fmt.Errorf("%w: calling %s on %s: %w", ambassador.ErrDownstream, toolName, c.cfg.Name, err)
	}

	content := make([]ambassador.Content, 0, len(result.Content))
	for _, item := range result.Content {
		content = append(content, convertContent(item))
	}
	return &ambassador.ToolCallResult{Content: content, IsError: result.IsError}, nil
}

// Ping probes the backend with a cheap request. Used by health checkers.
func (c *Connection) Ping(ctx context.Context) error {
	if c.State() != StateReady {
		return fmt.Errorf("%w: %s is %s", ambassador.ErrConnectionNotReady, c.cfg.Name, c.State())
	}
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("%w: %s has no client", ambassador.ErrConnectionNotReady, c.cfg.Name)
	}
	if err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: pinging %s: %w", ambassador.ErrDownstream, c.cfg.Name, err)
	}
	return nil
}

// Stop shuts the connection down. For stdio transports the mcp-go client
// terminates the subprocess; HTTP transports close their connections.
// Stop is idempotent.
func (c *Connection) Stop(_ context.Context) error {
	for {
		current := c.State()
		if current == StateStopping || current == StateStopped {
			return nil
		}
		if c.state.CompareAndSwap(int32(current), int32(StateStopping)) {
			break
		}
	}

	c.mu.Lock()
	cli := c.client
	c.client = nil
	c.mu.Unlock()

	var err error
	if cli != nil {
		err = cli.Close()
	}
	c.state.Store(int32(StateStopped))
	if err != nil {
		return fmt.Errorf("stopping %s: %w", c.cfg.Name, err)
	}
	logger.Debugw("backend MCP stopped", "name", c.cfg.Name)
	return nil
}

// convertContent maps mcp-go content items to the domain content type.
func convertContent(content mcp.Content) ambassador.Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return ambassador.Content{Type: "text", Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return ambassador.Content{Type: "image", Data: image.Data, MimeType: image.MIMEType}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return ambassador.Content{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType}
	}
	logger.Warnf("encountered unknown content type %T, marking as unknown content", content)
	return ambassador.Content{Type: "unknown"}
}
