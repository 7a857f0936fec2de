// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"

	"github.com/stacklok/ambassador/pkg/ambassador"
	"github.com/stacklok/ambassador/pkg/logger"
)

// Conn is the surface pool managers need from a connection. It is
// implemented by *Connection; tests substitute fakes through DialFunc.
type Conn interface {
	Name() string
	State() State
	Fingerprint() string
	Tools() []ambassador.Tool
	Call(ctx context.Context, toolName string, args map[string]any) (*ambassador.ToolCallResult, error)
	Ping(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DialFunc creates and starts a connection for a server config.
type DialFunc func(ctx context.Context, cfg ambassador.ServerConfig, opts ...Option) (Conn, error)

// Dial is the production DialFunc: it builds a Connection and starts it,
// stopping it again if the start fails partway.
func Dial(ctx context.Context, cfg ambassador.ServerConfig, opts ...Option) (Conn, error) {
	c := New(cfg, opts...)
	if err := c.Start(ctx); err != nil {
		_ = c.Stop(ctx)
		return nil, err
	}
	return c, nil
}

// Discover performs ephemeral discovery: it starts a connection, returns
// the backend's tool catalog, and tears the connection down again. Used
// by admin tooling to preview a catalog entry before persisting it.
func Discover(ctx context.Context, cfg ambassador.ServerConfig) ([]ambassador.Tool, error) {
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Stop(ctx); err != nil {
			logger.Debugw("stopping discovery connection", "backend", cfg.Name, "error", err.Error())
		}
	}()
	return conn.Tools(), nil
}
