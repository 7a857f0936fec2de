// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/ambassador/pkg/api"
	v1 "github.com/stacklok/ambassador/pkg/api/v1"
	"github.com/stacklok/ambassador/pkg/audit"
	"github.com/stacklok/ambassador/pkg/auth"
	"github.com/stacklok/ambassador/pkg/authz"
	"github.com/stacklok/ambassador/pkg/config"
	"github.com/stacklok/ambassador/pkg/logger"
	"github.com/stacklok/ambassador/pkg/mcp/router"
	"github.com/stacklok/ambassador/pkg/mcp/shared"
	"github.com/stacklok/ambassador/pkg/mcp/userpool"
	"github.com/stacklok/ambassador/pkg/pipeline"
	"github.com/stacklok/ambassador/pkg/session"
	"github.com/stacklok/ambassador/pkg/storage/sqlite"
	"github.com/stacklok/ambassador/pkg/vault"
)

const startupTimeout = 60 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ambassador gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ambassador.yaml", "path to the config file")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("closing storage", "error", err.Error())
		}
	}()

	keeper, err := auth.LoadOrCreateSecret(cfg.Secret.Path)
	if err != nil {
		return err
	}

	auditMode := audit.ModeBuffer
	if cfg.Audit.Mode == "block" {
		auditMode = audit.ModeBlock
	}
	auditBuf, err := audit.NewBuffer(audit.BufferConfig{
		RingSize:      cfg.Audit.RingSize,
		FlushInterval: cfg.Audit.FlushInterval,
		SpillPath:     cfg.Audit.SpillPath,
		Mode:          auditMode,
	}, store)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := auditBuf.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("draining audit buffer", "error", err.Error())
		}
	}()

	sharedPool := shared.NewManager()
	initCtx, cancelInit := context.WithTimeout(ctx, startupTimeout)
	err = sharedPool.Initialize(initCtx, cfg.Servers)
	cancelInit()
	if err != nil {
		return err
	}
	defer sharedPool.Shutdown(context.Background())

	userPool := userpool.NewPool(userpool.Config{
		Servers:             cfg.Servers,
		MaxTotalInstances:   cfg.Pool.MaxTotalInstances,
		MaxInstancesPerUser: cfg.Pool.MaxInstancesPerUser,
		InstanceIdleTimeout: cfg.Pool.InstanceIdleTimeout,
	}, vault.NewFileVault(cfg.Vault.Path))
	go userPool.Run(ctx)
	defer userPool.Shutdown(context.Background())

	authenticator := auth.NewAuthenticator(store, keeper)
	sessions := session.NewManager(store, userPool)
	go sessions.Run(ctx)

	toolRouter := router.New(sharedPool, userPool)
	authorizer := authz.NewAuthorizer(store, cfg.Environment)
	kill := pipeline.NewKillSwitch()
	pipe := pipeline.New(authenticator, authorizer, store, toolRouter, sessions, auditBuf, kill)

	reload := func(ctx context.Context) error {
		fresh, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if err := sharedPool.Reconcile(ctx, fresh.Servers); err != nil {
			return err
		}
		userPool.UpdateConfigs(fresh.Servers)
		return nil
	}

	handlers := v1.NewHandlers(authenticator, sessions, pipe, store, auditBuf, kill, reload, cfg.AdminToken)
	server := api.NewServer(cfg.Listen, handlers)

	if err := server.Serve(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil && parent.Err() == nil {
		logger.Infow("shutting down on signal")
		return ErrInterrupted
	}
	return nil
}
