// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the ambassador's cobra command tree.
package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/ambassador/pkg/logger"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Sentinel errors mapped to process exit codes by main.
var (
	ErrConfig      = errors.New("configuration error")
	ErrInterrupted = errors.New("interrupted")
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ambassador",
		Short:        "Multi-tenant gateway between developer tools and MCP servers",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", root.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("binding debug flag: %v", err))
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ambassador version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("ambassador %s\n", Version)
		},
	}
}
