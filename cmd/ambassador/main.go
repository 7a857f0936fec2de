// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command ambassador runs the MCP ambassador gateway.
package main

import (
	"errors"
	"os"

	"github.com/stacklok/ambassador/cmd/ambassador/app"
	"github.com/stacklok/ambassador/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		switch {
		case errors.Is(err, app.ErrConfig):
			os.Exit(2)
		case errors.Is(err, app.ErrInterrupted):
			os.Exit(130)
		default:
			os.Exit(1)
		}
	}
}
