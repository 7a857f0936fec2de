// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// maxToolNameLength bounds tool identifiers from backend catalogs.
const maxToolNameLength = 128

// toolNamePattern is the documented identifier grammar: letters, digits,
// underscore, dot, and hyphen.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidToolName reports whether a backend-supplied tool name conforms to
// the identifier grammar. Nonconforming names are dropped from catalogs.
func ValidToolName(name string) bool {
	return name != "" && len(name) <= maxToolNameLength && toolNamePattern.MatchString(name)
}

// deniedEnvPrefixes and deniedEnvNames guard credential injection into
// subprocesses. Variables that alter loader or interpreter behavior must
// never be settable through catalog or credential configuration.
var (
	deniedEnvPrefixes = []string{"LD_", "DYLD_"}
	deniedEnvNames    = map[string]struct{}{
		"PATH":         {},
		"NODE_OPTIONS": {},
		"BASH_ENV":     {},
		"IFS":          {},
	}
)

// CheckEnvName rejects environment variable names on the deny-list.
func CheckEnvName(name string) error {
	upper := strings.ToUpper(name)
	if _, ok := deniedEnvNames[upper]; ok {
		return fmt.Errorf("environment variable %q is not allowed", name)
	}
	for _, prefix := range deniedEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("environment variable %q is not allowed", name)
		}
	}
	return nil
}
