// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz implements profile-based authorization for tool calls:
// inheritance-aware profile resolution and the permit/deny decision.
package authz

import (
	"fmt"
	"regexp"
	"strings"
)

// Tool name globs use a namespace-aware grammar:
//
//	*   matches any run of characters except "."
//	**  matches any run of characters including "."
//	.   is the literal namespace separator
//
// So "fs.*" matches "fs.read" but not "fs.admin.wipe", while "**" matches
// every tool.

// compileGlob translates one glob into an anchored regular expression.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString(`[^.]*`)
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(glob[i])))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid tool glob %q: %w", glob, err)
	}
	return re, nil
}

// globSet is a compiled list of globs.
type globSet []*regexp.Regexp

// compileGlobs compiles a rule list, skipping duplicates.
func compileGlobs(globs []string) (globSet, error) {
	seen := make(map[string]struct{}, len(globs))
	out := make(globSet, 0, len(globs))
	for _, g := range globs {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		re, err := compileGlob(g)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// matches reports whether any glob in the set matches the tool name.
func (s globSet) matches(toolName string) bool {
	for _, re := range s {
		if re.MatchString(toolName) {
			return true
		}
	}
	return false
}
