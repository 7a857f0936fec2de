// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"sync"

	"github.com/stacklok/ambassador/pkg/logger"
)

// Kill-switch scopes, broadest first.
const (
	KillScopeGlobal  = "global"
	KillScopeUser    = "user"
	KillScopeProfile = "profile"
	KillScopeMcp     = "mcp"
)

// KillSwitch blocks traffic at one of four scopes without touching
// stored state. Entries live in memory only; a restart clears them.
type KillSwitch struct {
	blocked sync.Map // "scope:target" → struct{}
}

// NewKillSwitch returns an empty kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

func killKey(scope, target string) string {
	return scope + ":" + target
}

// Block enables a kill switch for a target. The global scope ignores
// its target.
func (k *KillSwitch) Block(scope, target string) error {
	switch scope {
	case KillScopeGlobal:
		target = ""
	case KillScopeUser, KillScopeProfile, KillScopeMcp:
		if target == "" {
			return fmt.Errorf("kill switch scope %s requires a target", scope)
		}
	default:
		return fmt.Errorf("unknown kill switch scope %q", scope)
	}
	k.blocked.Store(killKey(scope, target), struct{}{})
	logger.Warnw("kill switch engaged", "scope", scope, "target", target)
	return nil
}

// Unblock removes a kill switch. Unknown entries are a no-op.
func (k *KillSwitch) Unblock(scope, target string) {
	if scope == KillScopeGlobal {
		target = ""
	}
	k.blocked.Delete(killKey(scope, target))
	logger.Infow("kill switch released", "scope", scope, "target", target)
}

// Blocked reports whether traffic for the given identities is blocked,
// and by which scope.
func (k *KillSwitch) Blocked(userID, profileID, mcpName string) (string, bool) {
	checks := [][2]string{
		{KillScopeGlobal, ""},
		{KillScopeUser, userID},
		{KillScopeProfile, profileID},
		{KillScopeMcp, mcpName},
	}
	for _, c := range checks {
		if c[0] != KillScopeGlobal && c[1] == "" {
			continue
		}
		if _, hit := k.blocked.Load(killKey(c[0], c[1])); hit {
			return c[0], true
		}
	}
	return "", false
}

// Entries lists the active kill switches for the admin surface.
func (k *KillSwitch) Entries() []string {
	var out []string
	k.blocked.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}
