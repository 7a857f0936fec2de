// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte(strings.Repeat("s", 32))
	token, mac, nonce, err := MintToken(secret, "sess-123")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	parsed, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", parsed.SessionID)
	assert.Equal(t, raw, parsed.Nonce)
	assert.True(t, VerifyMAC(secret, parsed, mac))
}

func TestVerifyMACRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	secret := []byte(strings.Repeat("s", 32))
	token, mac, _, err := MintToken(secret, "sess-123")
	require.NoError(t, err)

	parsed, err := ParseToken(token)
	require.NoError(t, err)

	other := []byte(strings.Repeat("x", 32))
	assert.False(t, VerifyMAC(other, parsed, mac))
}

func TestParseTokenMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "no separator", token: "abcdef"},
		{name: "empty session", token: "abcdef."},
		{name: "bad base64", token: "!!!.sess-1"},
		{name: "short nonce", token: "YWJj.sess-1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseToken(tc.token)
			assert.ErrorIs(t, err, ambassador.ErrUnauthorized)
		})
	}
}

func TestAttemptLimiter(t *testing.T) {
	t.Parallel()

	l := NewAttemptLimiter()

	allowedCount := 0
	for i := 0; i < 20; i++ {
		if ok, _ := l.Allow("10.0.0.1"); ok {
			allowedCount++
		}
	}
	// The per-minute burst is 10; the rest must be throttled.
	assert.Equal(t, 10, allowedCount)

	// A different source is unaffected.
	ok, wait := l.Allow("10.0.0.2")
	assert.True(t, ok)
	assert.Zero(t, wait)
}
