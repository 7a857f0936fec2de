// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

const tokenNonceLen = 32

// SessionToken is an opaque bearer credential: base64url(nonce) "." and
// the session ID. The server stores only HMAC-SHA256(secret, nonce ||
// session_id), so a database leak does not yield usable tokens.
type SessionToken struct {
	Nonce     []byte
	SessionID string
}

// MintToken creates a fresh token for a session and its stored MAC.
func MintToken(secret []byte, sessionID string) (token string, mac string, nonce string, err error) {
	raw := make([]byte, tokenNonceLen)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generating token nonce: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + sessionID, ComputeMAC(secret, raw, sessionID), encoded, nil
}

// ParseToken splits a presented token. Malformed tokens fail with
// ErrUnauthorized so the caller cannot distinguish them from bad MACs.
func ParseToken(token string) (*SessionToken, error) {
	encoded, sessionID, ok := strings.Cut(token, ".")
	if !ok || sessionID == "" {
		return nil, ambassador.ErrUnauthorized
	}
	nonce, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(nonce) != tokenNonceLen {
		return nil, ambassador.ErrUnauthorized
	}
	return &SessionToken{Nonce: nonce, SessionID: sessionID}, nil
}

// ComputeMAC derives the stored token MAC.
func ComputeMAC(secret, nonce []byte, sessionID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMAC compares a computed MAC against the stored value in
// constant time.
func VerifyMAC(secret []byte, tok *SessionToken, storedMAC string) bool {
	want, err := hex.DecodeString(storedMAC)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(ComputeMAC(secret, tok.Nonce, tok.SessionID))
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}
