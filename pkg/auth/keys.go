// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth implements preshared-key authentication, session token
// issuance and verification, and the signing-secret lifecycle.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/stacklok/ambassador/pkg/ambassador"
)

// Preshared key wire format: "amb_pk_" followed by 48 base64url
// characters. The prefix column stores the first 8 characters of the
// encoded body so lookups never touch the secret part.
const (
	keyScheme     = "amb_pk_"
	keyBodyLength = 48
	keyPrefixLen  = 8
)

// argon2id parameters, fixed for every stored hash.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// GenerateKey mints a new preshared key and its stored representation.
// The raw key is shown to the caller exactly once; only prefix and hash
// are persisted.
func GenerateKey() (raw, prefix, hash string, err error) {
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generating key material: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(buf)[:keyBodyLength]
	raw = keyScheme + body

	prefix = body[:keyPrefixLen]
	hash, err = HashKey(raw)
	if err != nil {
		return "", "", "", err
	}
	return raw, prefix, hash, nil
}

// SplitKey validates the wire format and returns the lookup prefix.
func SplitKey(raw string) (prefix string, err error) {
	body, ok := strings.CutPrefix(raw, keyScheme)
	if !ok || len(body) != keyBodyLength {
		return "", ambassador.ErrInvalidKeyFormat
	}
	for _, r := range body {
		if !isBase64URL(r) {
			return "", ambassador.ErrInvalidKeyFormat
		}
	}
	return body[:keyPrefixLen], nil
}

func isBase64URL(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		return true
	}
	return false
}

// HashKey derives an argon2id hash in the standard encoded form.
func HashKey(raw string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := argon2.IDKey([]byte(raw), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest)), nil
}

// VerifyKey checks a raw key against a stored argon2id hash in constant
// time for the digest comparison.
func VerifyKey(raw, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(raw), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// dummyHash is verified against when a prefix lookup finds no candidate
// keys, so the failure path costs one argon2 derivation either way.
var dummyHash = mustDummyHash()

func mustDummyHash() string {
	h, err := HashKey(keyScheme + strings.Repeat("x", keyBodyLength))
	if err != nil {
		panic(err)
	}
	return h
}

// VerifyDummy burns one argon2 derivation without revealing anything.
func VerifyDummy() {
	VerifyKey(keyScheme+strings.Repeat("y", keyBodyLength), dummyHash)
}
