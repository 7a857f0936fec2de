// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/stacklok/ambassador/pkg/logger"
)

const (
	secretLen      = 32
	secretFileMode = os.FileMode(0o600)
)

// SecretKeeper owns the HMAC signing secret: a 32-byte random value
// persisted to disk so tokens survive process restarts. The in-memory
// copy is swapped atomically on rotation.
type SecretKeeper struct {
	path   string
	secret atomic.Pointer[[]byte]
}

// LoadOrCreateSecret reads the signing secret from path, creating it
// with a fresh random value on first run.
func LoadOrCreateSecret(path string) (*SecretKeeper, error) {
	k := &SecretKeeper{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != secretLen {
			return nil, fmt.Errorf("signing secret %s has %d bytes, want %d", path, len(data), secretLen)
		}
		k.secret.Store(&data)
		return k, nil
	case os.IsNotExist(err):
		secret, err := k.writeFresh()
		if err != nil {
			return nil, err
		}
		k.secret.Store(&secret)
		logger.Infow("created signing secret", "path", path)
		return k, nil
	default:
		return nil, fmt.Errorf("reading signing secret: %w", err)
	}
}

// Secret returns the current signing secret.
func (k *SecretKeeper) Secret() []byte {
	return *k.secret.Load()
}

// Rotate replaces the signing secret on disk and in memory. The write
// goes to a temp file first and renames into place so a crash cannot
// leave a torn secret; a file lock serializes concurrent rotations
// across processes sharing the path.
func (k *SecretKeeper) Rotate() error {
	lock := flock.New(k.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking secret file: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnw("releasing secret file lock", "error", err.Error())
		}
	}()

	secret, err := k.writeFresh()
	if err != nil {
		return err
	}
	k.secret.Store(&secret)
	logger.Infow("rotated signing secret", "path", k.path)
	return nil
}

func (k *SecretKeeper) writeFresh() ([]byte, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}

	dir := filepath.Dir(k.path)
	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp secret file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(secretFileMode); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("restricting secret file mode: %w", err)
	}
	if _, err := tmp.Write(secret); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("writing signing secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing secret file: %w", err)
	}
	if err := os.Rename(tmpName, k.path); err != nil {
		return nil, fmt.Errorf("installing signing secret: %w", err)
	}
	return secret, nil
}
