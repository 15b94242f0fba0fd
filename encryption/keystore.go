// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package encryption

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/seafarer-labs/helmgate/internal/util"
)

// KeyStore persists device-local key material. Implementations must never
// transmit stored bytes off the device.
type KeyStore interface {
	Store(name string, data []byte) error
	Retrieve(name string) ([]byte, error)
	Exists(name string) bool
	Delete(name string) error
}

// FileKeyStore keeps key material in a directory with owner-only
// permissions (0700 directory, 0600 files).
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates the backing directory if needed.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("keystore directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &FileKeyStore{dir: dir}, nil
}

func (ks *FileKeyStore) path(name string) (string, error) {
	// Reject anything that could escape the keystore directory.
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	return filepath.Join(ks.dir, name), nil
}

// Store writes key material atomically with 0600 permissions.
func (ks *FileKeyStore) Store(name string, data []byte) error {
	p, err := ks.path(name)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFileWithDir(p, data, 0o600, 0o700); err != nil {
		return fmt.Errorf("failed to store key %q: %w", name, err)
	}
	return nil
}

// Retrieve reads key material back.
func (ks *FileKeyStore) Retrieve(name string) ([]byte, error) {
	p, err := ks.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve key %q: %w", name, err)
	}
	return data, nil
}

// Exists reports whether a key with this name is stored.
func (ks *FileKeyStore) Exists(name string) bool {
	p, err := ks.path(name)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(p)
	return statErr == nil
}

// Delete removes stored key material. Missing keys are not an error.
func (ks *FileKeyStore) Delete(name string) error {
	p, err := ks.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", name, err)
	}
	return nil
}
