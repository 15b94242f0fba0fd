// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package encryption is the boundary every payload crosses before it leaves
// the device. It owns the device-local AES-256-GCM key, computes the audit
// content hashes, and derives the zero-knowledge backup key from an
// operator passphrase. Key material is generated on-device and never
// serialized off-device in plaintext form.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 32

	// PBKDF2Iterations follows the OWASP 2023 recommendation for
	// PBKDF2-HMAC-SHA256. Deliberately slow: the passphrase is the only
	// secret protecting off-device backups.
	PBKDF2Iterations = 600000

	deviceKeyName     = "device.key"
	retiredKeyPrefix  = "retired-"
	backupSaltName    = "backup.salt"
	backupVerifierKey = "backup.verifier"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotInitialized is returned when the manager has no device key.
	ErrNotInitialized = errors.New("encryption manager not initialized")

	// ErrDecryptionFailed is returned when a ciphertext fails
	// authentication. The cause (wrong key, corruption, tampering) is
	// deliberately not distinguished.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrWrongPassphrase is returned when a backup restore is attempted
	// with a passphrase that does not match the one the backup key was
	// derived from. Distinct from ErrDecryptionFailed so callers can tell
	// the operator to retry the passphrase rather than treat the backup
	// as corrupt.
	ErrWrongPassphrase = errors.New("cannot restore without correct passphrase")

	// ErrBackupNotEnabled is returned when backup operations are invoked
	// before EnableBackup.
	ErrBackupNotEnabled = errors.New("backup not enabled")
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager performs all cryptographic operations for the privacy core.
type Manager struct {
	mu       sync.Mutex
	keyStore KeyStore
	aead     cipher.AEAD

	// Nonce uniqueness: 4 random bytes plus a monotonic 8-byte counter,
	// with a belt-and-braces map of nonces already handed out.
	nonceCounter uint64
	usedNonces   map[string]struct{}

	// retainRetired keeps the previous device key in the keystore on
	// rotation so historical backups stay restorable. Default false:
	// rotation invalidates prior backups.
	retainRetired bool

	backup *backupState
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetiredKeyRetention keeps superseded device keys in the keystore
// after RotateKey instead of destroying them.
func WithRetiredKeyRetention(retain bool) Option {
	return func(m *Manager) {
		m.retainRetired = retain
	}
}

// NewManager loads the device key from the keystore, generating one on
// first use.
func NewManager(ks KeyStore, opts ...Option) (*Manager, error) {
	if ks == nil {
		return nil, fmt.Errorf("keystore must not be nil")
	}

	m := &Manager{
		keyStore:   ks,
		usedNonces: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	var key []byte
	if ks.Exists(deviceKeyName) {
		loaded, err := ks.Retrieve(deviceKeyName)
		if err != nil {
			return nil, fmt.Errorf("failed to load device key: %w", err)
		}
		if len(loaded) != KeySize {
			return nil, fmt.Errorf("device key has wrong size: got %d, want %d", len(loaded), KeySize)
		}
		key = loaded
	} else {
		key = make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate device key: %w", err)
		}
		if err := ks.Store(deviceKeyName, key); err != nil {
			ZeroBytes(key)
			return nil, fmt.Errorf("failed to persist device key: %w", err)
		}
	}

	aead, err := newAEAD(key)
	ZeroBytes(key)
	if err != nil {
		return nil, err
	}
	m.aead = aead
	return m, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// nextNonceLocked returns a nonce that has never been used with the
// current key. Callers must hold m.mu.
func (m *Manager) nextNonceLocked() ([]byte, error) {
	for attempts := 0; attempts < 100; attempts++ {
		nonce := make([]byte, NonceSize)
		if _, err := rand.Read(nonce[:4]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		m.nonceCounter++
		binary.BigEndian.PutUint64(nonce[4:], m.nonceCounter)

		key := string(nonce)
		if _, used := m.usedNonces[key]; !used {
			m.usedNonces[key] = struct{}{}
			return nonce, nil
		}
	}
	return nil, fmt.Errorf("nonce space exhausted")
}

// Encrypt seals plaintext with the device key. The output layout is
// nonce || ciphertext || tag.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aead == nil {
		return nil, ErrNotInitialized
	}

	nonce, err := m.nextNonceLocked()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+m.aead.Overhead())
	out = append(out, nonce...)
	out = m.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aead == nil {
		return nil, ErrNotInitialized
	}
	if len(ciphertext) < NonceSize+m.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := m.aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Hash returns the hex SHA-256 digest of a payload, used as the audit
// fingerprint of transferred content.
func (m *Manager) Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RotateKey generates a fresh device key. If retired-key retention is off
// (the default) the old key is destroyed and anything encrypted under it,
// including backups, becomes unrecoverable. That is the intended tradeoff:
// rotation is an explicit operator action.
func (m *Manager) RotateKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aead == nil {
		return ErrNotInitialized
	}

	if m.retainRetired {
		old, err := m.keyStore.Retrieve(deviceKeyName)
		if err != nil {
			return fmt.Errorf("failed to read current key for retention: %w", err)
		}
		retiredName := fmt.Sprintf("%s%d", retiredKeyPrefix, m.nonceCounter)
		if err := m.keyStore.Store(retiredName, old); err != nil {
			ZeroBytes(old)
			return fmt.Errorf("failed to retain retired key: %w", err)
		}
		ZeroBytes(old)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate replacement key: %w", err)
	}
	defer ZeroBytes(key)

	if err := m.keyStore.Store(deviceKeyName, key); err != nil {
		return fmt.Errorf("failed to persist replacement key: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	m.aead = aead

	// New key, new nonce space.
	m.nonceCounter = 0
	m.usedNonces = make(map[string]struct{})
	return nil
}

// GenerateKey returns size bytes of cryptographically random key
// material.
func GenerateKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return key, nil
}

// ZeroBytes overwrites b so key material does not linger in memory longer
// than necessary.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
