// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// backupVerifierPlaintext is a fixed value sealed under the backup key when
// backup is enabled. Restoring with a candidate passphrase first opens this
// verifier: failure means the passphrase is wrong, which keeps
// ErrWrongPassphrase distinct from a corrupted backup payload.
var backupVerifierPlaintext = []byte("helmgate-backup-v1")

type backupState struct {
	aead cipher.AEAD
}

// EnableBackup derives a backup encryption key from an operator passphrase
// using PBKDF2-HMAC-SHA256 and a random salt. The salt and an encrypted
// verifier are persisted in the keystore; the passphrase and the derived
// key never leave the device. Only ciphertext produced by BackupEncrypt is
// eligible for off-device storage.
func (m *Manager) EnableBackup(passphrase string) error {
	if len(passphrase) < 8 {
		return fmt.Errorf("backup passphrase must be at least 8 characters")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aead == nil {
		return ErrNotInitialized
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate backup salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(key)

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	// Verifier: nonce || sealed verifier plaintext, stored locally.
	verNonce := make([]byte, NonceSize)
	if _, err := rand.Read(verNonce); err != nil {
		return fmt.Errorf("failed to generate verifier nonce: %w", err)
	}
	verifier := append(append([]byte{}, verNonce...), aead.Seal(nil, verNonce, backupVerifierPlaintext, nil)...)

	if err := m.keyStore.Store(backupSaltName, salt); err != nil {
		return fmt.Errorf("failed to persist backup salt: %w", err)
	}
	if err := m.keyStore.Store(backupVerifierKey, verifier); err != nil {
		return fmt.Errorf("failed to persist backup verifier: %w", err)
	}

	m.backup = &backupState{aead: aead}
	return nil
}

// BackupEnabled reports whether a backup key is active in this session.
func (m *Manager) BackupEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backup != nil
}

// BackupEncrypt seals a payload under the backup key for off-device
// storage.
func (m *Manager) BackupEncrypt(payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backup == nil {
		return nil, ErrBackupNotEnabled
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(payload)+m.backup.aead.Overhead())
	out = append(out, nonce...)
	out = m.backup.aead.Seal(out, nonce, payload, nil)
	return out, nil
}

// RestoreBackup decrypts a backup ciphertext using a key re-derived from
// the supplied passphrase and the stored salt. A passphrase that does not
// match returns ErrWrongPassphrase; a matching passphrase with an
// undecryptable payload returns ErrDecryptionFailed.
func (m *Manager) RestoreBackup(passphrase string, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.keyStore.Exists(backupSaltName) || !m.keyStore.Exists(backupVerifierKey) {
		return nil, ErrBackupNotEnabled
	}

	salt, err := m.keyStore.Retrieve(backupSaltName)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
	defer ZeroBytes(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	verifier, err := m.keyStore.Retrieve(backupVerifierKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup verifier: %w", err)
	}
	if len(verifier) < NonceSize {
		return nil, ErrDecryptionFailed
	}
	if _, err := aead.Open(nil, verifier[:NonceSize], verifier[NonceSize:], nil); err != nil {
		return nil, ErrWrongPassphrase
	}

	if len(ciphertext) < NonceSize+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	payload, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return payload, nil
}
