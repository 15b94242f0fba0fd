// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package encryption

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	ks, err := NewFileKeyStore(t.TempDir())
	require.NoError(t, err)
	m, err := NewManager(ks, opts...)
	require.NoError(t, err)
	return m
}

func TestEncryption_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	plaintext := []byte(`{"lat":38.4237,"lon":27.1428}`)
	ciphertext, err := m.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)
	require.Greater(t, len(ciphertext), len(plaintext))

	decrypted, err := m.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryption_KeyPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeyStore(dir)
	require.NoError(t, err)

	m1, err := NewManager(ks)
	require.NoError(t, err)
	ciphertext, err := m1.Encrypt([]byte("berth 14, arriving 18:00"))
	require.NoError(t, err)

	// Same keystore, fresh manager: must load the same device key.
	m2, err := NewManager(ks)
	require.NoError(t, err)
	decrypted, err := m2.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("berth 14, arriving 18:00"), decrypted)
}

func TestEncryption_TamperedCiphertextFails(t *testing.T) {
	m := newTestManager(t)

	ciphertext, err := m.Encrypt([]byte("sensitive"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = m.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = m.Decrypt([]byte("short"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryption_NoncesUnique(t *testing.T) {
	m := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		ct, err := m.Encrypt([]byte("x"))
		require.NoError(t, err)
		nonce := string(ct[:NonceSize])
		require.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestEncryption_ConcurrentUse(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				ct, err := m.Encrypt([]byte("concurrent payload"))
				require.NoError(t, err)
				pt, err := m.Decrypt(ct)
				require.NoError(t, err)
				require.Equal(t, []byte("concurrent payload"), pt)
			}
		}()
	}
	wg.Wait()
}

func TestEncryption_Hash(t *testing.T) {
	m := newTestManager(t)

	h1 := m.Hash([]byte("payload"))
	h2 := m.Hash([]byte("payload"))
	h3 := m.Hash([]byte("payload!"))

	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.Len(t, h1, 64) // hex SHA-256
}

func TestEncryption_RotateKeyInvalidatesOldCiphertext(t *testing.T) {
	m := newTestManager(t)

	ciphertext, err := m.Encrypt([]byte("before rotation"))
	require.NoError(t, err)

	require.NoError(t, m.RotateKey())

	_, err = m.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// New key still round-trips.
	ct2, err := m.Encrypt([]byte("after rotation"))
	require.NoError(t, err)
	pt, err := m.Decrypt(ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("after rotation"), pt)
}

func TestBackup_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	_, err := m.BackupEncrypt([]byte("x"))
	require.ErrorIs(t, err, ErrBackupNotEnabled)

	require.NoError(t, m.EnableBackup("correct horse battery staple"))
	require.True(t, m.BackupEnabled())

	payload := []byte(`{"routes":["izmir-cesme"]}`)
	ciphertext, err := m.BackupEncrypt(payload)
	require.NoError(t, err)

	restored, err := m.RestoreBackup("correct horse battery staple", ciphertext)
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestBackup_WrongPassphraseIsDistinct(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.EnableBackup("correct horse battery staple"))

	ciphertext, err := m.BackupEncrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = m.RestoreBackup("wrong passphrase", ciphertext)
	require.ErrorIs(t, err, ErrWrongPassphrase)
	require.NotErrorIs(t, err, ErrDecryptionFailed)

	// Right passphrase, corrupt payload: decryption failure, not a
	// passphrase complaint.
	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = m.RestoreBackup("correct horse battery staple", ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestBackup_ShortPassphraseRejected(t *testing.T) {
	m := newTestManager(t)
	require.Error(t, m.EnableBackup("short"))
}

func TestFileKeyStore_RejectsPathEscape(t *testing.T) {
	ks, err := NewFileKeyStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		require.Error(t, ks.Store(name, []byte("x")), "name %q", name)
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ZeroBytes(b)
	require.True(t, bytes.Equal(b, []byte{0, 0, 0, 0}))
}
