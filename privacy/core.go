// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package privacy is the share_data decision pipeline. Every piece of
// vessel data an integration wants to send off-device goes through
// Core.ShareData: classification, trusted-partner check, consent lookup
// or captain prompt, durable audit-before-transfer, minimization,
// encryption, transfer, audit finalization.
package privacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/seafarer-labs/helmgate/audit"
	"github.com/seafarer-labs/helmgate/classify"
	"github.com/seafarer-labs/helmgate/config"
	"github.com/seafarer-labs/helmgate/consent"
	"github.com/seafarer-labs/helmgate/encryption"
	"github.com/seafarer-labs/helmgate/internal/store"
	"github.com/seafarer-labs/helmgate/registry"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConsentDenied is returned when the operator denies a transfer,
	// directly or through a side channel while the prompt is outstanding.
	ErrConsentDenied = errors.New("consent denied")

	// ErrConsentTimeout is returned when the operator does not answer a
	// prompt within the configured timeout.
	ErrConsentTimeout = errors.New("consent request timed out")

	// ErrPromptThrottled is returned when prompting the operator again
	// would exceed the prompt rate limit. Treated as a denial; no prompt
	// is raised.
	ErrPromptThrottled = errors.New("consent prompt throttled")

	// ErrAuditWriteFailure is returned when the pending audit record
	// cannot be durably written. Fatal: no transfer is attempted.
	ErrAuditWriteFailure = errors.New("audit write failure")

	// ErrEncryptionFailure is returned when the payload cannot be sealed.
	// Fatal: no transfer is attempted.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrTransferFailed is returned when the external integration could
	// not deliver the ciphertext. The attempt is recorded as Failed.
	ErrTransferFailed = errors.New("transfer failed")
)

const chainKeyName = "audit-chain.key"

// errWriter is where operational warnings go. The audit log is the log of
// record; stderr is only for problems recording the record.
var errWriter io.Writer = os.Stderr

// =============================================================================
// CORE
// =============================================================================

// Core composes the classification table, trusted-partner registry, audit
// log, consent manager and encryption boundary behind the single
// ShareData operation.
type Core struct {
	table    *classify.Table
	registry *registry.Registry
	log      *audit.Log
	consent  *consent.Manager
	enc      *encryption.Manager
	prompt   CaptainPrompt
	transfer Transfer

	cfgMu sync.RWMutex
	cfg   *config.Config

	locks    *operatorLocks
	limiters *promptLimiters

	// db is set only by Open; Cores built with New do not own the
	// database.
	db *sql.DB
}

// Options are the collaborators and components a Core composes. All
// fields are required except Table, which defaults to the built-in
// policy.
type Options struct {
	Config    *config.Config
	Table     *classify.Table
	Registry  *registry.Registry
	AuditLog  *audit.Log
	Consent   *consent.Manager
	Encryptor *encryption.Manager
	Prompt    CaptainPrompt
	Transfer  Transfer
}

// New wires a Core from pre-built components.
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil || opts.AuditLog == nil || opts.Consent == nil || opts.Encryptor == nil {
		return nil, fmt.Errorf("registry, audit log, consent manager and encryptor are required")
	}
	if opts.Prompt == nil {
		return nil, fmt.Errorf("captain prompt collaborator is required")
	}
	if opts.Transfer == nil {
		return nil, fmt.Errorf("transfer collaborator is required")
	}

	table := opts.Table
	if table == nil {
		table = classify.DefaultTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	return &Core{
		table:    table,
		registry: opts.Registry,
		log:      opts.AuditLog,
		consent:  opts.Consent,
		enc:      opts.Encryptor,
		prompt:   opts.Prompt,
		transfer: opts.Transfer,
		cfg:      opts.Config,
		locks:    newOperatorLocks(),
		limiters: newPromptLimiters(opts.Config.Prompt.RatePerMinute, opts.Config.Prompt.Burst),
	}, nil
}

// Open builds the full on-device stack under cfg's data directory: the
// shared database, the file keystore, the audit chain key, and every
// component, returning a ready Core. Close releases the database.
func Open(cfg *config.Config, prompt CaptainPrompt, transfer Transfer) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Storage.DatabasePath())
	if err != nil {
		return nil, err
	}

	core, err := buildCore(cfg, db, prompt, transfer)
	if err != nil {
		db.Close()
		return nil, err
	}
	core.db = db
	return core, nil
}

func buildCore(cfg *config.Config, db *sql.DB, prompt CaptainPrompt, transfer Transfer) (*Core, error) {
	ks, err := encryption.NewFileKeyStore(cfg.Storage.KeystoreDir())
	if err != nil {
		return nil, err
	}

	chainKey, err := loadOrCreateChainKey(ks)
	if err != nil {
		return nil, err
	}
	defer encryption.ZeroBytes(chainKey)

	log, err := audit.NewLog(db, chainKey,
		audit.WithHaltOnFailure(cfg.Privacy.AuditHaltOnFailure))
	if err != nil {
		return nil, err
	}

	cons, err := consent.NewManager(db, log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(db, log)
	if err != nil {
		return nil, err
	}

	enc, err := encryption.NewManager(ks,
		encryption.WithRetiredKeyRetention(cfg.Privacy.RetainRotatedKeys))
	if err != nil {
		return nil, err
	}

	return New(Options{
		Config:    cfg,
		Registry:  reg,
		AuditLog:  log,
		Consent:   cons,
		Encryptor: enc,
		Prompt:    prompt,
		Transfer:  transfer,
	})
}

func loadOrCreateChainKey(ks encryption.KeyStore) ([]byte, error) {
	if ks.Exists(chainKeyName) {
		key, err := ks.Retrieve(chainKeyName)
		if err != nil {
			return nil, fmt.Errorf("failed to load audit chain key: %w", err)
		}
		return key, nil
	}
	key, err := encryption.GenerateKey(audit.ChainKeySize)
	if err != nil {
		return nil, err
	}
	if err := ks.Store(chainKeyName, key); err != nil {
		encryption.ZeroBytes(key)
		return nil, fmt.Errorf("failed to persist audit chain key: %w", err)
	}
	return key, nil
}

// Close releases resources owned by Open. Cores built with New own
// nothing and Close is a no-op.
func (c *Core) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// AuditLog exposes the log for compliance reporting.
func (c *Core) AuditLog() *audit.Log {
	return c.log
}

// ConsentManager exposes the consent manager for compliance reporting.
func (c *Core) ConsentManager() *consent.Manager {
	return c.consent
}

// Encryptor exposes the encryption boundary for backup tooling.
func (c *Core) Encryptor() *encryption.Manager {
	return c.enc
}

func (c *Core) snapshotConfig() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// ReloadConfig swaps in a new configuration, e.g. from the config file
// watcher. Storage paths are fixed at Open time and ignored here.
func (c *Core) ReloadConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
	return nil
}

// =============================================================================
// OPERATOR-FACING OPERATIONS
// =============================================================================

// AddTrustedPartner registers a destination for simplified handling of
// restricted-class data. confirmed must be true; the change is audited.
func (c *Core) AddTrustedPartner(ctx context.Context, operator, destination string, confirmed bool) error {
	return c.registry.Add(ctx, operator, destination, confirmed)
}

// RemoveTrustedPartner withdraws trust. Idempotent and audited.
func (c *Core) RemoveTrustedPartner(ctx context.Context, operator, destination string) error {
	return c.registry.Remove(ctx, operator, destination)
}

// RevokeAll revokes every active grant of the operator and cancels any
// outstanding prompts, unblocking in-flight ShareData calls with a
// denial. It deliberately does not take the operator's pipeline lock: a
// ShareData call blocked on a prompt holds that lock, and revocation is
// exactly the side channel that must still get through.
func (c *Core) RevokeAll(ctx context.Context, operator string) (int, error) {
	return c.consent.RevokeAll(ctx, operator)
}

// UpdatePrivacySettings applies new privacy switches on behalf of an
// operator and records the change in the audit log.
func (c *Core) UpdatePrivacySettings(ctx context.Context, operator string, p config.PrivacyConfig) error {
	c.cfgMu.Lock()
	old := c.cfg.Privacy
	updated := *c.cfg
	updated.Privacy = p
	c.cfg = &updated
	c.cfgMu.Unlock()

	_, err := c.log.Event(ctx, audit.Event{
		Kind:     audit.KindSettingChange,
		Operator: operator,
		Detail: fmt.Sprintf("edge_only %t->%t cloud_sync %t->%t retain_rotated_keys %t->%t",
			old.EdgeOnlyMode, p.EdgeOnlyMode,
			old.CloudSyncEnabled, p.CloudSyncEnabled,
			old.RetainRotatedKeys, p.RetainRotatedKeys),
	})
	return err
}

// EnableBackup derives the zero-knowledge backup key from the operator's
// passphrase and records that backups were enabled.
func (c *Core) EnableBackup(ctx context.Context, operator, passphrase string) error {
	if err := c.enc.EnableBackup(passphrase); err != nil {
		return err
	}
	_, err := c.log.Event(ctx, audit.Event{
		Kind:     audit.KindBackupCreated,
		Operator: operator,
		Detail:   "backup key derived from operator passphrase",
	})
	return err
}

// RotateKey replaces the device encryption key on explicit operator
// action and records the rotation.
func (c *Core) RotateKey(ctx context.Context, operator string) error {
	if err := c.enc.RotateKey(); err != nil {
		return err
	}
	_, err := c.log.Event(ctx, audit.Event{
		Kind:     audit.KindKeyRotation,
		Operator: operator,
		Detail:   "device key rotated by operator",
	})
	return err
}
