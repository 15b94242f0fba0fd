// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit is the durable, append-only log of record for every
// privacy-relevant action on the device: transfer attempts, consent
// changes, trusted-partner changes, erasures, key events.
//
// Transfers are written two-phase. Begin persists a Pending entry and does
// not return until the row is on disk; only then may a transfer be
// attempted. Finalize moves the entry to Success or Failed exactly once
// and is idempotent for repeated identical outcomes. A record that reached
// a terminal state is immutable evidence.
//
// The log fails closed. If the store rejects a write, the log marks itself
// unavailable and every subsequent append is refused until an operator
// intervenes; a gatekeeper that cannot record a transfer must not permit
// one.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seafarer-labs/helmgate/classify"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnavailable is returned for every append after a storage write
	// has failed (and on the failing append itself).
	ErrUnavailable = errors.New("audit log unavailable")

	// ErrRecordNotFound is returned by Finalize and Get for unknown ids.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrOutcomeConflict is returned when Finalize is called with a
	// different outcome after a terminal outcome is already set.
	ErrOutcomeConflict = errors.New("audit record already finalized with different outcome")

	// ErrChainBroken is returned by VerifyChain when a record's HMAC does
	// not match its content.
	ErrChainBroken = errors.New("audit chain verification failed")
)

// ChainKeySize is the required HMAC key length in bytes.
const ChainKeySize = 32

// =============================================================================
// LOG
// =============================================================================

// Log is the append-only audit store backed by SQLite.
type Log struct {
	db *sql.DB
	mu sync.Mutex

	chainKey []byte
	nextSeq  int64
	lastHash string

	redactor Redactor

	haltOnFailure    bool
	failed           bool
	lastFailure      error
	failureCallbacks []func(error)
}

// Option configures a Log.
type Option func(*Log)

// WithRedactor replaces the default credential redactor.
func WithRedactor(r Redactor) Option {
	return func(l *Log) {
		l.redactor = r
	}
}

// WithHaltOnFailure controls whether a storage failure latches the log
// into refusing all further appends. Default true.
func WithHaltOnFailure(halt bool) Option {
	return func(l *Log) {
		l.haltOnFailure = halt
	}
}

// NewLog opens the audit log over db. chainKey signs the tamper-evidence
// chain and must be ChainKeySize bytes; it should come from the device
// keystore, not from configuration.
func NewLog(db *sql.DB, chainKey []byte, opts ...Option) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	if len(chainKey) != ChainKeySize {
		return nil, fmt.Errorf("chain key must be %d bytes, got %d", ChainKeySize, len(chainKey))
	}

	l := &Log{
		db:            db,
		chainKey:      append([]byte{}, chainKey...),
		redactor:      NewPatternRedactor(),
		haltOnFailure: true,
	}
	for _, opt := range opts {
		opt(l)
	}

	// Seed the monotonic sequence and chain tip from the existing log.
	row := db.QueryRow(`SELECT seq, chain_hash FROM audit_records ORDER BY seq DESC LIMIT 1`)
	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); {
	case err == sql.ErrNoRows:
		// Empty log.
	case err != nil:
		return nil, fmt.Errorf("failed to read audit log tip: %w", err)
	default:
		l.nextSeq = seq
		l.lastHash = hash
	}

	return l, nil
}

// OnFailure registers a callback invoked (outside the log's lock) when a
// storage write fails. Use it to raise an operator-visible alarm.
func (l *Log) OnFailure(cb func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureCallbacks = append(l.failureCallbacks, cb)
}

// Failed reports whether the log has latched into the unavailable state.
func (l *Log) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// ResetFailure clears the unavailable state after operator intervention.
func (l *Log) ResetFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = false
	l.lastFailure = nil
}

// auditRow mirrors the audit_records columns for an append.
type auditRow struct {
	seq            int64
	id             string
	kind           Kind
	createdAt      time.Time
	operator       string
	destination    string
	dataType       string
	classification classify.Classification
	decision       DecisionPath
	consentID      string
	purpose        string
	detail         string
	outcome        OutcomeKind
	failureReason  string
	finalizedAt    time.Time
	prevHash       string
	chainHash      string
}

const insertRecordSQL = `
INSERT INTO audit_records
    (seq, id, kind, created_at, operator_id, destination_id, data_type,
     classification, decision, consent_id, content_hash, purpose, detail,
     outcome, failure_reason, finalized_at, prev_hash, chain_hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?)`

// append assigns the next sequence number, signs the chain and durably
// inserts the row. Failure callbacks run after the lock is released.
func (l *Log) append(ctx context.Context, row auditRow) (string, error) {
	l.mu.Lock()

	if l.failed && l.haltOnFailure {
		l.mu.Unlock()
		return "", ErrUnavailable
	}

	row.seq = l.nextSeq + 1
	row.prevHash = l.lastHash
	row.chainHash = l.signRow(row)

	var finalized int64
	if !row.finalizedAt.IsZero() {
		finalized = row.finalizedAt.UnixNano()
	}
	_, err := l.db.ExecContext(ctx, insertRecordSQL,
		row.seq, row.id, string(row.kind), row.createdAt.UnixNano(),
		row.operator, row.destination, row.dataType,
		row.classification.String(), string(row.decision), row.consentID,
		row.purpose, row.detail,
		string(row.outcome), row.failureReason, finalized,
		row.prevHash, row.chainHash)
	if err != nil {
		l.failed = true
		l.lastFailure = err
		cbs := append([]func(error){}, l.failureCallbacks...)
		l.mu.Unlock()
		for _, cb := range cbs {
			cb(err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.nextSeq = row.seq
	l.lastHash = row.chainHash
	l.mu.Unlock()
	return row.id, nil
}

// Begin durably persists a Pending transfer record and returns its id.
// The caller must not attempt the transfer unless Begin succeeded.
func (l *Log) Begin(ctx context.Context, draft Draft) (string, error) {
	return l.append(ctx, auditRow{
		id:             uuid.NewString(),
		kind:           KindTransfer,
		createdAt:      time.Now(),
		operator:       draft.Operator,
		destination:    draft.Destination,
		dataType:       draft.DataType,
		classification: draft.Classification,
		decision:       draft.Decision,
		consentID:      draft.ConsentID,
		purpose:        l.redactor.Redact(draft.Purpose),
		outcome:        OutcomePending,
	})
}

// Event appends a single-phase entry. Events are born terminal.
func (l *Log) Event(ctx context.Context, ev Event) (string, error) {
	now := time.Now()
	return l.append(ctx, auditRow{
		id:          uuid.NewString(),
		kind:        ev.Kind,
		createdAt:   now,
		operator:    ev.Operator,
		destination: ev.Destination,
		detail:      l.redactor.Redact(ev.Detail),
		outcome:     OutcomeSuccess,
		finalizedAt: now,
	})
}

// Finalize sets the terminal outcome of a pending transfer record and
// attaches the content hash of what was actually sent. Repeating the same
// outcome is a no-op that leaves the finalization timestamp untouched;
// a different outcome after a terminal state is ErrOutcomeConflict.
func (l *Log) Finalize(ctx context.Context, id string, outcome Outcome, contentHash string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("finalize requires a terminal outcome, got %q", outcome.Kind)
	}

	l.mu.Lock()

	var current, currentReason string
	err := l.db.QueryRowContext(ctx,
		`SELECT outcome, failure_reason FROM audit_records WHERE id = ? AND kind = ?`,
		id, string(KindTransfer)).Scan(&current, &currentReason)
	if err == sql.ErrNoRows {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to read audit record: %w", err)
	}

	reason := l.redactor.Redact(outcome.Reason)

	if OutcomeKind(current) != OutcomePending {
		l.mu.Unlock()
		if OutcomeKind(current) == outcome.Kind && currentReason == reason {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrOutcomeConflict, id, current)
	}

	_, err = l.db.ExecContext(ctx,
		`UPDATE audit_records
		    SET outcome = ?, failure_reason = ?, content_hash = ?, finalized_at = ?
		  WHERE id = ?`,
		string(outcome.Kind), reason, contentHash, time.Now().UnixNano(), id)
	if err != nil {
		l.failed = true
		l.lastFailure = err
		cbs := append([]func(error){}, l.failureCallbacks...)
		l.mu.Unlock()
		for _, cb := range cbs {
			cb(err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.mu.Unlock()
	return nil
}

// Get returns a single record by id.
func (l *Log) Get(ctx context.Context, id string) (*TransferRecord, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, selectRecordSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}
	return rec, nil
}
