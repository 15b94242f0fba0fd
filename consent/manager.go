// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package consent tracks authorization requests, grants, denials and
// revocations per operator. Every state change is written to the audit
// log; the consent table is the authorization state, the audit log is the
// evidence trail.
package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seafarer-labs/helmgate/audit"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("consent request not found")

	// ErrInvalidTransition is returned when a resolution or cancellation
	// targets a request that already left the Pending state, or when a
	// transition would move a request backwards.
	ErrInvalidTransition = errors.New("invalid consent state transition")
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the consent state machine. Its methods serialize on an
// internal mutex; cross-component atomicity (a lookup followed by a
// one-time consumption, against a concurrent revocation) is provided by
// the orchestrator's per-operator critical section on top of this.
type Manager struct {
	db  *sql.DB
	log *audit.Log

	mu      sync.Mutex
	waiters map[string]chan Resolution

	now func() time.Time
}

// NewManager creates a consent manager over the shared database. State
// changes are evidenced through log.
func NewManager(db *sql.DB, log *audit.Log) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("audit log must not be nil")
	}
	return &Manager{
		db:      db,
		log:     log,
		waiters: make(map[string]chan Resolution),
		now:     time.Now,
	}, nil
}

const selectRequestSQL = `
SELECT id, operator_id, destination_id, data_type, purpose, method,
       duration, status, created_at, resolved_at, expires_at, consumed_at
  FROM consent_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var method, duration, status string
	var createdAt, resolvedAt, expiresAt, consumedAt int64
	err := row.Scan(&r.ID, &r.Operator, &r.Destination, &r.DataType,
		&r.Purpose, &method, &duration, &status,
		&createdAt, &resolvedAt, &expiresAt, &consumedAt)
	if err != nil {
		return nil, err
	}
	r.Method = Method(method)
	r.Duration = DurationKind(duration)
	r.Status = Status(status)
	r.CreatedAt = time.Unix(0, createdAt)
	if resolvedAt != 0 {
		r.ResolvedAt = time.Unix(0, resolvedAt)
	}
	if expiresAt != 0 {
		r.ExpiresAt = time.Unix(0, expiresAt)
	}
	if consumedAt != 0 {
		r.ConsumedAt = time.Unix(0, consumedAt)
	}
	return &r, nil
}

// Request creates a Pending consent request. Prompting the operator is the
// orchestrator's job; a waiter channel is registered so an external
// cancellation or revocation can unblock the prompt wait.
func (m *Manager) Request(ctx context.Context, operator, destination, dataType, purpose string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := &Request{
		ID:          uuid.NewString(),
		Operator:    operator,
		Destination: destination,
		DataType:    dataType,
		Purpose:     purpose,
		Status:      StatusPending,
		CreatedAt:   m.now(),
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO consent_requests
		     (id, operator_id, destination_id, data_type, purpose, method,
		      duration, status, created_at)
		 VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`,
		req.ID, req.Operator, req.Destination, req.DataType, req.Purpose,
		string(req.Status), req.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to persist consent request: %w", err)
	}

	m.waiters[req.ID] = make(chan Resolution, 1)
	return req, nil
}

// Watch returns the resolution channel for a pending request. The channel
// delivers exactly one Resolution when the request leaves Pending.
func (m *Manager) Watch(id string) (<-chan Resolution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.waiters[id]
	return ch, ok
}

// signalLocked delivers the resolution to a registered waiter, if any.
func (m *Manager) signalLocked(id string, res Resolution) {
	if ch, ok := m.waiters[id]; ok {
		ch <- res
		delete(m.waiters, id)
	}
}

func expiryFor(now time.Time, d Decision) time.Time {
	switch d.Duration {
	case DurationOneTime:
		return now.Add(OneTimeValidity)
	case DurationSession:
		return now.Add(SessionValidity)
	case DurationTimed:
		ttl := d.TTL
		if ttl <= 0 {
			ttl = DefaultTimedValidity
		}
		return now.Add(ttl)
	default: // standing
		return time.Time{}
	}
}

// Resolve applies the operator's decision to a Pending request and writes
// the permission_granted/permission_denied audit entry.
func (m *Manager) Resolve(ctx context.Context, id string, d Decision) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	target := StatusDenied
	if d.Granted {
		target = StatusGranted
	}
	if !canTransition(req.Status, target) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}

	now := m.now()
	req.Status = target
	if d.Granted {
		req.Method = d.Method
		req.Duration = d.Duration
		req.ExpiresAt = expiryFor(now, d)
	}
	req.ResolvedAt = now

	var expires int64
	if !req.ExpiresAt.IsZero() {
		expires = req.ExpiresAt.UnixNano()
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE consent_requests
		    SET status = ?, method = ?, duration = ?, resolved_at = ?, expires_at = ?
		  WHERE id = ?`,
		string(req.Status), string(req.Method), string(req.Duration),
		now.UnixNano(), expires, id)
	if err != nil {
		return nil, fmt.Errorf("failed to persist consent resolution: %w", err)
	}

	kind := audit.KindPermissionDenied
	detail := fmt.Sprintf("data_type=%s purpose=%s", req.DataType, req.Purpose)
	if d.Granted {
		kind = audit.KindPermissionGranted
		detail = fmt.Sprintf("data_type=%s purpose=%s method=%s duration=%s",
			req.DataType, req.Purpose, req.Method, req.Duration)
	}
	if _, err := m.log.Event(ctx, audit.Event{
		Kind:        kind,
		Operator:    req.Operator,
		Destination: req.Destination,
		Detail:      detail,
	}); err != nil {
		return nil, err
	}

	m.signalLocked(id, Resolution{Status: req.Status, Method: req.Method, Duration: req.Duration})
	return req, nil
}

// Cancel withdraws a still-Pending request, unblocking any waiter. Used
// when the operator denies through a side channel while a prompt is
// outstanding.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(ctx, id, reason)
}

func (m *Manager) cancelLocked(ctx context.Context, id, reason string) error {
	req, err := m.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}

	now := m.now()
	_, err = m.db.ExecContext(ctx,
		`UPDATE consent_requests SET status = ?, resolved_at = ? WHERE id = ?`,
		string(StatusRevoked), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel consent request: %w", err)
	}

	if _, err := m.log.Event(ctx, audit.Event{
		Kind:        audit.KindPermissionRevoked,
		Operator:    req.Operator,
		Destination: req.Destination,
		Detail:      fmt.Sprintf("pending request cancelled: %s", reason),
	}); err != nil {
		return err
	}

	m.signalLocked(id, Resolution{Status: StatusRevoked})
	return nil
}

// FindActive returns a Granted, unexpired, not-yet-consumed request
// matching the lookup, or nil if none exists. Expiry sweeping runs first,
// so a lapsed grant can never authorize a transfer.
func (m *Manager) FindActive(ctx context.Context, operator, destination, dataType, purpose string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.expireSweepLocked(ctx, now); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, selectRequestSQL+`
		 WHERE operator_id = ? AND destination_id = ? AND data_type = ?
		   AND purpose = ? AND status = ?
		 ORDER BY created_at DESC`,
		operator, destination, dataType, purpose, string(StatusGranted))
	if err != nil {
		return nil, fmt.Errorf("consent lookup failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("consent lookup failed: %w", err)
		}
		if req.Active(now) {
			return req, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent lookup failed: %w", err)
	}
	return nil, nil
}

// Consume marks a one-time grant as spent: Granted becomes Expired and the
// grant can never authorize another transfer. Call it in the same
// per-operator critical section as the FindActive that returned it.
func (m *Manager) Consume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(req.Status, StatusExpired) || !req.ConsumedAt.IsZero() {
		return fmt.Errorf("%w: %s is not an unconsumed grant", ErrInvalidTransition, id)
	}
	if req.Duration != DurationOneTime {
		return fmt.Errorf("%w: %s is not a one-time grant", ErrInvalidTransition, id)
	}

	now := m.now()
	_, err = m.db.ExecContext(ctx,
		`UPDATE consent_requests SET status = ?, consumed_at = ? WHERE id = ?`,
		string(StatusExpired), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to consume one-time consent: %w", err)
	}
	return nil
}

// RevokeAll atomically revokes every Granted request for an operator and
// cancels the operator's Pending requests, unblocking their waiters. One
// summary audit entry is written plus one entry per revoked grant.
func (m *Manager) RevokeAll(ctx context.Context, operator string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.QueryContext(ctx, selectRequestSQL+`
		 WHERE operator_id = ? AND status IN (?, ?)`,
		operator, string(StatusGranted), string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("revocation lookup failed: %w", err)
	}
	var affected []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("revocation lookup failed: %w", err)
		}
		affected = append(affected, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("revocation lookup failed: %w", err)
	}
	rows.Close()

	now := m.now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin revocation: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`UPDATE consent_requests SET status = ?, resolved_at = ?
		  WHERE operator_id = ? AND status IN (?, ?)`,
		string(StatusRevoked), now.UnixNano(), operator,
		string(StatusGranted), string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to revoke consents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit revocation: %w", err)
	}

	revoked := 0
	for _, req := range affected {
		if req.Status == StatusGranted {
			revoked++
			if _, err := m.log.Event(ctx, audit.Event{
				Kind:        audit.KindPermissionRevoked,
				Operator:    operator,
				Destination: req.Destination,
				Detail:      fmt.Sprintf("data_type=%s purpose=%s", req.DataType, req.Purpose),
			}); err != nil {
				return revoked, err
			}
		}
		m.signalLocked(req.ID, Resolution{Status: StatusRevoked})
	}

	if _, err := m.log.Event(ctx, audit.Event{
		Kind:     audit.KindPermissionRevoked,
		Operator: operator,
		Detail:   fmt.Sprintf("revoke_all: %d grants revoked, %d pending cancelled", revoked, len(affected)-revoked),
	}); err != nil {
		return revoked, err
	}
	return revoked, nil
}

// ExpireSweep transitions lapsed Granted requests to Expired. It also runs
// implicitly on every FindActive, so calling it explicitly is only needed
// for housekeeping.
func (m *Manager) ExpireSweep(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireSweepLocked(ctx, now)
}

func (m *Manager) expireSweepLocked(ctx context.Context, now time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE consent_requests SET status = ?
		  WHERE status = ? AND expires_at != 0 AND expires_at <= ?`,
		string(StatusExpired), string(StatusGranted), now.UnixNano())
	if err != nil {
		return fmt.Errorf("consent expiry sweep failed: %w", err)
	}
	return nil
}

// Get returns a request by id.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, id)
}

func (m *Manager) getLocked(ctx context.Context, id string) (*Request, error) {
	req, err := scanRequest(m.db.QueryRowContext(ctx, selectRequestSQL+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read consent request: %w", err)
	}
	return req, nil
}

// History returns an operator's full consent history, oldest first.
// Terminal requests are retained indefinitely.
func (m *Manager) History(ctx context.Context, operator string) ([]Request, error) {
	rows, err := m.db.QueryContext(ctx, selectRequestSQL+`
		 WHERE operator_id = ? ORDER BY created_at`, operator)
	if err != nil {
		return nil, fmt.Errorf("consent history query failed: %w", err)
	}
	defer rows.Close()

	var history []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("consent history query failed: %w", err)
		}
		history = append(history, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent history query failed: %w", err)
	}
	return history, nil
}

// Pseudonymize rewrites an operator's consent rows to carry a pseudonym.
// Part of the erasure path; rows are never deleted.
func (m *Manager) Pseudonymize(ctx context.Context, operator, pseudonym string) (int, error) {
	if operator == "" || pseudonym == "" {
		return 0, fmt.Errorf("operator and pseudonym must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.ExecContext(ctx,
		`UPDATE consent_requests SET operator_id = ? WHERE operator_id = ?`,
		pseudonym, operator)
	if err != nil {
		return 0, fmt.Errorf("failed to pseudonymize consent requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pseudonymized requests: %w", err)
	}
	return int(n), nil
}
