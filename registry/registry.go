// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds each operator's trusted partners: destinations
// explicitly confirmed for simplified handling of restricted-class data.
// Trusting a destination is a privacy-relevant configuration change, so
// adds and removes are themselves written to the audit log.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seafarer-labs/helmgate/audit"
)

// ErrNotConfirmed is returned by Add when the operator has not explicitly
// confirmed the partner. There is no unconfirmed trust.
var ErrNotConfirmed = errors.New("trusted partner must be explicitly confirmed")

// Entry is a trusted-partner registration. Entries never expire on their
// own; only an explicit remove ends the trust.
type Entry struct {
	Operator    string
	Destination string
	Confirmed   bool
	AddedAt     time.Time
}

// Registry is the per-operator trusted-partner set, backed by the shared
// database.
type Registry struct {
	db  *sql.DB
	log *audit.Log
	mu  sync.Mutex
}

// New creates a registry whose changes are evidenced through log.
func New(db *sql.DB, log *audit.Log) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("audit log must not be nil")
	}
	return &Registry{db: db, log: log}, nil
}

// IsTrusted reports whether the destination is a confirmed trusted partner
// of the operator. Errors fail closed to "not trusted".
func (r *Registry) IsTrusted(ctx context.Context, operator, destination string) (bool, error) {
	var confirmed int
	err := r.db.QueryRowContext(ctx,
		`SELECT confirmed FROM trusted_partners
		  WHERE operator_id = ? AND destination_id = ?`,
		operator, destination).Scan(&confirmed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("trusted partner lookup failed: %w", err)
	}
	return confirmed != 0, nil
}

// Add registers a trusted partner. It fails with ErrNotConfirmed unless
// the operator explicitly confirmed the trust; re-adding an existing
// partner refreshes nothing and is not an error.
func (r *Registry) Add(ctx context.Context, operator, destination string, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, destination)
	}
	if operator == "" || destination == "" {
		return fmt.Errorf("operator and destination must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trusted_partners (operator_id, destination_id, confirmed, added_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (operator_id, destination_id) DO NOTHING`,
		operator, destination, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add trusted partner: %w", err)
	}

	_, err = r.log.Event(ctx, audit.Event{
		Kind:        audit.KindPartnerAdded,
		Operator:    operator,
		Destination: destination,
		Detail:      "confirmed by operator",
	})
	return err
}

// Remove deletes a trusted partner. Removing a destination that is not
// registered is a no-op, and no audit entry is written for it.
func (r *Registry) Remove(ctx context.Context, operator, destination string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM trusted_partners WHERE operator_id = ? AND destination_id = ?`,
		operator, destination)
	if err != nil {
		return fmt.Errorf("failed to remove trusted partner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove trusted partner: %w", err)
	}
	if n == 0 {
		return nil
	}

	_, err = r.log.Event(ctx, audit.Event{
		Kind:        audit.KindPartnerRemoved,
		Operator:    operator,
		Destination: destination,
	})
	return err
}

// List returns the operator's trusted partners, oldest first.
func (r *Registry) List(ctx context.Context, operator string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT operator_id, destination_id, confirmed, added_at
		   FROM trusted_partners WHERE operator_id = ? ORDER BY added_at`,
		operator)
	if err != nil {
		return nil, fmt.Errorf("trusted partner list failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var confirmed int
		var addedAt int64
		if err := rows.Scan(&e.Operator, &e.Destination, &confirmed, &addedAt); err != nil {
			return nil, fmt.Errorf("trusted partner list failed: %w", err)
		}
		e.Confirmed = confirmed != 0
		e.AddedAt = time.Unix(0, addedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trusted partner list failed: %w", err)
	}
	return entries, nil
}
