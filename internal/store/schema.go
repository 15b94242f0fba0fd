// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// Schema is the SQLite schema for the helmgate database.
//
// audit_records is append-only: rows are inserted with outcome 'pending' and
// updated exactly once to a terminal outcome; nothing is ever deleted.
// Erasure rewrites operator_id to a pseudonym but keeps the row. seq is
// assigned by the audit log from an in-process monotonic counter seeded from
// MAX(seq) at open; chain_hash is an HMAC over the previous row's chain_hash
// plus this row's content, giving tamper evidence across the whole log.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
    seq            INTEGER PRIMARY KEY,
    id             TEXT NOT NULL UNIQUE,
    kind           TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    operator_id    TEXT NOT NULL,
    destination_id TEXT NOT NULL DEFAULT '',
    data_type      TEXT NOT NULL DEFAULT '',
    classification TEXT NOT NULL DEFAULT '',
    decision       TEXT NOT NULL DEFAULT '',
    consent_id     TEXT NOT NULL DEFAULT '',
    content_hash   TEXT NOT NULL DEFAULT '',
    purpose        TEXT NOT NULL DEFAULT '',
    detail         TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT 'pending',
    failure_reason TEXT NOT NULL DEFAULT '',
    finalized_at   INTEGER NOT NULL DEFAULT 0,
    prev_hash      TEXT NOT NULL,
    chain_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_operator    ON audit_records(operator_id);
CREATE INDEX IF NOT EXISTS idx_audit_destination ON audit_records(destination_id);
CREATE INDEX IF NOT EXISTS idx_audit_created     ON audit_records(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_kind        ON audit_records(kind);

CREATE TABLE IF NOT EXISTS consent_requests (
    id             TEXT PRIMARY KEY,
    operator_id    TEXT NOT NULL,
    destination_id TEXT NOT NULL,
    data_type      TEXT NOT NULL,
    purpose        TEXT NOT NULL,
    method         TEXT NOT NULL DEFAULT '',
    duration       TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    resolved_at    INTEGER NOT NULL DEFAULT 0,
    expires_at     INTEGER NOT NULL DEFAULT 0,
    consumed_at    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_consent_operator ON consent_requests(operator_id, status);
CREATE INDEX IF NOT EXISTS idx_consent_lookup   ON consent_requests(operator_id, destination_id, data_type);

CREATE TABLE IF NOT EXISTS trusted_partners (
    operator_id    TEXT NOT NULL,
    destination_id TEXT NOT NULL,
    confirmed      INTEGER NOT NULL,
    added_at       INTEGER NOT NULL,
    PRIMARY KEY (operator_id, destination_id)
);
`
