// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// The chain signs each record's append-time content together with the
// previous record's hash, so removing, reordering or editing any historic
// entry is detectable. Outcome, failure reason, content hash and the
// finalization timestamp are excluded: they legitimately change once, at
// finalize, and the pending row must already be signed before the
// transfer runs.

func chainInput(prevHash string, seq int64, id string, kind Kind, createdAtNano int64,
	operator, destination, dataType, classification string, decision DecisionPath,
	consentID, purpose, detail string) string {
	fields := []string{
		prevHash,
		strconv.FormatInt(seq, 10),
		id,
		string(kind),
		strconv.FormatInt(createdAtNano, 10),
		operator,
		destination,
		dataType,
		classification,
		string(decision),
		consentID,
		purpose,
		detail,
	}
	return strings.Join(fields, "\x1f")
}

func (l *Log) sign(input string) string {
	mac := hmac.New(sha256.New, l.chainKey)
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Log) signRow(row auditRow) string {
	return l.sign(chainInput(row.prevHash, row.seq, row.id, row.kind,
		row.createdAt.UnixNano(), row.operator, row.destination, row.dataType,
		row.classification.String(), row.decision, row.consentID,
		row.purpose, row.detail))
}

// chainRow is the signed subset of a persisted record.
type chainRow struct {
	seq            int64
	id             string
	kind           string
	createdAt      int64
	operator       string
	destination    string
	dataType       string
	classification string
	decision       string
	consentID      string
	purpose        string
	detail         string
	prevHash       string
	chainHash      string
}

const selectChainSQL = `
SELECT seq, id, kind, created_at, operator_id, destination_id, data_type,
       classification, decision, consent_id, purpose, detail,
       prev_hash, chain_hash
  FROM audit_records ORDER BY seq`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadChain(ctx context.Context, q queryer) ([]chainRow, error) {
	rows, err := q.QueryContext(ctx, selectChainSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}
	defer rows.Close()

	var chain []chainRow
	for rows.Next() {
		var r chainRow
		if err := rows.Scan(&r.seq, &r.id, &r.kind, &r.createdAt, &r.operator,
			&r.destination, &r.dataType, &r.classification, &r.decision,
			&r.consentID, &r.purpose, &r.detail, &r.prevHash, &r.chainHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit chain row: %w", err)
		}
		chain = append(chain, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}
	return chain, nil
}

func (l *Log) expectedHash(r chainRow, prevHash string) string {
	return l.sign(chainInput(prevHash, r.seq, r.id, Kind(r.kind), r.createdAt,
		r.operator, r.destination, r.dataType, r.classification,
		DecisionPath(r.decision), r.consentID, r.purpose, r.detail))
}

// VerifyChain recomputes every record's HMAC and checks the links between
// consecutive records. It returns ErrChainBroken at the first mismatch.
func (l *Log) VerifyChain(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain, err := loadChain(ctx, l.db)
	if err != nil {
		return err
	}

	prev := ""
	for _, r := range chain {
		if r.prevHash != prev {
			return fmt.Errorf("%w: record seq %d has broken link", ErrChainBroken, r.seq)
		}
		if !hmac.Equal([]byte(r.chainHash), []byte(l.expectedHash(r, prev))) {
			return fmt.Errorf("%w: record seq %d content mismatch", ErrChainBroken, r.seq)
		}
		prev = r.chainHash
	}
	return nil
}

// Pseudonymize rewrites every record of an operator to carry the given
// pseudonym instead of the operator id, then re-signs the whole chain so
// it verifies again. This is the erasure path: rows are redacted in place,
// never deleted. Returns the number of rewritten records.
func (l *Log) Pseudonymize(ctx context.Context, operator, pseudonym string) (int, error) {
	if operator == "" || pseudonym == "" {
		return 0, fmt.Errorf("operator and pseudonym must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin erasure transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE audit_records SET operator_id = ? WHERE operator_id = ?`,
		pseudonym, operator)
	if err != nil {
		return 0, fmt.Errorf("failed to pseudonymize audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pseudonymized records: %w", err)
	}

	// Rewriting operator ids invalidates the HMACs from the first touched
	// record onward; re-sign the chain end to end inside the same
	// transaction.
	chain, err := loadChain(ctx, tx)
	if err != nil {
		return 0, err
	}
	prev := ""
	for _, r := range chain {
		h := l.expectedHash(r, prev)
		if h != r.chainHash || r.prevHash != prev {
			if _, err := tx.ExecContext(ctx,
				`UPDATE audit_records SET prev_hash = ?, chain_hash = ? WHERE seq = ?`,
				prev, h, r.seq); err != nil {
				return 0, fmt.Errorf("failed to re-sign audit chain: %w", err)
			}
		}
		prev = h
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit erasure: %w", err)
	}
	l.lastHash = prev
	return int(n), nil
}
