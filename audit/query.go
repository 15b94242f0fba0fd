// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/seafarer-labs/helmgate/classify"
)

const selectRecordSQL = `
SELECT seq, id, kind, created_at, operator_id, destination_id, data_type,
       classification, decision, consent_id, content_hash, purpose, detail,
       outcome, failure_reason, finalized_at
  FROM audit_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransferRecord, error) {
	var rec TransferRecord
	var kind, classification, decision, outcome string
	var createdAt, finalizedAt int64
	err := row.Scan(&rec.Seq, &rec.ID, &kind, &createdAt, &rec.Operator,
		&rec.Destination, &rec.DataType, &classification, &decision,
		&rec.ConsentID, &rec.ContentHash, &rec.Purpose, &rec.Detail,
		&outcome, &rec.Outcome.Reason, &finalizedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.Classification = classify.ParseClassification(classification)
	rec.Decision = DecisionPath(decision)
	rec.Outcome.Kind = OutcomeKind(outcome)
	if finalizedAt != 0 {
		rec.FinalizedAt = time.Unix(0, finalizedAt)
	}
	return &rec, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter narrows a query. Zero values mean "no constraint".
type Filter struct {
	Operator    string
	Destination string
	Kind        Kind
	Since       time.Time
	Until       time.Time
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Operator != "" {
		clauses = append(clauses, "operator_id = ?")
		args = append(args, f.Operator)
	}
	if f.Destination != "" {
		clauses = append(clauses, "destination_id = ?")
		args = append(args, f.Destination)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Cursor streams records in sequence order. Close it when done.
type Cursor struct {
	rows *sql.Rows
	rec  *TransferRecord
	err  error
}

// Next advances to the next record.
func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	c.rec, c.err = scanRecord(c.rows)
	return c.err == nil
}

// Record returns the record at the cursor.
func (c *Cursor) Record() *TransferRecord {
	return c.rec
}

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// Query returns a restartable cursor over matching records in sequence
// order. Reads take no log lock; the log is read-mostly.
func (l *Log) Query(ctx context.Context, filter Filter) (*Cursor, error) {
	where, args := filter.where()
	rows, err := l.db.QueryContext(ctx, selectRecordSQL+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	return &Cursor{rows: rows}, nil
}

// QueryAll collects all matching records.
func (l *Log) QueryAll(ctx context.Context, filter Filter) ([]TransferRecord, error) {
	cur, err := l.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var records []TransferRecord
	for cur.Next() {
		records = append(records, *cur.Record())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	return records, nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary aggregates an operator's transfer history over a time window.
type Summary struct {
	Operator             string
	Since                time.Time
	Until                time.Time
	TotalTransfers       int
	Successful           int
	Failed               int
	Denied               int
	DistinctDestinations int
	ByDataType           map[string]int
	ByDestination        map[string]int
}

// DenialRate is the fraction of transfer attempts that were denied.
func (s Summary) DenialRate() float64 {
	if s.TotalTransfers == 0 {
		return 0
	}
	return float64(s.Denied) / float64(s.TotalTransfers)
}

// Summarize computes aggregate counts for an operator's transfers within
// [since, until).
func (l *Log) Summarize(ctx context.Context, operator string, since, until time.Time) (*Summary, error) {
	records, err := l.QueryAll(ctx, Filter{
		Operator: operator,
		Kind:     KindTransfer,
		Since:    since,
		Until:    until,
	})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Operator:      operator,
		Since:         since,
		Until:         until,
		ByDataType:    make(map[string]int),
		ByDestination: make(map[string]int),
	}
	destinations := make(map[string]struct{})
	for _, rec := range records {
		s.TotalTransfers++
		s.ByDataType[rec.DataType]++
		s.ByDestination[rec.Destination]++
		destinations[rec.Destination] = struct{}{}
		switch {
		case rec.Decision == DecisionDenied:
			s.Denied++
		case rec.Outcome.Kind == OutcomeSuccess:
			s.Successful++
		case rec.Outcome.Kind == OutcomeFailed:
			s.Failed++
		}
	}
	s.DistinctDestinations = len(destinations)
	return s, nil
}
