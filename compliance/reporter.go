// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compliance derives the data-subject views required by KVKK and
// GDPR from the audit log and the consent history: right of access,
// right to erasure, and data portability. All of it is read-only except
// erasure, which pseudonymizes rather than deletes; audit retention
// outlives the identity of the operator it describes.
package compliance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seafarer-labs/helmgate/audit"
	"github.com/seafarer-labs/helmgate/consent"
	"github.com/seafarer-labs/helmgate/encryption"
)

// ExportFormatVersion identifies the portability bundle layout.
const ExportFormatVersion = 1

// Reporter computes compliance views. It holds no state of its own.
type Reporter struct {
	log     *audit.Log
	consent *consent.Manager
}

// NewReporter creates a reporter over the audit log and consent manager.
func NewReporter(log *audit.Log, cm *consent.Manager) (*Reporter, error) {
	if log == nil || cm == nil {
		return nil, fmt.Errorf("audit log and consent manager are required")
	}
	return &Reporter{log: log, consent: cm}, nil
}

// AccessReport is everything the system holds about an operator.
type AccessReport struct {
	Operator    string
	GeneratedAt time.Time
	Transfers   []audit.TransferRecord
	Consents    []consent.Request
}

// AccessReport returns the operator's full transfer and consent history
// (data-subject access right).
func (r *Reporter) AccessReport(ctx context.Context, operator string) (*AccessReport, error) {
	transfers, err := r.log.QueryAll(ctx, audit.Filter{Operator: operator})
	if err != nil {
		return nil, err
	}
	consents, err := r.consent.History(ctx, operator)
	if err != nil {
		return nil, err
	}
	return &AccessReport{
		Operator:    operator,
		GeneratedAt: time.Now(),
		Transfers:   transfers,
		Consents:    consents,
	}, nil
}

// =============================================================================
// PORTABILITY
// =============================================================================

type exportTransfer struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	CreatedAt      string `json:"created_at"`
	Destination    string `json:"destination,omitempty"`
	DataType       string `json:"data_type,omitempty"`
	Classification string `json:"classification,omitempty"`
	Decision       string `json:"decision,omitempty"`
	ConsentID      string `json:"consent_id,omitempty"`
	ContentHash    string `json:"content_hash,omitempty"`
	Purpose        string `json:"purpose,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Outcome        string `json:"outcome"`
	FailureReason  string `json:"failure_reason,omitempty"`
	FinalizedAt    string `json:"finalized_at,omitempty"`
}

type exportConsent struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	DataType    string `json:"data_type"`
	Purpose     string `json:"purpose"`
	Method      string `json:"method,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ResolvedAt  string `json:"resolved_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type exportBundle struct {
	FormatVersion int              `json:"format_version"`
	Operator      string           `json:"operator"`
	GeneratedAt   string           `json:"generated_at"`
	Transfers     []exportTransfer `json:"transfers"`
	Consents      []exportConsent  `json:"consents"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// PortabilityExport returns the access report as a versioned, structured
// JSON bundle suitable for handing to the data subject or another
// controller.
func (r *Reporter) PortabilityExport(ctx context.Context, operator string) ([]byte, error) {
	report, err := r.AccessReport(ctx, operator)
	if err != nil {
		return nil, err
	}

	bundle := exportBundle{
		FormatVersion: ExportFormatVersion,
		Operator:      report.Operator,
		GeneratedAt:   formatTime(report.GeneratedAt),
		Transfers:     make([]exportTransfer, 0, len(report.Transfers)),
		Consents:      make([]exportConsent, 0, len(report.Consents)),
	}
	for _, t := range report.Transfers {
		bundle.Transfers = append(bundle.Transfers, exportTransfer{
			ID:             t.ID,
			Kind:           string(t.Kind),
			CreatedAt:      formatTime(t.CreatedAt),
			Destination:    t.Destination,
			DataType:       t.DataType,
			Classification: t.Classification.String(),
			Decision:       string(t.Decision),
			ConsentID:      t.ConsentID,
			ContentHash:    t.ContentHash,
			Purpose:        t.Purpose,
			Detail:         t.Detail,
			Outcome:        string(t.Outcome.Kind),
			FailureReason:  t.Outcome.Reason,
			FinalizedAt:    formatTime(t.FinalizedAt),
		})
	}
	for _, c := range report.Consents {
		bundle.Consents = append(bundle.Consents, exportConsent{
			ID:          c.ID,
			Destination: c.Destination,
			DataType:    c.DataType,
			Purpose:     c.Purpose,
			Method:      string(c.Method),
			Duration:    string(c.Duration),
			Status:      string(c.Status),
			CreatedAt:   formatTime(c.CreatedAt),
			ResolvedAt:  formatTime(c.ResolvedAt),
			ExpiresAt:   formatTime(c.ExpiresAt),
		})
	}

	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode portability export: %w", err)
	}
	return out, nil
}

// =============================================================================
// ERASURE
// =============================================================================

// ErasureCertificate evidences an erasure request and names the pseudonym
// the operator's records now carry.
type ErasureCertificate struct {
	ID             string
	Pseudonym      string
	Reason         string
	IssuedAt       time.Time
	AuditRecords   int
	ConsentRecords int
	GrantsRevoked  int
}

// Erase executes a right-to-erasure request. Nothing is deleted: every
// active grant is revoked, and the operator id in audit and consent rows
// is replaced with a pseudonym derived under a single-use random key that
// is discarded afterwards, so the mapping back to the operator cannot be
// recomputed.
func (r *Reporter) Erase(ctx context.Context, operator, reason string) (*ErasureCertificate, error) {
	if operator == "" {
		return nil, fmt.Errorf("operator must not be empty")
	}

	pseudonym, err := newPseudonym(operator)
	if err != nil {
		return nil, err
	}

	revoked, err := r.consent.RevokeAll(ctx, operator)
	if err != nil {
		return nil, err
	}

	consentRows, err := r.consent.Pseudonymize(ctx, operator, pseudonym)
	if err != nil {
		return nil, err
	}
	auditRows, err := r.log.Pseudonymize(ctx, operator, pseudonym)
	if err != nil {
		return nil, err
	}

	cert := &ErasureCertificate{
		ID:             uuid.NewString(),
		Pseudonym:      pseudonym,
		Reason:         reason,
		IssuedAt:       time.Now(),
		AuditRecords:   auditRows,
		ConsentRecords: consentRows,
		GrantsRevoked:  revoked,
	}

	// The erasure itself is audit-worthy, recorded under the pseudonym.
	if _, err := r.log.Event(ctx, audit.Event{
		Kind:     audit.KindErasure,
		Operator: pseudonym,
		Detail: fmt.Sprintf("erasure certificate %s: %d audit records, %d consent records pseudonymized, %d grants revoked",
			cert.ID, auditRows, consentRows, revoked),
	}); err != nil {
		return nil, err
	}
	return cert, nil
}

func newPseudonym(operator string) (string, error) {
	key, err := encryption.GenerateKey(32)
	if err != nil {
		return "", err
	}
	defer encryption.ZeroBytes(key)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(operator))
	return "anon-" + hex.EncodeToString(mac.Sum(nil))[:16], nil
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary returns aggregate transfer counts for an operator over a time
// window.
func (r *Reporter) Summary(ctx context.Context, operator string, since, until time.Time) (*audit.Summary, error) {
	return r.log.Summarize(ctx, operator, since, until)
}
