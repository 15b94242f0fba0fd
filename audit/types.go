// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"time"

	"github.com/seafarer-labs/helmgate/classify"
)

// =============================================================================
// RECORD KINDS
// =============================================================================

// Kind distinguishes the event families that share the append-only log.
// Transfers are two-phase (pending then terminal); everything else is
// recorded as a single-phase event.
type Kind string

const (
	KindTransfer          Kind = "data_transfer"
	KindPermissionGranted Kind = "permission_granted"
	KindPermissionDenied  Kind = "permission_denied"
	KindPermissionRevoked Kind = "permission_revoked"
	KindSettingChange     Kind = "privacy_setting_change"
	KindPartnerAdded      Kind = "trusted_partner_added"
	KindPartnerRemoved    Kind = "trusted_partner_removed"
	KindErasure           Kind = "data_deletion"
	KindBackupCreated     Kind = "backup_created"
	KindBackupRestored    Kind = "backup_restored"
	KindKeyRotation       Kind = "encryption_key_generated"
	KindSecurityAlert     Kind = "security_alert"
)

// =============================================================================
// DECISIONS AND OUTCOMES
// =============================================================================

// DecisionPath records which rule authorized (or denied) a transfer.
type DecisionPath string

const (
	DecisionAutoApprovedPublic         DecisionPath = "auto_approved_public"
	DecisionAutoApprovedTrustedPartner DecisionPath = "auto_approved_trusted_partner"
	DecisionApprovedByStandingConsent  DecisionPath = "approved_by_standing_consent"
	DecisionApprovedByFreshConsent     DecisionPath = "approved_by_fresh_consent"
	DecisionDenied                     DecisionPath = "denied"
)

// OutcomeKind is the terminal state of a transfer record.
type OutcomeKind string

const (
	OutcomePending OutcomeKind = "pending"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the result of a transfer attempt. Failed outcomes carry a
// reason; the reason passes through redaction before persistence.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Success is the terminal outcome of a completed transfer.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Failed is the terminal outcome of a transfer that did not complete.
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

// Terminal reports whether the outcome is Success or Failed.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeFailed
}

// =============================================================================
// RECORDS
// =============================================================================

// Draft is the content of a transfer record at begin time. The content
// hash is not known yet: payload minimization and encryption happen after
// the pending record is durable.
type Draft struct {
	Operator       string
	Destination    string
	DataType       string
	Classification classify.Classification
	Decision       DecisionPath
	ConsentID      string
	Purpose        string
}

// Event is a single-phase audit entry for privacy-relevant configuration
// changes and security events.
type Event struct {
	Kind        Kind
	Operator    string
	Destination string
	Detail      string
}

// TransferRecord is a persisted audit entry. Records are never deleted;
// erasure replaces the operator id with a pseudonym and re-signs the
// chain.
type TransferRecord struct {
	Seq            int64
	ID             string
	Kind           Kind
	CreatedAt      time.Time
	Operator       string
	Destination    string
	DataType       string
	Classification classify.Classification
	Decision       DecisionPath
	ConsentID      string
	ContentHash    string
	Purpose        string
	Detail         string
	Outcome        Outcome
	FinalizedAt    time.Time
}
