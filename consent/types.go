// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package consent

import (
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a consent request. Transitions are
// one-directional: a request never returns to an earlier state, and the
// only exit from Granted is Revoked or Expired.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusRevoked || s == StatusExpired
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusGranted || to == StatusDenied || to == StatusRevoked
	case StatusGranted:
		return to == StatusRevoked || to == StatusExpired
	default:
		return false
	}
}

// =============================================================================
// GRANT ATTRIBUTES
// =============================================================================

// Method records how the operator's authorization was captured.
type Method string

const (
	MethodVoice     Method = "voice"
	MethodManual    Method = "manual"
	MethodBiometric Method = "biometric"
)

// DurationKind is how long a grant authorizes transfers.
type DurationKind string

const (
	// DurationOneTime authorizes exactly one transfer and is consumed by
	// its first use. Unused grants lapse after OneTimeValidity.
	DurationOneTime DurationKind = "one_time"

	// DurationSession authorizes transfers for the rest of the day's
	// operation (SessionValidity).
	DurationSession DurationKind = "session"

	// DurationTimed authorizes transfers until an explicit expiry.
	DurationTimed DurationKind = "timed"

	// DurationStanding authorizes transfers until revoked.
	DurationStanding DurationKind = "standing"
)

// Grant validity windows. Standing grants never expire on their own.
const (
	OneTimeValidity      = 5 * time.Minute
	SessionValidity      = 24 * time.Hour
	DefaultTimedValidity = 7 * 24 * time.Hour
)

// =============================================================================
// REQUEST
// =============================================================================

// Request is a consent request and its eventual resolution. Requests are
// retained indefinitely after reaching a terminal state; consent history
// is part of the compliance record.
type Request struct {
	ID          string
	Operator    string
	Destination string
	DataType    string
	Purpose     string
	Method      Method
	Duration    DurationKind
	Status      Status
	CreatedAt   time.Time
	ResolvedAt  time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
}

// Active reports whether the request authorizes a transfer at time now.
func (r *Request) Active(now time.Time) bool {
	if r.Status != StatusGranted {
		return false
	}
	if !r.ConsumedAt.IsZero() {
		return false
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return false
	}
	return true
}

// Decision is the operator's answer to a pending request.
type Decision struct {
	Granted  bool
	Method   Method
	Duration DurationKind
	// TTL overrides the default validity for DurationTimed grants.
	TTL time.Duration
}

// Resolution is delivered to a waiter when its pending request leaves the
// Pending state, whether through the prompt flow or through an external
// cancel/revoke.
type Resolution struct {
	Status   Status
	Method   Method
	Duration DurationKind
}
