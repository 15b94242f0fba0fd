// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seafarer-labs/helmgate/audit"
	"github.com/seafarer-labs/helmgate/classify"
	"github.com/seafarer-labs/helmgate/config"
	"github.com/seafarer-labs/helmgate/consent"
)

// ShareRequest is one integration's attempt to send data off-device.
type ShareRequest struct {
	Operator    string
	Destination string
	DataType    string
	Purpose     string
	Payload     map[string]any
}

// Result reports what happened to a ShareData call. RecordID identifies
// the audit record and is set whenever a record was written, including
// for denials and failed transfers; the decision path and classification
// explain why the call ended the way it did.
type Result struct {
	RecordID       string
	Decision       audit.DecisionPath
	Classification classify.Classification
	ConsentID      string
	ContentHash    string
}

// decisionOutcome is the internal verdict of the authorization phase.
type decisionOutcome struct {
	decision  audit.DecisionPath
	consentID string
	denyErr   error // ErrConsentDenied / ErrConsentTimeout / ErrPromptThrottled
}

// ShareData runs the full gatekeeper pipeline. The per-operator lock is
// held from the consent lookup through the durable audit begin, so a
// one-time grant cannot be double-spent and a revocation cannot race the
// lookup; it is released during the (potentially slow) external transfer
// and re-acquired briefly to finalize the record.
func (c *Core) ShareData(ctx context.Context, req ShareRequest) (*Result, error) {
	if req.Operator == "" || req.Destination == "" || req.DataType == "" {
		return nil, fmt.Errorf("operator, destination and data type are required")
	}

	cfg := c.snapshotConfig()
	classification := c.table.Classify(req.DataType)

	lock := c.locks.get(req.Operator)
	lock.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			lock.Unlock()
		}
	}
	defer unlock()

	verdict, err := c.decide(ctx, cfg, classification, req)
	if err != nil {
		return nil, err
	}

	// Audit-before-transfer: the pending record must be durable before
	// anything else happens, and a denial is recorded the same way.
	draft := audit.Draft{
		Operator:       req.Operator,
		Destination:    req.Destination,
		DataType:       req.DataType,
		Classification: classification,
		Decision:       verdict.decision,
		ConsentID:      verdict.consentID,
		Purpose:        req.Purpose,
	}
	recordID, err := c.log.Begin(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
	}

	result := &Result{
		RecordID:       recordID,
		Decision:       verdict.decision,
		Classification: classification,
		ConsentID:      verdict.consentID,
	}

	if verdict.denyErr != nil {
		if err := c.log.Finalize(ctx, recordID, audit.Failed(verdict.denyErr.Error()), ""); err != nil {
			return result, fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
		}
		return result, verdict.denyErr
	}

	// Minimize, then seal. Map keys marshal in sorted order, so the
	// content hash is deterministic for identical payloads.
	minimized := minimize(req.DataType, req.Payload)
	plaintext, err := json.Marshal(minimized)
	if err != nil {
		c.finalizeBestEffort(ctx, recordID, audit.Failed("payload encoding failed"), "")
		return result, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	ciphertext, err := c.enc.Encrypt(plaintext)
	if err != nil {
		c.finalizeBestEffort(ctx, recordID, audit.Failed("encryption failed"), "")
		return result, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	contentHash := c.enc.Hash(plaintext)
	result.ContentHash = contentHash

	// The transfer may be slow; other calls for this operator proceed.
	unlock()

	transferErr := c.transfer.Send(ctx, req.Destination, ciphertext)

	lock.Lock()
	locked = true
	outcome := audit.Success()
	if transferErr != nil {
		outcome = audit.Failed(transferErr.Error())
	}
	if err := c.log.Finalize(ctx, recordID, outcome, contentHash); err != nil {
		return result, fmt.Errorf("%w: %v", ErrAuditWriteFailure, err)
	}

	if transferErr != nil {
		return result, fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}
	return result, nil
}

// finalizeBestEffort records a terminal outcome for paths that are
// already failing; the original error is what the caller needs to see.
func (c *Core) finalizeBestEffort(ctx context.Context, recordID string, outcome audit.Outcome, hash string) {
	if err := c.log.Finalize(ctx, recordID, outcome, hash); err != nil {
		fmt.Fprintln(errWriter, "helmgate: failed to finalize audit record:", err)
	}
}

// decide resolves which rule authorizes the transfer, prompting the
// operator when nothing standing applies. Caller holds the operator lock.
func (c *Core) decide(ctx context.Context, cfg *config.Config, classification classify.Classification, req ShareRequest) (decisionOutcome, error) {
	// Already public: no prompt, no consent, still recorded.
	if classification == classify.PublicBroadcast {
		return decisionOutcome{decision: audit.DecisionAutoApprovedPublic}, nil
	}

	// Trusted-partner simplification applies to restricted data only and
	// is disabled entirely in edge-only mode. Lookup errors degrade to
	// "not trusted".
	if classification == classify.Restricted && !cfg.Privacy.EdgeOnlyMode {
		trusted, err := c.registry.IsTrusted(ctx, req.Operator, req.Destination)
		if err == nil && trusted {
			return decisionOutcome{decision: audit.DecisionAutoApprovedTrustedPartner}, nil
		}
	}

	active, err := c.consent.FindActive(ctx, req.Operator, req.Destination, req.DataType, req.Purpose)
	if err != nil {
		return decisionOutcome{}, err
	}
	if active != nil {
		if active.Duration == consent.DurationOneTime {
			// Lookup-and-mark under the operator lock: once consumed,
			// no concurrent call can spend this grant again. A consume
			// failure means a revocation got there first; fall through
			// to a fresh authorization cycle.
			if err := c.consent.Consume(ctx, active.ID); err == nil {
				return decisionOutcome{
					decision:  audit.DecisionApprovedByFreshConsent,
					consentID: active.ID,
				}, nil
			}
		} else {
			return decisionOutcome{
				decision:  audit.DecisionApprovedByStandingConsent,
				consentID: active.ID,
			}, nil
		}
	}

	return c.promptForConsent(ctx, cfg, req)
}

// promptForConsent runs a fresh authorization cycle: create a pending
// request, put the question to the operator, and wait for the answer, an
// external cancellation, or the timeout. Denials are never retried
// automatically; a later attempt is a new, distinct request.
func (c *Core) promptForConsent(ctx context.Context, cfg *config.Config, req ShareRequest) (decisionOutcome, error) {
	if !c.limiters.allow(req.Operator) {
		return decisionOutcome{
			decision: audit.DecisionDenied,
			denyErr:  ErrPromptThrottled,
		}, nil
	}

	pending, err := c.consent.Request(ctx, req.Operator, req.Destination, req.DataType, req.Purpose)
	if err != nil {
		return decisionOutcome{}, err
	}
	waiter, _ := c.consent.Watch(pending.ID)

	promptCtx, cancel := context.WithTimeout(ctx, cfg.PromptTimeout())
	defer cancel()

	type promptResult struct {
		answer PromptAnswer
		err    error
	}
	answers := make(chan promptResult, 1)
	go func() {
		ans, perr := c.prompt.Prompt(promptCtx, pending, pending.PromptText(cfg.Prompt.Language))
		answers <- promptResult{answer: ans, err: perr}
	}()

	denied := decisionOutcome{decision: audit.DecisionDenied, consentID: pending.ID}

	select {
	case res := <-waiter:
		// Resolved through a side channel (dashboard deny, revoke_all)
		// while the prompt was outstanding.
		if res.Status == consent.StatusGranted {
			return c.freshGrant(ctx, pending.ID, res.Duration)
		}
		denied.denyErr = ErrConsentDenied
		return denied, nil

	case pr := <-answers:
		if pr.err != nil {
			c.cancelPending(ctx, pending.ID, "prompt error")
			if errors.Is(pr.err, context.DeadlineExceeded) {
				denied.denyErr = ErrConsentTimeout
				return denied, nil
			}
			denied.denyErr = ErrConsentDenied
			return denied, nil
		}
		resolved, rerr := c.consent.Resolve(ctx, pending.ID, consent.Decision{
			Granted:  pr.answer.Granted,
			Method:   pr.answer.Method,
			Duration: pr.answer.Duration,
			TTL:      pr.answer.TTL,
		})
		if rerr != nil {
			// Lost the race against an external resolution; follow the
			// state that won.
			if errors.Is(rerr, consent.ErrInvalidTransition) {
				current, gerr := c.consent.Get(ctx, pending.ID)
				if gerr == nil && current.Status == consent.StatusGranted {
					return c.freshGrant(ctx, pending.ID, current.Duration)
				}
				denied.denyErr = ErrConsentDenied
				return denied, nil
			}
			return decisionOutcome{}, rerr
		}
		if resolved.Status != consent.StatusGranted {
			denied.denyErr = ErrConsentDenied
			return denied, nil
		}
		return c.freshGrant(ctx, pending.ID, resolved.Duration)

	case <-promptCtx.Done():
		c.cancelPending(ctx, pending.ID, "prompt timeout")
		if ctx.Err() != nil {
			return decisionOutcome{}, ctx.Err()
		}
		denied.denyErr = ErrConsentTimeout
		return denied, nil
	}
}

// freshGrant finishes the fresh-consent path. One-time grants are
// consumed immediately: this transfer is their single authorized use.
func (c *Core) freshGrant(ctx context.Context, consentID string, duration consent.DurationKind) (decisionOutcome, error) {
	if duration == consent.DurationOneTime {
		if err := c.consent.Consume(ctx, consentID); err != nil {
			return decisionOutcome{
				decision:  audit.DecisionDenied,
				consentID: consentID,
				denyErr:   ErrConsentDenied,
			}, nil
		}
	}
	return decisionOutcome{
		decision:  audit.DecisionApprovedByFreshConsent,
		consentID: consentID,
	}, nil
}

func (c *Core) cancelPending(ctx context.Context, id, reason string) {
	// The request may have been resolved concurrently; that is fine.
	if err := c.consent.Cancel(ctx, id, reason); err != nil && !errors.Is(err, consent.ErrInvalidTransition) {
		fmt.Fprintln(errWriter, "helmgate: failed to cancel pending consent:", err)
	}
}
