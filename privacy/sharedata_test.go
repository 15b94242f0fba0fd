// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seafarer-labs/helmgate/audit"
	"github.com/seafarer-labs/helmgate/classify"
	"github.com/seafarer-labs/helmgate/config"
	"github.com/seafarer-labs/helmgate/consent"
	"github.com/seafarer-labs/helmgate/encryption"
	"github.com/seafarer-labs/helmgate/internal/store"
	"github.com/seafarer-labs/helmgate/registry"
)

// =============================================================================
// TEST COLLABORATORS
// =============================================================================

// scriptedPrompt answers every prompt the same way and counts calls.
type scriptedPrompt struct {
	answer PromptAnswer
	err    error
	calls  atomic.Int32
}

func (p *scriptedPrompt) Prompt(ctx context.Context, req *consent.Request, text string) (PromptAnswer, error) {
	p.calls.Add(1)
	return p.answer, p.err
}

// silentPrompt never answers; it blocks until the prompt context ends.
type silentPrompt struct {
	calls atomic.Int32
}

func (p *silentPrompt) Prompt(ctx context.Context, req *consent.Request, text string) (PromptAnswer, error) {
	p.calls.Add(1)
	<-ctx.Done()
	return PromptAnswer{}, ctx.Err()
}

type capturedSend struct {
	destination string
	ciphertext  []byte
}

// recordingTransfer captures every delivery and can be told to fail.
type recordingTransfer struct {
	mu   sync.Mutex
	sent []capturedSend
	err  error
}

func (t *recordingTransfer) Send(ctx context.Context, destination string, ciphertext []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, capturedSend{destination: destination, ciphertext: append([]byte{}, ciphertext...)})
	return nil
}

func (t *recordingTransfer) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *recordingTransfer) last() capturedSend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	core     *Core
	log      *audit.Log
	consent  *consent.Manager
	registry *registry.Registry
	enc      *encryption.Manager
	transfer *recordingTransfer
}

func newHarness(t *testing.T, prompt CaptainPrompt, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Prompt.TimeoutSeconds = 2
	cfg.Prompt.RatePerMinute = 60
	cfg.Prompt.Burst = 50
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.Open(filepath.Join(dir, "helmgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := audit.NewLog(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	cons, err := consent.NewManager(db, log)
	require.NoError(t, err)
	reg, err := registry.New(db, log)
	require.NoError(t, err)
	ks, err := encryption.NewFileKeyStore(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	enc, err := encryption.NewManager(ks)
	require.NoError(t, err)

	transfer := &recordingTransfer{}
	core, err := New(Options{
		Config:    cfg,
		Registry:  reg,
		AuditLog:  log,
		Consent:   cons,
		Encryptor: enc,
		Prompt:    prompt,
		Transfer:  transfer,
	})
	require.NoError(t, err)

	return &harness{core: core, log: log, consent: cons, registry: reg, enc: enc, transfer: transfer}
}

func positionRequest() ShareRequest {
	return ShareRequest{
		Operator:    "capt-1",
		Destination: "marina-izmir",
		DataType:    "ais_position",
		Purpose:     "port coordination",
		Payload:     map[string]any{"lat": 38.42, "lon": 27.14, "timestamp": "2026-08-29T10:00:00Z", "engine_temp": 92.5},
	}
}

func privateRequest() ShareRequest {
	return ShareRequest{
		Operator:    "capt-1",
		Destination: "marina-izmir",
		DataType:    "gps_history",
		Purpose:     "incident report",
		Payload:     map[string]any{"points": []any{"p1", "p2"}, "from": "2026-08-01", "until": "2026-08-29"},
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestShareData_PublicBroadcastAutoApproved(t *testing.T) {
	prompt := &scriptedPrompt{}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	res, err := h.core.ShareData(ctx, positionRequest())
	require.NoError(t, err)
	require.Equal(t, audit.DecisionAutoApprovedPublic, res.Decision)
	require.Equal(t, classify.PublicBroadcast, res.Classification)
	require.NotEmpty(t, res.RecordID)

	// Zero prompts, one delivery, one Success record.
	require.Equal(t, int32(0), prompt.calls.Load())
	require.Equal(t, 1, h.transfer.count())

	rec, err := h.log.Get(ctx, res.RecordID)
	require.NoError(t, err)
	require.Equal(t, audit.OutcomeSuccess, rec.Outcome.Kind)
	require.Equal(t, res.ContentHash, rec.ContentHash)
}

func TestShareData_PrivateDeniedByOperator(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	res, err := h.core.ShareData(ctx, privateRequest())
	require.ErrorIs(t, err, ErrConsentDenied)
	require.Equal(t, int32(1), prompt.calls.Load())
	require.Equal(t, 0, h.transfer.count())

	// The denial is itself durable evidence.
	rec, recErr := h.log.Get(ctx, res.RecordID)
	require.NoError(t, recErr)
	require.Equal(t, audit.DecisionDenied, rec.Decision)
	require.Equal(t, audit.OutcomeFailed, rec.Outcome.Kind)
}

func TestShareData_StandingConsentSkipsSecondPrompt(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{
		Granted: true, Method: consent.MethodVoice, Duration: consent.DurationStanding,
	}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	first, err := h.core.ShareData(ctx, privateRequest())
	require.NoError(t, err)
	require.Equal(t, audit.DecisionApprovedByFreshConsent, first.Decision)
	require.Equal(t, int32(1), prompt.calls.Load())

	second, err := h.core.ShareData(ctx, privateRequest())
	require.NoError(t, err)
	require.Equal(t, audit.DecisionApprovedByStandingConsent, second.Decision)
	require.Equal(t, int32(1), prompt.calls.Load(), "standing consent must not re-prompt")
	require.Equal(t, 2, h.transfer.count())
}

func TestShareData_TrustedPartnerSimplification(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	req := ShareRequest{
		Operator:    "capt-1",
		Destination: "marina-izmir",
		DataType:    "arrival_time",
		Purpose:     "berth reservation",
		Payload:     map[string]any{"eta": "18:00", "origin_port": "Cesme"},
	}

	// Untrusted destination: restricted data needs consent; denial blocks it.
	_, err := h.core.ShareData(ctx, req)
	require.ErrorIs(t, err, ErrConsentDenied)

	require.NoError(t, h.registry.Add(ctx, "capt-1", "marina-izmir", true))

	res, err := h.core.ShareData(ctx, req)
	require.NoError(t, err)
	require.Equal(t, audit.DecisionAutoApprovedTrustedPartner, res.Decision)
	require.Equal(t, int32(1), prompt.calls.Load(), "trusted partner must not prompt")
}

func TestShareData_TrustedPartnerNeverAppliesToPrivate(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "capt-1", "marina-izmir", true))

	_, err := h.core.ShareData(ctx, privateRequest())
	require.ErrorIs(t, err, ErrConsentDenied)
	require.Equal(t, int32(1), prompt.calls.Load())
}

func TestShareData_EdgeOnlyModeDisablesTrustedPartner(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, func(cfg *config.Config) {
		cfg.Privacy.EdgeOnlyMode = true
	})
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "capt-1", "marina-izmir", true))

	_, err := h.core.ShareData(ctx, ShareRequest{
		Operator:    "capt-1",
		Destination: "marina-izmir",
		DataType:    "arrival_time",
		Purpose:     "berth reservation",
		Payload:     map[string]any{"eta": "18:00"},
	})
	require.ErrorIs(t, err, ErrConsentDenied)
	require.Equal(t, int32(1), prompt.calls.Load())
}

func TestShareData_UnknownDataTypeTreatedAsPrivate(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, nil)

	res, err := h.core.ShareData(context.Background(), ShareRequest{
		Operator:    "capt-1",
		Destination: "marina-izmir",
		DataType:    "totally-unregistered-tag",
		Purpose:     "anything",
		Payload:     map[string]any{"x": 1},
	})
	require.ErrorIs(t, err, ErrConsentDenied)
	require.Equal(t, classify.Private, res.Classification)
}

// =============================================================================
// ONE-TIME CONSENT
// =============================================================================

func TestShareData_OneTimeConsentIsConsumed(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{
		Granted: true, Method: consent.MethodVoice, Duration: consent.DurationOneTime,
	}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	first, err := h.core.ShareData(ctx, privateRequest())
	require.NoError(t, err)
	require.Equal(t, audit.DecisionApprovedByFreshConsent, first.Decision)
	require.Equal(t, int32(1), prompt.calls.Load())

	// The grant was spent; an identical request starts a fresh cycle.
	second, err := h.core.ShareData(ctx, privateRequest())
	require.NoError(t, err)
	require.Equal(t, audit.DecisionApprovedByFreshConsent, second.Decision)
	require.Equal(t, int32(2), prompt.calls.Load())
	require.NotEqual(t, first.ConsentID, second.ConsentID)
}

func TestShareData_OneTimeConsentNotDoubleSpentConcurrently(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	// Pre-arrange a granted one-time consent outside the prompt flow.
	req := privateRequest()
	pending, err := h.consent.Request(ctx, req.Operator, req.Destination, req.DataType, req.Purpose)
	require.NoError(t, err)
	_, err = h.consent.Resolve(ctx, pending.ID, consent.Decision{
		Granted: true, Method: consent.MethodManual, Duration: consent.DurationOneTime,
	})
	require.NoError(t, err)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.core.ShareData(ctx, req)
			if err == nil && res.ConsentID == pending.ID {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), fresh.Load(), "a one-time grant must authorize exactly one transfer")
}

// =============================================================================
// PROMPT SUSPENSION
// =============================================================================

func TestShareData_PromptTimeout(t *testing.T) {
	prompt := &silentPrompt{}
	h := newHarness(t, prompt, func(cfg *config.Config) {
		cfg.Prompt.TimeoutSeconds = 1
	})

	start := time.Now()
	res, err := h.core.ShareData(context.Background(), privateRequest())
	require.ErrorIs(t, err, ErrConsentTimeout)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Equal(t, 0, h.transfer.count())

	rec, recErr := h.log.Get(context.Background(), res.RecordID)
	require.NoError(t, recErr)
	require.Equal(t, audit.DecisionDenied, rec.Decision)
	require.Equal(t, audit.OutcomeFailed, rec.Outcome.Kind)
}

func TestShareData_RevokeAllUnblocksOutstandingPrompt(t *testing.T) {
	prompt := &silentPrompt{}
	h := newHarness(t, prompt, func(cfg *config.Config) {
		cfg.Prompt.TimeoutSeconds = 30
	})
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := h.core.ShareData(ctx, privateRequest())
		errs <- err
	}()

	// Wait until the prompt is actually outstanding.
	require.Eventually(t, func() bool {
		return prompt.calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.core.RevokeAll(ctx, "capt-1")
	require.NoError(t, err)

	select {
	case shareErr := <-errs:
		require.ErrorIs(t, shareErr, ErrConsentDenied)
	case <-time.After(5 * time.Second):
		t.Fatal("ShareData did not unblock after revoke_all")
	}
	require.Equal(t, 0, h.transfer.count())
}

func TestShareData_PromptThrottled(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{Granted: false}}
	h := newHarness(t, prompt, func(cfg *config.Config) {
		cfg.Prompt.RatePerMinute = 1
		cfg.Prompt.Burst = 1
	})
	ctx := context.Background()

	_, err := h.core.ShareData(ctx, privateRequest())
	require.ErrorIs(t, err, ErrConsentDenied)

	res, err := h.core.ShareData(ctx, privateRequest())
	require.ErrorIs(t, err, ErrPromptThrottled)
	require.Equal(t, int32(1), prompt.calls.Load(), "throttled call must not prompt")

	rec, recErr := h.log.Get(ctx, res.RecordID)
	require.NoError(t, recErr)
	require.Equal(t, audit.DecisionDenied, rec.Decision)
}

// =============================================================================
// FAILURE SEMANTICS
// =============================================================================

func TestShareData_TransferFailureRecorded(t *testing.T) {
	prompt := &scriptedPrompt{}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	h.transfer.err = errors.New("marina endpoint unreachable")

	res, err := h.core.ShareData(ctx, positionRequest())
	require.ErrorIs(t, err, ErrTransferFailed)
	require.NotEmpty(t, res.RecordID)

	rec, recErr := h.log.Get(ctx, res.RecordID)
	require.NoError(t, recErr)
	require.Equal(t, audit.OutcomeFailed, rec.Outcome.Kind)
	require.Contains(t, rec.Outcome.Reason, "unreachable")
}

func TestShareData_MinimizationStripsUnlistedFields(t *testing.T) {
	prompt := &scriptedPrompt{}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	_, err := h.core.ShareData(ctx, positionRequest())
	require.NoError(t, err)

	plaintext, err := h.enc.Decrypt(h.transfer.last().ciphertext)
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &sent))
	require.Contains(t, sent, "lat")
	require.Contains(t, sent, "lon")
	require.NotContains(t, sent, "engine_temp", "unlisted field must be stripped")
}

func TestShareData_PasswordsHaveEmptyAllowList(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{
		Granted: true, Method: consent.MethodManual, Duration: consent.DurationStanding,
	}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	_, err := h.core.ShareData(ctx, ShareRequest{
		Operator:    "capt-1",
		Destination: "backup-store",
		DataType:    "passwords",
		Purpose:     "sync",
		Payload:     map[string]any{"vault": "secret-blob"},
	})
	require.NoError(t, err)

	plaintext, err := h.enc.Decrypt(h.transfer.last().ciphertext)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(plaintext))
}

func TestShareData_ConcurrentOperatorsProceedInParallel(t *testing.T) {
	prompt := &scriptedPrompt{}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, op := range []string{"capt-1", "capt-2", "capt-3", "capt-4"} {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				req := positionRequest()
				req.Operator = op
				_, err := h.core.ShareData(ctx, req)
				require.NoError(t, err)
			}
		}(op)
	}
	wg.Wait()

	require.Equal(t, 40, h.transfer.count())
	require.NoError(t, h.log.VerifyChain(ctx))
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestInvariant_EverySuccessHasAuthorization(t *testing.T) {
	prompt := &scriptedPrompt{answer: PromptAnswer{
		Granted: true, Method: consent.MethodVoice, Duration: consent.DurationStanding,
	}}
	h := newHarness(t, prompt, nil)
	ctx := context.Background()

	require.NoError(t, h.registry.Add(ctx, "capt-1", "marina-izmir", true))

	_, err := h.core.ShareData(ctx, positionRequest())
	require.NoError(t, err)
	_, err = h.core.ShareData(ctx, privateRequest())
	require.NoError(t, err)
	arrivals := positionRequest()
	arrivals.DataType = "arrival_time"
	arrivals.Payload = map[string]any{"eta": "18:00"}
	_, err = h.core.ShareData(ctx, arrivals)
	require.NoError(t, err)

	records, err := h.log.QueryAll(ctx, audit.Filter{Kind: audit.KindTransfer})
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Outcome.Kind != audit.OutcomeSuccess {
			continue
		}
		switch rec.Decision {
		case audit.DecisionAutoApprovedPublic:
			require.Equal(t, classify.PublicBroadcast, rec.Classification)
		case audit.DecisionAutoApprovedTrustedPartner:
			trusted, err := h.registry.IsTrusted(ctx, rec.Operator, rec.Destination)
			require.NoError(t, err)
			require.True(t, trusted)
		case audit.DecisionApprovedByStandingConsent, audit.DecisionApprovedByFreshConsent:
			require.NotEmpty(t, rec.ConsentID)
		default:
			t.Fatalf("success record %s has unexpected decision %s", rec.ID, rec.Decision)
		}
	}
}

func TestShareData_ValidatesInput(t *testing.T) {
	h := newHarness(t, &scriptedPrompt{}, nil)
	_, err := h.core.ShareData(context.Background(), ShareRequest{})
	require.Error(t, err)
}
