// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"context"
	"time"

	"github.com/seafarer-labs/helmgate/consent"
)

// CaptainPrompt is the external collaborator that puts a consent question
// in front of the operator. Rendering (voice, dashboard, language) is
// entirely its concern; text is the pre-rendered wording for the
// configured language. The call should block until the operator answers
// or ctx is done.
type CaptainPrompt interface {
	Prompt(ctx context.Context, req *consent.Request, text string) (PromptAnswer, error)
}

// PromptAnswer is the operator's response to a prompt.
type PromptAnswer struct {
	Granted  bool
	Method   consent.Method
	Duration consent.DurationKind
	// TTL applies to DurationTimed grants; zero means the default.
	TTL time.Duration
}

// Transfer is an external integration (marina, weather, navigation,
// backup store) that carries ciphertext off the device. Timeout and retry
// policy belong to the implementation; the core records whatever outcome
// comes back.
type Transfer interface {
	Send(ctx context.Context, destination string, ciphertext []byte) error
}
