// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"regexp"
)

// Redactor scrubs secrets from free-text fields before they are written to
// the log. Purpose strings and failure reasons come from integrations and
// may echo credentials back at us; the log of record must not keep them.
type Redactor interface {
	Redact(s string) string
}

// PatternRedactor redacts by regular expression.
type PatternRedactor struct {
	patterns []*regexp.Regexp
}

const redactedPlaceholder = "[REDACTED]"

var defaultPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(password|passphrase|secret|token|api[_-]?key)\s*[:=]\s*\S+`),
	// bearer tokens in error messages from HTTP integrations
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-._~+/]+=*`),
	// AWS-style access key ids
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// long hex blobs that look like raw key material
	regexp.MustCompile(`\b[0-9a-fA-F]{64,}\b`),
}

// NewPatternRedactor returns a redactor with the default credential
// patterns plus any extras.
func NewPatternRedactor(extra ...*regexp.Regexp) *PatternRedactor {
	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	patterns = append(patterns, extra...)
	return &PatternRedactor{patterns: patterns}
}

// Redact replaces every pattern match with a placeholder.
func (r *PatternRedactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
