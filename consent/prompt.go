// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package consent

import "fmt"

// PromptText renders the consent question for a request in the given
// language (tr, en, el). How the text reaches the operator (voice, UI) is
// the prompt collaborator's concern; the wording lives here so every
// surface asks the same question.
func (r *Request) PromptText(lang string) string {
	switch lang {
	case "tr":
		return fmt.Sprintf("%s, %s verinizi %s amacıyla istiyor. Paylaşılsın mı?",
			r.Destination, r.DataType, r.Purpose)
	case "el":
		return fmt.Sprintf("Το %s ζητά τα δεδομένα %s για %s. Να κοινοποιηθούν;",
			r.Destination, r.DataType, r.Purpose)
	default:
		return fmt.Sprintf("%s is requesting your %s for %s. Share it?",
			r.Destination, r.DataType, r.Purpose)
	}
}
