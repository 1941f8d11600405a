// Copyright 2025 James Ross
package envelope

import (
	"strings"

	"github.com/cardforge/runtime/internal/config"
)

// aiCardTypes enumerates the AI-generated card types that get the "ai"
// retry budget (spec §4.A). This mirrors the source's enumerated set;
// extend it alongside new handler registrations.
var aiCardTypes = map[string]struct{}{
	"summary":         {},
	"roast":           {},
	"role_model":      {},
	"repos":           {},
	"news":            {},
	"level":           {},
	"critical_review": {},
	"skills":          {},
	"career":          {},
	"money":           {},
}

// IsAICardType reports whether a card_type is one of the LLM-backed
// business cards (spec §4.F "AI-card-set" concurrency group lookup).
func IsAICardType(cardType string) bool {
	_, ok := aiCardTypes[cardType]
	return ok
}

// MaxRetries returns the retry budget for a card_type under the given
// config (spec §4.A "Retry budgets").
func MaxRetries(cardType string, r config.Retries) int {
	switch {
	case strings.HasPrefix(cardType, "resource."):
		return r.MaxResource
	default:
		if _, ok := aiCardTypes[cardType]; ok {
			return r.MaxAI
		}
		return r.MaxBase
	}
}

// IsInternal reports whether a card_type is internal-only (spec §4.A
// "Pruning rule"): the synthetic full_report card and any resource.* card.
func IsInternal(cardType string) bool {
	return cardType == "full_report" || strings.HasPrefix(cardType, "resource.")
}

// Prune removes empty fields from a payload. Only called for internal
// cards; business cards must never be pruned so the UI contract stays
// stable (spec §4.A).
func Prune(data any) any {
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	out := map[string]any{}
	for k, v := range m {
		if isEmptyValue(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
