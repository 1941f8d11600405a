// Copyright 2025 James Ross
package envelope

import (
	"fmt"
	"strings"
)

// Action is a quality-gate decision (spec §4.A).
type Action string

const (
	ActionAccept   Action = "accept"
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
)

// Issue describes why a validator asked for a retry.
type Issue struct {
	Code      string
	Message   string
	Retryable bool
}

// Decision is the result of running a card's output through its validator.
type Decision struct {
	Action     Action
	Normalized any
	Issue      *Issue
}

// Context is the read-only state a validator/fallback builder may consult.
type Context struct {
	Source     string
	CardType   string
	JobID      string
	UserID     string
	FullReport map[string]any
	Artifacts  map[string]any
}

// Validator inspects a card's raw data and returns a gate Decision.
type Validator func(data any, ctx Context) Decision

// FallbackBuilder produces a deterministic, schema-preserving payload once
// retries are exhausted (spec §4.A "Business cards must always retain their
// schema").
type FallbackBuilder func(ctx Context, last *Decision, err error) any

type registryKey struct{ source, cardType string }

// Gate holds the per-(source, card_type) validator and fallback registry.
// Registration happens once at startup into an otherwise-immutable map
// (spec §9 "duck-typed card handlers" → "register at startup into an
// immutable map").
type Gate struct {
	validators map[registryKey]Validator
	fallbacks  map[registryKey]FallbackBuilder
}

// NewGate returns an empty gate; callers register validators before serving
// traffic, matching the teacher's startup-wiring convention (config/obs are
// also constructed once in main and passed by reference).
func NewGate() *Gate {
	return &Gate{
		validators: map[registryKey]Validator{},
		fallbacks:  map[registryKey]FallbackBuilder{},
	}
}

// Register installs a validator and fallback builder for (source, card_type).
func (g *Gate) Register(source, cardType string, v Validator, fb FallbackBuilder) {
	key := registryKey{strings.ToLower(strings.TrimSpace(source)), strings.TrimSpace(cardType)}
	if key.source == "" || key.cardType == "" {
		panic("envelope: Register requires non-empty source and card_type")
	}
	g.validators[key] = v
	if fb != nil {
		g.fallbacks[key] = fb
	}
}

// Validate runs the registered validator for (source, card_type), or the
// conservative default if none is registered. A payload already marked
// _meta.fallback=true is always accepted to prevent retry thrashing.
func (g *Gate) Validate(source, cardType string, data any, ctx Context) Decision {
	if IsFallback(data) {
		return Decision{Action: ActionAccept, Normalized: data}
	}
	key := registryKey{strings.ToLower(strings.TrimSpace(source)), strings.TrimSpace(cardType)}
	fn, ok := g.validators[key]
	if !ok {
		fn = defaultValidator
	}
	return safeValidate(fn, data, ctx)
}

func safeValidate(fn Validator, data any, ctx Context) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = Decision{
				Action:     ActionAccept,
				Normalized: asMap(data),
				Issue:      &Issue{Code: "validator_error", Message: fmt.Sprintf("%v", r), Retryable: false},
			}
		}
	}()
	return fn(data, ctx)
}

// Fallback builds the deterministic fallback payload for (source, card_type),
// or a generic placeholder if no builder is registered.
func (g *Gate) Fallback(source, cardType string, ctx Context, last *Decision, err error) any {
	key := registryKey{strings.ToLower(strings.TrimSpace(source)), strings.TrimSpace(cardType)}
	if fb, ok := g.fallbacks[key]; ok {
		return fb(ctx, last, err)
	}
	return defaultFallback(ctx, last, err)
}

func defaultValidator(data any, ctx Context) Decision {
	if data == nil {
		return Decision{Action: ActionRetry, Normalized: map[string]any{}, Issue: &Issue{Code: "empty_payload", Message: "empty payload", Retryable: true}}
	}
	if m, ok := data.(map[string]any); ok {
		if len(m) == 0 {
			return Decision{Action: ActionRetry, Normalized: map[string]any{}, Issue: &Issue{Code: "empty_payload", Message: "empty payload", Retryable: true}}
		}
		return Decision{Action: ActionAccept, Normalized: m}
	}
	return Decision{
		Action:     ActionRetry,
		Normalized: map[string]any{"value": data},
		Issue:      &Issue{Code: "invalid_type", Message: fmt.Sprintf("unexpected payload type %T", data), Retryable: true},
	}
}

func defaultFallback(ctx Context, last *Decision, err error) any {
	base := map[string]any{}
	if last != nil {
		base = asMap(last.Normalized)
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	} else if last != nil && last.Issue != nil {
		errText = last.Issue.Message
	}
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	meta := map[string]any{"fallback": true, "code": "fallback_" + ctx.CardType, "preserve_empty": true}
	if errText != "" {
		meta["error"] = truncate(errText, 500)
	}
	out["_meta"] = meta
	return out
}

// MergeMeta attaches non-breaking debug meta onto a dict payload, preserving
// any existing _meta keys (used by fallback builders to layer meta on top
// of a partially-computed payload).
func MergeMeta(payload any, meta map[string]any) any {
	m, ok := payload.(map[string]any)
	if !ok || len(meta) == 0 {
		return payload
	}
	merged := make(map[string]any, len(m)+1)
	for k, v := range m {
		merged[k] = v
	}
	existing, _ := merged["_meta"].(map[string]any)
	combined := make(map[string]any, len(existing)+len(meta))
	for k, v := range existing {
		combined[k] = v
	}
	for k, v := range meta {
		combined[k] = v
	}
	merged["_meta"] = combined
	return merged
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ValidationError is the Go analogue of the source's bare ValueError: a
// deterministic rejection raised by handler or validator code, as opposed to
// a transient infrastructure failure. Any other error type is treated as
// transient and retryable regardless of message (spec §7 error taxonomy).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// IsRetryable classifies an error the way spec §4.A / §7 does: a
// *ValidationError is retryable only if its message suggests a transient
// condition (timeout, rate limit, temporary failure) despite being raised
// as a validation error; every other error type is retryable by default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		return true
	}
	msg := strings.ToLower(ve.Msg)
	for _, substr := range []string{"timeout", "rate limit", "temporar"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
