// Copyright 2025 James Ross

// Package handler defines the card handler interface the scheduler invokes
// as its one external collaborator (spec §6 "Card handler interface", §9
// "duck-typed card handlers" recast as a typed capability set registered at
// startup into an immutable map).
package handler

import "context"

// CardResult is what execute/fallback return (spec §6).
type CardResult struct {
	Data          any
	IsFallback    bool
	Meta          map[string]any
	SkipValidation bool
}

// ProgressFunc lets a handler report incremental progress without going
// through the quality gate (spec §6 "emit_progress(step, message, data?)").
type ProgressFunc func(step, message string, data map[string]any)

// ExecutionContext is the read-only state handed to a handler invocation
// (spec §6 "Context exposes: job/card ids, user id, card input from job
// options, a map of already-produced artifacts keyed by
// resource.<source>.<name>, and an emit_progress callback").
type ExecutionContext struct {
	Context context.Context

	JobID      string
	CardID     int64
	UserID     string
	Source     string
	CardType   string
	RetryCount int

	// Input is the card's input merged with the job's options, decoded
	// from job_cards.input / jobs.options.
	Input map[string]any

	// Artifacts holds already-produced resources keyed by
	// "resource.<source>.<name>", pre-loaded by the scheduler before
	// invocation so handlers never reach into the store directly.
	Artifacts map[string]any

	EmitProgress ProgressFunc
}

// CardHandler is the capability set a card type registers with the
// scheduler (spec §6, §9). Validate and Fallback are optional in spirit —
// a handler that needs no custom validation can delegate Validate to
// DefaultValidate; there is no default Fallback — but the interface requires
// all three so the registry never special-cases a nil method value.
type CardHandler interface {
	// Source is the analysis source this handler serves (e.g. "github").
	Source() string
	// CardType is the card_type this handler produces.
	CardType() string
	// Version is bumped whenever the handler's output shape changes;
	// bumping it invalidates cached payloads for this card type (spec §6).
	Version() string

	// Execute runs the handler's side effects (HTTP calls, LLM prompts,
	// DB reads) and returns the card's raw output.
	Execute(ctx ExecutionContext) (CardResult, error)

	// Validate is not called by the scheduler: business-card output is
	// checked by envelope.Gate, with the validator registered for
	// (source, card_type) or the gate's default.
	Validate(data any, ctx ExecutionContext) bool

	// Fallback builds a deterministic, schema-preserving payload. The
	// scheduler does not call it: an exhausted gate retry uses
	// envelope.Gate's fallback builder, and a handler error that is not
	// retried fails the card.
	Fallback(ctx ExecutionContext, err error) CardResult
}

// DefaultValidate implements the spec's "default: non-empty dict" rule for
// handlers that don't need bespoke validation.
func DefaultValidate(data any) bool {
	m, ok := data.(map[string]any)
	return ok && len(m) > 0
}
