// Copyright 2025 James Ross
package envelope

import (
	"errors"
	"testing"

	"github.com/cardforge/runtime/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatorRetriesOnEmpty(t *testing.T) {
	g := NewGate()
	d := g.Validate("github", "profile", map[string]any{}, Context{})
	assert.Equal(t, ActionRetry, d.Action)
	require.NotNil(t, d.Issue)
	assert.Equal(t, "empty_payload", d.Issue.Code)
}

func TestFallbackAlreadyMarkedAlwaysAccepts(t *testing.T) {
	g := NewGate()
	g.Register("github", "roast", func(data any, ctx Context) Decision {
		return Decision{Action: ActionRetry, Normalized: data, Issue: &Issue{Code: "empty_roast", Retryable: true}}
	}, nil)

	payload := map[string]any{"roast": "", "_meta": map[string]any{"fallback": true}}
	d := g.Validate("github", "roast", payload, Context{})
	assert.Equal(t, ActionAccept, d.Action)
}

func TestRegisteredValidatorWins(t *testing.T) {
	g := NewGate()
	g.Register("github", "roast", func(data any, ctx Context) Decision {
		m, _ := data.(map[string]any)
		if s, _ := m["roast"].(string); s == "" {
			return Decision{Action: ActionRetry, Normalized: m, Issue: &Issue{Code: "empty_roast", Retryable: true}}
		}
		return Decision{Action: ActionAccept, Normalized: m}
	}, func(ctx Context, last *Decision, err error) any {
		return map[string]any{"roast": "deterministic fallback text", "_meta": map[string]any{"fallback": true, "code": "fallback_roast", "preserve_empty": true}}
	})

	d := g.Validate("github", "roast", map[string]any{"roast": ""}, Context{CardType: "roast"})
	assert.Equal(t, ActionRetry, d.Action)

	fb := g.Fallback("github", "roast", Context{CardType: "roast"}, &d, nil)
	m := fb.(map[string]any)
	assert.Equal(t, "deterministic fallback text", m["roast"])
	meta := m["_meta"].(map[string]any)
	assert.Equal(t, true, meta["fallback"])
	assert.Equal(t, "fallback_roast", meta["code"])
}

func TestValidatorPanicIsContained(t *testing.T) {
	g := NewGate()
	g.Register("x", "y", func(data any, ctx Context) Decision {
		panic("boom")
	}, nil)
	d := g.Validate("x", "y", map[string]any{"a": 1}, Context{})
	assert.Equal(t, ActionAccept, d.Action)
	require.NotNil(t, d.Issue)
	assert.Equal(t, "validator_error", d.Issue.Code)
}

func TestMaxRetriesByCategory(t *testing.T) {
	r := config.Retries{MaxResource: 2, MaxAI: 2, MaxBase: 1}
	assert.Equal(t, 2, MaxRetries("resource.github", r))
	assert.Equal(t, 2, MaxRetries("roast", r))
	assert.Equal(t, 1, MaxRetries("profile", r))
}

func TestIsInternal(t *testing.T) {
	assert.True(t, IsInternal("full_report"))
	assert.True(t, IsInternal("resource.github"))
	assert.False(t, IsInternal("summary"))
}

func TestPruneOnlyRemovesEmpty(t *testing.T) {
	in := map[string]any{"a": "", "b": "keep", "c": nil, "d": map[string]any{}}
	out := Prune(in).(map[string]any)
	assert.Equal(t, map[string]any{"b": "keep"}, out)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.False(t, IsRetryable(&ValidationError{Msg: "invalid card_type"}))
	assert.True(t, IsRetryable(&ValidationError{Msg: "upstream rate limit hit"}))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}
