// Copyright 2025 James Ross
package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	source, cardType, version string
	result                    CardResult
	err                       error
}

func (h *stubHandler) Source() string   { return h.source }
func (h *stubHandler) CardType() string { return h.cardType }
func (h *stubHandler) Version() string  { return h.version }

func (h *stubHandler) Execute(ctx ExecutionContext) (CardResult, error) { return h.result, h.err }
func (h *stubHandler) Validate(data any, ctx ExecutionContext) bool     { return DefaultValidate(data) }
func (h *stubHandler) Fallback(ctx ExecutionContext, err error) CardResult {
	return CardResult{Data: map[string]any{}, IsFallback: true}
}

func TestRegistryLookupIsCaseInsensitiveOnSource(t *testing.T) {
	r := NewRegistry()
	h := &stubHandler{source: "GitHub", cardType: "profile", version: "v1"}
	r.Register(h)

	require.Equal(t, h, r.Lookup("github", "profile"))
	require.Equal(t, h, r.Lookup("GITHUB", "profile"))
	require.Nil(t, r.Lookup("github", "summary"))
}

func TestRegistryRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubHandler{source: "github", cardType: "profile", version: "v1"})
	require.Panics(t, func() {
		r.Register(&stubHandler{source: "github", cardType: "profile", version: "v2"})
	})
}

func TestRegistryRegisterPanicsOnEmptyKey(t *testing.T) {
	r := NewRegistry()
	require.Panics(t, func() {
		r.Register(&stubHandler{source: "", cardType: "profile", version: "v1"})
	})
}

func TestStubHandlerExecuteRoundTrips(t *testing.T) {
	h := &stubHandler{source: "github", cardType: "profile", result: CardResult{Data: map[string]any{"name": "ada"}}}
	res, err := h.Execute(ExecutionContext{Context: context.Background()})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "ada"}, res.Data)
}
