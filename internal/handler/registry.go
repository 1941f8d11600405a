// Copyright 2025 James Ross
package handler

import (
	"fmt"
	"strings"
	"sync"
)

type registryKey struct{ source, cardType string }

// Registry is the immutable-after-startup (source, card_type) → CardHandler
// map the scheduler consults on every claim (spec §9 "Process-wide
// singletons... model as application-scoped long-lived components
// constructed during startup and passed by reference; avoid hidden
// globals"). It is safe to read concurrently once registration is done;
// Register itself takes a lock so test setup can register handlers from
// multiple goroutines without a race.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]CardHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[registryKey]CardHandler{}}
}

// Register installs a handler for its own declared (Source, CardType).
// Registering the same key twice panics — this only ever happens during
// process startup wiring, so a programmer error here should fail loudly.
func (r *Registry) Register(h CardHandler) {
	key := registryKey{normalize(h.Source()), strings.TrimSpace(h.CardType())}
	if key.source == "" || key.cardType == "" {
		panic("handler: Register requires non-empty Source()/CardType()")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler: duplicate registration for source=%s card_type=%s", key.source, key.cardType))
	}
	r.handlers[key] = h
}

// Lookup returns the handler registered for (source, card_type), or nil if
// none is registered — the scheduler treats a missing handler as a
// deterministic (non-retryable) failure for that card.
func (r *Registry) Lookup(source, cardType string) CardHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[registryKey{normalize(source), strings.TrimSpace(cardType)}]
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
