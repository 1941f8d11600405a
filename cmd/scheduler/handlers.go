// Copyright 2025 James Ross

package main

import "github.com/cardforge/runtime/internal/handler"

// registerCardHandlers installs every card_type's handler.CardHandler into
// the registry the scheduler consults on each claim (spec §6 "Card handler
// interface"). This module ships the scheduler, store, and gate layers;
// the concrete handlers that call out to GitHub, an LLM, or any other
// analysis source are source-specific integration code that a deployment
// wires in here, e.g.:
//
//	registry.Register(github.NewRepoCardHandler(githubClient))
//	registry.Register(llm.NewSummaryCardHandler(llmClient))
//
// A card_type with no registered handler is not a startup error: the
// scheduler fails that card deterministically (no card handler registered
// for source %q card_type %q) rather than refusing to boot, so a partial
// deployment (e.g. github-only) still runs.
func registerCardHandlers(registry *handler.Registry) {}
