// Copyright 2025 James Ross
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The source's scheduler.py imports four helpers from
// server.analyze.cache_policy (get_pipeline_version, compute_options_hash,
// cache_ttl_seconds, is_cacheable_subject) and one from
// server.analyze.card_specs (get_stream_spec). Neither module was retrieved
// into original_source/ (only scheduler.py and output_schema.py were), so
// these are minimal Go-native implementations grounded only on the call
// sites visible in scheduler.py's _maybe_save_final_result_cache and
// _execute_card, not on the original bodies. See DESIGN.md's scheduler
// entry for the full grounding note.

// pipelineVersion identifies the current card-handler generation for a
// source. Handlers declare their own Version(); the scheduler doesn't need
// a separate global version scheme, so this simply fixes a stable constant
// per source until handler registration wiring proves otherwise.
func pipelineVersion(source string) string {
	return "v1:" + strings.ToLower(strings.TrimSpace(source))
}

// computeOptionsHash hashes a job's options map into a short, deterministic
// string so that two jobs with the same effective options share a final-
// result cache slot (spec §6 "options_hash"). Key order must not affect the
// hash, so keys are sorted before marshaling.
func computeOptionsHash(options map[string]any) string {
	if len(options) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, options[k])
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return "none"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// defaultCacheTTL is used when no per-source override exists.
const defaultCacheTTL = 24 * time.Hour

// cacheTTLSeconds resolves the final-result cache TTL for a source,
// preferring cfg.SourceTTL's per-source override over cfg.TTL (spec §4.D
// "cache.ttl_seconds (per source)").
func cacheTTLSeconds(source string, ttl time.Duration, sourceTTL map[string]string) time.Duration {
	if raw, ok := sourceTTL[strings.ToLower(strings.TrimSpace(source))]; ok {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if ttl > 0 {
		return ttl
	}
	return defaultCacheTTL
}

// isCacheableSubject reports whether a (source, subject_key) pair is
// eligible for the final-result cache. Every non-empty subject is
// cacheable; the explicit function exists (rather than an inline check) so
// a source-specific exclusion list can be added later without touching
// scheduler.go's call site.
func isCacheableSubject(source, subjectKey string) bool {
	return strings.TrimSpace(source) != "" && strings.TrimSpace(subjectKey) != ""
}

// streamSpec returns the {field: format} advertisement a card.started event
// carries ahead of its delta events (spec §4.F "Emit card.started with
// stream spec"). Without card_specs.py's per-(source,card_type) table, this
// falls back to a single generic "content"/"markdown" field, which every
// handler's delta events are free to target. executeCard emits it with
// card.started before the handler runs; CardResult.Meta is not consulted
// for a stream spec.
func streamSpec(cardType string) map[string]any {
	return map[string]any{
		"content": map[string]any{"format": "markdown"},
	}
}
