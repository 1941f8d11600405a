// Copyright 2025 James Ross
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// artifactKeyFields mirrors the canonical dict the source hashes to build an
// artifact_key (spec §4.D "keys"); field order matches json.Marshal's
// alphabetical-by-name struct output so the digest is stable across builds.
type artifactKeyFields struct {
	Kind            string `json:"kind"`
	OptionsHash     string `json:"options_hash"`
	PipelineVersion string `json:"pipeline_version"`
	Source          string `json:"source"`
	SubjectKey      string `json:"subject_key"`
}

// BuildArtifactKey computes the deterministic cache key for a
// (source, subject_key, pipeline_version, options_hash, kind) tuple
// (spec §4.D). It is a sha256 hex digest of a canonical compact JSON
// encoding, so the same inputs always resolve to the same key regardless of
// process or call order.
func BuildArtifactKey(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	raw, _ := json.Marshal(artifactKeyFields{
		Kind:            kind,
		OptionsHash:     optionsHash,
		PipelineVersion: pipelineVersion,
		Source:          source,
		SubjectKey:      subjectKey,
	})
	return sha256Hex(raw)
}

func sha256Hex(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// contentHash returns the deterministic digest used to dedupe backup-outbox
// writes and skip no-op rehydrations (spec §4.D).
func contentHash(payload map[string]any) (string, error) {
	raw, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return sha256Hex(raw), nil
}

// canonicalJSON re-encodes payload with sorted map keys so the digest is
// stable regardless of map iteration order (Go's encoding/json already sorts
// map[string]T keys, so a plain Marshal is sufficient here).
func canonicalJSON(payload map[string]any) ([]byte, error) {
	return json.Marshal(payload)
}

// isFallbackPayload reports whether payload carries the "_meta.fallback" (or
// "is_fallback") marker that all save paths must reject (spec §4.D "never
// cache fallback results").
func isFallbackPayload(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	meta, ok := payload["_meta"].(map[string]any)
	if !ok {
		return false
	}
	if b, ok := meta["fallback"].(bool); ok && b {
		return true
	}
	if b, ok := meta["is_fallback"].(bool); ok && b {
		return true
	}
	return false
}

func payloadSizeBytes(payload map[string]any) int64 {
	raw, err := canonicalJSON(payload)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
