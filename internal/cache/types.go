// Copyright 2025 James Ross

// Package cache implements the cross-job analysis cache (spec §4.D): a
// three-tier store (subjects / runs / artifact cache) that lets repeated
// analysis of the same subject skip expensive recomputation, serves stale
// results while refreshing in the background (SWR), and single-flights
// concurrent refreshes through a DB-level lock. It also owns the SQLite L1
// cache, the disk-budget evictor, and the best-effort backup replicator.
package cache

import (
	"database/sql"
	"time"
)

// Subject identifies one analysis target (e.g. one GitHub user) shared
// across jobs (spec §3 "analysis_subjects").
type Subject struct {
	ID             int64
	Source         string
	SubjectKey     string
	CanonicalInput map[string]any
	CreatedAt      time.Time
}

// RunStatus mirrors analysis_runs.status.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// CachedRun is the result of resolving a completed full_report run to its
// backing artifact (spec §4.D "get_latest_cached_full_report").
type CachedRun struct {
	SubjectID       int64
	PipelineVersion string
	OptionsHash     string
	ArtifactKey     string
	CreatedAt       *time.Time
	ExpiresAt       *time.Time
	FreshnessUntil  *time.Time
	Fingerprint     *string
	Payload         map[string]any
}

// FinalResult is the SWR-served payload returned by GetCachedFinalResult:
// unlike GetCachedArtifact, an expired row is still returned with Stale=true
// instead of being deleted (spec §4.D "never delete expired final_result
// rows").
type FinalResult struct {
	ArtifactKey string
	Payload     map[string]any
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Stale       bool
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
