// Copyright 2025 James Ross
package cache

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/cardforge/runtime/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const sqliteSchema = `
CREATE TABLE analysis_subjects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	subject_key TEXT NOT NULL,
	canonical_input TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	UNIQUE (source, subject_key)
);

CREATE TABLE analysis_artifact_cache (
	artifact_key TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	meta TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE analysis_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id INTEGER NOT NULL,
	pipeline_version TEXT NOT NULL,
	options_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	fingerprint TEXT,
	full_report_artifact_key TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	freshness_until DATETIME,
	meta TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX uq_analysis_runs_running ON analysis_runs (subject_id, pipeline_version, options_hash) WHERE status = 'running';

CREATE TABLE analysis_backup_outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at DATETIME,
	lock_token TEXT,
	locked_at DATETIME,
	last_error TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (artifact_key, content_hash)
);
`

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	cfg := config.Cache{LockTTL: 900 * time.Second}
	return New(db, "sqlite3", cfg), db
}

func TestGetOrCreateSubjectIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.GetOrCreateSubject(ctx, "GitHub", "octocat", map[string]any{"seed": true})
	require.NoError(t, err)
	require.Equal(t, "github", a.Source)

	b, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
}

func TestTryBeginRefreshRunSingleFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	won, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won)

	won2, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.False(t, won2, "second caller must not win the single-flight race")
}

func TestTryBeginRefreshRunRecoversStaleLock(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	won, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won)

	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err = db.Exec(`UPDATE analysis_runs SET started_at=? WHERE subject_id=? AND status='running'`, old, subj.ID)
	require.NoError(t, err)

	s2 := New(db, "sqlite3", config.Cache{LockTTL: 1 * time.Second})
	won2, err := s2.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won2, "stale lock past LockTTL must be reclaimed")
}

func TestSaveAndGetCachedArtifactRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	key, err := s.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "resource.github", map[string]any{"stars": float64(10)}, time.Hour, nil)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := s.GetCachedArtifact(ctx, "github", "octocat", "v1", "opt1", "resource.github")
	require.NoError(t, err)
	require.Equal(t, float64(10), got["stars"])
}

func TestSaveCachedArtifactRejectsFallback(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	key, err := s.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "resource.github",
		map[string]any{"_meta": map[string]any{"fallback": true}}, time.Hour, nil)
	require.NoError(t, err)
	require.Empty(t, key)

	got, err := s.GetCachedArtifact(ctx, "github", "octocat", "v1", "opt1", "resource.github")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetCachedArtifactDeletesExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	_, err = s.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "resource.github", map[string]any{"v": 1.0}, time.Millisecond, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	got, err := s.GetCachedArtifact(ctx, "github", "octocat", "v1", "opt1", "resource.github")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveFinalResultAndGetCachedFinalResultServesStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	payload := map[string]any{"cards": map[string]any{"summary": map[string]any{"text": "hi"}}}
	_, err = s.SaveFinalResult(ctx, "github", subj, "v1", "opt1", payload, time.Millisecond, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	got, err := s.GetCachedFinalResult(ctx, "github", "octocat", "v1", "opt1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Stale, "expired final_result must still be served with Stale=true")
	require.Equal(t, payload["cards"], got.Payload["cards"])
}

func TestSaveFullReportFinalizesRunningRun(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	won, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won)

	_, err = s.SaveFullReport(ctx, "github", subj, "v1", "opt1", nil, map[string]any{"ok": true}, time.Hour, nil)
	require.NoError(t, err)

	run, err := s.GetLatestCachedFullReport(ctx, subj.ID, "v1", "opt1")
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, true, run.Payload["ok"])

	// The refresh lock must be released so a new refresh can be attempted.
	won2, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won2)
}

func TestFailRefreshRunReleasesLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	won, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.FailRefreshRun(ctx, subj.ID, "v1", "opt1", "handler panicked"))

	won2, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
	require.NoError(t, err)
	require.True(t, won2)
}

func TestTryBeginRefreshRunDedupesConcurrentCallersInProcess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	subj, err := s.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	const n = 8
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			won, err := s.TryBeginRefreshRun(ctx, subj.ID, "v1", "opt1", nil)
			require.NoError(t, err)
			results[i] = won
		}()
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent caller may win the refresh lock")
}

func TestBuildArtifactKeyIsDeterministic(t *testing.T) {
	a := BuildArtifactKey("github", "octocat", "v1", "opt1", "final_result")
	b := BuildArtifactKey("github", "octocat", "v1", "opt1", "final_result")
	require.Equal(t, a, b)

	c := BuildArtifactKey("github", "octocat", "v1", "opt1", "full_report")
	require.NotEqual(t, a, c)
}
