// Copyright 2025 James Ross
package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/cardforge/runtime/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newFileBackedStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	return New(db, "sqlite3", config.Cache{}), dbPath
}

func TestLocalCacheEvictorDisabledWithoutFilePath(t *testing.T) {
	e := NewLocalCacheEvictor(nil, "sqlite3", "", config.Cache{EvictorEnabled: true}, nil)
	require.False(t, e.Enabled(), "an in-memory cache DB has no disk budget to enforce")
}

func TestLocalCacheEvictorDisabledForPostgres(t *testing.T) {
	e := NewLocalCacheEvictor(nil, "postgres", "/tmp/whatever.db", config.Cache{EvictorEnabled: true}, nil)
	require.False(t, e.Enabled())
}

func TestLocalCacheEvictorDeletesExpiredFirst(t *testing.T) {
	store, dbPath := newFileBackedStore(t)
	ctx := context.Background()

	subj, err := store.GetOrCreateSubject(ctx, "github", "octocat", nil)
	require.NoError(t, err)

	_, err = store.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "expired.kind", map[string]any{"v": 1.0}, time.Millisecond, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = store.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "cold.kind", map[string]any{"v": 2.0}, time.Hour, nil)
	require.NoError(t, err)
	_, err = store.SaveCachedArtifact(ctx, "github", subj, "v1", "opt1", "hot.kind", map[string]any{"v": 3.0}, time.Hour, nil)
	require.NoError(t, err)
	// Read "hot" once. It was written moments ago, inside the access-touch
	// throttle window, so this read leaves its hit_count at 0.
	_, err = store.GetCachedArtifact(ctx, "github", "octocat", "v1", "opt1", "hot.kind")
	require.NoError(t, err)

	e := NewLocalCacheEvictor(store.db, "sqlite3", dbPath, config.Cache{
		EvictorEnabled:    true,
		EvictorMaxBytes:   64 << 20,
		EvictorBatchSize:  10,
		EvictorStaleGrace: 0,
	}, nil)
	require.True(t, e.Enabled())

	require.NoError(t, e.EvictOnce(ctx))

	var remaining int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM analysis_artifact_cache`).Scan(&remaining))
	require.LessOrEqual(t, remaining, 3)

	var expiredCount int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM analysis_artifact_cache WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC()).Scan(&expiredCount))
	require.Equal(t, 0, expiredCount, "expired rows are always reclaimed first")
}
