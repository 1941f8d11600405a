// Copyright 2025 James Ross
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// LocalCacheEvictor keeps the local analysis_artifact_cache table bounded by
// disk-size budget, TTL+grace, and hot/cold signals (spec §4.D "eviction").
// It only runs against a file-backed SQLite cache DB: Postgres deployments
// rely on normal row TTL/expiry instead (the budget math assumes a single
// local disk to protect).
type LocalCacheEvictor struct {
	db      *sql.DB
	dialect string
	cfg     config.Cache
	dbPath  string
	cron    *cron.Cron
	log     *zap.Logger
}

// NewLocalCacheEvictor constructs an evictor. dbPath is the sqlite cache
// file path; pass "" (or a postgres dialect) to disable it — Enabled()
// reports whether Start will do anything. log may be nil.
func NewLocalCacheEvictor(db *sql.DB, dialect, dbPath string, cfg config.Cache, log *zap.Logger) *LocalCacheEvictor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalCacheEvictor{db: db, dialect: strings.ToLower(strings.TrimSpace(dialect)), cfg: cfg, dbPath: dbPath, log: log}
}

// Enabled reports whether this evictor can run: sqlite dialect, a real file
// path (not ":memory:"), and the config flag set (spec §4.D
// "_is_sqlite_file_db" + "_feature_enabled").
func (e *LocalCacheEvictor) Enabled() bool {
	return e.cfg.EvictorEnabled && e.dialect == "sqlite3" && e.dbPath != "" && e.dbPath != ":memory:"
}

// Start schedules periodic eviction via robfig/cron using a constant-delay
// schedule derived from cfg.EvictorInterval (spec §4.D "evictor ticks").
// Start is a no-op when Enabled() is false.
func (e *LocalCacheEvictor) Start(ctx context.Context) {
	if !e.Enabled() {
		return
	}
	interval := e.cfg.EvictorInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	e.cron = cron.New()
	e.cron.Schedule(cron.ConstantDelaySchedule{Delay: interval}, cron.FuncJob(func() {
		if err := e.EvictOnce(ctx); err != nil {
			e.log.Warn("local cache eviction failed", zap.Error(err))
		}
	}))
	e.cron.Start()
}

// Stop halts the cron schedule; in-flight eviction runs to completion.
func (e *LocalCacheEvictor) Stop() {
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		<-stopCtx.Done()
	}
}

type evictionCandidate struct {
	ArtifactKey     string
	CreatedAtS      int64
	ExpiresAtS      *int64
	LastAccessAtS   int64
	HitCount        int64
	PayloadSizeBytes int64
}

// EvictOnce runs a single eviction pass: delete expired+grace rows, then (if
// still over budget) evict cold rows by priority until the remaining rows fit
// within 80% of the disk budget (spec §4.D "_evict_by_budget").
func (e *LocalCacheEvictor) EvictOnce(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	budget := e.diskBudgetBytes()
	if budget <= 0 {
		return nil
	}

	graceS := e.cfg.EvictorStaleGrace
	if graceS < 0 {
		graceS = 0
	}
	expiredBefore := time.Now().UTC().Add(-graceS)
	deletedExpired, err := e.deleteExpiredBatch(ctx, expiredBefore)
	if err != nil {
		deletedExpired = 0
	}

	sizeBytes := e.cacheFileSizeBytes()
	if sizeBytes > 0 && sizeBytes <= int64(float64(budget)*0.9) && deletedExpired <= 0 {
		return nil
	}

	return e.evictByBudget(ctx, budget)
}

func (e *LocalCacheEvictor) diskBudgetBytes() int64 {
	if e.cfg.EvictorMaxBytes > 0 {
		if e.cfg.EvictorMaxBytes < 16<<20 {
			return 16 << 20
		}
		return e.cfg.EvictorMaxBytes
	}

	var stat syscall.Statfs_t
	dir := e.dbPath
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[:idx]
	} else {
		dir = "."
	}
	if dir == "" {
		dir = "."
	}
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 512 << 20
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if total <= 0 {
		return 512 << 20
	}

	const minB, maxB = int64(64 << 20), int64(10 << 30)
	target := int64(float64(total) * 0.01)
	if target < minB {
		target = minB
	}
	if target > maxB {
		target = maxB
	}
	if free > 0 {
		halfFree := int64(float64(free) * 0.5)
		if target > halfFree {
			target = halfFree
		}
		if target < 16<<20 {
			target = 16 << 20
		}
	}
	return target
}

func (e *LocalCacheEvictor) cacheFileSizeBytes() int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		info, err := os.Stat(e.dbPath + suffix)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func (e *LocalCacheEvictor) batchSize() int {
	if e.cfg.EvictorBatchSize > 0 {
		return e.cfg.EvictorBatchSize
	}
	return 500
}

func (e *LocalCacheEvictor) deleteExpiredBatch(ctx context.Context, expiredBefore time.Time) (int64, error) {
	limit := e.batchSize()
	if limit <= 0 {
		return 0, nil
	}
	res, err := e.db.ExecContext(ctx, `DELETE FROM analysis_artifact_cache WHERE artifact_key IN (
		SELECT artifact_key FROM analysis_artifact_cache
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?)`, expiredBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("cache: delete expired batch: %w", err)
	}
	n, _ := res.RowsAffected()
	_, _ = e.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return n, nil
}

func (e *LocalCacheEvictor) loadCandidates(ctx context.Context) ([]evictionCandidate, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT artifact_key, created_at, expires_at, meta FROM analysis_artifact_cache`)
	if err != nil {
		return nil, fmt.Errorf("cache: load eviction candidates: %w", err)
	}
	defer rows.Close()

	nowS := time.Now().UTC().Unix()
	var out []evictionCandidate
	for rows.Next() {
		var (
			key       string
			createdAt time.Time
			expiresAt sql.NullTime
			metaRaw   []byte
		)
		if err := rows.Scan(&key, &createdAt, &expiresAt, &metaRaw); err != nil {
			continue
		}
		meta := map[string]any{}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &meta)
		}

		createdAtS := createdAt.Unix()
		if createdAtS <= 0 {
			createdAtS = nowS
		}
		var expiresAtS *int64
		if expiresAt.Valid {
			v := expiresAt.Time.Unix()
			expiresAtS = &v
		}
		lastAccessAtS := toInt64(meta["last_access_at_s"])
		if lastAccessAtS <= 0 {
			lastAccessAtS = createdAtS
		}
		payloadSize := toInt64(meta["payload_size_bytes"])
		if payloadSize <= 0 {
			payloadSize = 64 * 1024
		}

		out = append(out, evictionCandidate{
			ArtifactKey:      key,
			CreatedAtS:       createdAtS,
			ExpiresAtS:       expiresAtS,
			LastAccessAtS:    lastAccessAtS,
			HitCount:         toInt64(meta["hit_count"]),
			PayloadSizeBytes: payloadSize,
		})
	}
	return out, rows.Err()
}

func (e *LocalCacheEvictor) evictByBudget(ctx context.Context, budget int64) error {
	candidates, err := e.loadCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	var current int64
	for _, c := range candidates {
		if c.PayloadSizeBytes < 1 {
			current++
		} else {
			current += c.PayloadSizeBytes
		}
	}
	if current <= budget {
		return nil
	}

	target := int64(float64(budget) * 0.8)
	toFree := current - target
	if toFree < 1 {
		toFree = 1
	}
	nowS := time.Now().UTC().Unix()

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		ei, ej := evictedFlag(ci, nowS), evictedFlag(cj, nowS)
		if ei != ej {
			return ei < ej
		}
		if ci.HitCount != cj.HitCount {
			return ci.HitCount < cj.HitCount
		}
		if ci.LastAccessAtS != cj.LastAccessAtS {
			return ci.LastAccessAtS < cj.LastAccessAtS
		}
		return ci.CreatedAtS < cj.CreatedAtS
	})

	var freed int64
	var keys []string
	for _, c := range candidates {
		keys = append(keys, c.ArtifactKey)
		if c.PayloadSizeBytes < 1 {
			freed++
		} else {
			freed += c.PayloadSizeBytes
		}
		if freed >= toFree {
			break
		}
	}
	if len(keys) == 0 {
		return nil
	}

	batch := e.batchSize()
	if batch <= 0 {
		batch = 200
	}
	var totalFreed int64
	for i := 0; i < len(keys); i += batch {
		end := i + batch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[i:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, k := range chunk {
			placeholders[j] = "?"
			args[j] = k
		}
		q := fmt.Sprintf(`DELETE FROM analysis_artifact_cache WHERE artifact_key IN (%s)`, strings.Join(placeholders, ","))
		if _, err := e.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("cache: evict by budget: %w", err)
		}
	}
	totalFreed = freed
	_, _ = e.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	obs.EvictorBytesFreed.Add(float64(totalFreed))
	return nil
}

// evictedFlag mirrors the source's sort tuple: expired rows sort first (0),
// live rows last (1) — deliberately inverted from a plain boolean so the
// ascending sort evicts expired-and-cold rows before live-but-cold ones.
func evictedFlag(c evictionCandidate, nowS int64) int {
	if c.ExpiresAtS != nil && *c.ExpiresAtS <= nowS {
		return 0
	}
	return 1
}
