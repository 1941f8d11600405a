// Copyright 2025 James Ross
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/obs"
	"golang.org/x/sync/singleflight"
)

// Store is the SQL-backed analysis cache (spec §4.D). It is safe for
// concurrent use by multiple scheduler processes sharing one database; the
// single-flight refresh guarantee comes from the DB's
// uq_analysis_runs_running partial unique index, not from in-process
// locking.
type Store struct {
	db      *sql.DB
	dialect string
	cfg     config.Cache
	l1      *l1Cache
	refreshSF singleflight.Group
}

// New wraps an already-opened *sql.DB and optionally a SQLite L1 cache
// rooted at cfg.L1Dir (spec §4.D "SQLite L1"). l1 is best-effort: failures
// to open it leave the store without an L1 tier rather than failing startup.
// The read paths never consult l1; they always read the database.
func New(db *sql.DB, dialect string, cfg config.Cache) *Store {
	s := &Store{db: db, dialect: strings.ToLower(strings.TrimSpace(dialect)), cfg: cfg}
	if l1, err := openL1Cache(cfg.L1Dir); err == nil {
		s.l1 = l1
	}
	return s
}

func (s *Store) isPostgres() bool { return s.dialect == "postgres" }

func (s *Store) ph(i int) string {
	if s.isPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// accessTouchThrottle bounds how often GetCachedArtifact/GetLatestCachedFullReport
// update hit_count/last_access_at per row (spec §4.D "throttled LRU
// bookkeeping"); a non-positive AccessTouchInterval uses the 15s default.
func (s *Store) accessTouchThrottle() time.Duration {
	if s.cfg.AccessTouchInterval > 0 {
		return s.cfg.AccessTouchInterval
	}
	return 15 * time.Second
}

// GetOrCreateSubject resolves or creates the (source, subject_key) row
// (spec §4.D "get_or_create_subject").
func (s *Store) GetOrCreateSubject(ctx context.Context, source, subjectKey string, canonicalInput map[string]any) (*Subject, error) {
	src := strings.ToLower(strings.TrimSpace(source))
	key := strings.TrimSpace(subjectKey)
	if src == "" || key == "" {
		return nil, fmt.Errorf("cache: missing source/subject_key")
	}

	q := fmt.Sprintf(`SELECT id, source, subject_key, canonical_input, created_at FROM analysis_subjects WHERE source=%s AND subject_key=%s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, src, key)
	subj, err := scanSubject(row)
	if err == nil {
		return subj, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("cache: get subject: %w", err)
	}

	canonicalJSON, err := json.Marshal(canonicalInput)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal canonical_input: %w", err)
	}
	now := time.Now().UTC()
	ins := fmt.Sprintf(`INSERT INTO analysis_subjects (source, subject_key, canonical_input, created_at) VALUES (%s,%s,%s,%s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if s.isPostgres() {
		ins += " ON CONFLICT (source, subject_key) DO NOTHING"
	} else {
		ins = strings.Replace(ins, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}
	if _, err := s.db.ExecContext(ctx, ins, src, key, canonicalJSON, now); err != nil {
		return nil, fmt.Errorf("cache: create subject: %w", err)
	}

	row = s.db.QueryRowContext(ctx, q, src, key)
	subj, err = scanSubject(row)
	if err != nil {
		return nil, fmt.Errorf("cache: reload subject after insert: %w", err)
	}
	return subj, nil
}

func scanSubject(row *sql.Row) (*Subject, error) {
	var (
		subj           Subject
		canonicalInput []byte
	)
	if err := row.Scan(&subj.ID, &subj.Source, &subj.SubjectKey, &canonicalInput, &subj.CreatedAt); err != nil {
		return nil, err
	}
	subj.CanonicalInput = map[string]any{}
	if len(canonicalInput) > 0 {
		_ = json.Unmarshal(canonicalInput, &subj.CanonicalInput)
	}
	return &subj, nil
}

// TryBeginRefreshRun attempts to start a refresh for
// (subjectID, pipelineVersion, optionsHash), returning true only for the
// caller that wins the single-flight race (spec §4.D "single-flight
// refresh"). A stale "running" row older than cfg.LockTTL is marked failed
// and superseded rather than blocking forever (crashed-worker recovery).
func (s *Store) TryBeginRefreshRun(ctx context.Context, subjectID int64, pipelineVersion, optionsHash string, fingerprint *string) (bool, error) {
	key := fmt.Sprintf("%d|%s|%s", subjectID, pipelineVersion, optionsHash)
	executed := false
	v, err, _ := s.refreshSF.Do(key, func() (any, error) {
		executed = true
		return s.tryBeginRefreshRunDB(ctx, subjectID, pipelineVersion, optionsHash, fingerprint)
	})
	if err != nil {
		return false, err
	}
	won := v.(bool)
	if !executed {
		// A concurrent in-process caller already raced the DB for this
		// key; only the original caller may own the refresh, so a
		// duplicate waiter always loses regardless of the shared result
		// (spec §4.D "single-flight refresh" — the DB round trip is
		// deduped, the mutual-exclusion guarantee is not). Do's shared
		// flag cannot tell the two apart: it is also true for the
		// original caller whenever duplicates joined.
		won = false
	}
	return won, nil
}

// tryBeginRefreshRunDB is the DB round trip TryBeginRefreshRun's in-process
// fast path dedupes; see the uq_analysis_runs_running partial unique index
// for the cross-process guarantee.
func (s *Store) tryBeginRefreshRunDB(ctx context.Context, subjectID int64, pipelineVersion, optionsHash string, fingerprint *string) (bool, error) {
	now := time.Now().UTC()
	lockTTL := s.cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 900 * time.Second
	}

	q := fmt.Sprintf(`SELECT id, started_at FROM analysis_runs WHERE subject_id=%s AND pipeline_version=%s AND options_hash=%s AND status='running' ORDER BY id DESC LIMIT 1`,
		s.ph(1), s.ph(2), s.ph(3))
	var (
		runID     int64
		startedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, q, subjectID, pipelineVersion, optionsHash).Scan(&runID, &startedAt)
	switch {
	case err == nil:
		if now.Sub(startedAt) > lockTTL {
			upd := fmt.Sprintf(`UPDATE analysis_runs SET status='failed', ended_at=%s WHERE id=%s`, s.ph(1), s.ph(2))
			if _, err := s.db.ExecContext(ctx, upd, now, runID); err != nil {
				return false, fmt.Errorf("cache: expire stale refresh lock: %w", err)
			}
		} else {
			obs.RefreshRunsSkipped.Inc()
			return false, nil
		}
	case err == sql.ErrNoRows:
		// no running row; fall through to insert
	default:
		return false, fmt.Errorf("cache: query running refresh: %w", err)
	}

	ins := fmt.Sprintf(`INSERT INTO analysis_runs (subject_id, pipeline_version, options_hash, status, fingerprint, created_at, started_at)
		VALUES (%s,%s,%s,'running',%s,%s,%s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	if _, err := s.db.ExecContext(ctx, ins, subjectID, pipelineVersion, optionsHash, fingerprint, now, now); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent insert after our check.
			obs.RefreshRunsSkipped.Inc()
			return false, nil
		}
		return false, fmt.Errorf("cache: insert refresh run: %w", err)
	}
	obs.RefreshRunsStarted.Inc()
	return true, nil
}

// isUniqueViolation is a best-effort, driver-agnostic check for a unique
// constraint violation (postgres "23505", sqlite "UNIQUE constraint
// failed"); both drivers surface this as an error string, not a typed error,
// without importing their packages directly here.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate")
}

// FailRefreshRun marks the latest running refresh as failed so the lock does
// not block subsequent attempts until TTL expiry (spec §4.D
// "fail_refresh_run").
func (s *Store) FailRefreshRun(ctx context.Context, subjectID int64, pipelineVersion, optionsHash, reason string) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE analysis_runs SET status='failed', ended_at=%s, meta=%s
		WHERE id IN (SELECT id FROM analysis_runs WHERE subject_id=%s AND pipeline_version=%s AND options_hash=%s AND status='running' ORDER BY id DESC LIMIT 1)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	metaJSON, _ := json.Marshal(map[string]any{"reason": truncate(reason, 200)})
	_, err := s.db.ExecContext(ctx, q, now, metaJSON, subjectID, pipelineVersion, optionsHash)
	if err != nil {
		return fmt.Errorf("cache: fail refresh run: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetLatestCachedFullReport resolves the latest completed run's backing
// artifact, warming the SQLite L1 cache on a hit (spec §4.D
// "get_latest_cached_full_report").
func (s *Store) GetLatestCachedFullReport(ctx context.Context, subjectID int64, pipelineVersion, optionsHash string) (*CachedRun, error) {
	q := fmt.Sprintf(`SELECT full_report_artifact_key, fingerprint, freshness_until FROM analysis_runs
		WHERE subject_id=%s AND pipeline_version=%s AND options_hash=%s AND status='completed'
		ORDER BY COALESCE(ended_at, created_at) DESC, id DESC LIMIT 1`, s.ph(1), s.ph(2), s.ph(3))
	var (
		artifactKey    sql.NullString
		fingerprint    sql.NullString
		freshnessUntil sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, q, subjectID, pipelineVersion, optionsHash).Scan(&artifactKey, &fingerprint, &freshnessUntil); err != nil {
		if err == sql.ErrNoRows {
			obs.CacheMisses.Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get latest run: %w", err)
	}
	if !artifactKey.Valid || artifactKey.String == "" {
		obs.CacheMisses.Inc()
		return nil, nil
	}

	art, err := s.loadArtifact(ctx, artifactKey.String)
	if err != nil {
		return nil, err
	}
	if art == nil {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	s.touchAccessMeta(ctx, *art)
	obs.CacheHits.Inc()
	s.l1Set(artifactKey.String, art.Kind, art.Payload, art.CreatedAt, art.ExpiresAt)

	return &CachedRun{
		SubjectID:       subjectID,
		PipelineVersion: pipelineVersion,
		OptionsHash:     optionsHash,
		ArtifactKey:     artifactKey.String,
		CreatedAt:       &art.CreatedAt,
		ExpiresAt:       art.ExpiresAt,
		FreshnessUntil:  nullTimeOrNil(freshnessUntil),
		Fingerprint:     nullString(fingerprint),
		Payload:         art.Payload,
	}, nil
}

func nullTimeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type artifactRow struct {
	ArtifactKey string
	Kind        string
	Payload     map[string]any
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Meta        map[string]any
}

func (s *Store) loadArtifact(ctx context.Context, artifactKey string) (*artifactRow, error) {
	q := fmt.Sprintf(`SELECT artifact_key, kind, payload, content_hash, created_at, expires_at, meta FROM analysis_artifact_cache WHERE artifact_key=%s`, s.ph(1))
	var (
		payloadRaw []byte
		metaRaw    []byte
		expiresAt  sql.NullTime
	)
	row := artifactRow{}
	if err := s.db.QueryRowContext(ctx, q, artifactKey).Scan(&row.ArtifactKey, &row.Kind, &payloadRaw, &row.ContentHash, &row.CreatedAt, &expiresAt, &metaRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: load artifact: %w", err)
	}
	row.ExpiresAt = nullTimeOrNil(expiresAt)
	row.Payload = map[string]any{}
	if len(payloadRaw) > 0 {
		_ = json.Unmarshal(payloadRaw, &row.Payload)
	}
	row.Meta = map[string]any{}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &row.Meta)
	}
	return &row, nil
}

// touchAccessMeta best-effort updates hit_count/last_access_at in the
// artifact's meta blob, throttled to accessTouchThrottle (spec §4.D
// "_maybe_touch_access_meta"). Failures are swallowed: this must never block
// a cache read.
func (s *Store) touchAccessMeta(ctx context.Context, art artifactRow) {
	now := time.Now().UTC()
	lastS, _ := art.Meta["last_access_at_s"].(float64)
	throttle := s.accessTouchThrottle()
	if throttle > 0 && lastS > 0 && now.Sub(time.Unix(int64(lastS), 0)) < throttle {
		return
	}

	hitCount, _ := art.Meta["hit_count"].(float64)
	meta := map[string]any{}
	for k, v := range art.Meta {
		meta[k] = v
	}
	meta["hit_count"] = int64(hitCount) + 1
	meta["last_access_at"] = now.Format(time.RFC3339)
	meta["last_access_at_s"] = now.Unix()
	if _, ok := meta["payload_size_bytes"]; !ok && len(art.Payload) > 0 {
		meta["payload_size_bytes"] = payloadSizeBytes(art.Payload)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return
	}
	q := fmt.Sprintf(`UPDATE analysis_artifact_cache SET meta=%s WHERE artifact_key=%s`, s.ph(1), s.ph(2))
	_, _ = s.db.ExecContext(ctx, q, metaJSON, art.ArtifactKey)
}

// GetCachedArtifact fetches a single cached artifact by deterministic key,
// independent of the run/full_report lifecycle. Unlike GetCachedFinalResult
// this DELETES the row on expiry and reports a miss (spec §4.D
// "get_cached_artifact", non-SWR).
func (s *Store) GetCachedArtifact(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash, kind string) (map[string]any, error) {
	src := strings.ToLower(strings.TrimSpace(source))
	key := strings.TrimSpace(subjectKey)
	if src == "" || key == "" || kind == "" {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	artifactKey := BuildArtifactKey(src, key, pipelineVersion, optionsHash, kind)

	art, err := s.loadArtifact(ctx, artifactKey)
	if err != nil {
		return nil, err
	}
	if art == nil {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	if art.ExpiresAt != nil && !art.ExpiresAt.After(time.Now().UTC()) {
		q := fmt.Sprintf(`DELETE FROM analysis_artifact_cache WHERE artifact_key=%s`, s.ph(1))
		_, _ = s.db.ExecContext(ctx, q, artifactKey)
		obs.CacheMisses.Inc()
		return nil, nil
	}
	s.touchAccessMeta(ctx, *art)
	obs.CacheHits.Inc()
	return art.Payload, nil
}

// GetCachedFinalResult fetches the cached final (frontend-contract) result
// for a subject, serving stale content instead of deleting it (spec §4.D
// "stale-while-revalidate"). Callers that see Stale=true are expected to
// kick off a background refresh via TryBeginRefreshRun.
func (s *Store) GetCachedFinalResult(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string) (*FinalResult, error) {
	src := strings.ToLower(strings.TrimSpace(source))
	key := strings.TrimSpace(subjectKey)
	if src == "" || key == "" {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	artifactKey := BuildArtifactKey(src, key, pipelineVersion, optionsHash, "final_result")

	art, err := s.loadArtifact(ctx, artifactKey)
	if err != nil {
		return nil, err
	}
	if art == nil {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	cardsAny, ok := art.Payload["cards"].(map[string]any)
	if !ok || len(cardsAny) == 0 {
		obs.CacheMisses.Inc()
		return nil, nil
	}
	s.touchAccessMeta(ctx, *art)

	stale := art.ExpiresAt != nil && !art.ExpiresAt.After(time.Now().UTC())
	if stale {
		obs.CacheStale.Inc()
	} else {
		obs.CacheHits.Inc()
	}
	s.l1Set(artifactKey, "final_result", art.Payload, art.CreatedAt, art.ExpiresAt)

	return &FinalResult{
		ArtifactKey: artifactKey,
		Payload:     art.Payload,
		CreatedAt:   art.CreatedAt,
		ExpiresAt:   art.ExpiresAt,
		Stale:       stale,
	}, nil
}

// SaveCachedArtifact upserts a single artifact by deterministic key. Unlike
// SaveFullReport, it never touches analysis_runs; it is the lightweight
// per-artifact cache (spec §4.D "save_cached_artifact"). Returns "" without
// error for a fallback payload, which must never be cached.
func (s *Store) SaveCachedArtifact(ctx context.Context, source string, subject *Subject, pipelineVersion, optionsHash, kind string, payload map[string]any, ttl time.Duration, meta map[string]any) (string, error) {
	if isFallbackPayload(payload) {
		return "", nil
	}
	src := strings.ToLower(strings.TrimSpace(source))
	if src == "" || kind == "" || subject == nil || subject.SubjectKey == "" {
		return "", fmt.Errorf("cache: missing source/kind/subject")
	}
	artifactKey := BuildArtifactKey(src, subject.SubjectKey, pipelineVersion, optionsHash, kind)
	if err := s.upsertArtifact(ctx, artifactKey, kind, payload, ttl, meta); err != nil {
		return "", err
	}
	return artifactKey, nil
}

// SaveFullReport upserts the full_report artifact and finalizes (or creates)
// the backing analysis_runs row, ending any in-flight single-flight refresh
// (spec §4.D "save_full_report").
func (s *Store) SaveFullReport(ctx context.Context, source string, subject *Subject, pipelineVersion, optionsHash string, fingerprint *string, payload map[string]any, ttl time.Duration, meta map[string]any) (string, error) {
	if isFallbackPayload(payload) {
		return "", nil
	}
	src := strings.ToLower(strings.TrimSpace(source))
	artifactKey := BuildArtifactKey(src, subject.SubjectKey, pipelineVersion, optionsHash, "full_report")
	if err := s.upsertArtifact(ctx, artifactKey, "full_report", payload, ttl, meta); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		v := now.Add(ttl)
		expiresAt = &v
	}

	q := fmt.Sprintf(`SELECT id FROM analysis_runs WHERE subject_id=%s AND pipeline_version=%s AND options_hash=%s AND status='running' ORDER BY id DESC LIMIT 1`,
		s.ph(1), s.ph(2), s.ph(3))
	var runID int64
	err := s.db.QueryRowContext(ctx, q, subject.ID, pipelineVersion, optionsHash).Scan(&runID)
	switch {
	case err == nil:
		metaJSON, _ := json.Marshal(meta)
		upd := fmt.Sprintf(`UPDATE analysis_runs SET status='completed', fingerprint=%s, full_report_artifact_key=%s, ended_at=%s, freshness_until=%s, meta=%s WHERE id=%s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
		if _, err := s.db.ExecContext(ctx, upd, fingerprint, artifactKey, now, expiresAt, metaJSON, runID); err != nil {
			return "", fmt.Errorf("cache: finalize refresh run: %w", err)
		}
	case err == sql.ErrNoRows:
		metaJSON, _ := json.Marshal(meta)
		ins := fmt.Sprintf(`INSERT INTO analysis_runs (subject_id, pipeline_version, options_hash, status, fingerprint, full_report_artifact_key, created_at, started_at, ended_at, freshness_until, meta)
			VALUES (%s,%s,%s,'completed',%s,%s,%s,%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
		if _, err := s.db.ExecContext(ctx, ins, subject.ID, pipelineVersion, optionsHash, fingerprint, artifactKey, now, now, now, expiresAt, metaJSON); err != nil {
			return "", fmt.Errorf("cache: create completed run: %w", err)
		}
	default:
		return "", fmt.Errorf("cache: query running refresh: %w", err)
	}

	s.l1Set(artifactKey, "full_report", payload, now, expiresAt)
	return artifactKey, nil
}

// SaveFinalResult upserts the FINAL (frontend-contract) result for a subject
// — `{"cards": {...}}` — and finalizes any in-flight refresh run
// (spec §4.D "save_final_result", the recommended target for instant warm
// open).
func (s *Store) SaveFinalResult(ctx context.Context, source string, subject *Subject, pipelineVersion, optionsHash string, payload map[string]any, ttl time.Duration, meta map[string]any) (string, error) {
	if isFallbackPayload(payload) {
		return "", nil
	}
	src := strings.ToLower(strings.TrimSpace(source))
	if src == "" || subject == nil || subject.SubjectKey == "" {
		return "", fmt.Errorf("cache: missing source/subject")
	}
	cards, ok := payload["cards"].(map[string]any)
	if !ok || len(cards) == 0 {
		return "", fmt.Errorf("cache: invalid final_result payload (missing cards)")
	}

	artifactKey := BuildArtifactKey(src, subject.SubjectKey, pipelineVersion, optionsHash, "final_result")
	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		v := now.Add(ttl)
		expiresAt = &v
	}

	// Write L1 before the DB (spec §4.D "save_final_result"). No read path
	// in this package consults L1; reads always go to the database.
	s.l1Set(artifactKey, "final_result", payload, now, expiresAt)

	if err := s.upsertArtifact(ctx, artifactKey, "final_result", payload, ttl, meta); err != nil {
		return "", err
	}

	q := fmt.Sprintf(`SELECT id, meta FROM analysis_runs WHERE subject_id=%s AND pipeline_version=%s AND options_hash=%s AND status='running' ORDER BY id DESC LIMIT 1`,
		s.ph(1), s.ph(2), s.ph(3))
	var (
		runID     int64
		runMeta   []byte
	)
	err := s.db.QueryRowContext(ctx, q, subject.ID, pipelineVersion, optionsHash).Scan(&runID, &runMeta)
	if err == nil {
		merged := map[string]any{}
		if len(runMeta) > 0 {
			_ = json.Unmarshal(runMeta, &merged)
		}
		for k, v := range meta {
			merged[k] = v
		}
		merged["cache_kind"] = "final_result"
		merged["final_artifact_key"] = artifactKey
		metaJSON, _ := json.Marshal(merged)
		upd := fmt.Sprintf(`UPDATE analysis_runs SET status='completed', ended_at=%s, freshness_until=%s, meta=%s WHERE id=%s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		if _, err := s.db.ExecContext(ctx, upd, now, expiresAt, metaJSON, runID); err != nil {
			return "", fmt.Errorf("cache: finalize refresh run on final result: %w", err)
		}
	} else if err != sql.ErrNoRows {
		return "", fmt.Errorf("cache: query running refresh: %w", err)
	}

	return artifactKey, nil
}

func (s *Store) upsertArtifact(ctx context.Context, artifactKey, kind string, payload map[string]any, ttl time.Duration, meta map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal payload: %w", err)
	}
	hash, err := contentHash(payload)
	if err != nil {
		return fmt.Errorf("cache: content hash: %w", err)
	}
	now := time.Now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		v := now.Add(ttl)
		expiresAt = &v
	}

	existing, err := s.loadArtifact(ctx, artifactKey)
	if err != nil {
		return err
	}
	mergedMeta := map[string]any{}
	if existing != nil {
		for k, v := range existing.Meta {
			mergedMeta[k] = v
		}
	}
	for k, v := range meta {
		mergedMeta[k] = v
	}
	mergedMeta["hit_count"] = toInt64(mergedMeta["hit_count"])
	mergedMeta["last_access_at"] = now.Format(time.RFC3339)
	mergedMeta["last_access_at_s"] = now.Unix()
	if _, ok := mergedMeta["payload_size_bytes"]; !ok {
		mergedMeta["payload_size_bytes"] = payloadSizeBytes(payload)
	}
	metaJSON, err := json.Marshal(mergedMeta)
	if err != nil {
		return fmt.Errorf("cache: marshal meta: %w", err)
	}

	if existing == nil {
		ins := fmt.Sprintf(`INSERT INTO analysis_artifact_cache (artifact_key, kind, payload, content_hash, created_at, expires_at, meta) VALUES (%s,%s,%s,%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
		if _, err := s.db.ExecContext(ctx, ins, artifactKey, kind, payloadJSON, hash, now, expiresAt, metaJSON); err != nil {
			return fmt.Errorf("cache: insert artifact: %w", err)
		}
	} else {
		upd := fmt.Sprintf(`UPDATE analysis_artifact_cache SET kind=%s, payload=%s, content_hash=%s, created_at=%s, expires_at=%s, meta=%s WHERE artifact_key=%s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
		if _, err := s.db.ExecContext(ctx, upd, kind, payloadJSON, hash, now, expiresAt, metaJSON, artifactKey); err != nil {
			return fmt.Errorf("cache: update artifact: %w", err)
		}
	}

	s.enqueueBackupOutbox(ctx, artifactKey, kind, hash)
	return nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// enqueueBackupOutbox is best-effort: a failed enqueue must never poison the
// caller's write path (spec §4.D "outbox replication").
func (s *Store) enqueueBackupOutbox(ctx context.Context, artifactKey, kind, hash string) {
	if artifactKey == "" || kind == "" || hash == "" {
		return
	}
	q := fmt.Sprintf(`INSERT INTO analysis_backup_outbox (artifact_key, kind, content_hash, status, retry_count) VALUES (%s,%s,%s,'pending',0)`,
		s.ph(1), s.ph(2), s.ph(3))
	if s.isPostgres() {
		q += " ON CONFLICT (artifact_key, content_hash) DO NOTHING"
	} else {
		q = strings.Replace(q, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}
	if _, err := s.db.ExecContext(ctx, q, artifactKey, kind, hash); err != nil {
		return
	}
	obs.OutboxPending.Inc()
}

func (s *Store) l1Set(key, kind string, payload map[string]any, createdAt time.Time, expiresAt *time.Time) {
	if s.l1 == nil {
		return
	}
	s.l1.setJSON(key, l1Entry{Kind: kind, Payload: payload, CreatedAt: createdAt, ExpiresAt: expiresAt}, expiresAt)
}
