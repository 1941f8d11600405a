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
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BackupReplicator drains `analysis_backup_outbox` and upserts rows into a
// remote backup database (spec §4.D "outbox replication"). It is an outbox
// pattern: writers enqueue (artifact_key, content_hash), and this worker
// replicates best-effort so the online request path never waits on the
// backup DB (spec §4.D, grounded on the source's BackupReplicator).
//
// Unlike the source, this system has no separate backup-DB read-through on
// the hot path — see DESIGN.md's "single-DB simplification" decision — so
// BackupReplicator only drains the outbox; it never serves reads.
type BackupReplicator struct {
	localDB  *sql.DB
	localDia string
	backupDB *sql.DB // opened from config.Replicator.DSN (postgres or sqlite by DSN scheme); queried with $N placeholders, which both drivers accept
	cfg      config.Replicator
	cacheCfg config.Cache
	cron     *cron.Cron
	log      *zap.Logger
}

// NewBackupReplicator builds a replicator. backupDB may be nil, in which
// case Enabled() is false and Start is a no-op (single-DB deployments).
func NewBackupReplicator(localDB *sql.DB, localDialect string, backupDB *sql.DB, cfg config.Replicator, cacheCfg config.Cache, log *zap.Logger) *BackupReplicator {
	if log == nil {
		log = zap.NewNop()
	}
	return &BackupReplicator{
		localDB:  localDB,
		localDia: strings.ToLower(strings.TrimSpace(localDialect)),
		backupDB: backupDB,
		cfg:      cfg,
		cacheCfg: cacheCfg,
		log:      log,
	}
}

// Enabled reports whether a backup DB is configured and replication is
// turned on (spec §4.D "backup_db_enabled").
func (r *BackupReplicator) Enabled() bool {
	return r.backupDB != nil && r.cfg.Enabled
}

func (r *BackupReplicator) isPostgres() bool { return r.localDia == "postgres" }

func (r *BackupReplicator) ph(i int) string {
	if r.isPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Start schedules periodic drains via robfig/cron on cfg.PollInterval (spec
// §4.D "replicator ticks"). A no-op when Enabled() is false.
func (r *BackupReplicator) Start(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	r.cron = cron.New()
	r.cron.Schedule(cron.ConstantDelaySchedule{Delay: interval}, cron.FuncJob(func() {
		processed, err := r.DrainOnce(ctx)
		if err != nil {
			r.log.Warn("backup replicator drain failed", zap.Error(err))
			return
		}
		if processed > 0 {
			r.log.Debug("backup replicator drained batch", zap.Int("processed", processed))
		}
	}))
	r.cron.Start()
}

// Stop halts the schedule; an in-flight drain runs to completion.
func (r *BackupReplicator) Stop() {
	if r.cron != nil {
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}
}

type outboxItem struct {
	ID          int64
	ArtifactKey string
	Kind        string
	ContentHash string
	RetryCount  int
}

func (r *BackupReplicator) batchSize() int {
	if r.cfg.BatchSize > 0 {
		return r.cfg.BatchSize
	}
	return 50
}

func (r *BackupReplicator) lockTTL() time.Duration {
	if r.cfg.LockTTL > 0 {
		return r.cfg.LockTTL
	}
	return 120 * time.Second
}

// claimBatch atomically locks a batch of pending (or lock-expired
// processing) outbox rows with a fresh lock token (spec §4.D "_claim_batch").
func (r *BackupReplicator) claimBatch(ctx context.Context) ([]outboxItem, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	lockExpiredBefore := now.Add(-r.lockTTL())
	limit := r.batchSize()

	// Build the combined UPDATE+subquery with sequential placeholders: for
	// postgres each %s below must be a distinct $N in the order the values
	// are bound, since lib/pq does not let two different logical values
	// share one placeholder.
	updateQ := fmt.Sprintf(`UPDATE analysis_backup_outbox SET status='processing', lock_token=%s, locked_at=%s
		WHERE id IN (
			SELECT id FROM analysis_backup_outbox
			WHERE (status='pending' OR (status='processing' AND locked_at IS NOT NULL AND locked_at <= %s))
			AND (next_retry_at IS NULL OR next_retry_at <= %s)
			ORDER BY id ASC LIMIT %s
		)`, r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5))
	if _, err := r.localDB.ExecContext(ctx, updateQ, token, now, lockExpiredBefore, now, limit); err != nil {
		return nil, fmt.Errorf("cache: claim outbox batch: %w", err)
	}

	q := fmt.Sprintf(`SELECT id, artifact_key, kind, content_hash, retry_count FROM analysis_backup_outbox
		WHERE status='processing' AND lock_token=%s ORDER BY id ASC`, r.ph(1))
	rows, err := r.localDB.QueryContext(ctx, q, token)
	if err != nil {
		return nil, fmt.Errorf("cache: load claimed outbox batch: %w", err)
	}
	defer rows.Close()

	var out []outboxItem
	for rows.Next() {
		var item outboxItem
		if err := rows.Scan(&item.ID, &item.ArtifactKey, &item.Kind, &item.ContentHash, &item.RetryCount); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *BackupReplicator) loadLocalArtifact(ctx context.Context, artifactKey string) (*artifactRow, error) {
	q := fmt.Sprintf(`SELECT artifact_key, kind, payload, content_hash, created_at, expires_at, meta FROM analysis_artifact_cache WHERE artifact_key=%s`, r.ph(1))
	var (
		payloadRaw []byte
		metaRaw    []byte
		expiresAt  sql.NullTime
	)
	row := artifactRow{}
	if err := r.localDB.QueryRowContext(ctx, q, artifactKey).Scan(&row.ArtifactKey, &row.Kind, &payloadRaw, &row.ContentHash, &row.CreatedAt, &expiresAt, &metaRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: load local artifact for replication: %w", err)
	}
	row.ExpiresAt = nullTimeOrNil(expiresAt)
	row.Payload = map[string]any{}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &row.Payload); err != nil || len(row.Payload) == 0 {
			return nil, nil
		}
	} else {
		return nil, nil
	}
	return &row, nil
}

// backupExpiresAt boosts the local TTL by BackupTTLMultiplier, capped at
// BackupMaxTTL, so the remote backup keeps artifacts longer than the local
// cache (spec §4.D "_compute_backup_expires_at").
func (r *BackupReplicator) backupExpiresAt(createdAt time.Time, expiresAt *time.Time) *time.Time {
	if expiresAt == nil {
		return nil
	}
	ttl := expiresAt.Sub(createdAt)
	if ttl <= 0 {
		v := *expiresAt
		return &v
	}
	mult := r.cacheCfg.BackupTTLMultiplier
	if mult <= 0 {
		mult = 4
	}
	boosted := time.Duration(float64(ttl) * mult)
	if r.cacheCfg.BackupMaxTTL > 0 && boosted > r.cacheCfg.BackupMaxTTL {
		boosted = r.cacheCfg.BackupMaxTTL
	}
	v := createdAt.Add(boosted)
	return &v
}

func (r *BackupReplicator) upsertBackupArtifact(ctx context.Context, art artifactRow) error {
	if len(art.Payload) == 0 {
		return fmt.Errorf("cache: invalid payload for backup")
	}
	if r.cfg.MaxPayloadBytes > 0 && payloadSizeBytes(art.Payload) > r.cfg.MaxPayloadBytes {
		return fmt.Errorf("cache: payload too large for backup (>%d bytes)", r.cfg.MaxPayloadBytes)
	}

	backupExpiresAt := r.backupExpiresAt(art.CreatedAt, art.ExpiresAt)
	meta := map[string]any{}
	for k, v := range art.Meta {
		meta[k] = v
	}
	backupMeta, _ := meta["_backup"].(map[string]any)
	if backupMeta == nil {
		backupMeta = map[string]any{}
	}
	backupMeta["replicated_at"] = time.Now().UTC().Format(time.RFC3339)
	meta["_backup"] = backupMeta

	var existingHash string
	err := r.backupDB.QueryRowContext(ctx, `SELECT content_hash FROM analysis_artifact_cache WHERE artifact_key=$1`, art.ArtifactKey).Scan(&existingHash)
	payloadJSON, _ := json.Marshal(art.Payload)
	metaJSON, _ := json.Marshal(meta)
	switch {
	case err == sql.ErrNoRows:
		_, err := r.backupDB.ExecContext(ctx, `INSERT INTO analysis_artifact_cache (artifact_key, kind, payload, content_hash, created_at, expires_at, meta)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`, art.ArtifactKey, art.Kind, payloadJSON, art.ContentHash, art.CreatedAt, backupExpiresAt, metaJSON)
		return err
	case err != nil:
		return fmt.Errorf("cache: query backup artifact: %w", err)
	default:
		if existingHash != "" && existingHash == art.ContentHash {
			return nil // no meaningful change; save bandwidth/IO.
		}
		_, err := r.backupDB.ExecContext(ctx, `UPDATE analysis_artifact_cache SET kind=$1, payload=$2, content_hash=$3, created_at=$4, expires_at=$5, meta=$6 WHERE artifact_key=$7`,
			art.Kind, payloadJSON, art.ContentHash, art.CreatedAt, backupExpiresAt, metaJSON, art.ArtifactKey)
		return err
	}
}

func (r *BackupReplicator) markDone(ctx context.Context, id int64) {
	q := fmt.Sprintf(`DELETE FROM analysis_backup_outbox WHERE id=%s`, r.ph(1))
	_, _ = r.localDB.ExecContext(ctx, q, id)
	obs.OutboxProcessed.Inc()
	obs.OutboxPending.Dec()
}

// markRetry resets the row to pending with an exponential backoff
// (spec §4.D "_mark_retry": 2^n seconds, capped at 1h).
func (r *BackupReplicator) markRetry(ctx context.Context, id int64, retryCount int, errMsg string) {
	base := 1 << minInt(retryCount, 12)
	delay := time.Duration(minInt(base, 3600)) * time.Second
	nextRetryAt := time.Now().UTC().Add(delay)

	q := fmt.Sprintf(`UPDATE analysis_backup_outbox SET status='pending', retry_count=%s, next_retry_at=%s, last_error=%s, lock_token=NULL, locked_at=NULL WHERE id=%s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4))
	_, _ = r.localDB.ExecContext(ctx, q, retryCount, nextRetryAt, truncate(errMsg, 800), id)
	obs.OutboxFailed.Inc()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DrainOnce claims and replicates one batch of outbox rows, returning the
// count successfully processed (done or legitimately skipped because the
// local artifact is already gone).
func (r *BackupReplicator) DrainOnce(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	items, err := r.claimBatch(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	processed := 0
	for _, item := range items {
		local, err := r.loadLocalArtifact(ctx, item.ArtifactKey)
		if err != nil || local == nil {
			r.markDone(ctx, item.ID)
			processed++
			continue
		}
		if err := r.upsertBackupArtifact(ctx, *local); err != nil {
			r.markRetry(ctx, item.ID, item.RetryCount+1, err.Error())
			continue
		}
		r.markDone(ctx, item.ID)
		processed++
	}
	return processed, nil
}
