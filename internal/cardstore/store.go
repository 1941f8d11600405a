// Copyright 2025 James Ross

// Package cardstore implements the durable job/card store (spec §4.C):
// atomic bundle creation, idempotency-key enforcement, claim/lease/retry
// bookkeeping for the scheduler, dependency release, skip cascades, and
// idempotent job finalization.
package cardstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cardforge/runtime/internal/envelope"
)

// Store is the SQL-backed job/card store. It is safe for concurrent use by
// multiple goroutines and multiple scheduler processes sharing one database
// (spec §5 "correctness relies on DB row locking").
type Store struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite3"; governs placeholder style and the SKIP LOCKED fast path.
}

// New wraps an already-opened *sql.DB. dialect must be "postgres" or
// "sqlite3" (the latter used by tests and single-node/offline deployments).
func New(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: strings.ToLower(strings.TrimSpace(dialect))}
}

func (s *Store) isPostgres() bool { return s.dialect == "postgres" }

// placeholder returns the i'th (1-indexed) bind placeholder for the store's
// dialect: "$1" for postgres, "?" for sqlite3.
func (s *Store) ph(i int) string {
	if s.isPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// encodeDeps preserves the null/[] distinction: a nil DependsOn (not
// declared) must round-trip as JSON null so decodeDeps/EffectiveDeps can
// apply the legacy implicit-dependency rule (spec §3), whereas an
// explicitly empty slice means "no dependencies" and must stay "[]".
func encodeDeps(deps []string) []byte {
	b, err := json.Marshal(deps)
	if err != nil {
		return []byte("null")
	}
	return b
}

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// CreateJobBundle atomically creates a job, its cards, the initial
// job.started event marker (last_seq=1), and an optional idempotency
// mapping (spec §4.C "Bundle creation").
//
// If idempotencyKey is set and a mapping already exists for
// (user_id, idempotency_key): same request_hash returns the existing
// job_id with created=false; a different request_hash returns
// ErrIdempotencyConflict.
func (s *Store) CreateJobBundle(ctx context.Context, in BundleInput) (jobID string, created bool, err error) {
	if in.IdempotencyKey != "" && in.RequestHash == "" {
		return "", false, ErrMissingRequestHash
	}
	jobID = strings.TrimSpace(in.JobID)
	if jobID == "" {
		jobID = newID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if in.IdempotencyKey != "" {
		existingJobID, existingHash, found, ierr := s.lookupIdempotency(ctx, tx, in.UserID, in.IdempotencyKey)
		if ierr != nil {
			return "", false, ierr
		}
		if found {
			if existingHash != in.RequestHash {
				return "", false, ErrIdempotencyConflict
			}
			return existingJobID, false, tx.Commit()
		}
	}

	now := time.Now().UTC()
	insertJob := fmt.Sprintf(
		`INSERT INTO jobs (id, user_id, source, status, last_seq, input, options, subject_key, created_at, updated_at)
		 VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	var subjectKey sql.NullString
	if in.SubjectKey != "" {
		subjectKey = sql.NullString{String: in.SubjectKey, Valid: true}
	}
	if _, err = tx.ExecContext(ctx, insertJob, jobID, in.UserID, in.Source, string(JobQueued), 1,
		marshalJSON(in.Input), marshalJSON(in.Options), subjectKey, now, now); err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}

	for _, card := range in.Plan {
		status := strings.TrimSpace(card.Status)
		if status == "" {
			status = string(CardPending)
		}
		var deadline sql.NullInt64
		if card.DeadlineMs != nil {
			deadline = sql.NullInt64{Int64: *card.DeadlineMs, Valid: true}
		}
		var group sql.NullString
		if g := strings.TrimSpace(card.ConcurrencyGroup); g != "" {
			group = sql.NullString{String: g, Valid: true}
		}
		depsJSON := encodeDeps(card.DependsOn)
		outputJSON := marshalJSON(envelope.Envelope{Data: nil, Stream: map[string]envelope.StreamField{}})
		insertCard := fmt.Sprintf(
			`INSERT INTO job_cards (job_id, card_type, status, priority, deadline_ms, concurrency_group, input, deps, output, retry_count, created_at, updated_at)
			 VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))
		if _, err = tx.ExecContext(ctx, insertCard, jobID, card.CardType, status, card.Priority, deadline, group,
			marshalJSON(card.Input), depsJSON, outputJSON, 0, now, now); err != nil {
			return "", false, fmt.Errorf("insert card %s: %w", card.CardType, err)
		}
	}

	insertEvent := fmt.Sprintf(
		`INSERT INTO job_events (job_id, card_id, seq, event_type, payload, created_at) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	evPayload := marshalJSON(map[string]any{"job_id": jobID, "source": in.Source})
	if _, err = tx.ExecContext(ctx, insertEvent, jobID, nil, 1, "job.started", evPayload, now); err != nil {
		return "", false, fmt.Errorf("insert job.started event: %w", err)
	}

	if in.IdempotencyKey != "" {
		insertIdem := fmt.Sprintf(
			`INSERT INTO job_idempotency (user_id, idempotency_key, request_hash, job_id, created_at) VALUES (%s,%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
		if _, err = tx.ExecContext(ctx, insertIdem, in.UserID, in.IdempotencyKey, in.RequestHash, jobID, now); err != nil {
			// Likely a concurrent insert of the same idempotency key raced us;
			// re-read outside this (about to be rolled back) transaction.
			_ = tx.Rollback()
			existingJobID, existingHash, found, rerr := s.lookupIdempotencyNoTx(ctx, in.UserID, in.IdempotencyKey)
			if rerr != nil {
				return "", false, rerr
			}
			if found && existingHash == in.RequestHash {
				return existingJobID, false, nil
			}
			if found {
				return "", false, ErrIdempotencyConflict
			}
			return "", false, fmt.Errorf("insert idempotency mapping: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit job bundle: %w", err)
	}
	return jobID, true, nil
}

func (s *Store) lookupIdempotency(ctx context.Context, tx *sql.Tx, userID, key string) (jobID, requestHash string, found bool, err error) {
	q := fmt.Sprintf(`SELECT job_id, request_hash FROM job_idempotency WHERE user_id=%s AND idempotency_key=%s`, s.ph(1), s.ph(2))
	row := tx.QueryRowContext(ctx, q, userID, key)
	err = row.Scan(&jobID, &requestHash)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	return jobID, requestHash, true, nil
}

func (s *Store) lookupIdempotencyNoTx(ctx context.Context, userID, key string) (jobID, requestHash string, found bool, err error) {
	q := fmt.Sprintf(`SELECT job_id, request_hash FROM job_idempotency WHERE user_id=%s AND idempotency_key=%s`, s.ph(1), s.ph(2))
	row := s.db.QueryRowContext(ctx, q, userID, key)
	err = row.Scan(&jobID, &requestHash)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	return jobID, requestHash, true, nil
}

// TryFinalizeJob idempotently sets a terminal job status (spec §4.C
// "Idempotent finalize"). Returns true only for the caller that performs
// the transition into terminal state; all subsequent callers get false.
func (s *Store) TryFinalizeJob(ctx context.Context, jobID string, status JobStatus, result any) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("cardstore: TryFinalizeJob requires a terminal status, got %q", status)
	}
	terminal := []string{string(JobCompleted), string(JobPartial), string(JobFailed), string(JobCancelled)}
	var q string
	var args []any
	if s.isPostgres() {
		q = `UPDATE jobs SET status=$1, result=$2, updated_at=now() WHERE id=$3 AND status NOT IN ($4,$5,$6,$7)`
		args = []any{string(status), nullableJSON(result), jobID, terminal[0], terminal[1], terminal[2], terminal[3]}
	} else {
		q = `UPDATE jobs SET status=?, result=?, updated_at=? WHERE id=? AND status NOT IN (?,?,?,?)`
		args = []any{string(status), nullableJSON(result), time.Now().UTC(), jobID, terminal[0], terminal[1], terminal[2], terminal[3]}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("try finalize job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try finalize job rows affected: %w", err)
	}
	return n > 0, nil
}

func nullableJSON(v any) []byte {
	if v == nil {
		return nil
	}
	return marshalJSON(v)
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	q := fmt.Sprintf(`SELECT id, user_id, source, status, last_seq, input, options, result, subject_key, created_at, updated_at
		FROM jobs WHERE id=%s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, jobID)
	j := &Job{}
	var status string
	var result sql.NullString
	if err := row.Scan(&j.ID, &j.UserID, &j.Source, &status, &j.LastSeq, &j.Input, &j.Options, &result, &j.SubjectKey, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Status = JobStatus(status)
	if result.Valid {
		j.Result = []byte(result.String)
	}
	return j, nil
}

// GetJobWithCards fetches a job and all of its cards ordered by id.
func (s *Store) GetJobWithCards(ctx context.Context, jobID string) (*Job, []*Card, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	cards, err := s.ListCardsForJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, cards, nil
}

// GetCardOutputs returns the normalized envelope for each requested card id,
// amortizing round trips for bulk snapshot reads (spec §4.B "bulk variant").
func (s *Store) GetCardOutputs(ctx context.Context, cardIDs []int64) (map[int64]envelope.Envelope, error) {
	out := map[int64]envelope.Envelope{}
	if len(cardIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(cardIDs))
	args := make([]any, len(cardIDs))
	for i, id := range cardIDs {
		placeholders[i] = s.ph(i + 1)
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT id, output FROM job_cards WHERE id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get card outputs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan card output: %w", err)
		}
		out[id] = decodeEnvelope(raw)
	}
	return out, rows.Err()
}

func decodeEnvelope(raw []byte) envelope.Envelope {
	if len(raw) == 0 {
		return envelope.Ensure(nil)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return envelope.Ensure(nil)
	}
	return envelope.Ensure(v)
}

// UpdateCardStatus updates a card's status and (optionally) its output
// (spec §4.C "Status update"). When PreserveExistingStream is true the
// incoming envelope's data replaces the existing data, but the existing
// stream map is preserved and merged with any incoming stream fields —
// the fast path (false) writes the envelope directly without reading the
// existing row first.
func (s *Store) UpdateCardStatus(ctx context.Context, in UpdateCardStatusInput) (*envelope.Envelope, error) {
	if in.Output != nil && in.PreserveExistingStream {
		return s.updateCardStatusMerging(ctx, in)
	}
	return s.updateCardStatusFast(ctx, in)
}

func (s *Store) updateCardStatusMerging(ctx context.Context, in UpdateCardStatusInput) (*envelope.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockClause := ""
	if s.isPostgres() {
		lockClause = " FOR UPDATE"
	}
	q := fmt.Sprintf(`SELECT output FROM job_cards WHERE id=%s%s`, s.ph(1), lockClause)
	var raw []byte
	if err := tx.QueryRowContext(ctx, q, in.CardID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select card output for update: %w", err)
	}

	existing := decodeEnvelope(raw)
	incoming := envelope.Ensure(in.Output)

	mergedStream := map[string]envelope.StreamField{}
	for k, v := range existing.Stream {
		mergedStream[k] = v
	}
	for k, v := range incoming.Stream {
		mergedStream[k] = v
	}
	merged := envelope.Envelope{Data: incoming.Data, Stream: mergedStream}

	setParts := []string{fmt.Sprintf("status=%s", s.ph(2)), fmt.Sprintf("output=%s", s.ph(3))}
	args := []any{in.CardID, string(in.Status), marshalJSON(merged)}
	n := 4
	if in.RetryCount != nil {
		setParts = append(setParts, fmt.Sprintf("retry_count=%s", s.ph(n)))
		args = append(args, *in.RetryCount)
		n++
	}
	if in.StartedAt != nil {
		setParts = append(setParts, fmt.Sprintf("started_at=%s", s.ph(n)))
		args = append(args, *in.StartedAt)
		n++
	}
	if in.EndedAt != nil {
		setParts = append(setParts, fmt.Sprintf("ended_at=%s", s.ph(n)))
		args = append(args, *in.EndedAt)
		n++
	}
	if s.isPostgres() {
		setParts = append(setParts, "updated_at=now()")
	} else {
		setParts = append(setParts, "updated_at=?")
		args = append(args, time.Now().UTC())
	}

	upd := fmt.Sprintf(`UPDATE job_cards SET %s WHERE id=%s`, strings.Join(setParts, ", "), s.ph(1))
	if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
		return nil, fmt.Errorf("update card status (merging): %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update card status: %w", err)
	}
	return &merged, nil
}

func (s *Store) updateCardStatusFast(ctx context.Context, in UpdateCardStatusInput) (*envelope.Envelope, error) {
	setParts := []string{fmt.Sprintf("status=%s", s.ph(2))}
	args := []any{in.CardID, string(in.Status)}
	n := 3
	var envPtr *envelope.Envelope
	if in.Output != nil {
		env := envelope.Ensure(in.Output)
		envPtr = &env
		setParts = append(setParts, fmt.Sprintf("output=%s", s.ph(n)))
		args = append(args, marshalJSON(env))
		n++
	}
	if in.RetryCount != nil {
		setParts = append(setParts, fmt.Sprintf("retry_count=%s", s.ph(n)))
		args = append(args, *in.RetryCount)
		n++
	}
	if in.StartedAt != nil {
		setParts = append(setParts, fmt.Sprintf("started_at=%s", s.ph(n)))
		args = append(args, *in.StartedAt)
		n++
	}
	if in.EndedAt != nil {
		setParts = append(setParts, fmt.Sprintf("ended_at=%s", s.ph(n)))
		args = append(args, *in.EndedAt)
		n++
	}
	if s.isPostgres() {
		setParts = append(setParts, "updated_at=now()")
	} else {
		setParts = append(setParts, fmt.Sprintf("updated_at=%s", s.ph(n)))
		args = append(args, time.Now().UTC())
		n++
	}
	q := fmt.Sprintf(`UPDATE job_cards SET %s WHERE id=%s`, strings.Join(setParts, ", "), s.ph(1))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update card status: %w", err)
	}
	return envPtr, nil
}

// MutateCardOutput reads a card's existing output envelope under a row lock
// (postgres `FOR UPDATE`, or an equivalent transaction on other dialects),
// applies fn, and writes the result back in the same transaction. The event
// store uses this to apply card.delta/card.append mutations atomically
// (spec §4.B) without clobbering concurrent writers.
func (s *Store) MutateCardOutput(ctx context.Context, cardID int64, fn func(envelope.Envelope) envelope.Envelope) (*envelope.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockClause := ""
	if s.isPostgres() {
		lockClause = " FOR UPDATE"
	}
	q := fmt.Sprintf(`SELECT output FROM job_cards WHERE id=%s%s`, s.ph(1), lockClause)
	var raw []byte
	if err := tx.QueryRowContext(ctx, q, cardID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("select card output for mutate: %w", err)
	}

	existing := decodeEnvelope(raw)
	updated := fn(existing)

	var upd string
	var args []any
	if s.isPostgres() {
		upd = `UPDATE job_cards SET output=$1, updated_at=now() WHERE id=$2`
		args = []any{marshalJSON(updated), cardID}
	} else {
		upd = `UPDATE job_cards SET output=?, updated_at=? WHERE id=?`
		args = []any{marshalJSON(updated), time.Now().UTC(), cardID}
	}
	if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
		return nil, fmt.Errorf("update card output (mutate): %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mutate card output: %w", err)
	}
	return &updated, nil
}

// ClaimReadyCards atomically transitions up to limit ready cards to running
// and returns them (spec §4.C "Ready claim"). On postgres this uses a
// single UPDATE ... FOR UPDATE SKIP LOCKED ... RETURNING statement; other
// dialects fall back to a row-locked select-then-update (best-effort
// exclusivity only, adequate for the single-process sqlite test/dev path).
func (s *Store) ClaimReadyCards(ctx context.Context, limit int) ([]*Card, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	if s.isPostgres() {
		q := `UPDATE job_cards
			SET status='running', started_at=$1, ended_at=NULL, updated_at=$1
			WHERE id IN (
				SELECT id FROM job_cards
				WHERE status='ready'
				ORDER BY priority DESC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING id, job_id, card_type, priority, status, deadline_ms, concurrency_group, input, deps, output, retry_count, started_at, ended_at, created_at, updated_at`
		rows, err := s.db.QueryContext(ctx, q, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim ready cards: %w", err)
		}
		defer rows.Close()
		return scanCards(rows)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT id, job_id, card_type, priority, status, deadline_ms, concurrency_group, input, deps, output, retry_count, started_at, ended_at, created_at, updated_at
		FROM job_cards WHERE status='ready' ORDER BY priority DESC, id ASC LIMIT ?`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select ready cards: %w", err)
	}
	cards, err := scanCards(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_cards SET status='running', started_at=?, ended_at=NULL, updated_at=? WHERE id=?`,
			now, now, c.ID); err != nil {
			return nil, fmt.Errorf("claim card %d: %w", c.ID, err)
		}
		c.Status = CardRunning
		c.StartedAt = sql.NullTime{Time: now, Valid: true}
		c.EndedAt = sql.NullTime{}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim ready cards: %w", err)
	}
	return cards, nil
}

func scanCards(rows *sql.Rows) ([]*Card, error) {
	var out []*Card
	for rows.Next() {
		c := &Card{}
		var status string
		var depsRaw []byte
		if err := rows.Scan(&c.ID, &c.JobID, &c.CardType, &c.Priority, &status, &c.DeadlineMs, &c.ConcurrencyGroup,
			&c.Input, &depsRaw, &c.Output, &c.RetryCount, &c.StartedAt, &c.EndedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		c.Status = CardStatus(status)
		c.Deps = decodeDeps(depsRaw)
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeDeps(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var deps []string
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil
	}
	return deps
}

// ConfirmCardClaim re-checks the lease token (card_id, started_at) before
// execution begins (spec §4.C "Lease guard"). Returns false if another
// worker has since overwritten the lease or the card has already finished.
func (s *Store) ConfirmCardClaim(ctx context.Context, cardID int64, startedAt time.Time) (bool, error) {
	if cardID == 0 || startedAt.IsZero() {
		return false, nil
	}
	var q string
	var args []any
	if s.isPostgres() {
		q = `UPDATE job_cards SET updated_at=now() WHERE id=$1 AND status='running' AND started_at=$2 AND ended_at IS NULL`
		args = []any{cardID, startedAt}
	} else {
		q = `UPDATE job_cards SET updated_at=? WHERE id=? AND status='running' AND started_at=? AND ended_at IS NULL`
		args = []any{time.Now().UTC(), cardID, startedAt}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("confirm card claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm card claim rows affected: %w", err)
	}
	return n > 0, nil
}

// ListCardsForJob returns all cards of a job ordered by id.
func (s *Store) ListCardsForJob(ctx context.Context, jobID string) ([]*Card, error) {
	q := fmt.Sprintf(`SELECT id, job_id, card_type, priority, status, deadline_ms, concurrency_group, input, deps, output, retry_count, started_at, ended_at, created_at, updated_at
		FROM job_cards WHERE job_id=%s ORDER BY id ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list cards for job: %w", err)
	}
	defer rows.Close()
	return scanCards(rows)
}

// ReleaseReadyCards scans a job's cards and transitions pending -> ready
// for every card whose effective deps are all completed (spec §4.C
// "Dependency release").
func (s *Store) ReleaseReadyCards(ctx context.Context, jobID string) (int, error) {
	cards, err := s.ListCardsForJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(cards) == 0 {
		return 0, nil
	}

	statusByType := map[string]CardStatus{}
	for _, c := range cards {
		statusByType[c.CardType] = c.Status
	}

	var readyIDs []int64
	for _, c := range cards {
		if c.Status != CardPending {
			continue
		}
		deps := c.EffectiveDeps()
		allDone := true
		for _, dep := range deps {
			if statusByType[dep] != CardCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			readyIDs = append(readyIDs, c.ID)
		}
	}
	if len(readyIDs) == 0 {
		return 0, nil
	}
	return s.transitionCards(ctx, jobID, readyIDs, CardPending, CardReady)
}

// MarkDependentCardsSkipped performs a BFS over the dep graph from
// failedCardType and skips every transitively-dependent card currently in
// {pending, ready} (spec §4.C "Skip cascade").
func (s *Store) MarkDependentCardsSkipped(ctx context.Context, jobID, failedCardType string) (int, error) {
	root := strings.TrimSpace(failedCardType)
	if root == "" {
		return 0, nil
	}
	cards, err := s.ListCardsForJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(cards) == 0 {
		return 0, nil
	}

	dependents := map[string][]string{}
	for _, c := range cards {
		for _, dep := range c.EffectiveDeps() {
			dependents[dep] = append(dependents[dep], c.CardType)
		}
	}

	visited := map[string]bool{}
	impacted := map[string]bool{}
	stack := []string{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, next := range dependents[cur] {
			if !visited[next] {
				impacted[next] = true
				stack = append(stack, next)
			}
		}
	}
	if len(impacted) == 0 {
		return 0, nil
	}

	var ids []int64
	for _, c := range cards {
		if impacted[c.CardType] && (c.Status == CardPending || c.Status == CardReady) {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.transitionCardsAny(ctx, jobID, ids, CardSkipped)
}

// MarkPendingCardsSkipped force-skips every non-terminal card of a job
// (used when a job is abandoned outright).
func (s *Store) MarkPendingCardsSkipped(ctx context.Context, jobID string) error {
	var q string
	var args []any
	if s.isPostgres() {
		q = `UPDATE job_cards SET status='skipped', updated_at=now() WHERE job_id=$1 AND status IN ('pending','ready','running')`
		args = []any{jobID}
	} else {
		q = `UPDATE job_cards SET status='skipped', updated_at=? WHERE job_id=? AND status IN ('pending','ready','running')`
		args = []any{time.Now().UTC(), jobID}
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("mark pending cards skipped: %w", err)
	}
	return nil
}

func (s *Store) transitionCards(ctx context.Context, jobID string, ids []int64, from, to CardStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := []any{}
	offset := 1
	if s.isPostgres() {
		args = append(args, string(to), jobID, string(from))
		offset = 4
	} else {
		args = append(args, string(to), time.Now().UTC(), jobID, string(from))
		offset = 5
	}
	for i, id := range ids {
		placeholders[i] = s.ph(offset + i)
		args = append(args, id)
	}
	var q string
	if s.isPostgres() {
		q = fmt.Sprintf(`UPDATE job_cards SET status=$1, updated_at=now() WHERE job_id=$2 AND status=$3 AND id IN (%s)`, strings.Join(placeholders, ","))
	} else {
		q = fmt.Sprintf(`UPDATE job_cards SET status=?, updated_at=? WHERE job_id=? AND status=? AND id IN (%s)`, strings.Join(placeholders, ","))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("transition cards: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition cards rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) transitionCardsAny(ctx context.Context, jobID string, ids []int64, to CardStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := []any{}
	offset := 1
	if s.isPostgres() {
		args = append(args, string(to), jobID)
		offset = 3
	} else {
		args = append(args, string(to), time.Now().UTC(), jobID)
		offset = 4
	}
	for i, id := range ids {
		placeholders[i] = s.ph(offset + i)
		args = append(args, id)
	}
	var q string
	if s.isPostgres() {
		q = fmt.Sprintf(`UPDATE job_cards SET status=$1, updated_at=now() WHERE job_id=$2 AND id IN (%s)`, strings.Join(placeholders, ","))
	} else {
		q = fmt.Sprintf(`UPDATE job_cards SET status=?, updated_at=? WHERE job_id=? AND id IN (%s)`, strings.Join(placeholders, ","))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("transition cards any: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition cards any rows affected: %w", err)
	}
	return int(n), nil
}

// CountCardsByStatus groups a job's cards by status, used by the scheduler
// to decide the job's terminal outcome (spec §4.F "Finalization").
func (s *Store) CountCardsByStatus(ctx context.Context, jobID string) (map[CardStatus]int, error) {
	q := fmt.Sprintf(`SELECT status, COUNT(*) FROM job_cards WHERE job_id=%s GROUP BY status`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("count cards by status: %w", err)
	}
	defer rows.Close()
	out := map[CardStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[CardStatus(status)] = count
	}
	return out, rows.Err()
}

// AllocateSeq allocates the next event sequence number for a job, preferring
// an atomic UPDATE ... RETURNING on postgres and falling back to a
// row-locked read-modify-write otherwise (spec §4.B "Sequence allocation").
// obs.StartAppendEventSpan is expected to wrap the caller's use of this
// along with the event insert.
func (s *Store) AllocateSeq(ctx context.Context, jobID string) (int64, error) {
	if s.isPostgres() {
		var seq int64
		err := s.db.QueryRowContext(ctx, `UPDATE jobs SET last_seq = last_seq + 1, updated_at=now() WHERE id=$1 RETURNING last_seq`, jobID).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("allocate seq: %w", err)
		}
		return seq, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM jobs WHERE id=?`, jobID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("select last_seq: %w", err)
	}
	seq++
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET last_seq=?, updated_at=? WHERE id=?`, seq, time.Now().UTC(), jobID); err != nil {
		return 0, fmt.Errorf("update last_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit allocate seq: %w", err)
	}
	return seq, nil
}

// SetJobRunningOnce transitions a queued job to running. Safe to call
// repeatedly; only the first caller performs a write (spec §4.F "Transition
// job to running once per worker process").
func (s *Store) SetJobRunningOnce(ctx context.Context, jobID string) error {
	var q string
	var args []any
	if s.isPostgres() {
		q = `UPDATE jobs SET status='running', updated_at=now() WHERE id=$1 AND status='queued'`
		args = []any{jobID}
	} else {
		q = `UPDATE jobs SET status='running', updated_at=? WHERE id=? AND status='queued'`
		args = []any{time.Now().UTC(), jobID}
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("set job running: %w", err)
	}
	return nil
}
