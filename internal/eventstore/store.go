// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/envelope"
	"github.com/cardforge/runtime/internal/obs"
	"github.com/redis/go-redis/v9"
)

// Store is the dual-mode event log (spec §4.B). When redis is non-nil,
// appends go to the realtime tier (Redis streams) with best-effort durable
// dual-write of terminal events; otherwise every append goes straight to
// the durable tier (Postgres/sqlite job_events table).
type Store struct {
	db      *sql.DB
	dialect string
	redis   *redis.Client
	cards   *cardstore.Store
	cfg     *config.Config

	// seqLocks is the per-job in-process mutex guarding durable-mode seq
	// allocation, mirroring job_store.py's `_seq_locks` (SPEC_FULL.md
	// "Supplemented features"). Cross-process ordering is still enforced by
	// the DB row lock/RETURNING in cardstore.Store.AllocateSeq; this only
	// avoids redundant local contention on the same job within one process.
	seqLocks sync.Map
}

// New builds an event store. rdb may be nil to force durable-only mode
// regardless of cfg.Redis.Enabled (used by tests and offline deployments).
func New(db *sql.DB, dialect string, rdb *redis.Client, cards *cardstore.Store, cfg *config.Config) *Store {
	return &Store{
		db:      db,
		dialect: strings.ToLower(strings.TrimSpace(dialect)),
		redis:   rdb,
		cards:   cards,
		cfg:     cfg,
	}
}

func (s *Store) isPostgres() bool { return s.dialect == "postgres" }

func (s *Store) ph(i int) string {
	if s.isPostgres() {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// RedisEnabled reports whether the realtime tier is active.
func (s *Store) RedisEnabled() bool { return s.redis != nil }

func (s *Store) lockForJob(jobID string) *sync.Mutex {
	v, _ := s.seqLocks.LoadOrStore(jobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// AppendEvent appends one event to a job's log, allocating the next
// monotonic seq (spec §4.B "Dual-mode delivery"). card.delta and
// card.append payloads are additionally merged into job_cards.output (or
// its Redis-maintained equivalent) so snapshot reads show partial progress.
func (s *Store) AppendEvent(ctx context.Context, jobID string, cardID *int64, eventType string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ctx, span := obs.StartAppendEventSpan(ctx, jobID, eventType)
	defer span.End()

	var (
		ev  *Event
		err error
	)
	if s.redis != nil {
		ev, err = s.appendEventRealtime(ctx, jobID, cardID, eventType, payload)
	} else {
		ev, err = s.appendEventDurable(ctx, jobID, cardID, eventType, payload)
	}
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}
	obs.SetSpanSuccess(ctx)
	return ev, nil
}

func (s *Store) appendEventDurable(ctx context.Context, jobID string, cardID *int64, eventType string, payload map[string]any) (*Event, error) {
	lock := s.lockForJob(jobID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.cards.AllocateSeq(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("allocate seq: %w", err)
	}

	if cardID != nil {
		switch eventType {
		case EventCardDelta:
			if err := s.applyCardDeltaDurable(ctx, *cardID, payload); err != nil {
				return nil, err
			}
		case EventCardAppend:
			if err := s.applyCardAppendDurable(ctx, *cardID, payload); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO job_events (job_id, card_id, seq, event_type, payload, created_at) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	var cid any
	if cardID != nil {
		cid = *cardID
	}
	if _, err := s.db.ExecContext(ctx, q, jobID, cid, seq, eventType, encodePayload(payload), now); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &Event{JobID: jobID, CardID: cardID, Seq: seq, EventType: eventType, Payload: payload, CreatedAt: now}, nil
}

func (s *Store) applyCardDeltaDurable(ctx context.Context, cardID int64, payload map[string]any) error {
	delta := asString(payload["delta"], "")
	if delta == "" {
		return nil
	}
	field := asString(payload["field"], "content")
	section := asString(payload["section"], "main")
	format := asString(payload["format"], "markdown")
	_, err := s.cards.MutateCardOutput(ctx, cardID, func(env envelope.Envelope) envelope.Envelope {
		return envelope.ApplyDelta(env, field, section, format, delta)
	})
	if err == cardstore.ErrCardNotFound {
		return nil
	}
	return err
}

func (s *Store) applyCardAppendDurable(ctx context.Context, cardID int64, payload map[string]any) error {
	p := decodeAppendPayload(payload)
	if len(p.Items) == 0 {
		return nil
	}
	_, err := s.cards.MutateCardOutput(ctx, cardID, func(env envelope.Envelope) envelope.Envelope {
		return envelope.Envelope{Data: applyAppendToData(env.Data, p), Stream: env.Stream}
	})
	if err == cardstore.ErrCardNotFound {
		return nil
	}
	return err
}

func decodeAppendPayload(payload map[string]any) AppendPayload {
	p := AppendPayload{Path: asString(payload["path"], "items"), DedupKey: asString(payload["dedup_key"], "id")}
	if items, ok := payload["items"].([]any); ok {
		p.Items = items
	}
	if cursor, ok := payload["cursor"]; ok {
		p.Cursor = cursor
	}
	if partial, ok := payload["partial"].(bool); ok {
		p.Partial = &partial
	}
	return p
}

// FetchEvents returns events for jobID with seq > afterSeq, oldest first,
// capped at limit (a non-positive limit uses SSE.BatchSize); spec §4.B
// "batched (default 500)".
func (s *Store) FetchEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = s.cfg.SSE.BatchSize
	}
	if s.redis != nil {
		events, err := s.fetchEventsRealtime(ctx, jobID, afterSeq, limit)
		if err == nil {
			return events, nil
		}
	}
	return s.fetchEventsDurable(ctx, jobID, afterSeq, limit)
}

func (s *Store) fetchEventsDurable(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*Event, error) {
	q := fmt.Sprintf(`SELECT card_id, seq, event_type, payload, created_at FROM job_events
		WHERE job_id=%s AND seq>%s ORDER BY seq ASC LIMIT %s`, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var cardID sql.NullInt64
		var seq int64
		var eventType string
		var raw []byte
		var createdAt time.Time
		if err := rows.Scan(&cardID, &seq, &eventType, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := &Event{JobID: jobID, Seq: seq, EventType: eventType, Payload: decodePayload(raw), CreatedAt: createdAt}
		if cardID.Valid {
			id := cardID.Int64
			ev.CardID = &id
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetLastSeq returns the highest seq known for jobID, preferring the
// realtime counter and falling back to jobs.last_seq / max(job_events.seq).
func (s *Store) GetLastSeq(ctx context.Context, jobID string) (int64, error) {
	if s.redis != nil {
		if seq, ok, err := s.getLastSeqRealtime(ctx, jobID); err == nil && ok {
			return seq, nil
		}
	}
	job, err := s.cards.GetJob(ctx, jobID)
	if err == nil && job.LastSeq > 0 {
		return job.LastSeq, nil
	}
	var maxSeq sql.NullInt64
	q := fmt.Sprintf(`SELECT MAX(seq) FROM job_events WHERE job_id=%s`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, jobID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	if maxSeq.Valid {
		return maxSeq.Int64, nil
	}
	return 0, nil
}

// getTerminalSeqDurable returns the highest seq among the durable store's
// terminal events for jobID, or nil if none have been persisted yet (used
// by SSE's one-shot recovery fallback, spec §4.B).
func (s *Store) getTerminalSeqDurable(ctx context.Context, jobID string) (*int64, error) {
	placeholders := make([]string, len(terminalEventTypes))
	args := []any{jobID}
	for i, t := range terminalEventTypes {
		placeholders[i] = s.ph(i + 2)
		args = append(args, t)
	}
	q := fmt.Sprintf(`SELECT MAX(seq) FROM job_events WHERE job_id=%s AND event_type IN (%s)`, s.ph(1), strings.Join(placeholders, ","))
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("get terminal seq: %w", err)
	}
	if !maxSeq.Valid {
		return nil, nil
	}
	v := maxSeq.Int64
	return &v, nil
}

// GetCardOutput fetches the best-effort output envelope for one card,
// reading the Redis-maintained accumulation in realtime mode or the
// durable job_cards.output column otherwise (spec §4.B "bulk variant").
func (s *Store) GetCardOutput(ctx context.Context, cardID int64) (envelope.Envelope, error) {
	if s.redis != nil {
		if env, ok, err := s.getCardOutputRealtime(ctx, cardID); err == nil && ok {
			return env, nil
		}
	}
	outputs, err := s.cards.GetCardOutputs(ctx, []int64{cardID})
	if err != nil {
		return envelope.Ensure(nil), err
	}
	if env, ok := outputs[cardID]; ok {
		return env, nil
	}
	return envelope.Ensure(nil), nil
}

// GetCardOutputsBulk is the multi-card variant used by job snapshot reads
// (SPEC_FULL.md supplemented feature: event_store.py's get_card_outputs).
func (s *Store) GetCardOutputsBulk(ctx context.Context, cardIDs []int64) (map[int64]envelope.Envelope, error) {
	if len(cardIDs) == 0 {
		return map[int64]envelope.Envelope{}, nil
	}
	if s.redis != nil {
		out, err := s.getCardOutputsBulkRealtime(ctx, cardIDs)
		if err == nil {
			return out, nil
		}
	}
	return s.cards.GetCardOutputs(ctx, cardIDs)
}
