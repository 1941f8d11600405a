// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cardforge/runtime/internal/envelope"
	"github.com/redis/go-redis/v9"
)

// Redis key conventions for the realtime tier (spec §4.B "Realtime mode").
// Kept as plain string builders (not exported types) since every key is
// scoped to a job or card id known only at the call site.

func jobLastSeqKey(jobID string) string      { return fmt.Sprintf("job:%s:last_seq", jobID) }
func jobEventsKey(jobID string) string        { return fmt.Sprintf("job:%s:events", jobID) }
func jobTerminalSeqKey(jobID string) string    { return fmt.Sprintf("job:%s:terminal_seq", jobID) }
func cardDataKey(cardID int64) string          { return fmt.Sprintf("card:%d:data", cardID) }
func cardStreamFormatsKey(cardID int64) string { return fmt.Sprintf("card:%d:stream_formats", cardID) }
func cardStreamSectionsKey(cardID int64) string {
	return fmt.Sprintf("card:%d:stream_sections", cardID)
}
func cardStreamTextKey(cardID int64, fieldEnc, sectionEnc string) string {
	return fmt.Sprintf("card:%d:stream:%s:%s", cardID, fieldEnc, sectionEnc)
}

// artifactKeyPattern is the job-scoped Redis key pattern the event store
// best-effort unlinks once a job reaches a terminal state (spec §4.B
// "cleanup_on_job_completed"). artifactstore keeps no Redis keys, so no code
// in this module writes keys under this pattern.
func artifactKeyPattern(jobID string) string { return fmt.Sprintf("artifact:%s:*", jobID) }

func b64(s string) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(s)), "=")
}

func b64d(s string) string {
	pad := (4 - len(s)%4) % 4
	b, err := base64.URLEncoding.DecodeString(s + strings.Repeat("=", pad))
	if err != nil {
		return s
	}
	return string(b)
}

// BootstrapJobStartedRealtime ensures a freshly-created job has an initial
// job.started event visible in Redis, so SSE readers don't wait for the
// first card to emit before anything streams (spec §4.B, mirrors
// event_store.py's bootstrap_job_started_realtime).
func (s *Store) BootstrapJobStartedRealtime(ctx context.Context, jobID, source string) {
	if s.redis == nil || jobID == "" {
		return
	}
	key := jobLastSeqKey(jobID)
	if _, err := s.redis.Get(ctx, key).Result(); err == nil {
		return
	} else if err != redis.Nil {
		return
	}
	seq, err := s.redis.Incr(ctx, key).Result()
	if err != nil || seq != 1 {
		return
	}
	record := map[string]any{"seq": 1, "event_type": EventJobStarted, "card_id": nil, "payload": map[string]any{"job_id": jobID, "source": source}}
	body, err := json.Marshal(record)
	if err != nil {
		return
	}
	streamKey := jobEventsKey(jobID)
	_, _ = s.redis.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, ID: "1-0", Values: map[string]any{"v": body}}).Result()
	s.touchKeys(ctx, streamKey, key, jobTerminalSeqKey(jobID))
}

func (s *Store) touchKeys(ctx context.Context, keys ...string) {
	ttl := s.cfg.SSE.JobTTL
	if ttl <= 0 {
		return
	}
	pipe := s.redis.Pipeline()
	for _, k := range keys {
		pipe.Expire(ctx, k, ttl)
	}
	_, _ = pipe.Exec(ctx)
}

func (s *Store) appendEventRealtime(ctx context.Context, jobID string, cardID *int64, eventType string, payload map[string]any) (*Event, error) {
	seq, err := s.redis.Incr(ctx, jobLastSeqKey(jobID)).Result()
	if err != nil {
		// Redis configured but unavailable: fall back to durable so the
		// event is never silently dropped (spec §4.B).
		return s.appendEventDurable(ctx, jobID, cardID, eventType, payload)
	}

	if cardID != nil {
		switch eventType {
		case EventCardDelta:
			s.applyCardDeltaRealtime(ctx, *cardID, payload)
		case EventCardAppend:
			s.applyCardAppendRealtime(ctx, *cardID, payload)
		case EventCardCompleted, EventCardPrefill:
			env := envelope.Ensure(payload["payload"])
			s.setCardOutputRealtime(ctx, *cardID, env)
		}
	}

	record := map[string]any{"seq": seq, "event_type": eventType, "payload": payload}
	if cardID != nil {
		record["card_id"] = *cardID
	} else {
		record["card_id"] = nil
	}
	body, err := json.Marshal(record)
	if err != nil {
		body = []byte("{}")
	}
	streamKey := jobEventsKey(jobID)
	args := &redis.XAddArgs{Stream: streamKey, ID: fmt.Sprintf("%d-0", seq), Values: map[string]any{"v": body}}
	if s.cfg.SSE.JobMaxEvents > 0 {
		args.MaxLen = s.cfg.SSE.JobMaxEvents
		args.Approx = true
	}
	_, _ = s.redis.XAdd(ctx, args).Result()

	if eventType == EventJobCompleted {
		_, _ = s.redis.Set(ctx, jobTerminalSeqKey(jobID), seq, 0).Result()
	}
	s.touchKeys(ctx, streamKey, jobLastSeqKey(jobID), jobTerminalSeqKey(jobID))

	now := time.Now().UTC()
	if eventType == EventJobCompleted || eventType == EventJobFailed {
		s.dualWriteTerminalDurable(ctx, jobID, cardID, eventType, payload, seq, now)
		if s.cfg.SSE.CleanupOnJobCompleted {
			s.setPostJobTTL(ctx, jobID)
			s.cleanupJobArtifacts(ctx, jobID)
		}
	}

	return &Event{JobID: jobID, CardID: cardID, Seq: seq, EventType: eventType, Payload: payload, CreatedAt: now}, nil
}

// dualWriteTerminalDurable best-effort persists a terminal event (and bumps
// jobs.last_seq) into the durable store so SSE can recover it even if the
// realtime tier evicts the record (spec §4.B "Terminal events ... also
// best-effort persisted to the durable store").
func (s *Store) dualWriteTerminalDurable(ctx context.Context, jobID string, cardID *int64, eventType string, payload map[string]any, seq int64, now time.Time) {
	q := fmt.Sprintf(`INSERT INTO job_events (job_id, card_id, seq, event_type, payload, created_at) VALUES (%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	var cid any
	if cardID != nil {
		cid = *cardID
	}
	_, _ = s.db.ExecContext(ctx, q, jobID, cid, seq, eventType, encodePayload(payload), now)

	var uq string
	if s.isPostgres() {
		uq = `UPDATE jobs SET last_seq=$1, updated_at=now() WHERE id=$2`
		_, _ = s.db.ExecContext(ctx, uq, seq, jobID)
	} else {
		uq = `UPDATE jobs SET last_seq=?, updated_at=? WHERE id=?`
		_, _ = s.db.ExecContext(ctx, uq, seq, now, jobID)
	}
}

func (s *Store) setPostJobTTL(ctx context.Context, jobID string) {
	ttl := s.cfg.SSE.PostJobTTL
	if ttl <= 0 {
		return
	}
	pipe := s.redis.Pipeline()
	pipe.Expire(ctx, jobEventsKey(jobID), ttl)
	pipe.Expire(ctx, jobLastSeqKey(jobID), ttl)
	pipe.Expire(ctx, jobTerminalSeqKey(jobID), ttl)
	_, _ = pipe.Exec(ctx)
}

func (s *Store) cleanupJobArtifacts(ctx context.Context, jobID string) {
	pattern := artifactKeyPattern(jobID)
	var batch []string
	iter := s.redis.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			_, _ = s.redis.Unlink(ctx, batch...).Result()
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		_, _ = s.redis.Unlink(ctx, batch...).Result()
	}
}

func (s *Store) applyCardDeltaRealtime(ctx context.Context, cardID int64, payload map[string]any) {
	delta := asString(payload["delta"], "")
	if delta == "" {
		return
	}
	field := b64(asString(payload["field"], "content"))
	section := b64(asString(payload["section"], "main"))
	format := asString(payload["format"], "markdown")

	textKey := cardStreamTextKey(cardID, field, section)
	formatsKey := cardStreamFormatsKey(cardID)
	sectionsKey := cardStreamSectionsKey(cardID)

	pipe := s.redis.Pipeline()
	pipe.Append(ctx, textKey, delta)
	pipe.HSet(ctx, formatsKey, field, format)
	pipe.SAdd(ctx, sectionsKey, field+":"+section)
	if s.cfg.SSE.JobTTL > 0 {
		pipe.Expire(ctx, textKey, s.cfg.SSE.JobTTL)
		pipe.Expire(ctx, formatsKey, s.cfg.SSE.JobTTL)
		pipe.Expire(ctx, sectionsKey, s.cfg.SSE.JobTTL)
	}
	_, _ = pipe.Exec(ctx)
}

func (s *Store) applyCardAppendRealtime(ctx context.Context, cardID int64, payload map[string]any) {
	p := decodeAppendPayload(payload)
	if len(p.Items) == 0 {
		return
	}
	dataKey := cardDataKey(cardID)

	for attempt := 0; attempt < 5; attempt++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, dataKey).Result()
			var root any
			if err == nil {
				_ = json.Unmarshal([]byte(raw), &root)
			} else if err != redis.Nil {
				return err
			}
			updated := applyAppendToData(root, p)
			encoded, merr := json.Marshal(updated)
			if merr != nil {
				return merr
			}
			_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, dataKey, encoded, 0)
				if s.cfg.SSE.JobTTL > 0 {
					pipe.Expire(ctx, dataKey, s.cfg.SSE.JobTTL)
				}
				return nil
			})
			return txErr
		}, dataKey)
		if err == nil {
			return
		}
		if err == redis.TxFailedErr {
			continue
		}
		return
	}
}

func (s *Store) setCardOutputRealtime(ctx context.Context, cardID int64, env envelope.Envelope) {
	dataKey := cardDataKey(cardID)
	encoded, err := json.Marshal(env.Data)
	if err != nil {
		encoded = []byte("null")
	}
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, dataKey, encoded, 0)
	if s.cfg.SSE.JobTTL > 0 {
		pipe.Expire(ctx, dataKey, s.cfg.SSE.JobTTL)
	}
	_, _ = pipe.Exec(ctx)

	for field, entry := range env.Stream {
		if len(entry.Sections) == 0 {
			continue
		}
		fieldEnc := b64(field)
		formatsKey := cardStreamFormatsKey(cardID)
		sectionsKey := cardStreamSectionsKey(cardID)
		for section, text := range entry.Sections {
			sectionEnc := b64(section)
			textKey := cardStreamTextKey(cardID, fieldEnc, sectionEnc)
			p := s.redis.Pipeline()
			p.Set(ctx, textKey, text, 0)
			p.HSet(ctx, formatsKey, fieldEnc, entry.Format)
			p.SAdd(ctx, sectionsKey, fieldEnc+":"+sectionEnc)
			if s.cfg.SSE.JobTTL > 0 {
				p.Expire(ctx, textKey, s.cfg.SSE.JobTTL)
				p.Expire(ctx, formatsKey, s.cfg.SSE.JobTTL)
				p.Expire(ctx, sectionsKey, s.cfg.SSE.JobTTL)
			}
			_, _ = p.Exec(ctx)
		}
	}
}

func (s *Store) fetchEventsRealtime(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*Event, error) {
	streamKey := jobEventsKey(jobID)
	minID := fmt.Sprintf("%d-0", afterSeq+1)
	msgs, err := s.redis.XRangeN(ctx, streamKey, minID, "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["v"].(string)
		if !ok {
			continue
		}
		var rec struct {
			Seq       int64          `json:"seq"`
			EventType string         `json:"event_type"`
			CardID    *int64         `json:"card_id"`
			Payload   map[string]any `json:"payload"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Payload == nil {
			rec.Payload = map[string]any{}
		}
		out = append(out, &Event{JobID: jobID, CardID: rec.CardID, Seq: rec.Seq, EventType: rec.EventType, Payload: rec.Payload})
	}
	return out, nil
}

func (s *Store) getLastSeqRealtime(ctx context.Context, jobID string) (int64, bool, error) {
	raw, err := s.redis.Get(ctx, jobLastSeqKey(jobID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (s *Store) getTerminalSeqRealtime(ctx context.Context, jobID string) (int64, bool) {
	raw, err := s.redis.Get(ctx, jobTerminalSeqKey(jobID)).Result()
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

func (s *Store) getCardOutputRealtime(ctx context.Context, cardID int64) (envelope.Envelope, bool, error) {
	out, err := s.getCardOutputsBulkRealtime(ctx, []int64{cardID})
	if err != nil {
		return envelope.Envelope{}, false, err
	}
	env, ok := out[cardID]
	return env, ok, nil
}

// getCardOutputsBulkRealtime pipelines reads across cards to amortize round
// trips (spec §4.B "bulk variant").
func (s *Store) getCardOutputsBulkRealtime(ctx context.Context, cardIDs []int64) (map[int64]envelope.Envelope, error) {
	pipe := s.redis.Pipeline()
	dataCmds := make([]*redis.StringCmd, len(cardIDs))
	formatCmds := make([]*redis.MapStringStringCmd, len(cardIDs))
	memberCmds := make([]*redis.StringSliceCmd, len(cardIDs))
	for i, id := range cardIDs {
		dataCmds[i] = pipe.Get(ctx, cardDataKey(id))
		formatCmds[i] = pipe.HGetAll(ctx, cardStreamFormatsKey(id))
		memberCmds[i] = pipe.SMembers(ctx, cardStreamSectionsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[int64]envelope.Envelope, len(cardIDs))
	type pending struct {
		id         int64
		fieldEnc   string
		sectionEnc string
		fieldName  string
	}
	var toFetch []pending
	textKeys := []string{}

	envByID := map[int64]envelope.Envelope{}
	formatsByID := map[int64]map[string]string{}

	for i, id := range cardIDs {
		var data any
		if raw, err := dataCmds[i].Result(); err == nil {
			_ = json.Unmarshal([]byte(raw), &data)
		}
		formats, _ := formatCmds[i].Result()
		formatsByID[id] = formats
		envByID[id] = envelope.Envelope{Data: data, Stream: map[string]envelope.StreamField{}}

		members, _ := memberCmds[i].Result()
		for _, tok := range members {
			parts := strings.SplitN(tok, ":", 2)
			if len(parts) != 2 {
				continue
			}
			toFetch = append(toFetch, pending{id: id, fieldEnc: parts[0], sectionEnc: parts[1], fieldName: b64d(parts[0])})
			textKeys = append(textKeys, cardStreamTextKey(id, parts[0], parts[1]))
		}
	}

	if len(textKeys) > 0 {
		pipe2 := s.redis.Pipeline()
		cmds := make([]*redis.StringCmd, len(textKeys))
		for i, k := range textKeys {
			cmds[i] = pipe2.Get(ctx, k)
		}
		_, _ = pipe2.Exec(ctx)
		for i, p := range toFetch {
			text, _ := cmds[i].Result()
			env := envByID[p.id]
			entry, ok := env.Stream[p.fieldName]
			if !ok {
				entry = envelope.StreamField{Sections: map[string]string{}}
				if f, ok := formatsByID[p.id][p.fieldEnc]; ok {
					entry.Format = f
				} else {
					entry.Format = "markdown"
				}
			}
			entry.Sections[b64d(p.sectionEnc)] = text
			env.Stream[p.fieldName] = entry
			envByID[p.id] = env
		}
	}

	for _, id := range cardIDs {
		out[id] = envByID[id]
	}
	return out, nil
}
