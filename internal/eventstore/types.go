// Copyright 2025 James Ross

// Package eventstore implements the dual-mode append-only event log and SSE
// replay described in spec §4.B: a durable (Postgres) tier that always
// persists, and an optional realtime (Redis) tier that trades durability for
// latency, with terminal events dual-written so SSE can recover from either.
package eventstore

import (
	"encoding/json"
	"time"
)

// Event types recognized by card.delta/card.append accumulation and SSE
// termination (spec §3 event_type taxonomy).
const (
	EventJobStarted    = "job.started"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventCardStarted   = "card.started"
	EventCardDelta     = "card.delta"
	EventCardAppend    = "card.append"
	EventCardCompleted = "card.completed"
	EventCardPrefill   = "card.prefill"
	EventCardProgress  = "card.progress"
	EventCardFailed    = "card.failed"
	EventCardSkipped   = "card.skipped"
	EventPing          = "ping"
)

// terminalEventTypes are the event types that mark the end of a job's
// stream for SSE purposes (spec §4.B "Terminate after last_seq >= terminal_seq").
var terminalEventTypes = []string{EventJobCompleted}

// Event is one row of a job's append-only log (spec §3 JobEvent).
type Event struct {
	JobID     string
	CardID    *int64
	Seq       int64
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// DeltaPayload is the well-known shape of a card.delta event's payload.
type DeltaPayload struct {
	Field   string `json:"field"`
	Section string `json:"section"`
	Format  string `json:"format"`
	Delta   string `json:"delta"`
}

// AppendPayload is the well-known shape of a card.append event's payload
// (spec §8 "card.append onto a non-list field").
type AppendPayload struct {
	Path     string `json:"path"`
	Items    []any  `json:"items"`
	DedupKey string `json:"dedup_key"`
	Cursor   any    `json:"cursor"`
	Partial  *bool  `json:"partial"`
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func decodePayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func encodePayload(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
