// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const sqliteSchema = `
CREATE TABLE jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	last_seq INTEGER NOT NULL DEFAULT 0,
	input TEXT NOT NULL DEFAULT '{}',
	options TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	subject_key TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE job_cards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	card_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	deadline_ms INTEGER,
	concurrency_group TEXT,
	input TEXT NOT NULL DEFAULT '{}',
	deps TEXT NOT NULL DEFAULT '[]',
	output TEXT NOT NULL DEFAULT '{"data":null,"stream":{}}',
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	ended_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	card_id INTEGER,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	UNIQUE (job_id, seq)
);
CREATE TABLE job_idempotency (
	user_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, idempotency_key)
);
`

func newTestStore(t *testing.T) (*Store, *cardstore.Store, string, int64) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	cards := cardstore.New(db, "sqlite3")
	jobID, created, err := cards.CreateJobBundle(context.Background(), cardstore.BundleInput{
		UserID: "u1", Source: "github",
		Plan: []cardstore.CardPlan{{CardType: "profile", Status: "pending"}},
	})
	require.NoError(t, err)
	require.True(t, created)

	cardList, err := cards.ListCardsForJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, cardList, 1)

	cfg := &config.Config{SSE: config.SSE{BatchSize: 500}}
	return New(db, "sqlite3", nil, cards, cfg), cards, jobID, cardList[0].ID
}

func TestAppendEventDurableOrdering(t *testing.T) {
	s, _, jobID, cardID := newTestStore(t)
	ctx := context.Background()

	ev1, err := s.AppendEvent(ctx, jobID, &cardID, EventCardStarted, nil)
	require.NoError(t, err)
	ev2, err := s.AppendEvent(ctx, jobID, &cardID, EventCardCompleted, map[string]any{"ok": true})
	require.NoError(t, err)
	require.Greater(t, ev2.Seq, ev1.Seq)

	events, err := s.FetchEvents(ctx, jobID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventCardStarted, events[0].EventType)
	require.Equal(t, EventCardCompleted, events[1].EventType)

	events, err = s.FetchEvents(ctx, jobID, ev1.Seq, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventCardCompleted, events[0].EventType)
}

func TestAppendEventCardDeltaAccumulates(t *testing.T) {
	s, cards, jobID, cardID := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "content", "section": "main", "format": "markdown", "delta": "hello ",
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "content", "section": "main", "format": "markdown", "delta": "world",
	})
	require.NoError(t, err)

	outputs, err := cards.GetCardOutputs(ctx, []int64{cardID})
	require.NoError(t, err)
	require.Equal(t, "hello world", outputs[cardID].Stream["content"].Sections["main"])

	env, err := s.GetCardOutput(ctx, cardID)
	require.NoError(t, err)
	require.Equal(t, "hello world", env.Stream["content"].Sections["main"])
}

func TestAppendEventCardAppendDedupUnion(t *testing.T) {
	s, _, jobID, cardID := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, jobID, &cardID, EventCardAppend, map[string]any{
		"path": "items", "dedup_key": "id",
		"items": []any{map[string]any{"id": "a", "v": 1}},
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, jobID, &cardID, EventCardAppend, map[string]any{
		"path": "items", "dedup_key": "id",
		"items": []any{map[string]any{"id": "a", "v": 2}, map[string]any{"id": "b", "v": 3}},
	})
	require.NoError(t, err)

	env, err := s.GetCardOutput(ctx, cardID)
	require.NoError(t, err)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	items, ok := data["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	require.Equal(t, float64(2), first["v"])
}

func TestGetLastSeqFallsBackToDB(t *testing.T) {
	s, _, jobID, cardID := newTestStore(t)
	ctx := context.Background()

	seq, err := s.GetLastSeq(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq) // job.started from CreateJobBundle

	ev, err := s.AppendEvent(ctx, jobID, &cardID, EventCardStarted, nil)
	require.NoError(t, err)

	seq, err = s.GetLastSeq(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ev.Seq, seq)
}

func TestGetCardOutputsBulkDurable(t *testing.T) {
	s, cards, jobID, cardID := newTestStore(t)
	ctx := context.Background()
	_ = cards

	_, err := s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "content", "section": "main", "format": "markdown", "delta": "hi",
	})
	require.NoError(t, err)

	out, err := s.GetCardOutputsBulk(ctx, []int64{cardID})
	require.NoError(t, err)
	require.Equal(t, "hi", out[cardID].Stream["content"].Sections["main"])
}
