// Copyright 2025 James Ross
package eventstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRealtimeTestStore(t *testing.T) (*Store, string, int64) {
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
	cardID := cardList[0].ID

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{SSE: config.SSE{BatchSize: 500}}
	return New(db, "sqlite3", rdb, cards, cfg), jobID, cardID
}

func TestAppendEventRealtimeOrdering(t *testing.T) {
	s, jobID, cardID := newRealtimeTestStore(t)
	ctx := context.Background()
	require.True(t, s.RedisEnabled())

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

	seq, err := s.GetLastSeq(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ev2.Seq, seq)
}

func TestAppendEventRealtimeCardDelta(t *testing.T) {
	s, jobID, cardID := newRealtimeTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "content", "section": "main", "format": "markdown", "delta": "hello ",
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "content", "section": "main", "format": "markdown", "delta": "world",
	})
	require.NoError(t, err)

	env, err := s.GetCardOutput(ctx, cardID)
	require.NoError(t, err)
	require.Equal(t, "hello world", env.Stream["content"].Sections["main"])
}

func TestAppendEventRealtimeCardAppend(t *testing.T) {
	s, jobID, cardID := newRealtimeTestStore(t)
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
	data := env.Data.(map[string]any)
	items := data["items"].([]any)
	require.Len(t, items, 2)
}

func TestGetCardOutputsBulkRealtime(t *testing.T) {
	s, jobID, cardID := newRealtimeTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, jobID, &cardID, EventCardDelta, map[string]any{
		"field": "summary", "section": "s1", "format": "text", "delta": "hi",
	})
	require.NoError(t, err)

	out, err := s.GetCardOutputsBulk(ctx, []int64{cardID})
	require.NoError(t, err)
	require.Equal(t, "hi", out[cardID].Stream["summary"].Sections["s1"])
}

func TestDualWriteTerminalEventToDurable(t *testing.T) {
	s, jobID, cardID := newRealtimeTestStore(t)
	ctx := context.Background()

	// The durable log already holds job.started at seq 1; seed the realtime
	// log the same way so job.completed gets a seq of its own.
	s.BootstrapJobStartedRealtime(ctx, jobID, "github")

	ev, err := s.AppendEvent(ctx, jobID, &cardID, EventJobCompleted, map[string]any{"status": "completed"})
	require.NoError(t, err)

	durableEvents, err := s.fetchEventsDurable(ctx, jobID, 0, 100)
	require.NoError(t, err)
	found := false
	for _, e := range durableEvents {
		if e.Seq == ev.Seq && e.EventType == EventJobCompleted {
			found = true
		}
	}
	require.True(t, found, "terminal event should be dual-written to durable store")

	terminalSeq, ok := s.getTerminalSeqRealtime(ctx, jobID)
	require.True(t, ok)
	require.Equal(t, ev.Seq, terminalSeq)
}
