// Copyright 2025 James Ross
package cardstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/cardforge/runtime/internal/envelope"
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return New(db, "sqlite3")
}

func mustCreateBundle(t *testing.T, s *Store, plan []CardPlan) string {
	t.Helper()
	jobID, created, err := s.CreateJobBundle(context.Background(), BundleInput{
		UserID: "u1", Source: "github", Plan: plan,
	})
	require.NoError(t, err)
	require.True(t, created)
	return jobID
}

func TestCreateJobBundleAtomic(t *testing.T) {
	s := newTestStore(t)
	jobID := mustCreateBundle(t, s, []CardPlan{
		{CardType: "profile", Status: "pending"},
		{CardType: "summary", DependsOn: []string{"profile"}, Status: "pending"},
	})

	job, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, JobQueued, job.Status)
	require.Equal(t, int64(1), job.LastSeq)

	cards, err := s.ListCardsForJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, cards, 2)
}

func TestCreateJobBundleIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := []CardPlan{{CardType: "profile"}}

	id1, created1, err := s.CreateJobBundle(ctx, BundleInput{
		UserID: "u1", Source: "github", Plan: plan,
		IdempotencyKey: "key1", RequestHash: "hashA",
	})
	require.NoError(t, err)
	require.True(t, created1)

	id2, created2, err := s.CreateJobBundle(ctx, BundleInput{
		UserID: "u1", Source: "github", Plan: plan,
		IdempotencyKey: "key1", RequestHash: "hashA",
	})
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id1, id2)

	_, _, err = s.CreateJobBundle(ctx, BundleInput{
		UserID: "u1", Source: "github", Plan: plan,
		IdempotencyKey: "key1", RequestHash: "hashB",
	})
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestReleaseReadyCardsHonorsDeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{
		{CardType: "A", DependsOn: []string{}},
		{CardType: "B", DependsOn: []string{"A"}},
		{CardType: "C", DependsOn: []string{"B"}},
	})

	n, err := s.ReleaseReadyCards(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 1, n) // only A is ready (empty deps)

	cards, err := s.ListCardsForJob(ctx, jobID)
	require.NoError(t, err)
	statusOf := map[string]CardStatus{}
	for _, c := range cards {
		statusOf[c.CardType] = c.Status
	}
	require.Equal(t, CardReady, statusOf["A"])
	require.Equal(t, CardPending, statusOf["B"])
	require.Equal(t, CardPending, statusOf["C"])
}

func TestClaimReadyCardsDisjoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A", DependsOn: []string{}}, {CardType: "B", DependsOn: []string{}}})
	_, err := s.ReleaseReadyCards(ctx, jobID)
	require.NoError(t, err)

	first, err := s.ClaimReadyCards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.ClaimReadyCards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 0) // already running, nothing left to claim
}

func TestConfirmCardClaimLeaseGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A", DependsOn: []string{}}})
	_, err := s.ReleaseReadyCards(ctx, jobID)
	require.NoError(t, err)
	claimed, err := s.ClaimReadyCards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	card := claimed[0]
	ok, err := s.ConfirmCardClaim(ctx, card.ID, card.StartedAt.Time)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate another worker overwriting the lease.
	_, err = s.UpdateCardStatus(ctx, UpdateCardStatusInput{CardID: card.ID, Status: CardCompleted})
	require.NoError(t, err)

	ok, err = s.ConfirmCardClaim(ctx, card.ID, card.StartedAt.Time)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkDependentCardsSkippedCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{
		{CardType: "A"},
		{CardType: "B", DependsOn: []string{"A"}},
		{CardType: "C", DependsOn: []string{"B"}},
		{CardType: "D"}, // unrelated, stays pending
	})

	n, err := s.MarkDependentCardsSkipped(ctx, jobID, "A")
	require.NoError(t, err)
	require.Equal(t, 2, n) // B and C

	cards, err := s.ListCardsForJob(ctx, jobID)
	require.NoError(t, err)
	statusOf := map[string]CardStatus{}
	for _, c := range cards {
		statusOf[c.CardType] = c.Status
	}
	require.Equal(t, CardSkipped, statusOf["B"])
	require.Equal(t, CardSkipped, statusOf["C"])
	require.Equal(t, CardPending, statusOf["D"])
}

func TestTryFinalizeJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A"}})

	first, err := s.TryFinalizeJob(ctx, jobID, JobCompleted, map[string]any{"cards": map[string]any{}})
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.TryFinalizeJob(ctx, jobID, JobFailed, nil)
	require.NoError(t, err)
	require.False(t, second)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, job.Status)
}

func TestUpdateCardStatusPreservesStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A"}})
	cards, err := s.ListCardsForJob(ctx, jobID)
	require.NoError(t, err)
	cardID := cards[0].ID

	_, err = s.UpdateCardStatus(ctx, UpdateCardStatusInput{
		CardID: cardID,
		Status: CardRunning,
		Output: map[string]any{
			"data":   nil,
			"stream": map[string]any{"bio": map[string]any{"format": "text", "sections": map[string]any{"s1": "hello"}}},
		},
		PreserveExistingStream: true,
	})
	require.NoError(t, err)

	merged, err := s.UpdateCardStatus(ctx, UpdateCardStatusInput{
		CardID:                 cardID,
		Status:                 CardCompleted,
		Output:                 map[string]any{"name": "ada"},
		PreserveExistingStream: true,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", merged.Stream["bio"].Sections["s1"])
	require.Equal(t, map[string]any{"name": "ada"}, merged.Data)
}

func TestAllocateSeqMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A"}})

	seq2, err := s.AllocateSeq(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	seq3, err := s.AllocateSeq(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, int64(3), seq3)
	require.Greater(t, seq3, seq2)
}

func TestCountCardsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A"}, {CardType: "B"}})
	counts, err := s.CountCardsByStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 2, counts[CardPending])

	_ = time.Now()
}

func TestMutateCardOutputAppliesUnderLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := mustCreateBundle(t, s, []CardPlan{{CardType: "A"}})
	cards, err := s.ListCardsForJob(ctx, jobID)
	require.NoError(t, err)
	cardID := cards[0].ID

	updated, err := s.MutateCardOutput(ctx, cardID, func(env envelope.Envelope) envelope.Envelope {
		return envelope.ApplyDelta(env, "content", "main", "markdown", "hello ")
	})
	require.NoError(t, err)
	require.Equal(t, "hello ", updated.Stream["content"].Sections["main"])

	updated, err = s.MutateCardOutput(ctx, cardID, func(env envelope.Envelope) envelope.Envelope {
		return envelope.ApplyDelta(env, "content", "main", "markdown", "world")
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", updated.Stream["content"].Sections["main"])

	outputs, err := s.GetCardOutputs(ctx, []int64{cardID})
	require.NoError(t, err)
	require.Equal(t, "hello world", outputs[cardID].Stream["content"].Sections["main"])
}

func TestMutateCardOutputMissingCard(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MutateCardOutput(context.Background(), 99999, func(env envelope.Envelope) envelope.Envelope {
		return env
	})
	require.ErrorIs(t, err, ErrCardNotFound)
}
