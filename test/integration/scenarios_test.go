//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/envelope"
	"github.com/cardforge/runtime/internal/eventstore"
	"github.com/cardforge/runtime/internal/handler"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fnHandler adapts a plain func into a handler.CardHandler so each scenario
// can describe its card behavior inline instead of a named type per test.
type fnHandler struct {
	source, cardType, version string
	exec                      func(handler.ExecutionContext) (handler.CardResult, error)
}

func (h *fnHandler) Source() string   { return h.source }
func (h *fnHandler) CardType() string { return h.cardType }
func (h *fnHandler) Version() string  { return h.version }
func (h *fnHandler) Execute(ctx handler.ExecutionContext) (handler.CardResult, error) {
	return h.exec(ctx)
}
func (h *fnHandler) Validate(data any, ctx handler.ExecutionContext) bool {
	return handler.DefaultValidate(data)
}
func (h *fnHandler) Fallback(ctx handler.ExecutionContext, err error) handler.CardResult {
	return handler.CardResult{Data: map[string]any{"_meta": map[string]any{"fallback": true}}, IsFallback: true}
}

func eventTypes(evs []*eventstore.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.EventType
	}
	return out
}

var _ = Describe("End-to-end scenarios (spec §8)", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	// Scenario 1: Happy path.
	It("runs a two-card plan to completion and records the final result on the job", func() {
		gate := envelope.NewGate()
		registry := handler.NewRegistry()
		registry.Register(&fnHandler{source: "github", cardType: "profile", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			return handler.CardResult{Data: map[string]any{"name": "ada"}}, nil
		}})
		registry.Register(&fnHandler{source: "github", cardType: "summary", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			return handler.CardResult{Data: map[string]any{"about": "…"}}, nil
		}})

		jobID, _, err := cards.CreateJobBundle(ctx, cardstore.BundleInput{
			UserID: "u1", Source: "github", SubjectKey: "octocat",
			Plan: []cardstore.CardPlan{
				{CardType: "profile"},
				{CardType: "summary", DependsOn: []string{"profile"}},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		sched := newScheduler(gate, registry, config.Retries{MaxBase: 1, MaxAI: 1, MaxResource: 1})
		job := runUntilTerminal(ctx, sched, jobID, 10*time.Second)
		Expect(job.Status).To(Equal(cardstore.JobCompleted))

		evs, err := events.FetchEvents(ctx, jobID, 0, 1000)
		Expect(err).NotTo(HaveOccurred())
		types := eventTypes(evs)
		Expect(types).To(ContainElements(
			eventstore.EventCardStarted, eventstore.EventCardCompleted, eventstore.EventJobCompleted,
		))

		var result map[string]any
		Expect(json.Unmarshal(job.Result, &result)).To(Succeed())
		Expect(result["profile"]).To(HaveKeyWithValue("name", "ada"))
		Expect(result["summary"]).To(HaveKeyWithValue("about", "…"))
	})

	// Scenario 2: Retry then fallback.
	It("retries an empty roast twice then falls back deterministically", func() {
		var attempts int32
		gate := envelope.NewGate()
		gate.Register("github", "roast", func(data any, c envelope.Context) envelope.Decision {
			m, _ := data.(map[string]any)
			if s, _ := m["roast"].(string); s == "" {
				return envelope.Decision{Action: envelope.ActionRetry, Issue: &envelope.Issue{Code: "empty_roast", Retryable: true}}
			}
			return envelope.Decision{Action: envelope.ActionAccept, Normalized: data}
		}, func(c envelope.Context, last *envelope.Decision, err error) any {
			return map[string]any{
				"roast": "<deterministic fallback text>",
				"_meta": map[string]any{"fallback": true, "code": "fallback_roast", "preserve_empty": true},
			}
		})

		registry := handler.NewRegistry()
		registry.Register(&fnHandler{source: "github", cardType: "roast", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			atomic.AddInt32(&attempts, 1)
			return handler.CardResult{Data: map[string]any{"roast": ""}}, nil
		}})

		jobID, _, err := cards.CreateJobBundle(ctx, cardstore.BundleInput{
			UserID: "u1", Source: "github", SubjectKey: "octocat",
			Plan: []cardstore.CardPlan{{CardType: "roast"}},
		})
		Expect(err).NotTo(HaveOccurred())

		sched := newScheduler(gate, registry, config.Retries{MaxBase: 1, MaxAI: 2, MaxResource: 1})
		job := runUntilTerminal(ctx, sched, jobID, 10*time.Second)
		Expect(job.Status).To(Equal(cardstore.JobCompleted))
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(3)))

		evs, err := events.FetchEvents(ctx, jobID, 0, 1000)
		Expect(err).NotTo(HaveOccurred())
		retryCount := 0
		var completedPayload map[string]any
		for _, e := range evs {
			if e.EventType == eventstore.EventCardProgress && e.Payload["step"] == "retry" {
				retryCount++
			}
			if e.EventType == eventstore.EventCardCompleted {
				completedPayload = e.Payload
			}
		}
		Expect(retryCount).To(Equal(2))
		Expect(completedPayload["fallback"]).To(BeTrue())

		cardList, err := cards.ListCardsForJob(ctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		var out map[string]any
		Expect(json.Unmarshal(cardList[0].Output, &out)).To(Succeed())
		data, _ := out["data"].(map[string]any)
		Expect(data["roast"]).To(Equal("<deterministic fallback text>"))
		meta, _ := data["_meta"].(map[string]any)
		Expect(meta["fallback"]).To(BeTrue())
		Expect(meta["code"]).To(Equal("fallback_roast"))
		Expect(meta["preserve_empty"]).To(BeTrue())
	})

	// Scenario 3: Dependency cascade.
	It("cascades a skip through the dependency chain on a non-retryable failure", func() {
		gate := envelope.NewGate()
		registry := handler.NewRegistry()
		registry.Register(&fnHandler{source: "github", cardType: "A", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			return handler.CardResult{}, &envelope.ValidationError{Msg: "invalid card_type"}
		}})
		registry.Register(&fnHandler{source: "github", cardType: "B", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			return handler.CardResult{Data: map[string]any{"ok": true}}, nil
		}})
		registry.Register(&fnHandler{source: "github", cardType: "C", version: "v1", exec: func(ec handler.ExecutionContext) (handler.CardResult, error) {
			return handler.CardResult{Data: map[string]any{"ok": true}}, nil
		}})

		jobID, _, err := cards.CreateJobBundle(ctx, cardstore.BundleInput{
			UserID: "u1", Source: "github", SubjectKey: "cascade-subject",
			Plan: []cardstore.CardPlan{
				{CardType: "A"},
				{CardType: "B", DependsOn: []string{"A"}},
				{CardType: "C", DependsOn: []string{"B"}},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		sched := newScheduler(gate, registry, config.Retries{MaxBase: 1, MaxAI: 1, MaxResource: 1})
		job := runUntilTerminal(ctx, sched, jobID, 10*time.Second)
		Expect(job.Status).To(Equal(cardstore.JobFailed))

		cardList, err := cards.ListCardsForJob(ctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		byType := map[string]cardstore.CardStatus{}
		for _, c := range cardList {
			byType[c.CardType] = c.Status
		}
		Expect(byType["A"]).To(Equal(cardstore.CardFailed))
		Expect(byType["B"]).To(Equal(cardstore.CardSkipped))
		Expect(byType["C"]).To(Equal(cardstore.CardSkipped))

		evs, err := events.FetchEvents(ctx, jobID, 0, 1000)
		Expect(err).NotTo(HaveOccurred())
		types := eventTypes(evs)
		Expect(types).To(ContainElement(eventstore.EventJobCompleted))
		Expect(types).To(ContainElement(eventstore.EventJobFailed))
	})

	// Scenario 4: Idempotent create.
	It("returns the same job for a repeated idempotency key and conflicts on a changed request hash", func() {
		in := cardstore.BundleInput{
			UserID: "u2", Source: "github", SubjectKey: "idempotent-subject",
			Plan:           []cardstore.CardPlan{{CardType: "profile"}},
			IdempotencyKey: "key-1",
			RequestHash:    "hash-a",
		}
		jobID1, created1, err := cards.CreateJobBundle(ctx, in)
		Expect(err).NotTo(HaveOccurred())
		Expect(created1).To(BeTrue())

		jobID2, created2, err := cards.CreateJobBundle(ctx, in)
		Expect(err).NotTo(HaveOccurred())
		Expect(created2).To(BeFalse())
		Expect(jobID2).To(Equal(jobID1))

		in.RequestHash = "hash-b"
		_, _, err = cards.CreateJobBundle(ctx, in)
		Expect(err).To(Equal(cardstore.ErrIdempotencyConflict))
	})

	// Scenario 5: SWR warm open.
	It("serves a stale final result with at most one background refresh run in flight", func() {
		subject, err := analysis.GetOrCreateSubject(ctx, "github", "swr-subject", map[string]any{})
		Expect(err).NotTo(HaveOccurred())

		payload := map[string]any{"cards": map[string]any{"profile": map[string]any{"name": "ada"}}}
		_, err = analysis.SaveFinalResult(ctx, "github", subject, "v1", "opts-hash", payload, 10*time.Millisecond, nil)
		Expect(err).NotTo(HaveOccurred())

		fresh, err := analysis.GetCachedFinalResult(ctx, "github", "swr-subject", "v1", "opts-hash")
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh).NotTo(BeNil())
		Expect(fresh.Stale).To(BeFalse())

		time.Sleep(50 * time.Millisecond)

		stale, err := analysis.GetCachedFinalResult(ctx, "github", "swr-subject", "v1", "opts-hash")
		Expect(err).NotTo(HaveOccurred())
		Expect(stale).NotTo(BeNil())
		Expect(stale.Stale).To(BeTrue())
		Expect(stale.Payload).To(Equal(payload))

		first, err := analysis.TryBeginRefreshRun(ctx, subject.ID, "v1", "opts-hash", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(BeTrue())

		second, err := analysis.TryBeginRefreshRun(ctx, subject.ID, "v1", "opts-hash", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeFalse())
	})

	// Scenario 6: SSE resume.
	It("resumes an event stream after a given seq", func() {
		jobID, _, err := cards.CreateJobBundle(ctx, cardstore.BundleInput{
			UserID: "u3", Source: "github", SubjectKey: "resume-subject",
			Plan: []cardstore.CardPlan{{CardType: "profile"}},
		})
		Expect(err).NotTo(HaveOccurred())

		var lastSeqBeforeResume int64
		for i := 0; i < 20; i++ {
			ev, err := events.AppendEvent(ctx, jobID, nil, eventstore.EventCardProgress, map[string]any{"step": fmt.Sprintf("step-%d", i)})
			Expect(err).NotTo(HaveOccurred())
			if i == 16 {
				lastSeqBeforeResume = ev.Seq
			}
		}

		resumed, err := events.FetchEvents(ctx, jobID, lastSeqBeforeResume, 1000)
		Expect(err).NotTo(HaveOccurred())
		for _, e := range resumed {
			Expect(e.Seq).To(BeNumerically(">", lastSeqBeforeResume))
		}
		Expect(len(resumed)).To(BeNumerically(">", 0))

		empty, err := events.FetchEvents(ctx, jobID, resumed[len(resumed)-1].Seq, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty).To(BeEmpty())
	})
})
