// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cardforge/runtime/internal/artifactstore"
	"github.com/cardforge/runtime/internal/breaker"
	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/envelope"
	"github.com/cardforge/runtime/internal/eventstore"
	"github.com/cardforge/runtime/internal/handler"
	"github.com/cardforge/runtime/internal/obs"
	"go.uber.org/zap"
)

// jsonSize approximates the encoded size of data for the persist_max_bytes
// check; a marshal failure is treated as "small enough" rather than
// blocking card completion on an unrelated encoding bug.
func jsonSize(data any) int64 {
	b, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// executeCard runs the per-card state machine (spec §4.F "Per-card
// execution"): reconfirm the lease, transition the job to running once,
// call the registered handler, run the quality gate, persist the outcome,
// and release any dependents that are now ready.
func (s *Scheduler) executeCard(ctx context.Context, card *cardstore.Card) {
	leaseOK, err := s.cards.ConfirmCardClaim(ctx, card.ID, card.StartedAt.Time)
	if err != nil {
		s.log.Error("scheduler: confirm lease failed", zap.Int64("card_id", card.ID), zap.Error(err))
		return
	}
	if !leaseOK {
		// Another worker already reclaimed or finished this card; nothing
		// to do (spec §4.F "Lease guard").
		return
	}

	job, err := s.cards.GetJob(ctx, card.JobID)
	if err != nil {
		s.log.Error("scheduler: load job failed", zap.String("job_id", card.JobID), zap.Error(err))
		return
	}

	if _, already := s.running.LoadOrStore(job.ID, struct{}{}); !already {
		if err := s.cards.SetJobRunningOnce(ctx, job.ID); err != nil {
			s.log.Error("scheduler: set job running failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	ctx, span := obs.ContextWithCardSpan(ctx, job.ID, fmt.Sprint(card.ID), card.CardType, job.Source, card.RetryCount)
	defer span.End()

	s.appendEvent(ctx, job.ID, &card.ID, eventstore.EventCardStarted, map[string]any{
		"card_type": card.CardType,
		"stream":    streamSpec(card.CardType),
	})

	h := s.handlers.Lookup(job.Source, card.CardType)
	if h == nil {
		obs.RecordError(ctx, fmt.Errorf("no handler registered for %s/%s", job.Source, card.CardType))
		s.failCard(ctx, job, card, fmt.Errorf("no card handler registered for source %q card_type %q", job.Source, card.CardType))
		return
	}

	execCtx := handler.ExecutionContext{
		Context:    ctx,
		JobID:      job.ID,
		CardID:     card.ID,
		UserID:     job.UserID,
		Source:     job.Source,
		CardType:   card.CardType,
		RetryCount: card.RetryCount,
		Input:      mergeInput(job.Options, card.Input),
		Artifacts:  s.preloadArtifacts(ctx, job.ID, card),
		EmitProgress: func(step, message string, data map[string]any) {
			payload := map[string]any{"step": step, "message": message}
			for k, v := range data {
				payload[k] = v
			}
			s.appendEvent(ctx, job.ID, &card.ID, eventstore.EventCardProgress, payload)
		},
	}

	result, execErr := s.invokeHandler(ctx, h, execCtx)
	if execErr != nil {
		// Retry budgets apply uniformly by card_type (resource.* cards get
		// MaxResource attempts just like business cards get MaxAI/MaxBase);
		// only the downstream quality-gate validation is skipped for
		// internal cards, not the retry-on-error path.
		if !envelope.IsRetryable(execErr) || card.RetryCount >= envelope.MaxRetries(card.CardType, s.retries) {
			s.failCard(ctx, job, card, execErr)
			return
		}
		s.retryCard(ctx, job, card, execErr)
		return
	}

	s.finishExecution(ctx, job, card, result)
}

// invokeHandler runs the card handler's Execute, guarded by the scheduler's
// single global circuit breaker when one is configured (spec §9 "the
// circuit breaker guards every handler invocation, not a per-source one").
func (s *Scheduler) invokeHandler(ctx context.Context, h handler.CardHandler, execCtx handler.ExecutionContext) (handler.CardResult, error) {
	if s.breaker != nil && !s.breaker.Allow() {
		return handler.CardResult{}, fmt.Errorf("circuit breaker open for card handler invocations")
	}
	start := time.Now()
	result, err := h.Execute(execCtx)
	obs.CardExecutionDuration.Observe(time.Since(start).Seconds())
	if s.breaker != nil {
		prevState := s.breaker.State()
		s.breaker.Record(err == nil)
		obs.CircuitBreakerState.Set(float64(s.breaker.State()))
		if prevState != breaker.Open && s.breaker.State() == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
	return result, err
}

// preloadArtifacts fetches the full (unpruned) artifact payload for every
// declared dependency card_type so a handler can read upstream results
// (spec §4.F "per-card execution reads dependency outputs"). Without
// card_specs.py's per-(source,card_type) preload table, every declared
// dependency is preloaded uniformly, keyed by its own card_type.
func (s *Scheduler) preloadArtifacts(ctx context.Context, jobID string, card *cardstore.Card) map[string]any {
	deps := card.EffectiveDeps()
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]any, len(deps))
	for _, dep := range deps {
		art, err := s.artifacts.GetArtifact(ctx, jobID, dep)
		if err != nil || art == nil {
			continue
		}
		out[dep] = art.Payload
	}
	return out
}

// retryCard returns a card to ready with an incremented retry count (spec
// §4.F "retry/fallback logic"). The handler's error is recorded as a
// card.progress event so SSE clients see the retry without it looking like
// a terminal failure.
func (s *Scheduler) retryCard(ctx context.Context, job *cardstore.Job, card *cardstore.Card, cause error) {
	next := card.RetryCount + 1
	_, err := s.cards.UpdateCardStatus(ctx, cardstore.UpdateCardStatusInput{
		CardID:     card.ID,
		Status:     cardstore.CardReady,
		RetryCount: &next,
	})
	if err != nil {
		s.log.Error("scheduler: retry transition failed", zap.Int64("card_id", card.ID), zap.Error(err))
		return
	}
	obs.CardsRetried.Inc()
	s.appendEvent(ctx, job.ID, &card.ID, eventstore.EventCardProgress, map[string]any{
		"step":    "retry",
		"message": cause.Error(),
		"attempt": next,
	})
	s.kick(ctx)
}

// finishExecution runs the quality gate over a successful handler result,
// applying the fallback payload if retries under the gate are exhausted,
// then persists the card as completed (spec §4.A, §4.F).
func (s *Scheduler) finishExecution(ctx context.Context, job *cardstore.Job, card *cardstore.Card, result handler.CardResult) {
	data := result.Data
	isFallback := result.IsFallback

	if !result.SkipValidation && !envelope.IsInternal(card.CardType) && !isFallback {
		gateCtx := envelope.Context{Source: job.Source, CardType: card.CardType, JobID: job.ID, UserID: job.UserID}
		decision := s.gate.Validate(job.Source, card.CardType, data, gateCtx)
		switch decision.Action {
		case envelope.ActionRetry:
			if card.RetryCount < envelope.MaxRetries(card.CardType, s.retries) {
				msg := "gate requested retry"
				if decision.Issue != nil {
					msg = decision.Issue.Message
				}
				s.retryCard(ctx, job, card, &envelope.ValidationError{Msg: msg})
				return
			}
			data = s.gate.Fallback(job.Source, card.CardType, gateCtx, &decision, nil)
			isFallback = true
			obs.CardsFallback.Inc()
		case envelope.ActionFallback:
			data = s.gate.Fallback(job.Source, card.CardType, gateCtx, &decision, nil)
			isFallback = true
			obs.CardsFallback.Inc()
		default:
			data = decision.Normalized
		}
	}

	fullEnvelope := envelope.Ensure(data)
	s.saveArtifact(ctx, job.ID, card, fullEnvelope)

	persisted := data
	if !envelope.IsInternal(card.CardType) {
		persisted = s.applyPersistencePolicy(data)
	} else {
		persisted = map[string]any{}
	}

	now := time.Now().UTC()
	_, err := s.cards.UpdateCardStatus(ctx, cardstore.UpdateCardStatusInput{
		CardID: card.ID,
		Status: cardstore.CardCompleted,
		Output: persisted,
		EndedAt: &now,
	})
	if err != nil {
		s.log.Error("scheduler: complete transition failed", zap.Int64("card_id", card.ID), zap.Error(err))
		return
	}
	obs.CardsCompleted.Inc()

	completedPayload := map[string]any{"card_type": card.CardType}
	if isFallback {
		completedPayload["fallback"] = true
	}
	if result.Meta != nil {
		completedPayload["meta"] = result.Meta
	}
	s.appendEvent(ctx, job.ID, &card.ID, eventstore.EventCardCompleted, completedPayload)

	if n, err := s.cards.ReleaseReadyCards(ctx, job.ID); err != nil {
		s.log.Error("scheduler: release ready cards failed", zap.String("job_id", job.ID), zap.Error(err))
	} else if n > 0 {
		s.kick(ctx)
	}

	s.updateJobState(ctx, job.ID)
}

// applyPersistencePolicy prunes a business card's payload to a placeholder
// when config.Persistence disables full DB storage or the encoded payload
// would exceed the configured byte budget (spec §9 "variable-shape
// payloads" / config surface "persist_to_db", "persist_max_bytes").
func (s *Scheduler) applyPersistencePolicy(data any) any {
	if !s.persist.PersistToDB {
		return map[string]any{"_meta": map[string]any{"persisted": false}}
	}
	if s.persist.PersistMaxBytes > 0 {
		if b := jsonSize(data); b > s.persist.PersistMaxBytes {
			return map[string]any{"_meta": map[string]any{"persisted": false, "reason": "exceeds_persist_max_bytes"}}
		}
	}
	return data
}

// saveArtifact stores the full (unpruned) card payload in the artifact
// store regardless of DB-persistence policy, so dependents can always
// preload the real data (spec §4.F preloadArtifacts).
func (s *Scheduler) saveArtifact(ctx context.Context, jobID string, card *cardstore.Card, env envelope.Envelope) {
	payload, ok := env.Data.(map[string]any)
	if !ok {
		payload = map[string]any{"value": env.Data}
	}
	cardID := card.ID
	if _, err := s.artifacts.SaveArtifact(ctx, artifactstore.Artifact{
		JobID:    jobID,
		CardID:   &cardID,
		Type:     card.CardType,
		Payload:  payload,
	}); err != nil {
		s.log.Warn("scheduler: save artifact failed", zap.Int64("card_id", card.ID), zap.Error(err))
	}
}

// failCard marks a card failed and cascades a skip to its dependents (spec
// §4.F "Failure handling"). full_report, resource.*, and business-card
// failures all flow through this single path: the cascade, event emission,
// and job-state recheck are identical across all three cases, differing
// only in log messages that don't warrant separate code paths.
func (s *Scheduler) failCard(ctx context.Context, job *cardstore.Job, card *cardstore.Card, cause error) {
	now := time.Now().UTC()
	_, err := s.cards.UpdateCardStatus(ctx, cardstore.UpdateCardStatusInput{
		CardID:  card.ID,
		Status:  cardstore.CardFailed,
		Output:  map[string]any{"_meta": map[string]any{"error": cause.Error()}},
		EndedAt: &now,
	})
	if err != nil {
		s.log.Error("scheduler: fail transition failed", zap.Int64("card_id", card.ID), zap.Error(err))
	}
	obs.CardsFailed.Inc()
	s.appendEvent(ctx, job.ID, &card.ID, eventstore.EventCardFailed, map[string]any{
		"card_type": card.CardType,
		"error":     cause.Error(),
	})

	skipped, serr := s.cards.MarkDependentCardsSkipped(ctx, job.ID, card.CardType)
	if serr != nil {
		s.log.Error("scheduler: skip cascade failed", zap.String("job_id", job.ID), zap.Error(serr))
	} else if skipped > 0 {
		obs.CardsSkipped.Add(float64(skipped))
		s.appendEvent(ctx, job.ID, nil, eventstore.EventCardSkipped, map[string]any{
			"caused_by": card.CardType,
			"count":     skipped,
		})
	}

	s.updateJobState(ctx, job.ID)
}

// appendEvent is a thin, error-swallowing wrapper: a failed event append
// must never abort the state transition that already committed (spec §7
// "best-effort async side effects").
func (s *Scheduler) appendEvent(ctx context.Context, jobID string, cardID *int64, eventType string, payload map[string]any) {
	if _, err := s.events.AppendEvent(ctx, jobID, cardID, eventType, payload); err != nil {
		s.log.Warn("scheduler: append event failed", zap.String("job_id", jobID), zap.String("event_type", eventType), zap.Error(err))
	}
}

// kick attempts an out-of-band claim+dispatch pass so newly-released cards
// don't wait for the next poll tick (spec §4.F dispatch responsiveness).
func (s *Scheduler) kick(ctx context.Context) {
	go func() {
		claimed, err := s.claim(ctx, 10)
		if err != nil {
			s.log.Warn("scheduler: out-of-band claim failed", zap.Error(err))
			return
		}
		if len(claimed) == 0 {
			return
		}
		s.enqueue(claimed)
		s.drainPending(ctx)
	}()
}
