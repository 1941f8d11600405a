// Copyright 2025 James Ross

// Package scheduler implements the claim/dispatch loop described in spec
// §4.F: a bounded global execution pool, a FIFO of locally-claimed cards,
// per-group bounded semaphores, and the full per-card execution state
// machine (lease reconfirmation, quality-gate retry/fallback, dependency
// skip cascades, and idempotent job finalization).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardforge/runtime/internal/artifactstore"
	"github.com/cardforge/runtime/internal/breaker"
	"github.com/cardforge/runtime/internal/cache"
	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/envelope"
	"github.com/cardforge/runtime/internal/eventstore"
	"github.com/cardforge/runtime/internal/handler"
	"github.com/cardforge/runtime/internal/obs"
	"go.uber.org/zap"
)

const cacheWriteQueueDepth = 64

// Scheduler owns the claim/dispatch loop against a shared cardstore.Store
// (spec §4.F "Topology"). Multiple Scheduler processes may run against the
// same database concurrently; correctness relies on the store's row
// locking and lease guard, not on anything in this struct.
type Scheduler struct {
	cards     *cardstore.Store
	events    *eventstore.Store
	artifacts *artifactstore.Store
	analysis  *cache.Store
	gate      *envelope.Gate
	handlers  *handler.Registry
	breaker   *breaker.CircuitBreaker

	cfg      config.Scheduler
	retries  config.Retries
	persist  config.Persistence
	cacheCfg config.Cache

	log *zap.Logger

	groups *groupSemaphores

	pendingMu sync.Mutex
	pending   []pendingCard
	dispatch  sync.Mutex

	inflight int64

	running sync.Map // jobID -> struct{}{}, best-effort "transitioned to running" memo

	cacheWrites chan func(context.Context)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Scheduler from its collaborators. cb may be nil, in which
// case handler invocations are never guarded by a circuit breaker (used by
// tests that don't care about that concern).
func New(
	cards *cardstore.Store,
	events *eventstore.Store,
	artifacts *artifactstore.Store,
	analysis *cache.Store,
	gate *envelope.Gate,
	handlers *handler.Registry,
	cb *breaker.CircuitBreaker,
	cfg *config.Config,
	log *zap.Logger,
) (*Scheduler, error) {
	limits, err := config.ParseGroupLimits(cfg.Scheduler.ConcurrencyGroupLimits)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cards:       cards,
		events:      events,
		artifacts:   artifacts,
		analysis:    analysis,
		gate:        gate,
		handlers:    handlers,
		breaker:     cb,
		cfg:         cfg.Scheduler,
		retries:     cfg.Retries,
		persist:     cfg.Persistence,
		cacheCfg:    cfg.Cache,
		log:         log,
		groups:      newGroupSemaphores(limits, cfg.Scheduler.MaxWorkers),
		cacheWrites: make(chan func(context.Context), cacheWriteQueueDepth),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start launches the poll loop and the small cache-write worker pool in
// background goroutines (spec §5 "one small pool for asynchronous cache
// writes"). It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < 2; i++ {
		go s.runCacheWriteWorker(ctx)
	}
	go s.runLoop(ctx)
}

// Stop signals the poll loop to exit and waits up to
// cfg.StopJoinTimeout for it to do so (spec §6 "Exit behavior").
func (s *Scheduler) Stop() {
	close(s.stopCh)
	timeout := s.cfg.StopJoinTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-s.doneCh:
	case <-time.After(timeout):
		s.log.Warn("scheduler: stop join timed out")
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		didWork, err := s.tick(ctx)
		if err != nil {
			s.log.Error("scheduler: tick failed", zap.Error(err))
		}
		if !didWork {
			select {
			case <-time.After(poll):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// tick runs one iteration of the main loop (spec §4.F "Main loop"): claim
// more work if there's room, then drain whatever is locally pending.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	didWork := false

	if s.pendingLen() < 2*s.cfg.MaxWorkers {
		limit := s.cfg.MaxWorkers - int(atomic.LoadInt64(&s.inflight))
		if limit > 10 {
			limit = 10
		}
		if limit > 0 {
			claimed, err := s.claim(ctx, limit)
			if err != nil {
				return didWork, err
			}
			if len(claimed) > 0 {
				didWork = true
				s.enqueue(claimed)
			}
		}
	}

	if s.drainPending(ctx) {
		didWork = true
	}
	return didWork, nil
}

func (s *Scheduler) claim(ctx context.Context, limit int) ([]*cardstore.Card, error) {
	ctx, span := obs.StartClaimSpan(ctx, limit)
	defer span.End()
	cards, err := s.cards.ClaimReadyCards(ctx, limit)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("scheduler: claim ready cards: %w", err)
	}
	obs.SetSpanSuccess(ctx)
	obs.CardsClaimed.Add(float64(len(cards)))
	return cards, nil
}

func (s *Scheduler) pendingLen() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) enqueue(cards []*cardstore.Card) {
	now := time.Now()
	s.pendingMu.Lock()
	for _, c := range cards {
		s.pending = append(s.pending, pendingCard{card: c, enqueuedAt: now})
	}
	s.pendingMu.Unlock()
	obs.SchedulerPending.Set(float64(s.pendingLen()))
}

// pendingCard tracks how long a claimed card has waited in the local FIFO
// for a free group semaphore slot, feeding obs.GroupSemaphoreWaitSeconds.
type pendingCard struct {
	card       *cardstore.Card
	enqueuedAt time.Time
}

// drainPending is the non-reentrant dispatch loop (spec §4.F "Acquired
// under a non-reentrant lock. Rotates the FIFO once..."). A TryLock failure
// means another goroutine is already draining; that's not an error, just a
// no-op for this call.
func (s *Scheduler) drainPending(ctx context.Context) bool {
	if !s.dispatch.TryLock() {
		return false
	}
	defer s.dispatch.Unlock()

	dispatchedAny := false
	rotations := s.pendingLen()
	for i := 0; i < rotations; i++ {
		s.pendingMu.Lock()
		if len(s.pending) == 0 {
			s.pendingMu.Unlock()
			break
		}
		entry := s.pending[0]
		s.pending = s.pending[1:]
		s.pendingMu.Unlock()

		group := cardGroup(entry.card)
		sem := s.groups.get(group)
		if sem.TryAcquire(1) {
			atomic.AddInt64(&s.inflight, 1)
			obs.SchedulerInflight.Set(float64(atomic.LoadInt64(&s.inflight)))
			obs.GroupSemaphoreWaitSeconds.WithLabelValues(group).Observe(time.Since(entry.enqueuedAt).Seconds())
			dispatchedAny = true
			go s.runClaimed(ctx, entry.card, sem)
			continue
		}

		s.pendingMu.Lock()
		s.pending = append(s.pending, entry)
		s.pendingMu.Unlock()
	}
	obs.SchedulerPending.Set(float64(s.pendingLen()))
	return dispatchedAny
}

func (s *Scheduler) runClaimed(ctx context.Context, card *cardstore.Card, sem interface{ Release(int64) }) {
	defer func() {
		sem.Release(1)
		atomic.AddInt64(&s.inflight, -1)
		obs.SchedulerInflight.Set(float64(atomic.LoadInt64(&s.inflight)))
		// Re-kick the dispatcher immediately rather than waiting for the
		// next poll tick, so a freed slot is reused right away (spec §4.F
		// "try_acquire is non-blocking; blocking is avoided by the
		// rotation design").
		go s.drainPending(ctx)
	}()
	s.executeCard(ctx, card)
}

// DebugStatus reports the scheduler's live in-process state for the
// /debug/scheduler endpoint (spec gorilla/mux wiring).
func (s *Scheduler) DebugStatus() map[string]any {
	status := map[string]any{
		"inflight":     atomic.LoadInt64(&s.inflight),
		"pending":      s.pendingLen(),
		"max_workers":  s.cfg.MaxWorkers,
		"poll_interval": s.cfg.PollInterval.String(),
	}
	if s.breaker != nil {
		status["circuit_breaker_state"] = int(s.breaker.State())
	}
	return status
}

func decodeJSON(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func mergeInput(jobOptions, cardInput []byte) map[string]any {
	merged := decodeJSON(jobOptions)
	for k, v := range decodeJSON(cardInput) {
		merged[k] = v
	}
	return merged
}
