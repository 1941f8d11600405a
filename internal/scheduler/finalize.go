// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"encoding/json"

	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/eventstore"
	"github.com/cardforge/runtime/internal/obs"
	"go.uber.org/zap"
)

// updateJobState recomputes a job's terminal status from its cards'
// current statuses and idempotently finalizes it (spec §4.F
// "Finalization"): any card still pending/ready/running defers the
// decision; failed>0 with completed>0 is partial; failed>0 with no
// completions is failed; otherwise completed.
func (s *Scheduler) updateJobState(ctx context.Context, jobID string) {
	counts, err := s.cards.CountCardsByStatus(ctx, jobID)
	if err != nil {
		s.log.Error("scheduler: count cards by status failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if counts[cardstore.CardPending]+counts[cardstore.CardReady]+counts[cardstore.CardRunning] > 0 {
		return
	}

	failed := counts[cardstore.CardFailed]
	completed := counts[cardstore.CardCompleted]

	var status cardstore.JobStatus
	switch {
	case failed > 0 && completed > 0:
		status = cardstore.JobPartial
	case failed > 0 && completed == 0:
		status = cardstore.JobFailed
	default:
		status = cardstore.JobCompleted
	}

	var result any
	if status == cardstore.JobCompleted {
		result = s.collectJobResult(ctx, jobID)
	}

	won, err := s.cards.TryFinalizeJob(ctx, jobID, status, result)
	if err != nil {
		s.log.Error("scheduler: finalize job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !won {
		// Another goroutine (or process) already finalized this job.
		return
	}

	obs.JobsCompleted.WithLabelValues(string(status)).Inc()
	s.appendEvent(ctx, jobID, nil, eventstore.EventJobCompleted, map[string]any{"status": string(status)})
	if status == cardstore.JobFailed {
		// spec §4.F: a wholly-failed job emits both job.completed{status:
		// failed} and a distinct job.failed event.
		s.appendEvent(ctx, jobID, nil, eventstore.EventJobFailed, map[string]any{})
	}

	if status == cardstore.JobCompleted {
		s.scheduleCacheWrite(jobID)
	}
}

// collectJobResult assembles a job's final result payload from its
// completed cards' full (unpruned) artifact data, keyed by card_type. DB-
// persisted card output may have been pruned by config.Persistence, so the
// artifact store — not job_cards.output — is the source of truth here.
func (s *Scheduler) collectJobResult(ctx context.Context, jobID string) map[string]any {
	cards, err := s.cards.ListCardsForJob(ctx, jobID)
	if err != nil {
		s.log.Warn("scheduler: list cards for result collection failed", zap.String("job_id", jobID), zap.Error(err))
		return map[string]any{}
	}
	out := map[string]any{}
	for _, c := range cards {
		if c.Status != cardstore.CardCompleted {
			continue
		}
		art, err := s.artifacts.GetArtifact(ctx, jobID, c.CardType)
		if err != nil || art == nil {
			continue
		}
		out[c.CardType] = art.Payload
	}
	return out
}

// scheduleCacheWrite enqueues a best-effort final-result cache write (spec
// §9 "best-effort async side effects" — losing this write never fails the
// job, it only costs a future cache miss). Enqueue is non-blocking; a full
// queue drops the write rather than stalling the card that triggered it.
func (s *Scheduler) scheduleCacheWrite(jobID string) {
	select {
	case s.cacheWrites <- func(ctx context.Context) { s.saveFinalResultCache(ctx, jobID) }:
	default:
		s.log.Warn("scheduler: cache write queue full, dropping final-result cache write", zap.String("job_id", jobID))
	}
}

func (s *Scheduler) runCacheWriteWorker(ctx context.Context) {
	for {
		select {
		case fn, ok := <-s.cacheWrites:
			if !ok {
				return
			}
			fn(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// saveFinalResultCache writes a completed job's result into the analysis
// cache's final-result slot, keyed by (source, subject_key, pipeline
// version, options hash) (spec §4.D, §4.F "_maybe_save_final_result_cache").
func (s *Scheduler) saveFinalResultCache(ctx context.Context, jobID string) {
	job, err := s.cards.GetJob(ctx, jobID)
	if err != nil {
		s.log.Warn("scheduler: load job for cache write failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !job.SubjectKey.Valid || !isCacheableSubject(job.Source, job.SubjectKey.String) {
		return
	}

	var options map[string]any
	_ = json.Unmarshal(job.Options, &options)
	var input map[string]any
	_ = json.Unmarshal(job.Input, &input)

	subject, err := s.analysis.GetOrCreateSubject(ctx, job.Source, job.SubjectKey.String, input)
	if err != nil {
		s.log.Warn("scheduler: get or create subject for cache write failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	var result map[string]any
	_ = json.Unmarshal(job.Result, &result)

	pv := pipelineVersion(job.Source)
	oh := computeOptionsHash(options)
	ttl := cacheTTLSeconds(job.Source, s.cacheCfg.TTL, s.cacheCfg.SourceTTL)

	if _, err := s.analysis.SaveFinalResult(ctx, job.Source, subject, pv, oh, result, ttl, nil); err != nil {
		s.log.Warn("scheduler: save final result cache failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
