// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/cardforge/runtime/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CardsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_claimed_total",
		Help: "Total number of cards claimed from the store",
	})
	CardsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_completed_total",
		Help: "Total number of cards that reached completed",
	})
	CardsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_failed_total",
		Help: "Total number of cards that reached failed",
	})
	CardsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_skipped_total",
		Help: "Total number of cards skipped by a dependency cascade",
	})
	CardsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_retried_total",
		Help: "Total number of card retries issued by the quality gate",
	})
	CardsFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_fallback_total",
		Help: "Total number of cards that exhausted retries and used a fallback payload",
	})
	CardExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "card_execution_duration_seconds",
		Help:    "Histogram of card handler execution durations",
		Buckets: prometheus.DefBuckets,
	})
	SchedulerInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_inflight_cards",
		Help: "Number of cards currently dispatched to the execution pool",
	})
	SchedulerPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_pending_cards",
		Help: "Number of locally-claimed cards waiting for a concurrency-group slot",
	})
	GroupSemaphoreWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_group_semaphore_wait_seconds",
		Help:    "Time a card waited to acquire its concurrency-group slot",
		Buckets: prometheus.DefBuckets,
	}, []string{"group"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs finalized, labeled by terminal status",
	}, []string{"status"})
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of analysis-cache reads that were fresh hits",
	})
	CacheStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_stale_total",
		Help: "Total number of analysis-cache reads that returned a stale payload",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of analysis-cache reads with no row found",
	})
	RefreshRunsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_refresh_runs_started_total",
		Help: "Total number of single-flight refresh runs started",
	})
	RefreshRunsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_refresh_runs_skipped_total",
		Help: "Total number of refresh attempts that found one already in flight",
	})
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_outbox_pending",
		Help: "Current number of pending backup outbox rows",
	})
	OutboxProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backup_outbox_processed_total",
		Help: "Total number of backup outbox rows successfully replicated",
	})
	OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backup_outbox_failed_total",
		Help: "Total number of backup outbox replication attempts that errored",
	})
	EvictorBytesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_evictor_bytes_freed_total",
		Help: "Total bytes reclaimed by the local cache evictor",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the handler-invocation circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		CardsClaimed, CardsCompleted, CardsFailed, CardsSkipped, CardsRetried, CardsFallback,
		CardExecutionDuration, SchedulerInflight, SchedulerPending, GroupSemaphoreWaitSeconds,
		JobsCompleted, CacheHits, CacheStale, CacheMisses, RefreshRunsStarted, RefreshRunsSkipped,
		OutboxPending, OutboxProcessed, OutboxFailed, EvictorBytesFreed,
		CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
