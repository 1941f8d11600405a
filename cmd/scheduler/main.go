// Copyright 2025 James Ross

// Command scheduler runs the claim/dispatch loop described in spec §4.F as
// a standalone long-running process, wired the way the teacher's cmd/
// entrypoints construct their dependencies once in main and pass them by
// reference (config, a zap.Logger, and the store layer are all built here
// and handed down, never reached for via package-level singletons).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
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
	"github.com/cardforge/runtime/internal/redisclient"
	"github.com/cardforge/runtime/internal/scheduler"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the scheduler's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLoggerFromConfig(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Warn("scheduler: tracing init failed, continuing without it", zap.Error(err))
	}

	db, dialect, err := openDB(cfg.Postgres)
	if err != nil {
		log.Fatal("scheduler: open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redisclient.New(cfg)
	}

	cards := cardstore.New(db, dialect)
	events := eventstore.New(db, dialect, rdb, cards, cfg)
	artifacts := artifactstore.New(db, dialect, cfg.Artifact)
	analysis := cache.New(db, dialect, cfg.Cache)

	gate := envelope.NewGate()
	registry := handler.NewRegistry()
	registerCardHandlers(registry)

	var cb *breaker.CircuitBreaker
	if cfg.CircuitBreaker.Window > 0 {
		cb = breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	}

	sched, err := scheduler.New(cards, events, artifacts, analysis, gate, registry, cb, cfg, log)
	if err != nil {
		log.Fatal("scheduler: construct scheduler", zap.Error(err))
	}

	// The evictor bounds the sqlite file behind db, which holds the
	// analysis_artifact_cache table it deletes from.
	evictorPath := ""
	if dialect == "sqlite3" {
		evictorPath = strings.TrimPrefix(strings.SplitN(cfg.Postgres.DSN, "?", 2)[0], "file:")
	}
	evictor := cache.NewLocalCacheEvictor(db, dialect, evictorPath, cfg.Cache, log)
	var backupDB *sql.DB
	if cfg.Replicator.Enabled && cfg.Replicator.DSN != "" {
		backupDB, err = sql.Open(dialectFromDSN(cfg.Replicator.DSN), cfg.Replicator.DSN)
		if err != nil {
			log.Fatal("scheduler: open backup database", zap.Error(err))
		}
		defer func() { _ = backupDB.Close() }()
	}
	replicator := cache.NewBackupReplicator(db, dialect, backupDB, cfg.Replicator, cfg.Cache, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readiness := func(ctx context.Context) error { return db.PingContext(ctx) }
	httpSrv := obs.StartSchedulerHTTPServer(cfg, readiness, sched.DebugStatus)

	evictor.Start(ctx)
	replicator.Start(ctx)
	sched.Start(ctx)
	log.Info("scheduler: started",
		zap.Int("max_workers", cfg.Scheduler.MaxWorkers),
		zap.Duration("poll_interval", cfg.Scheduler.PollInterval),
		zap.String("dialect", dialect),
	)

	<-ctx.Done()
	log.Info("scheduler: shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if tp != nil {
		_ = obs.TracerShutdown(shutdownCtx, tp)
	}
}

// openDB opens the primary store database, inferring the driver from the
// DSN scheme (spec §6 "configuration surface" — postgres in production,
// sqlite for single-node/offline deployments).
func openDB(pg config.Postgres) (*sql.DB, string, error) {
	dialect := dialectFromDSN(pg.DSN)
	db, err := sql.Open(dialect, pg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == "postgres" {
		db.SetMaxOpenConns(pg.MaxOpenConns)
		db.SetMaxIdleConns(pg.MaxIdleConns)
		db.SetConnMaxLifetime(pg.ConnMaxLifetime)
	} else {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, "", fmt.Errorf("ping %s database: %w", dialect, err)
	}
	return db, dialect, nil
}

func dialectFromDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite3"
}
