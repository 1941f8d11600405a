//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cardforge/runtime/internal/artifactstore"
	"github.com/cardforge/runtime/internal/cache"
	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/config"
	"github.com/cardforge/runtime/internal/envelope"
	"github.com/cardforge/runtime/internal/eventstore"
	"github.com/cardforge/runtime/internal/handler"
	"github.com/cardforge/runtime/internal/scheduler"
	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// TestIntegration runs the end-to-end scenarios of spec §8 against a real
// Postgres container, the way the teacher's multi-cluster suite stands up
// real Redis containers rather than faking the wire protocol.
func TestIntegration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" && testing.Short() {
		t.Skip("set INTEGRATION_TESTS=1 to run the container-backed integration suite")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "Card Runtime Integration Suite")
}

var (
	pgContainer testcontainers.Container
	db          *sql.DB

	cards     *cardstore.Store
	events    *eventstore.Store
	artifacts *artifactstore.Store
	analysis  *cache.Store
)

var _ = BeforeSuite(func() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cardrun",
			"POSTGRES_PASSWORD": "cardrun",
			"POSTGRES_DB":       "cardrun",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	var err error
	pgContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	Expect(err).NotTo(HaveOccurred())

	host, err := pgContainer.Host(ctx)
	Expect(err).NotTo(HaveOccurred())
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	Expect(err).NotTo(HaveOccurred())

	dsn := fmt.Sprintf("postgres://cardrun:cardrun@%s:%s/cardrun?sslmode=disable", host, port.Port())

	db, err = sql.Open("postgres", dsn)
	Expect(err).NotTo(HaveOccurred())
	Eventually(func() error { return db.PingContext(ctx) }, 30*time.Second, time.Second).Should(Succeed())

	schema, err := os.ReadFile(migrationPath())
	Expect(err).NotTo(HaveOccurred())
	_, err = db.ExecContext(ctx, string(schema))
	Expect(err).NotTo(HaveOccurred())

	cards = cardstore.New(db, "postgres")
	events = eventstore.New(db, "postgres", nil, cards, &config.Config{})
	artifacts = artifactstore.New(db, "postgres", config.Artifact{})
	analysis = cache.New(db, "postgres", config.Cache{})
})

var _ = AfterSuite(func() {
	ctx := context.Background()
	if db != nil {
		_ = db.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
})

func migrationPath() string {
	if p := os.Getenv("CARDRUN_MIGRATIONS_PATH"); p != "" {
		return p
	}
	return "../../migrations/0001_schema.sql"
}

// newScheduler builds a fresh Scheduler over the suite's shared database for
// one scenario, with its own gate/registry so scenarios never leak handler
// registrations into one another.
func newScheduler(gate *envelope.Gate, registry *handler.Registry, retries config.Retries) *scheduler.Scheduler {
	cfg := &config.Config{
		Scheduler: config.Scheduler{
			MaxWorkers:             4,
			PollInterval:           10 * time.Millisecond,
			ClaimBatchSize:         10,
			ConcurrencyGroupLimits: "resource=2,llm=2,github_api=2,crawlbase=2,apify=2,default=4",
			StopJoinTimeout:        2 * time.Second,
		},
		Retries:     retries,
		Persistence: config.Persistence{PersistToDB: true},
		Cache:       config.Cache{TTL: time.Hour},
	}
	sched, err := scheduler.New(cards, events, artifacts, analysis, gate, registry, nil, cfg, zaptest.NewLogger(GinkgoT()))
	Expect(err).NotTo(HaveOccurred())
	return sched
}

// runUntilTerminal starts sched's real poll loop and waits for jobID to
// reach a terminal status, driving the scenario through the actual
// claim/dispatch/execute/finalize path rather than a mocked clock. It stops
// the scheduler before returning.
func runUntilTerminal(ctx context.Context, sched *scheduler.Scheduler, jobID string, deadline time.Duration) *cardstore.Job {
	sched.Start(ctx)
	defer sched.Stop()

	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		job, err := cards.GetJob(ctx, jobID)
		Expect(err).NotTo(HaveOccurred())
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, err := cards.GetJob(ctx, jobID)
	Expect(err).NotTo(HaveOccurred())
	return job
}
