// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Postgres holds connection settings for the durable store (jobs, cards,
// events, idempotency mapping, analysis cache, backup outbox).
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Redis holds connection settings for the realtime event-store tier.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	Enabled            bool          `mapstructure:"enabled"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Scheduler configures the claim/dispatch loop (spec §4.F, §6).
type Scheduler struct {
	MaxWorkers              int           `mapstructure:"max_workers"`
	PollInterval            time.Duration `mapstructure:"poll_interval_seconds"`
	ClaimBatchSize          int           `mapstructure:"claim_batch_size"`
	ConcurrencyGroupLimits  string        `mapstructure:"concurrency_group_limits"`
	StopJoinTimeout         time.Duration `mapstructure:"stop_join_timeout"`
}

// SSE configures event-store replay (spec §4.B, §6).
type SSE struct {
	BatchSize              int           `mapstructure:"batch_size"`
	KeepaliveInterval       time.Duration `mapstructure:"keepalive_interval"`
	TerminalGrace           time.Duration `mapstructure:"terminal_grace"`
	JobTTL                  time.Duration `mapstructure:"job_ttl_seconds"`
	JobMaxEvents            int64         `mapstructure:"job_max_events"`
	CleanupOnJobCompleted   bool          `mapstructure:"cleanup_on_job_completed"`
	PostJobTTL              time.Duration `mapstructure:"post_job_ttl_seconds"`
}

// Cache configures the multi-tier analysis cache (spec §4.D, §6).
type Cache struct {
	TTL                  time.Duration     `mapstructure:"ttl_seconds"`
	SourceTTL            map[string]string `mapstructure:"source_ttl_seconds"`
	LockTTL              time.Duration     `mapstructure:"lock_ttl_seconds"`
	AccessTouchInterval  time.Duration     `mapstructure:"access_touch_interval"`
	L1Dir                string            `mapstructure:"l1_dir"`
	BackupTTLMultiplier  float64           `mapstructure:"backup_ttl_multiplier"`
	BackupMaxTTL         time.Duration     `mapstructure:"backup_max_ttl_seconds"`
	EvictorEnabled       bool              `mapstructure:"evictor_enabled"`
	EvictorInterval      time.Duration     `mapstructure:"evictor_interval_seconds"`
	EvictorStaleGrace    time.Duration     `mapstructure:"evictor_stale_grace_seconds"`
	EvictorBatchSize     int               `mapstructure:"evictor_batch_size"`
	EvictorMaxBytes      int64             `mapstructure:"evictor_max_bytes"`
}

// Artifact configures the per-job blob store (spec §4.E, §6).
type Artifact struct {
	DiskDir         string   `mapstructure:"disk_dir"`
	DiskTTL         time.Duration `mapstructure:"disk_ttl_seconds"`
	DiskMaxBytes    int64    `mapstructure:"disk_max_bytes"`
	Compress        bool     `mapstructure:"compress"`
	SkipDBTypes     []string `mapstructure:"skip_db_types"`
	SkipDBPrefixes  []string `mapstructure:"skip_db_prefixes"`
	DBDisabled      bool     `mapstructure:"db_disabled"`
}

// Persistence controls how much of a card's output is written back to the
// durable store (spec §6 "card.output.persist_to_db").
type Persistence struct {
	PersistToDB     bool  `mapstructure:"persist_to_db"`
	PersistMaxBytes int64 `mapstructure:"persist_max_bytes"`
}

// Retries holds per-category retry budgets (spec §4.A).
type Retries struct {
	MaxResource int `mapstructure:"max_retries_resource"`
	MaxAI       int `mapstructure:"max_retries_ai"`
	MaxBase     int `mapstructure:"max_retries_base"`
}

// Replicator configures the backup outbox worker (spec §4.D, §6). DSN is the
// remote backup database the local SQLite/Postgres cache replicates into;
// the replicator stays idle when it is empty (single-DB deployments).
type Replicator struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval_seconds"`
	LockTTL         time.Duration `mapstructure:"lock_ttl_seconds"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	Endpoint           string  `mapstructure:"endpoint"`
	Environment        string  `mapstructure:"environment"`
	SamplingStrategy   string  `mapstructure:"sampling_strategy"`
	SamplingRate       float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort   int           `mapstructure:"metrics_port"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFile       string        `mapstructure:"log_file"`
	LogMaxSizeMB  int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups int           `mapstructure:"log_max_backups"`
	LogCompress   bool          `mapstructure:"log_compress"`
	Tracing       TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Postgres       Postgres            `mapstructure:"postgres"`
	Redis          Redis               `mapstructure:"redis"`
	Scheduler      Scheduler           `mapstructure:"scheduler"`
	SSE            SSE                 `mapstructure:"sse"`
	Cache          Cache               `mapstructure:"cache"`
	Artifact       Artifact            `mapstructure:"artifact"`
	Persistence    Persistence         `mapstructure:"card_output"`
	Retries        Retries             `mapstructure:"retries"`
	Replicator     Replicator          `mapstructure:"backup_replicator"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/cardrun?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			Enabled:            false,
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Scheduler: Scheduler{
			MaxWorkers:             16,
			PollInterval:           1 * time.Second,
			ClaimBatchSize:         10,
			ConcurrencyGroupLimits: "resource=8,llm=4,github_api=6,crawlbase=4,apify=4,default=16",
			StopJoinTimeout:        2 * time.Second,
		},
		SSE: SSE{
			BatchSize:             500,
			KeepaliveInterval:     15 * time.Second,
			TerminalGrace:         2 * time.Second,
			JobTTL:                1 * time.Hour,
			JobMaxEvents:          10000,
			CleanupOnJobCompleted: true,
			PostJobTTL:            30 * time.Second,
		},
		Cache: Cache{
			TTL:                 24 * time.Hour,
			LockTTL:             900 * time.Second,
			AccessTouchInterval: 15 * time.Second,
			L1Dir:               "./.local/cache",
			BackupTTLMultiplier: 4,
			BackupMaxTTL:        365 * 24 * time.Hour,
			EvictorEnabled:      true,
			EvictorInterval:     5 * time.Minute,
			EvictorStaleGrace:   1 * time.Hour,
			EvictorBatchSize:    500,
			EvictorMaxBytes:     0, // 0 => auto-size, see cache.LocalCacheEvictor.diskBudgetBytes
		},
		Artifact: Artifact{
			DiskDir:      "./.local/artifacts",
			DiskTTL:      24 * time.Hour,
			DiskMaxBytes: 50 * 1024 * 1024,
			Compress:     true,
		},
		Persistence: Persistence{
			PersistToDB:     true,
			PersistMaxBytes: 1 << 20,
		},
		Retries: Retries{
			MaxResource: 2,
			MaxAI:       2,
			MaxBase:     1,
		},
		Replicator: Replicator{
			Enabled:         true,
			BatchSize:       50,
			PollInterval:    5 * time.Second,
			LockTTL:         60 * time.Second,
			MaxPayloadBytes: 5 << 20,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort:   9090,
			LogLevel:      "info",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
			LogCompress:   true,
			Tracing:       TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file and env overrides, matching the
// teacher's viper pattern: defaults are always set, the file is optional,
// env vars win via AutomaticEnv with "." replaced by "_".
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.enabled", def.Redis.Enabled)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("scheduler.max_workers", def.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.poll_interval_seconds", def.Scheduler.PollInterval)
	v.SetDefault("scheduler.claim_batch_size", def.Scheduler.ClaimBatchSize)
	v.SetDefault("scheduler.concurrency_group_limits", def.Scheduler.ConcurrencyGroupLimits)
	v.SetDefault("scheduler.stop_join_timeout", def.Scheduler.StopJoinTimeout)

	v.SetDefault("sse.batch_size", def.SSE.BatchSize)
	v.SetDefault("sse.keepalive_interval", def.SSE.KeepaliveInterval)
	v.SetDefault("sse.terminal_grace", def.SSE.TerminalGrace)
	v.SetDefault("sse.job_ttl_seconds", def.SSE.JobTTL)
	v.SetDefault("sse.job_max_events", def.SSE.JobMaxEvents)
	v.SetDefault("sse.cleanup_on_job_completed", def.SSE.CleanupOnJobCompleted)
	v.SetDefault("sse.post_job_ttl_seconds", def.SSE.PostJobTTL)

	v.SetDefault("cache.ttl_seconds", def.Cache.TTL)
	v.SetDefault("cache.lock_ttl_seconds", def.Cache.LockTTL)
	v.SetDefault("cache.access_touch_interval", def.Cache.AccessTouchInterval)
	v.SetDefault("cache.l1_dir", def.Cache.L1Dir)
	v.SetDefault("cache.backup_ttl_multiplier", def.Cache.BackupTTLMultiplier)
	v.SetDefault("cache.backup_max_ttl_seconds", def.Cache.BackupMaxTTL)
	v.SetDefault("cache.evictor_enabled", def.Cache.EvictorEnabled)
	v.SetDefault("cache.evictor_interval_seconds", def.Cache.EvictorInterval)
	v.SetDefault("cache.evictor_stale_grace_seconds", def.Cache.EvictorStaleGrace)
	v.SetDefault("cache.evictor_batch_size", def.Cache.EvictorBatchSize)
	v.SetDefault("cache.evictor_max_bytes", def.Cache.EvictorMaxBytes)

	v.SetDefault("artifact.disk_dir", def.Artifact.DiskDir)
	v.SetDefault("artifact.disk_ttl_seconds", def.Artifact.DiskTTL)
	v.SetDefault("artifact.disk_max_bytes", def.Artifact.DiskMaxBytes)
	v.SetDefault("artifact.compress", def.Artifact.Compress)
	v.SetDefault("artifact.db_disabled", def.Artifact.DBDisabled)

	v.SetDefault("card_output.persist_to_db", def.Persistence.PersistToDB)
	v.SetDefault("card_output.persist_max_bytes", def.Persistence.PersistMaxBytes)

	v.SetDefault("retries.max_retries_resource", def.Retries.MaxResource)
	v.SetDefault("retries.max_retries_ai", def.Retries.MaxAI)
	v.SetDefault("retries.max_retries_base", def.Retries.MaxBase)

	v.SetDefault("backup_replicator.enabled", def.Replicator.Enabled)
	v.SetDefault("backup_replicator.dsn", def.Replicator.DSN)
	v.SetDefault("backup_replicator.batch_size", def.Replicator.BatchSize)
	v.SetDefault("backup_replicator.poll_interval_seconds", def.Replicator.PollInterval)
	v.SetDefault("backup_replicator.lock_ttl_seconds", def.Replicator.LockTTL)
	v.SetDefault("backup_replicator.max_payload_bytes", def.Replicator.MaxPayloadBytes)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.log_max_size_mb", def.Observability.LogMaxSizeMB)
	v.SetDefault("observability.log_max_backups", def.Observability.LogMaxBackups)
	v.SetDefault("observability.log_compress", def.Observability.LogCompress)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Scheduler.MaxWorkers < 1 || cfg.Scheduler.MaxWorkers > 64 {
		return fmt.Errorf("scheduler.max_workers must be 1..64")
	}
	if cfg.SSE.BatchSize < 1 || cfg.SSE.BatchSize > 5000 {
		return fmt.Errorf("sse.batch_size must be 1..5000")
	}
	if cfg.Cache.LockTTL < 60*time.Second || cfg.Cache.LockTTL > 24*time.Hour {
		return fmt.Errorf("cache.lock_ttl_seconds must be 60s..24h")
	}
	if cfg.Cache.BackupTTLMultiplier <= 0 || cfg.Cache.BackupTTLMultiplier > 365 {
		return fmt.Errorf("cache.backup_ttl_multiplier must be (0,365]")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if _, err := ParseGroupLimits(cfg.Scheduler.ConcurrencyGroupLimits); err != nil {
		return fmt.Errorf("scheduler.concurrency_group_limits: %w", err)
	}
	return nil
}

// ParseGroupLimits parses the "grp=n,grp2=n2" string from
// scheduler.concurrency_group_limits (spec §4.F, §6) into a map.
func ParseGroupLimits(s string) (map[string]int, error) {
	out := map[string]int{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed group limit entry %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("malformed group limit value in %q: %w", part, err)
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out, nil
}
