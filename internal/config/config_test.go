// Copyright 2025 James Ross
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 500, cfg.SSE.BatchSize)
	assert.NotEmpty(t, cfg.Postgres.DSN)
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheduler.MaxWorkers = 0
	assert.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.SSE.BatchSize = 10000
	assert.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Cache.LockTTL = 0
	assert.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Scheduler.ConcurrencyGroupLimits = "resource=notanumber"
	assert.Error(t, Validate(cfg))
}

func TestParseGroupLimits(t *testing.T) {
	m, err := ParseGroupLimits("resource=8,llm=4, apify = 4")
	require.NoError(t, err)
	assert.Equal(t, 8, m["resource"])
	assert.Equal(t, 4, m["llm"])
	assert.Equal(t, 4, m["apify"])

	_, err = ParseGroupLimits("badentry")
	assert.Error(t, err)
}
