// Copyright 2025 James Ross
package scheduler

import (
	"strings"
	"sync"

	"github.com/cardforge/runtime/internal/cardstore"
	"github.com/cardforge/runtime/internal/envelope"
	"golang.org/x/sync/semaphore"
)

const (
	groupResource = "resource"
	groupLLM      = "llm"
	groupDefault  = "default"
)

// cardGroup resolves a card's concurrency group (spec §4.F "Group
// budgets"): an explicit ConcurrencyGroup wins; otherwise a resource.* card
// gets the "resource" group, an AI-card-set business card gets "llm", and
// everything else gets "default".
func cardGroup(c *cardstore.Card) string {
	if c.ConcurrencyGroup.Valid {
		g := strings.TrimSpace(c.ConcurrencyGroup.String)
		if g != "" {
			return g
		}
	}
	if strings.HasPrefix(c.CardType, "resource.") {
		return groupResource
	}
	if envelope.IsAICardType(c.CardType) {
		return groupLLM
	}
	return groupDefault
}

// groupSemaphores lazily constructs and caches one semaphore.Weighted per
// concurrency group, capping its weight to the parsed config limit (or the
// "default" group's limit, else max_workers, for an unrecognized group, and
// min(limit, max_workers) for
// "llm"/"apify" per spec §4.F "conservatively capped").
type groupSemaphores struct {
	mu         sync.Mutex
	limits     map[string]int
	maxWorkers int
	sems       map[string]*semaphore.Weighted
}

func newGroupSemaphores(limits map[string]int, maxWorkers int) *groupSemaphores {
	return &groupSemaphores{limits: limits, maxWorkers: maxWorkers, sems: map[string]*semaphore.Weighted{}}
}

func (g *groupSemaphores) limitFor(group string) int {
	n, ok := g.limits[group]
	if !ok {
		n, ok = g.limits[groupDefault]
		if !ok {
			n = g.maxWorkers
		}
	}
	if group == groupLLM || group == "apify" {
		if n > g.maxWorkers || n <= 0 {
			n = g.maxWorkers
		}
	}
	if n <= 0 {
		n = g.maxWorkers
	}
	return n
}

func (g *groupSemaphores) get(group string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sem, ok := g.sems[group]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(g.limitFor(group)))
	g.sems[group] = sem
	return sem
}
