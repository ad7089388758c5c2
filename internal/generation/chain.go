package generation

import (
	"context"
	"log"
	"sync"
	"time"

	"blockweave/internal/graph"
	"blockweave/internal/models"
)

// ChainResult summarizes one auto-trigger sweep over a project.
type ChainResult struct {
	ProjectID   string        `json:"project_id"`
	Generations int           `json:"generations"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
	Coalesced   bool          `json:"coalesced"` // a re-entrant call was folded into this sweep
}

// Chain is the auto-trigger controller: after any change it sweeps the project
// graph, fires at most one eligible block at a time, awaits its terminal result
// and re-scans until fixed point. Re-entrant calls for the same project coalesce
// into a single follow-up sweep instead of running in parallel, preserving the
// one-lease-per-block invariant project-wide.
type Chain struct {
	executor *Executor
	metrics  MetricsSink

	mu      sync.Mutex
	running map[string]bool
	queued  map[string]bool
}

// NewChain creates the chain controller over a shared executor.
func NewChain(executor *Executor, metrics MetricsSink) *Chain {
	return &Chain{
		executor: executor,
		metrics:  metrics,
		running:  make(map[string]bool),
		queued:   make(map[string]bool),
	}
}

// IsRunning reports whether a sweep is active for the project.
func (c *Chain) IsRunning(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[projectID]
}

// Run starts a sweep for the project's graph in the background. If a sweep is
// already active the call becomes a queued follow-up sweep (coalesced: many
// triggers, one extra sweep). onComplete, when non-nil, is invoked with the
// final result once the chain reaches fixed point.
func (c *Chain) Run(ctx context.Context, g *graph.Graph, onComplete func(ChainResult)) {
	projectID := g.ProjectID()

	c.mu.Lock()
	if c.running[projectID] {
		c.queued[projectID] = true
		c.mu.Unlock()
		log.Printf("🔁 [CHAIN] Sweep already running for project %s, coalescing", projectID)
		return
	}
	c.running[projectID] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, projectID)
			c.mu.Unlock()
		}()

		result := c.sweep(ctx, g)
		for {
			c.mu.Lock()
			again := c.queued[projectID]
			delete(c.queued, projectID)
			c.mu.Unlock()
			if !again || ctx.Err() != nil {
				break
			}
			result.Coalesced = true
			next := c.sweep(ctx, g)
			result.Generations += next.Generations
			result.Failed += next.Failed
			result.Duration += next.Duration
		}

		if onComplete != nil {
			onComplete(result)
		}
	}()
}

// sweep runs one full pass to fixed point. Each iteration completes at most one
// block, so the iteration count is bounded by the block count: the termination
// bound from the spec of the chain.
func (c *Chain) sweep(ctx context.Context, g *graph.Graph) ChainResult {
	projectID := g.ProjectID()
	started := time.Now()
	result := ChainResult{ProjectID: projectID}

	maxIterations := len(g.Blocks())
	log.Printf("🚀 [CHAIN] Starting sweep for project %s (bound: %d iterations)", projectID, maxIterations)

	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			log.Printf("⏹️ [CHAIN] Sweep for project %s cancelled after %d generations", projectID, result.Generations)
			break
		}

		eligible := g.AutoEligible()
		if len(eligible) == 0 {
			break
		}
		next := eligible[0]

		updates, err := c.executor.Generate(ctx, g, next.ID, graph.TriggerAuto)
		if err != nil {
			// Lease conflict means a manual generate raced us; skip this pass
			// and let the follow-up re-scan pick up the result.
			log.Printf("⚠️ [CHAIN] Could not fire block '%s': %v", next.ID, err)
			result.Failed++
			continue
		}

		terminal := drain(updates)
		result.Generations++
		if terminal != models.UpdateCompleted {
			result.Failed++
		}
		log.Printf("🔗 [CHAIN] Block '%s' finished (%s), re-scanning", next.ID, terminal)
	}

	result.Duration = time.Since(started)
	if c.metrics != nil {
		c.metrics.ChainSweepCompleted(result.Generations)
	}
	log.Printf("🏁 [CHAIN] Sweep for project %s done: %d generations, %d failed, %v",
		projectID, result.Generations, result.Failed, result.Duration)
	return result
}

// drain consumes a generation stream and returns the terminal update type. A
// stream closed without a terminal update (dropped under backpressure) is
// treated as failed; the graph remains authoritative either way.
func drain(updates <-chan models.GenerationUpdate) string {
	terminal := models.UpdateFailed
	for u := range updates {
		switch u.Type {
		case models.UpdateCompleted, models.UpdateFailed, models.UpdateCancelled:
			terminal = u.Type
		}
	}
	return terminal
}
