package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blockweave/internal/graph"
	"blockweave/internal/models"
)

func runChain(t *testing.T, c *Chain, g *graph.Graph) ChainResult {
	t.Helper()
	resultCh := make(chan ChainResult, 1)
	c.Run(context.Background(), g, func(r ChainResult) { resultCh <- r })
	select {
	case r := <-resultCh:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not reach fixed point in time")
		return ChainResult{}
	}
}

func TestChain_GeneratesDependencyChain(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			return "content for " + req.Prompt, nil
		},
	}
	exec := NewExecutor(svc, nil)
	chain := NewChain(exec, nil)

	// b depends on a, c depends on b: one sweep must carry the wave through.
	g := newTestGraph(t, testField("a"), testField("b", "a"), testField("c", "b"))

	result := runChain(t, chain, g)
	if result.Generations != 3 {
		t.Errorf("expected 3 generations, got %d", result.Generations)
	}
	if result.Failed != 0 {
		t.Errorf("expected no failures, got %d", result.Failed)
	}
	for _, id := range []string{"a", "b", "c"} {
		b := g.GetBlock(id)
		if b.Status != models.BlockStatusCompleted {
			t.Errorf("block %s should be completed, got %s", id, b.Status)
		}
	}
	if g.GetBlock("c").Content != "content for c" {
		t.Errorf("unexpected content for c: %q", g.GetBlock("c").Content)
	}
}

func TestChain_SkipsOptedOutBlocks(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			return "generated", nil
		},
	}
	exec := NewExecutor(svc, nil)
	chain := NewChain(exec, nil)

	manual := testField("manual")
	manual.AutoGenerate = false
	review := testField("review")
	review.NeedReview = true
	g := newTestGraph(t, testField("auto"), manual, review)

	result := runChain(t, chain, g)
	if result.Generations != 1 {
		t.Errorf("only the opted-in block should fire, got %d generations", result.Generations)
	}
	if g.GetBlock("manual").Status != models.BlockStatusPending {
		t.Error("auto_generate=false block must stay pending")
	}
	if g.GetBlock("review").Status != models.BlockStatusPending {
		t.Error("need_review block must stay pending")
	}
}

func TestChain_FailureDoesNotUnblockDependents(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			if req.Prompt == "a" {
				return "", errors.New("generation exploded")
			}
			return "generated", nil
		},
	}
	exec := NewExecutor(svc, nil)
	chain := NewChain(exec, nil)

	g := newTestGraph(t, testField("a"), testField("b", "a"))

	result := runChain(t, chain, g)
	if result.Generations != 1 || result.Failed != 1 {
		t.Errorf("expected 1 generation 1 failed, got %d/%d", result.Generations, result.Failed)
	}
	if g.GetBlock("a").Status != models.BlockStatusFailed {
		t.Error("a should be failed")
	}
	// a failed run leaves no content, so b's dependency stays unmet
	if g.GetBlock("b").Status != models.BlockStatusPending {
		t.Error("b must stay pending behind its failed dependency")
	}
}

func TestChain_ReentrantRunsCoalesce(t *testing.T) {
	release := make(chan struct{})
	firstCall := make(chan struct{})
	var once sync.Once
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			once.Do(func() { close(firstCall) })
			<-release
			return "generated", nil
		},
	}
	exec := NewExecutor(svc, nil)
	chain := NewChain(exec, nil)

	g := newTestGraph(t, testField("a"))

	resultCh := make(chan ChainResult, 1)
	chain.Run(context.Background(), g, func(r ChainResult) { resultCh <- r })
	<-firstCall

	if !chain.IsRunning("p1") {
		t.Fatal("chain should report running mid-sweep")
	}

	// Re-entrant triggers while a sweep is active must fold into one follow-up
	// sweep, not run in parallel.
	chain.Run(context.Background(), g, func(ChainResult) { t.Error("coalesced run must not get its own callback") })
	chain.Run(context.Background(), g, func(ChainResult) { t.Error("coalesced run must not get its own callback") })

	close(release)
	select {
	case result := <-resultCh:
		if !result.Coalesced {
			t.Error("result should be flagged coalesced")
		}
		// the single block completed in the first pass; follow-up sweeps find
		// nothing eligible
		if result.Generations != 1 {
			t.Errorf("expected 1 generation total, got %d", result.Generations)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not finish")
	}

	if chain.IsRunning("p1") {
		t.Error("chain should be idle after fixed point")
	}
}

func TestChain_BoundedByBlockCount(t *testing.T) {
	// A service that always fails would loop forever without the iteration
	// bound, because failed blocks are not auto-eligible again but a buggy
	// predicate could keep returning them. The sweep must stop at the bound.
	calls := 0
	var mu sync.Mutex
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "", errors.New("always fails")
		},
	}
	exec := NewExecutor(svc, nil)
	chain := NewChain(exec, nil)

	g := newTestGraph(t, testField("a"), testField("b"), testField("c"))

	result := runChain(t, chain, g)
	mu.Lock()
	total := calls
	mu.Unlock()
	if total > len(g.Blocks()) {
		t.Errorf("sweep exceeded the block-count bound: %d calls", total)
	}
	if result.Failed != 3 {
		t.Errorf("expected 3 failures, got %d", result.Failed)
	}
}

func TestChain_EmptyGraphNoop(t *testing.T) {
	exec := NewExecutor(&mockService{}, nil)
	chain := NewChain(exec, nil)
	g := newTestGraph(t)

	result := runChain(t, chain, g)
	if result.Generations != 0 || result.Failed != 0 {
		t.Errorf("empty graph sweep should do nothing, got %+v", result)
	}
}
