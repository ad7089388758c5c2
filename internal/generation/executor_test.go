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

// mockService scripts the external generation collaborator per test.
type mockService struct {
	mu       sync.Mutex
	calls    []Request
	generate func(ctx context.Context, req Request, onChunk func(string)) (string, error)
}

func (m *mockService) Generate(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	return m.generate(ctx, req, onChunk)
}

func (m *mockService) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testField(id string, deps ...string) *models.ContentBlock {
	return &models.ContentBlock{
		ID:           id,
		ProjectID:    "p1",
		Type:         models.BlockTypeField,
		Name:         id,
		AIPrompt:     id, // lets the mock identify the block from the request
		DependsOn:    deps,
		AutoGenerate: true,
	}
}

func newTestGraph(t *testing.T, blocks ...*models.ContentBlock) *graph.Graph {
	t.Helper()
	g := graph.New("p1", nil)
	for _, b := range blocks {
		if err := g.AddBlock(context.Background(), b); err != nil {
			t.Fatalf("AddBlock(%s) failed: %v", b.ID, err)
		}
	}
	return g
}

func collectUpdates(t *testing.T, updates <-chan models.GenerationUpdate) []models.GenerationUpdate {
	t.Helper()
	var out []models.GenerationUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("timed out waiting for updates channel to close")
		}
	}
}

func TestGenerate_StreamsAndCommits(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			onChunk("hello ")
			onChunk("world")
			return "hello world", nil
		},
	}
	exec := NewExecutor(svc, nil)
	g := newTestGraph(t, testField("f1"))

	updates, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	got := collectUpdates(t, updates)
	if len(got) != 3 {
		t.Fatalf("expected 2 chunks + 1 terminal, got %d updates", len(got))
	}
	if got[0].Type != models.UpdateChunk || got[1].Type != models.UpdateChunk {
		t.Error("first two updates should be chunks")
	}
	terminal := got[2]
	if terminal.Type != models.UpdateCompleted || terminal.Content != "hello world" {
		t.Errorf("unexpected terminal update: %+v", terminal)
	}

	b := g.GetBlock("f1")
	if b.Status != models.BlockStatusCompleted || b.Content != "hello world" || !b.Generated {
		t.Errorf("block not committed: %s %q %v", b.Status, b.Content, b.Generated)
	}
	if exec.ActiveLeases() != 0 {
		t.Errorf("lease not released: %d active", exec.ActiveLeases())
	}
}

func TestGenerate_LeaseExclusivity(t *testing.T) {
	gate := make(chan struct{})
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			<-gate
			return "done", nil
		},
	}
	exec := NewExecutor(svc, nil)
	g := newTestGraph(t, testField("f1"))

	updates, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	if exec.ActiveLeases() != 1 {
		t.Fatalf("expected 1 active lease, got %d", exec.ActiveLeases())
	}

	// A second call must fail synchronously with a lease conflict, not an
	// eligibility error: the block is in_progress under an exclusive lease.
	_, err = exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if !errors.Is(err, ErrLeaseConflict) {
		t.Errorf("concurrent Generate must report a lease conflict, got %v", err)
	}
	if errors.Is(err, ErrDependencyUnmet) {
		t.Errorf("lease conflict must not read as unmet dependencies: %v", err)
	}
	if svc.callCount() != 1 {
		t.Errorf("the second call must not reach the service, got %d calls", svc.callCount())
	}

	close(gate)
	collectUpdates(t, updates)
	if exec.ActiveLeases() != 0 {
		t.Errorf("lease not released after completion: %d", exec.ActiveLeases())
	}
}

func TestGenerate_CancellationRestoresPriorState(t *testing.T) {
	started := make(chan struct{})
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			close(started)
			onChunk("partial out")
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec := NewExecutor(svc, nil)

	prior := testField("f1")
	prior.Content = "original content"
	prior.Generated = true
	prior.Status = models.BlockStatusCompleted
	g := newTestGraph(t, prior)

	updates, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	<-started
	if !exec.Stop("f1") {
		t.Fatal("Stop should find the in-flight lease")
	}

	got := collectUpdates(t, updates)
	terminal := got[len(got)-1]
	if terminal.Type != models.UpdateCancelled {
		t.Errorf("expected cancelled terminal, got %s", terminal.Type)
	}

	// Cancellation purity: the block reads as if the run never happened.
	b := g.GetBlock("f1")
	if b.Status != models.BlockStatusCompleted {
		t.Errorf("status should be restored to completed, got %s", b.Status)
	}
	if b.Content != "original content" {
		t.Errorf("content should be restored exactly, got %q", b.Content)
	}
	if exec.ActiveLeases() != 0 {
		t.Errorf("lease not released after cancel: %d", exec.ActiveLeases())
	}
}

func TestGenerate_FailureMarksBlockFailed(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			return "", errors.New("upstream exploded")
		},
	}
	exec := NewExecutor(svc, nil)
	g := newTestGraph(t, testField("f1"))

	updates, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	got := collectUpdates(t, updates)
	terminal := got[len(got)-1]
	if terminal.Type != models.UpdateFailed || terminal.Error == "" {
		t.Errorf("expected failed terminal with error, got %+v", terminal)
	}
	if g.GetBlock("f1").Status != models.BlockStatusFailed {
		t.Error("block should be marked failed")
	}
}

func TestGenerate_RejectsUnmetDependencies(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			return "never called", nil
		},
	}
	exec := NewExecutor(svc, nil)
	g := newTestGraph(t, testField("dep"), testField("f1", "dep"))

	_, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if !errors.Is(err, ErrDependencyUnmet) {
		t.Errorf("expected ErrDependencyUnmet, got %v", err)
	}
	if svc.callCount() != 0 {
		t.Error("ineligible block must not reach the service")
	}
}

func TestGenerate_UnknownBlock(t *testing.T) {
	exec := NewExecutor(&mockService{}, nil)
	g := newTestGraph(t)

	_, err := exec.Generate(context.Background(), g, "ghost", graph.TriggerManual)
	if !errors.Is(err, graph.ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestGenerate_TimeoutFails(t *testing.T) {
	svc := &mockService{
		generate: func(ctx context.Context, req Request, onChunk func(string)) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec := NewExecutor(svc, nil)
	exec.SetCallTimeout(20 * time.Millisecond)
	g := newTestGraph(t, testField("f1"))

	updates, err := exec.Generate(context.Background(), g, "f1", graph.TriggerManual)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	got := collectUpdates(t, updates)
	terminal := got[len(got)-1]
	// deadline exceeded is a failure, not a cancellation
	if terminal.Type != models.UpdateFailed {
		t.Errorf("timeout should fail the block, got %s", terminal.Type)
	}
	if g.GetBlock("f1").Status != models.BlockStatusFailed {
		t.Error("block should be failed after timeout")
	}
}

func TestStop_NoLease(t *testing.T) {
	exec := NewExecutor(&mockService{}, nil)
	if exec.Stop("nothing") {
		t.Error("Stop without an in-flight generation should return false")
	}
}
