package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"blockweave/internal/models"
)

// memGraphStore is an in-memory GraphStore for manager tests.
type memGraphStore struct {
	mu     sync.Mutex
	blocks map[string]*models.ContentBlock
}

func newMemGraphStore() *memGraphStore {
	return &memGraphStore{blocks: make(map[string]*models.ContentBlock)}
}

func (s *memGraphStore) SaveBlock(ctx context.Context, block *models.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *block
	s.blocks[block.ID] = &cp
	return nil
}

func (s *memGraphStore) DeleteBlocks(ctx context.Context, projectID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.blocks, id)
	}
	return nil
}

func (s *memGraphStore) LoadProject(ctx context.Context, projectID string) ([]*models.ContentBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ContentBlock
	for _, b := range s.blocks {
		if b.ProjectID == projectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func fieldBlock(id, projectID string) *models.ContentBlock {
	return &models.ContentBlock{
		ID:        id,
		ProjectID: projectID,
		Type:      models.BlockTypeField,
		Name:      id,
	}
}

func waitForEvent(t *testing.T, events <-chan models.BlockChangeEvent) models.BlockChangeEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a forwarded change event")
		return models.BlockChangeEvent{}
	}
}

func TestEventSink_ForwardsChangesOfLazilyLoadedGraphs(t *testing.T) {
	manager := NewGraphManager(newMemGraphStore())
	events := make(chan models.BlockChangeEvent, 16)
	manager.SetEventSink(func(evt models.BlockChangeEvent) { events <- evt })

	g, err := manager.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := g.AddBlock(context.Background(), fieldBlock("f1", "p1")); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	evt := waitForEvent(t, events)
	if evt.ProjectID != "p1" || evt.BlockID != "f1" || evt.Kind != models.ChangeCreated {
		t.Errorf("unexpected forwarded event: %+v", evt)
	}
}

func TestEventSink_AttachesToAlreadyCachedGraphs(t *testing.T) {
	manager := NewGraphManager(newMemGraphStore())

	// The graph is cached before the sink exists.
	g, err := manager.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	events := make(chan models.BlockChangeEvent, 16)
	manager.SetEventSink(func(evt models.BlockChangeEvent) { events <- evt })

	if err := g.AddBlock(context.Background(), fieldBlock("f1", "p1")); err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}
	evt := waitForEvent(t, events)
	if evt.BlockID != "f1" {
		t.Errorf("cached graph's events must reach a late-set sink, got %+v", evt)
	}
}
