package services

import (
	"context"
	"fmt"
	"sync"

	"blockweave/internal/graph"
	"blockweave/internal/models"
)

// GraphStore is the persistence surface the manager needs: project load plus
// the graph's write-through Persister.
type GraphStore interface {
	graph.Persister
	LoadProject(ctx context.Context, projectID string) ([]*models.ContentBlock, error)
}

// GraphManager caches one loaded Graph per project. Graphs are loaded lazily
// from the block store on first access and kept for the process lifetime; the
// in-memory graph is the source of truth, MySQL the mirror.
type GraphManager struct {
	store GraphStore

	mu     sync.Mutex
	graphs map[string]*graph.Graph
	sink   func(models.BlockChangeEvent)
}

// NewGraphManager creates the manager over the block store.
func NewGraphManager(store GraphStore) *GraphManager {
	return &GraphManager{
		store:  store,
		graphs: make(map[string]*graph.Graph),
	}
}

// SetEventSink forwards every change event of every loaded graph to sink, for
// cross-instance fanout. Set it once, before serving traffic.
func (m *GraphManager) SetEventSink(sink func(models.BlockChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	for _, g := range m.graphs {
		m.forwardEvents(g)
	}
}

// forwardEvents pumps one graph's change events into the sink. The subscription
// lives as long as the graph; cached graphs are never dropped mid-run.
func (m *GraphManager) forwardEvents(g *graph.Graph) {
	events, _ := g.Subscribe()
	sink := m.sink
	go func() {
		for evt := range events {
			sink(evt)
		}
	}()
}

// Get returns the project's graph, loading it from storage on first access.
func (m *GraphManager) Get(ctx context.Context, projectID string) (*graph.Graph, error) {
	m.mu.Lock()
	if g, ok := m.graphs[projectID]; ok {
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	blocks, err := m.store.LoadProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph for project %s: %w", projectID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have loaded it while we were reading.
	if g, ok := m.graphs[projectID]; ok {
		return g, nil
	}
	g := graph.New(projectID, m.store)
	g.Load(blocks)
	m.graphs[projectID] = g
	if m.sink != nil {
		m.forwardEvents(g)
	}
	return g, nil
}

// Peek returns the cached graph without loading, or nil.
func (m *GraphManager) Peek(projectID string) *graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graphs[projectID]
}

// Evict drops a cached graph, forcing a reload on next access.
func (m *GraphManager) Evict(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.graphs, projectID)
}

// BlockContent implements the read-only content lookup used by the evaluation
// engine. Falls back to loading the graph when the project is not cached yet.
func (m *GraphManager) BlockContent(projectID, blockID string) (string, string, bool) {
	g := m.Peek(projectID)
	if g == nil {
		var err error
		g, err = m.Get(context.Background(), projectID)
		if err != nil {
			return "", "", false
		}
	}
	b := g.GetBlock(blockID)
	if b == nil {
		return "", "", false
	}
	return b.Name, b.Content, true
}
