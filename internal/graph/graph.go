package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"blockweave/internal/models"
)

// Error kinds surfaced synchronously to callers of graph mutations.
var (
	ErrBlockNotFound = errors.New("block not found")
	ErrDuplicateID   = errors.New("block id already exists")
	ErrCycleDetected = errors.New("dependency edge would create a cycle")
	ErrBadParent     = errors.New("parent block not found")
)

// Persister mirrors graph mutations into durable storage. A nil persister keeps
// the graph purely in-memory (tests).
type Persister interface {
	SaveBlock(ctx context.Context, block *models.ContentBlock) error
	DeleteBlocks(ctx context.Context, projectID string, ids []string) error
}

// Graph is the in-memory source of truth for one project's content blocks: the
// ownership tree plus the secondary depends_on edge set. All mutations go through
// it so eligibility stays consistent, and every successful mutation emits a
// BlockChangeEvent to subscribers.
type Graph struct {
	projectID string
	persister Persister

	mu         sync.RWMutex
	blocks     map[string]*models.ContentBlock
	children   map[string][]string // parent id -> child ids, insertion order
	dependents map[string][]string // block id -> ids that depend on it

	subMu   sync.Mutex
	subs    map[int]chan models.BlockChangeEvent
	nextSub int
}

// New creates an empty graph for a project.
func New(projectID string, persister Persister) *Graph {
	return &Graph{
		projectID:  projectID,
		persister:  persister,
		blocks:     make(map[string]*models.ContentBlock),
		children:   make(map[string][]string),
		dependents: make(map[string][]string),
		subs:       make(map[int]chan models.BlockChangeEvent),
	}
}

// Load seeds the graph from stored blocks, rebuilding both edge indexes.
func (g *Graph) Load(blocks []*models.ContentBlock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocks = make(map[string]*models.ContentBlock, len(blocks))
	g.children = make(map[string][]string)
	g.dependents = make(map[string][]string)
	sorted := append([]*models.ContentBlock(nil), blocks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SortOrder < sorted[j].SortOrder })
	for _, b := range sorted {
		cp := b.Clone()
		g.blocks[cp.ID] = cp
		if cp.ParentID != "" {
			g.children[cp.ParentID] = append(g.children[cp.ParentID], cp.ID)
		}
		for _, dep := range cp.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], cp.ID)
		}
	}
}

// ProjectID returns the project this graph belongs to.
func (g *Graph) ProjectID() string { return g.projectID }

// Subscribe registers a change-event listener. The returned cancel func must be
// called to release the subscription. Events are delivered best-effort: a full
// buffer drops the event rather than blocking a mutation.
func (g *Graph) Subscribe() (<-chan models.BlockChangeEvent, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	id := g.nextSub
	g.nextSub++
	ch := make(chan models.BlockChangeEvent, 64)
	g.subs[id] = ch
	return ch, func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		if _, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(ch)
		}
	}
}

func (g *Graph) emit(blockID string, kind models.ChangeKind, status models.BlockStatus) {
	evt := models.BlockChangeEvent{
		ProjectID: g.projectID,
		BlockID:   blockID,
		Kind:      kind,
		Status:    status,
		At:        time.Now(),
	}
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("⚠️ [GRAPH] Subscriber buffer full, dropping %s event for block %s", kind, blockID)
		}
	}
}

// AddBlock inserts a block. The parent (when set) must exist and dependencies
// must exist and stay acyclic.
func (g *Graph) AddBlock(ctx context.Context, block *models.ContentBlock) error {
	g.mu.Lock()
	if _, ok := g.blocks[block.ID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, block.ID)
	}
	if block.ParentID != "" {
		if _, ok := g.blocks[block.ParentID]; !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBadParent, block.ParentID)
		}
	}
	for _, dep := range block.DependsOn {
		if _, ok := g.blocks[dep]; !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: dependency %s", ErrBlockNotFound, dep)
		}
	}
	if g.wouldCreateCycleLocked(block.ID, block.DependsOn) {
		g.mu.Unlock()
		return fmt.Errorf("%w: block %s", ErrCycleDetected, block.ID)
	}

	cp := block.Clone()
	if cp.Status == "" {
		cp.Status = models.BlockStatusPending
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	g.blocks[cp.ID] = cp
	if cp.ParentID != "" {
		g.children[cp.ParentID] = append(g.children[cp.ParentID], cp.ID)
	}
	for _, dep := range cp.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], cp.ID)
	}
	persisted := cp.Clone()
	g.mu.Unlock()

	if err := g.persist(ctx, persisted); err != nil {
		return err
	}
	g.emit(cp.ID, models.ChangeCreated, cp.Status)
	return nil
}

// UpdateBlock applies a partial update. A depends_on change is rejected with
// ErrCycleDetected when the new edge set would close a cycle; the graph is left
// unchanged in that case.
func (g *Graph) UpdateBlock(ctx context.Context, id string, patch models.BlockPatch) (*models.ContentBlock, error) {
	g.mu.Lock()
	b, ok := g.blocks[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}

	if patch.DependsOn != nil {
		newDeps := *patch.DependsOn
		for _, dep := range newDeps {
			if _, ok := g.blocks[dep]; !ok {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: dependency %s", ErrBlockNotFound, dep)
			}
		}
		if g.wouldCreateCycleLocked(id, newDeps) {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: block %s", ErrCycleDetected, id)
		}
		g.removeDependentLocked(b.DependsOn, id)
		b.DependsOn = append([]string(nil), newDeps...)
		for _, dep := range newDeps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	if patch.Name != nil {
		b.Name = *patch.Name
	}
	if patch.Status != nil {
		b.Status = TransitionStatus(b.Status, *patch.Status)
	}
	if patch.Content != nil {
		b.Content = *patch.Content
		b.Generated = true // direct edit counts as available content
	}
	if patch.AIPrompt != nil {
		b.AIPrompt = *patch.AIPrompt
	}
	if patch.SpecialHandler != nil {
		b.SpecialHandler = *patch.SpecialHandler
	}
	if patch.NeedReview != nil {
		b.NeedReview = *patch.NeedReview
	}
	if patch.AutoGenerate != nil {
		b.AutoGenerate = *patch.AutoGenerate
	}
	if patch.ModelOverride != nil {
		b.ModelOverride = *patch.ModelOverride
	}
	if patch.PreAnswers != nil {
		b.PreAnswers = append([]models.QAPair(nil), (*patch.PreAnswers)...)
	}
	if patch.SortOrder != nil {
		b.SortOrder = *patch.SortOrder
	}
	b.UpdatedAt = time.Now()
	result := b.Clone()
	g.mu.Unlock()

	if err := g.persist(ctx, result); err != nil {
		return nil, err
	}
	g.emit(id, models.ChangeUpdated, result.Status)
	return result, nil
}

// DeleteBlock removes a block, recursively deletes its tree descendants, and
// prunes the deleted ids from every remaining block's depends_on. Policy choice:
// descendants are deleted, never reparented.
func (g *Graph) DeleteBlock(ctx context.Context, id string) error {
	g.mu.Lock()
	b, ok := g.blocks[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}

	doomed := g.collectSubtreeLocked(id)
	doomedSet := make(map[string]bool, len(doomed))
	for _, d := range doomed {
		doomedSet[d] = true
	}

	var touched []*models.ContentBlock
	for _, other := range g.blocks {
		if doomedSet[other.ID] {
			continue
		}
		pruned := other.DependsOn[:0:0]
		changed := false
		for _, dep := range other.DependsOn {
			if doomedSet[dep] {
				changed = true
				continue
			}
			pruned = append(pruned, dep)
		}
		if changed {
			other.DependsOn = pruned
			other.UpdatedAt = time.Now()
			touched = append(touched, other.Clone())
		}
	}

	for _, d := range doomed {
		victim := g.blocks[d]
		g.removeDependentLocked(victim.DependsOn, d)
		delete(g.blocks, d)
		delete(g.children, d)
		delete(g.dependents, d)
	}
	if b.ParentID != "" {
		g.children[b.ParentID] = removeID(g.children[b.ParentID], id)
	}
	g.mu.Unlock()

	if g.persister != nil {
		if err := g.persister.DeleteBlocks(ctx, g.projectID, doomed); err != nil {
			return fmt.Errorf("failed to delete blocks: %w", err)
		}
		for _, t := range touched {
			if err := g.persister.SaveBlock(ctx, t); err != nil {
				return fmt.Errorf("failed to persist pruned depends_on: %w", err)
			}
		}
	}
	for _, d := range doomed {
		g.emit(d, models.ChangeDeleted, "")
	}
	for _, t := range touched {
		g.emit(t.ID, models.ChangeUpdated, t.Status)
	}
	return nil
}

// GetBlock returns a copy of the block, or nil if absent.
func (g *Graph) GetBlock(id string) *models.ContentBlock {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blocks[id].Clone()
}

// Blocks returns copies of all blocks in deterministic order (sort_order, then id).
func (g *Graph) Blocks() []*models.ContentBlock {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.ContentBlock, 0, len(g.blocks))
	for _, b := range g.blocks {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetChildren returns copies of the direct children in insertion order.
func (g *Graph) GetChildren(id string) []*models.ContentBlock {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.children[id]
	out := make([]*models.ContentBlock, 0, len(ids))
	for _, cid := range ids {
		if c := g.blocks[cid]; c != nil {
			out = append(out, c.Clone())
		}
	}
	return out
}

// GetDependents returns copies of the blocks whose depends_on references id.
func (g *Graph) GetDependents(id string) []*models.ContentBlock {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.ContentBlock, 0, len(g.dependents[id]))
	for _, did := range g.dependents[id] {
		if d := g.blocks[did]; d != nil {
			out = append(out, d.Clone())
		}
	}
	return out
}

// WouldCreateCycle reports whether replacing id's depends_on with newDeps closes
// a cycle in the union of tree-descendant closure and dependency edges.
func (g *Graph) WouldCreateCycle(id string, newDeps []string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.wouldCreateCycleLocked(id, newDeps)
}

// wouldCreateCycleLocked runs a DFS from each candidate dependency over the
// union graph (depends_on edges ∪ child edges), looking for a path back to id.
// A dependency on the block itself or on one of its own tree descendants is a
// cycle through the tree and is rejected outright.
func (g *Graph) wouldCreateCycleLocked(id string, newDeps []string) bool {
	if len(newDeps) == 0 {
		return false
	}
	descendants := make(map[string]bool)
	for _, d := range g.collectSubtreeLocked(id) {
		descendants[d] = true
	}
	for _, dep := range newDeps {
		if dep == id || descendants[dep] {
			return true
		}
		visited := map[string]bool{}
		if g.reachesLocked(dep, id, visited) {
			return true
		}
	}
	return false
}

// reachesLocked walks depends_on ∪ children edges from `from` looking for `target`.
// The edge set excludes `target`'s own proposed edges, so this answers "can the
// dependency already reach back to the block being edited".
func (g *Graph) reachesLocked(from, target string, visited map[string]bool) bool {
	if from == target {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true
	b, ok := g.blocks[from]
	if !ok {
		return false
	}
	for _, dep := range b.DependsOn {
		if g.reachesLocked(dep, target, visited) {
			return true
		}
	}
	for _, child := range g.children[from] {
		if g.reachesLocked(child, target, visited) {
			return true
		}
	}
	return false
}

// collectSubtreeLocked returns id plus all its tree descendants, depth-first.
func (g *Graph) collectSubtreeLocked(id string) []string {
	var out []string
	var walk func(string)
	walk = func(bid string) {
		out = append(out, bid)
		for _, c := range g.children[bid] {
			walk(c)
		}
	}
	walk(id)
	return out
}

func (g *Graph) removeDependentLocked(deps []string, id string) {
	for _, dep := range deps {
		g.dependents[dep] = removeID(g.dependents[dep], id)
	}
}

func (g *Graph) persist(ctx context.Context, block *models.ContentBlock) error {
	if g.persister == nil {
		return nil
	}
	if err := g.persister.SaveBlock(ctx, block); err != nil {
		return fmt.Errorf("failed to persist block %s: %w", block.ID, err)
	}
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// ---- generation-side mutations ----
// Content is only ever replaced wholesale: by the executor on success, by a
// direct edit (UpdateBlock), or by a cancellation rollback. Never merged.

// MarkInProgress transitions a block to in_progress and returns a snapshot of the
// block as it was immediately before, for cancellation rollback.
func (g *Graph) MarkInProgress(id string) (*models.ContentBlock, error) {
	g.mu.Lock()
	b, ok := g.blocks[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	prior := b.Clone()
	b.Status = TransitionStatus(b.Status, models.BlockStatusInProgress)
	if b.Status != models.BlockStatusInProgress {
		g.mu.Unlock()
		return nil, fmt.Errorf("block %s cannot start generation from status %s", id, prior.Status)
	}
	b.UpdatedAt = time.Now()
	g.mu.Unlock()
	g.emit(id, models.ChangeGenerationStarted, models.BlockStatusInProgress)
	return prior, nil
}

// CommitCompleted writes the final generated content and completes the block.
func (g *Graph) CommitCompleted(ctx context.Context, id, content string) error {
	g.mu.Lock()
	b, ok := g.blocks[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.Content = content
	b.Generated = true
	b.Status = TransitionStatus(b.Status, models.BlockStatusCompleted)
	b.UpdatedAt = time.Now()
	snapshot := b.Clone()
	g.mu.Unlock()

	if err := g.persist(ctx, snapshot); err != nil {
		return err
	}
	g.emit(id, models.ChangeGenerationCompleted, models.BlockStatusCompleted)
	return nil
}

// MarkFailed records a generation failure. Content is left untouched.
func (g *Graph) MarkFailed(ctx context.Context, id string) error {
	g.mu.Lock()
	b, ok := g.blocks[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.Status = TransitionStatus(b.Status, models.BlockStatusFailed)
	b.UpdatedAt = time.Now()
	snapshot := b.Clone()
	g.mu.Unlock()

	if err := g.persist(ctx, snapshot); err != nil {
		return err
	}
	g.emit(id, models.ChangeGenerationFailed, models.BlockStatusFailed)
	return nil
}

// RestoreAfterCancel puts a block back exactly as it was before a cancelled
// generation: status and content unchanged from the pre-call snapshot. Dependents
// must not treat a cancelled run as newly available content, so the change event
// carries the restored status.
func (g *Graph) RestoreAfterCancel(ctx context.Context, prior *models.ContentBlock) error {
	g.mu.Lock()
	b, ok := g.blocks[prior.ID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBlockNotFound, prior.ID)
	}
	b.Status = prior.Status
	b.Content = prior.Content
	b.Generated = prior.Generated
	b.UpdatedAt = time.Now()
	snapshot := b.Clone()
	g.mu.Unlock()

	if err := g.persist(ctx, snapshot); err != nil {
		return err
	}
	g.emit(prior.ID, models.ChangeGenerationCancelled, prior.Status)
	return nil
}
