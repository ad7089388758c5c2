package graph

import "blockweave/internal/models"

// Trigger distinguishes who is asking for eligibility: the auto-trigger chain or
// an explicit user action.
type Trigger int

const (
	TriggerAuto Trigger = iota
	TriggerManual
)

// Eligible reports whether a block may start generation right now.
//
// A dependency is satisfied when its content is non-empty. This predicate is
// applied uniformly for both automatic and manual triggers; see DESIGN.md for the
// choice between content-non-empty and status-completed.
//
// Auto path: field blocks only, status pending, need_review false, auto_generate
// opted in. Manual path: regeneration from completed/failed is allowed and the
// need_review gate is bypassed.
func (g *Graph) Eligible(id string, trigger Trigger) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	b, ok := g.blocks[id]
	if !ok || !b.IsField() {
		return false
	}

	switch trigger {
	case TriggerAuto:
		if b.Status != models.BlockStatusPending {
			return false
		}
		if b.NeedReview || !b.AutoGenerate {
			return false
		}
	case TriggerManual:
		switch b.Status {
		case models.BlockStatusPending, models.BlockStatusCompleted, models.BlockStatusFailed:
		default:
			return false // in_progress: a lease is already held
		}
	}

	for _, dep := range b.DependsOn {
		d, ok := g.blocks[dep]
		if !ok || d.Content == "" {
			return false
		}
	}
	return true
}

// AutoEligible returns all blocks the chain may fire, in deterministic scan
// order (sort_order, then id).
func (g *Graph) AutoEligible() []*models.ContentBlock {
	var out []*models.ContentBlock
	for _, b := range g.Blocks() {
		if g.Eligible(b.ID, TriggerAuto) {
			out = append(out, b)
		}
	}
	return out
}

// ResolveDependencyContents returns the contents of a block's dependencies in
// declared order, for prompt assembly.
func (g *Graph) ResolveDependencyContents(id string) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.blocks[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(b.DependsOn))
	for _, dep := range b.DependsOn {
		if d := g.blocks[dep]; d != nil {
			out[dep] = d.Content
		}
	}
	return out
}
