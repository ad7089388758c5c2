package jobs

import (
	"context"
	"log"
	"time"

	"blockweave/internal/models"
	"blockweave/internal/services"
)

// Default thresholds for the stale lease reaper. A block stuck in in_progress
// for far longer than any generation timeout means the owning process died
// without rolling back.
const (
	DefaultStaleAge     = 30 * time.Minute
	LeaseReaperInterval = 10 * time.Minute
)

// LeaseReaperJob recovers blocks left in in_progress by a crashed instance.
// Marking them failed makes them regenerable again.
type LeaseReaperJob struct {
	blocks   *services.BlockStore
	graphs   *services.GraphManager
	staleAge time.Duration
}

// NewLeaseReaperJob creates a new lease reaper job
func NewLeaseReaperJob(blocks *services.BlockStore, graphs *services.GraphManager) *LeaseReaperJob {
	return &LeaseReaperJob{
		blocks:   blocks,
		graphs:   graphs,
		staleAge: DefaultStaleAge,
	}
}

// Run marks every stale in_progress block as failed.
func (j *LeaseReaperJob) Run(ctx context.Context) error {
	stale, err := j.blocks.StaleInProgress(ctx, j.staleAge)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	log.Printf("[REAPER] Found %d stale in_progress blocks", len(stale))
	recovered := 0
	for _, block := range stale {
		g, err := j.graphs.Get(ctx, block.ProjectID)
		if err != nil {
			log.Printf("[REAPER] Failed to load graph for project %s: %v", block.ProjectID, err)
			continue
		}
		// The cached graph may disagree with the DB row after a restart; only
		// reap blocks the graph also sees as in_progress.
		cached := g.GetBlock(block.ID)
		if cached == nil || cached.Status != models.BlockStatusInProgress {
			continue
		}
		if err := g.MarkFailed(ctx, block.ID); err != nil {
			log.Printf("[REAPER] Failed to reap block %s: %v", block.ID, err)
			continue
		}
		recovered++
		log.Printf("[REAPER] Recovered block %s (project %s), stale since %s",
			block.ID, block.ProjectID, block.UpdatedAt.Format(time.RFC3339))
	}

	log.Printf("[REAPER] Recovered %d/%d stale blocks", recovered, len(stale))
	return nil
}

// NextRun returns the next scheduled run.
func (j *LeaseReaperJob) NextRun() time.Time {
	return time.Now().Add(LeaseReaperInterval)
}
