package jobs

import (
	"context"
	"log"
	"time"

	"blockweave/internal/services"
)

// RetentionCleanupJob deletes trial results older than the retention window.
// Trial results carry full process logs and LLM call records, so old batches
// add up quickly.
type RetentionCleanupJob struct {
	trials        *services.TrialStore
	retentionDays int
}

// NewRetentionCleanupJob creates a new retention cleanup job
func NewRetentionCleanupJob(trials *services.TrialStore, retentionDays int) *RetentionCleanupJob {
	if retentionDays < 1 {
		retentionDays = 90
	}
	return &RetentionCleanupJob{
		trials:        trials,
		retentionDays: retentionDays,
	}
}

// Run deletes trial results past the retention window.
func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	log.Printf("[RETENTION] Starting trial result retention cleanup (retention: %d days)...", j.retentionDays)
	startTime := time.Now()

	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	deleted, err := j.trials.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("[RETENTION] Cleanup failed: %v", err)
		return err
	}

	log.Printf("[RETENTION] Cleanup complete: deleted %d trial results in %v", deleted, time.Since(startTime))
	return nil
}

// NextRun returns the next scheduled run: daily at 03:00 UTC.
func (j *RetentionCleanupJob) NextRun() time.Time {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
