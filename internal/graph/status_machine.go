package graph

import (
	"log"

	"blockweave/internal/models"
)

// validTransitions defines the allowed block status transitions. Any transition
// not listed here is invalid and will be rejected.
var validTransitions = map[models.BlockStatus]map[models.BlockStatus]bool{
	models.BlockStatusPending: {
		models.BlockStatusInProgress: true,
		models.BlockStatusCompleted:  true, // direct edit of a never-generated block
	},
	models.BlockStatusInProgress: {
		models.BlockStatusCompleted: true,
		models.BlockStatusFailed:    true,
		// cancellation restores the prior status; handled as an explicit rollback,
		// not a transition
	},
	// Terminal states can go back to pending (regeneration) or in_progress
	// (manual regenerate without an intermediate reset).
	models.BlockStatusCompleted: {
		models.BlockStatusPending:    true,
		models.BlockStatusInProgress: true,
	},
	models.BlockStatusFailed: {
		models.BlockStatusPending:    true,
		models.BlockStatusInProgress: true,
	},
}

// TransitionStatus validates and performs a block status transition. Returns the
// new status if valid, or the current status if the transition is invalid.
func TransitionStatus(current, desired models.BlockStatus) models.BlockStatus {
	if current == desired {
		return current
	}
	allowed, exists := validTransitions[current]
	if !exists || !allowed[desired] {
		log.Printf("⚠️ [GRAPH] Invalid block transition: %s → %s (rejected)", current, desired)
		return current
	}
	return desired
}

// IsTerminal returns true if the status is a settled state.
func IsTerminal(status models.BlockStatus) bool {
	return status == models.BlockStatusCompleted || status == models.BlockStatusFailed
}
