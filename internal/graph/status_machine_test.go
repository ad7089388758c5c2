package graph

import (
	"testing"

	"blockweave/internal/models"
)

func TestTransitionStatus(t *testing.T) {
	tests := []struct {
		current models.BlockStatus
		desired models.BlockStatus
		want    models.BlockStatus
	}{
		{models.BlockStatusPending, models.BlockStatusInProgress, models.BlockStatusInProgress},
		{models.BlockStatusPending, models.BlockStatusCompleted, models.BlockStatusCompleted},
		{models.BlockStatusPending, models.BlockStatusFailed, models.BlockStatusPending}, // invalid
		{models.BlockStatusInProgress, models.BlockStatusCompleted, models.BlockStatusCompleted},
		{models.BlockStatusInProgress, models.BlockStatusFailed, models.BlockStatusFailed},
		{models.BlockStatusInProgress, models.BlockStatusPending, models.BlockStatusInProgress}, // invalid
		{models.BlockStatusCompleted, models.BlockStatusPending, models.BlockStatusPending},
		{models.BlockStatusCompleted, models.BlockStatusInProgress, models.BlockStatusInProgress},
		{models.BlockStatusCompleted, models.BlockStatusFailed, models.BlockStatusCompleted}, // invalid
		{models.BlockStatusFailed, models.BlockStatusPending, models.BlockStatusPending},
		{models.BlockStatusFailed, models.BlockStatusInProgress, models.BlockStatusInProgress},
		{models.BlockStatusFailed, models.BlockStatusCompleted, models.BlockStatusFailed}, // invalid
		{models.BlockStatusCompleted, models.BlockStatusCompleted, models.BlockStatusCompleted},
	}
	for _, tt := range tests {
		if got := TransitionStatus(tt.current, tt.desired); got != tt.want {
			t.Errorf("TransitionStatus(%s, %s) = %s, want %s", tt.current, tt.desired, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(models.BlockStatusCompleted) || !IsTerminal(models.BlockStatusFailed) {
		t.Error("completed and failed are terminal")
	}
	if IsTerminal(models.BlockStatusPending) || IsTerminal(models.BlockStatusInProgress) {
		t.Error("pending and in_progress are not terminal")
	}
}
