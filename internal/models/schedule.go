package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SweepSchedule runs the auto-trigger chain for a project on a cron expression.
// Useful for projects whose dependencies are filled by out-of-band imports.
type SweepSchedule struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ProjectID      string             `bson:"projectId" json:"projectId"`
	CronExpression string             `bson:"cronExpression" json:"cronExpression"`
	Timezone       string             `bson:"timezone" json:"timezone"`
	Enabled        bool               `bson:"enabled" json:"enabled"`

	// Tracking
	NextRunAt *time.Time `bson:"nextRunAt,omitempty" json:"nextRunAt,omitempty"`
	LastRunAt *time.Time `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`

	// Statistics
	TotalRuns      int64 `bson:"totalRuns" json:"totalRuns"`
	SuccessfulRuns int64 `bson:"successfulRuns" json:"successfulRuns"`
	FailedRuns     int64 `bson:"failedRuns" json:"failedRuns"`

	// Timestamps
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// CreateSweepScheduleRequest is the payload for creating a sweep schedule.
type CreateSweepScheduleRequest struct {
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// UpdateSweepScheduleRequest is the payload for updating a sweep schedule.
type UpdateSweepScheduleRequest struct {
	CronExpression *string `json:"cronExpression,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}
