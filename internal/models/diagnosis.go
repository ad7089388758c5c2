package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Suggestion is one actionable improvement extracted from a batch, with its
// applied flag from the ledger.
type Suggestion struct {
	Source  string `json:"source" bson:"source"` // grader id or "trial"
	Text    string `json:"text" bson:"text"`
	Applied bool   `json:"applied" bson:"applied"`
	Count   int    `json:"count" bson:"count"` // trials this suggestion appeared in
}

// Pattern groups a recurring issue across trials with a frequency label like "3/5".
type Pattern struct {
	Label     string   `json:"label" bson:"label"`
	Frequency string   `json:"frequency" bson:"frequency"`
	TrialRefs []string `json:"trial_refs,omitempty" bson:"trialRefs,omitempty"`
}

// DiagnosisReport is the cross-trial analysis of one batch.
type DiagnosisReport struct {
	TaskID      primitive.ObjectID `json:"task_id" bson:"taskId"`
	BatchID     string             `json:"batch_id" bson:"batchId"`
	Patterns    []Pattern          `json:"patterns" bson:"patterns"`
	Suggestions []Suggestion       `json:"suggestions" bson:"suggestions"`
	GeneratedAt time.Time          `json:"generated_at" bson:"generatedAt"`
}

// SuggestionLedgerEntry persists whether a user already acted on a suggestion.
// Keyed by (source, normalized text) so re-running diagnosis keeps applied marks.
type SuggestionLedgerEntry struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	TaskID    primitive.ObjectID `json:"task_id" bson:"taskId"`
	Source    string             `json:"source" bson:"source"`
	Text      string             `json:"text" bson:"text"`
	Applied   bool               `json:"applied" bson:"applied"`
	UpdatedAt time.Time          `json:"updated_at" bson:"updatedAt"`
}

// ExecutionReportRow summarizes one batch for the project-level report.
type ExecutionReportRow struct {
	TaskID       primitive.ObjectID `json:"task_id" bson:"taskId"`
	TaskName     string             `json:"task_name" bson:"taskName"`
	BatchID      string             `json:"batch_id" bson:"batchId"`
	Trials       int                `json:"trials" bson:"trials"`
	Failed       int                `json:"failed" bson:"failed"`
	AvgScore     float64            `json:"avg_score" bson:"avgScore"`
	TotalTokens  int                `json:"total_tokens" bson:"totalTokens"`
	TotalCostUSD float64            `json:"total_cost_usd" bson:"totalCostUsd"`
	StartedAt    time.Time          `json:"started_at" bson:"startedAt"`
}
