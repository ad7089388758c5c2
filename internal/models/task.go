package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TaskStatus represents the execution state of an evaluation task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusFailed    TaskStatus = "failed"
)

// FormType selects the trial pipeline variant.
type FormType string

const (
	FormAssessment FormType = "assessment"
	FormReview     FormType = "review"
	FormExperience FormType = "experience"
	FormScenario   FormType = "scenario"
)

// FormConfig carries variant-specific settings. Review/experience use PersonaID;
// scenario uses both personas plus MaxTurns.
type FormConfig struct {
	PersonaID  string `json:"persona_id,omitempty" bson:"personaId,omitempty"`
	PersonaAID string `json:"persona_a_id,omitempty" bson:"personaAId,omitempty"`
	PersonaBID string `json:"persona_b_id,omitempty" bson:"personaBId,omitempty"`
	MaxTurns   int    `json:"max_turns,omitempty" bson:"maxTurns,omitempty"`
}

// TrialConfig describes one evaluation setup within a task. RepeatCount independent
// trials are executed per config.
type TrialConfig struct {
	FormType       FormType           `json:"form_type" bson:"formType"`
	TargetBlockIDs []string           `json:"target_block_ids" bson:"targetBlockIds"`
	GraderIDs      []string           `json:"grader_ids" bson:"graderIds"`
	GraderWeights  map[string]float64 `json:"grader_weights,omitempty" bson:"graderWeights,omitempty"`
	RepeatCount    int                `json:"repeat_count" bson:"repeatCount"`
	Probe          string             `json:"probe,omitempty" bson:"probe,omitempty"`
	FormConfig     FormConfig         `json:"form_config" bson:"formConfig"`
}

// TaskProgress is the observable progress of the current batch, counted in trial
// units. Invariant: 0 <= Completed <= Total.
type TaskProgress struct {
	Completed      int  `json:"completed" bson:"completed"`
	Total          int  `json:"total" bson:"total"`
	Percent        int  `json:"percent" bson:"percent"`
	IsRunning      bool `json:"is_running" bson:"isRunning"`
	PauseRequested bool `json:"pause_requested" bson:"pauseRequested"`
	StopRequested  bool `json:"stop_requested" bson:"stopRequested"`
}

// Task is a batch evaluation job over a project's content blocks.
type Task struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ProjectID      string             `json:"project_id" bson:"projectId"`
	Name           string             `json:"name" bson:"name"`
	Description    string             `json:"description,omitempty" bson:"description,omitempty"`
	TrialConfigs   []TrialConfig      `json:"trial_configs" bson:"trialConfigs"`
	Status         TaskStatus         `json:"status" bson:"status"`
	Progress       TaskProgress       `json:"progress" bson:"progress"`
	CurrentBatchID string             `json:"current_batch_id,omitempty" bson:"currentBatchId,omitempty"`

	CreatedAt   time.Time  `json:"created_at" bson:"createdAt"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updatedAt"`
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completedAt,omitempty"`
}

// TotalTrials is the sum of repeat counts across all trial configs.
func (t *Task) TotalTrials() int {
	total := 0
	for _, cfg := range t.TrialConfigs {
		n := cfg.RepeatCount
		if n < 1 {
			n = 1
		}
		total += n
	}
	return total
}

// TrialStatus is the terminal state of one trial.
type TrialStatus string

const (
	TrialStatusRunning   TrialStatus = "running"
	TrialStatusCompleted TrialStatus = "completed"
	TrialStatusFailed    TrialStatus = "failed"
)

// GraderResult is one grader's judgement within a trial.
type GraderResult struct {
	GraderID        string             `json:"grader_id" bson:"graderId"`
	Weight          float64            `json:"weight" bson:"weight"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty" bson:"dimensionScores,omitempty"`
	Score           float64            `json:"score" bson:"score"`
	Feedback        string             `json:"feedback,omitempty" bson:"feedback,omitempty"`
	Evidence        []string           `json:"evidence,omitempty" bson:"evidence,omitempty"`
}

// ProcessStep is one entry in a trial's ordered step log (persona walks, scenario
// turns).
type ProcessStep struct {
	Index   int       `json:"index" bson:"index"`
	Actor   string    `json:"actor" bson:"actor"` // persona name or "grader"
	Action  string    `json:"action" bson:"action"`
	Detail  string    `json:"detail,omitempty" bson:"detail,omitempty"`
	At      time.Time `json:"at" bson:"at"`
}

// LLMCall records one external model call for token/cost accounting.
type LLMCall struct {
	Index        int     `json:"index" bson:"index"`
	Purpose      string  `json:"purpose" bson:"purpose"`
	ModelID      string  `json:"model_id,omitempty" bson:"modelId,omitempty"`
	InputTokens  int     `json:"input_tokens" bson:"inputTokens"`
	OutputTokens int     `json:"output_tokens" bson:"outputTokens"`
	CostUSD      float64 `json:"cost_usd" bson:"costUsd"`
	DurationMs   int64   `json:"duration_ms" bson:"durationMs"`
}

// TrialResult is the outcome of one trial: one (config, repeat index) pair within a
// batch.
type TrialResult struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	TaskID      primitive.ObjectID `json:"task_id" bson:"taskId"`
	BatchID     string             `json:"batch_id" bson:"batchId"`
	ConfigIndex int                `json:"config_index" bson:"configIndex"`
	RepeatIndex int                `json:"repeat_index" bson:"repeatIndex"`
	FormType    FormType           `json:"form_type" bson:"formType"`

	Status                 TrialStatus        `json:"status" bson:"status"`
	DimensionScores        map[string]float64 `json:"dimension_scores,omitempty" bson:"dimensionScores,omitempty"`
	OverallScore           float64            `json:"overall_score" bson:"overallScore"`
	OverallComment         string             `json:"overall_comment,omitempty" bson:"overallComment,omitempty"`
	ScoreEvidence          []string           `json:"score_evidence,omitempty" bson:"scoreEvidence,omitempty"`
	GraderResults          []GraderResult     `json:"grader_results,omitempty" bson:"graderResults,omitempty"`
	ImprovementSuggestions []string           `json:"improvement_suggestions,omitempty" bson:"improvementSuggestions,omitempty"`
	Process                []ProcessStep      `json:"process,omitempty" bson:"process,omitempty"`
	LLMCalls               []LLMCall          `json:"llm_calls,omitempty" bson:"llmCalls,omitempty"`
	Error                  string             `json:"error,omitempty" bson:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at" bson:"startedAt"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completedAt,omitempty"`
}

// IsTerminalTaskStatus reports whether a task status admits a new batch run.
func IsTerminalTaskStatus(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusStopped || s == TaskStatusFailed
}
