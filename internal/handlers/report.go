package handlers

import (
	"context"
	"sort"

	"blockweave/internal/evaluation"
	"blockweave/internal/models"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TaskDirectory is the task lookup surface behind reports.
type TaskDirectory interface {
	Get(ctx context.Context, id primitive.ObjectID) (*models.Task, error)
	ListByProject(ctx context.Context, projectID string) ([]models.Task, error)
}

// TrialReports is the trial query and cleanup surface behind batch reports.
type TrialReports interface {
	BatchSummaries(ctx context.Context, taskID primitive.ObjectID) ([]models.ExecutionReportRow, error)
	ListBatch(ctx context.Context, taskID primitive.ObjectID, batchID string) ([]models.TrialResult, error)
	DeleteBatches(ctx context.Context, taskID primitive.ObjectID, batchIDs []string) (int64, error)
}

// ReportHandler serves batch execution reports and cross-trial diagnosis.
type ReportHandler struct {
	tasks     TaskDirectory
	trials    TrialReports
	diagnoser *evaluation.Diagnoser
}

// NewReportHandler creates a new report handler
func NewReportHandler(tasks TaskDirectory, trials TrialReports, diagnoser *evaluation.Diagnoser) *ReportHandler {
	return &ReportHandler{
		tasks:     tasks,
		trials:    trials,
		diagnoser: diagnoser,
	}
}

// GetProjectExecutionReport rolls every task's batch summaries up into one
// project-wide report, newest batch first.
func (h *ReportHandler) GetProjectExecutionReport(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	tasks, err := h.tasks.ListByProject(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	rows := []models.ExecutionReportRow{}
	for _, task := range tasks {
		batches, err := h.trials.BatchSummaries(c.Context(), task.ID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		for i := range batches {
			batches[i].TaskName = task.Name
		}
		rows = append(rows, batches...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].StartedAt.After(rows[j].StartedAt) })
	return c.JSON(fiber.Map{"project_id": projectID, "batches": rows, "count": len(rows)})
}

// GetExecutionReport returns one summary row per batch for a task, newest first.
func (h *ReportHandler) GetExecutionReport(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}

	rows, err := h.trials.BatchSummaries(c.Context(), taskID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	for i := range rows {
		rows[i].TaskName = task.Name
	}
	return c.JSON(fiber.Map{"task_id": task.ID.Hex(), "batches": rows})
}

// ListBatchTrials returns every trial result of one batch in execution order.
func (h *ReportHandler) ListBatchTrials(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	batchID := c.Params("batchId")

	results, err := h.trials.ListBatch(c.Context(), taskID, batchID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"batch_id": batchID, "trials": results, "count": len(results)})
}

// GetDiagnosis aggregates one batch's trial results into patterns and
// deduplicated suggestions, merged with the applied ledger.
func (h *ReportHandler) GetDiagnosis(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	batchID := c.Params("batchId")

	report, err := h.diagnoser.Diagnose(c.Context(), taskID, batchID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(report)
}

// MarkSuggestionApplied records whether a suggestion has been acted on. The mark
// survives re-running diagnosis.
func (h *ReportHandler) MarkSuggestionApplied(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	var body struct {
		Source  string `json:"source"`
		Text    string `json:"text"`
		Applied *bool  `json:"applied"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.Text == "" {
		return c.Status(400).JSON(fiber.Map{"error": "text is required"})
	}
	applied := true
	if body.Applied != nil {
		applied = *body.Applied
	}

	if err := h.diagnoser.MarkApplied(c.Context(), taskID, body.Source, body.Text, applied); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"applied": applied})
}

// DeleteBatches removes the named batches' trial results from a task's history.
func (h *ReportHandler) DeleteBatches(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	var body struct {
		BatchIDs []string `json:"batch_ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if len(body.BatchIDs) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "batch_ids is required"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	if task.Status == models.TaskStatusRunning {
		for _, id := range body.BatchIDs {
			if id == task.CurrentBatchID {
				return c.Status(409).JSON(fiber.Map{"error": "cannot delete the batch of a running task"})
			}
		}
	}

	deleted, err := h.trials.DeleteBatches(c.Context(), taskID, body.BatchIDs)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"deleted_trials": deleted})
}
