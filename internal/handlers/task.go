package handlers

import (
	"errors"
	"fmt"
	"strings"

	"blockweave/internal/evaluation"
	"blockweave/internal/models"
	"blockweave/internal/services"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TaskHandler handles evaluation task lifecycle endpoints.
type TaskHandler struct {
	engine      *evaluation.Engine
	tasks       *services.TaskStore
	trials      *services.TrialStore
	suggestions *services.SuggestionStore
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(
	engine *evaluation.Engine,
	tasks *services.TaskStore,
	trials *services.TrialStore,
	suggestions *services.SuggestionStore,
) *TaskHandler {
	return &TaskHandler{
		engine:      engine,
		tasks:       tasks,
		trials:      trials,
		suggestions: suggestions,
	}
}

// CreateTask creates a new evaluation task in pending state.
func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	var task models.Task
	if err := c.BodyParser(&task); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if task.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}
	if len(task.TrialConfigs) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "at least one trial config is required"})
	}
	for i, cfg := range task.TrialConfigs {
		switch cfg.FormType {
		case models.FormAssessment, models.FormReview, models.FormExperience, models.FormScenario:
		default:
			return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: unknown form_type", i)})
		}
		if len(cfg.TargetBlockIDs) == 0 {
			return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: target_block_ids is required", i)})
		}
		if len(cfg.GraderIDs) == 0 {
			return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: grader_ids is required", i)})
		}
	}
	task.ProjectID = projectID

	if err := h.tasks.Create(c.Context(), &task); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(201).JSON(task)
}

// ListTasks returns all tasks of a project, newest first.
func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	tasks, err := h.tasks.ListByProject(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"tasks": tasks, "count": len(tasks)})
}

// GetTask returns one task including its live progress.
func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(task)
}

// UpdateTask changes a task's name, description or trial configs. Rejected while
// a batch is running or paused, since the configs define the batch plan.
func (h *TaskHandler) UpdateTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	var req struct {
		Name         *string              `json:"name"`
		Description  *string              `json:"description"`
		TrialConfigs []models.TrialConfig `json:"trial_configs"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	if task.Status == models.TaskStatusRunning || task.Status == models.TaskStatusPaused {
		return c.Status(409).JSON(fiber.Map{"error": "cannot edit a task with an active batch; stop it first"})
	}

	if req.Name != nil {
		if *req.Name == "" {
			return c.Status(400).JSON(fiber.Map{"error": "name cannot be empty"})
		}
		task.Name = *req.Name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.TrialConfigs != nil {
		for i, cfg := range req.TrialConfigs {
			switch cfg.FormType {
			case models.FormAssessment, models.FormReview, models.FormExperience, models.FormScenario:
			default:
				return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: unknown form_type", i)})
			}
			if len(cfg.TargetBlockIDs) == 0 {
				return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: target_block_ids is required", i)})
			}
			if len(cfg.GraderIDs) == 0 {
				return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("trial config %d: grader_ids is required", i)})
			}
		}
		if len(req.TrialConfigs) == 0 {
			return c.Status(400).JSON(fiber.Map{"error": "at least one trial config is required"})
		}
		task.TrialConfigs = req.TrialConfigs
	}

	if err := h.tasks.Update(c.Context(), task); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(task)
}

// DeleteTask removes a task together with its trial results and suggestion ledger.
func (h *TaskHandler) DeleteTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	if task.Status == models.TaskStatusRunning {
		return c.Status(409).JSON(fiber.Map{"error": "cannot delete a running task; stop it first"})
	}

	if _, err := h.trials.DeleteByTask(c.Context(), taskID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if err := h.suggestions.DeleteByTask(c.Context(), taskID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if err := h.tasks.Delete(c.Context(), taskID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// StartTask begins a fresh batch run for a pending or finished task.
func (h *TaskHandler) StartTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	if err := h.engine.StartTask(c.Context(), taskID); err != nil {
		return h.engineError(c, err)
	}
	return c.Status(202).JSON(fiber.Map{"status": "running"})
}

// PauseTask requests a pause at the next trial boundary.
func (h *TaskHandler) PauseTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	if err := h.engine.PauseTask(c.Context(), taskID); err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(fiber.Map{"status": "pause_requested"})
}

// ResumeTask continues a paused task from the first unexecuted trial.
func (h *TaskHandler) ResumeTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	if err := h.engine.ResumeTask(c.Context(), taskID); err != nil {
		return h.engineError(c, err)
	}
	return c.Status(202).JSON(fiber.Map{"status": "running"})
}

// StopTask requests a stop at the next trial boundary (immediate for paused tasks).
func (h *TaskHandler) StopTask(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}
	if err := h.engine.StopTask(c.Context(), taskID); err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(fiber.Map{"status": "stop_requested"})
}

// ExecuteAll runs every startable task of a project sequentially in the background.
func (h *TaskHandler) ExecuteAll(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	count, err := h.engine.ExecuteAll(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(202).JSON(fiber.Map{"status": "executing", "tasks": count})
}

// GetTaskProgress returns the task's trial-unit progress counters.
func (h *TaskHandler) GetTaskProgress(c *fiber.Ctx) error {
	taskID, err := primitive.ObjectIDFromHex(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid task ID"})
	}

	task, err := h.tasks.Get(c.Context(), taskID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"task_id":  task.ID.Hex(),
		"status":   task.Status,
		"progress": task.Progress,
		"batch_id": task.CurrentBatchID,
	})
}

func (h *TaskHandler) engineError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, evaluation.ErrTaskNotFound), strings.Contains(err.Error(), "not found"):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, evaluation.ErrTaskNotStartable),
		errors.Is(err, evaluation.ErrTaskNotRunning),
		errors.Is(err, evaluation.ErrTaskNotPaused),
		errors.Is(err, evaluation.ErrRunInFlight):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
}
