package handlers

import (
	"strings"

	"blockweave/internal/models"
	"blockweave/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ScheduleHandler manages per-project scheduled chain sweeps.
type ScheduleHandler struct {
	scheduler *services.SchedulerService
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(scheduler *services.SchedulerService) *ScheduleHandler {
	return &ScheduleHandler{scheduler: scheduler}
}

// CreateSchedule registers a cron-based sweep for a project. One schedule per
// project.
func (h *ScheduleHandler) CreateSchedule(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	var req models.CreateSweepScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.CronExpression == "" {
		return c.Status(400).JSON(fiber.Map{"error": "cron_expression is required"})
	}

	schedule, err := h.scheduler.CreateSchedule(c.Context(), projectID, &req)
	if err != nil {
		if strings.Contains(err.Error(), "already has") {
			return c.Status(409).JSON(fiber.Map{"error": err.Error()})
		}
		if strings.Contains(err.Error(), "invalid") {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(201).JSON(schedule)
}

// GetSchedule returns the project's sweep schedule.
func (h *ScheduleHandler) GetSchedule(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	schedule, err := h.scheduler.GetScheduleByProject(c.Context(), projectID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(schedule)
}

// UpdateSchedule changes the cron expression, timezone or enabled flag.
func (h *ScheduleHandler) UpdateSchedule(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	var req models.UpdateSweepScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	schedule, err := h.scheduler.UpdateSchedule(c.Context(), projectID, &req)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		if strings.Contains(err.Error(), "invalid") {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(schedule)
}

// DeleteSchedule removes the project's sweep schedule.
func (h *ScheduleHandler) DeleteSchedule(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	if err := h.scheduler.DeleteSchedule(c.Context(), projectID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"deleted": true})
}

// TriggerSchedule runs the scheduled sweep immediately, outside its cron slot.
func (h *ScheduleHandler) TriggerSchedule(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	if err := h.scheduler.TriggerNow(c.Context(), projectID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(202).JSON(fiber.Map{"status": "triggered"})
}
