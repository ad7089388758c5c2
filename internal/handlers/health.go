package handlers

import (
	"context"
	"time"

	"blockweave/internal/database"
	"blockweave/internal/generation"
	"blockweave/internal/jobs"
	"blockweave/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports liveness of the service and its backing stores.
type HealthHandler struct {
	db        *database.DB
	mongoDB   *database.MongoDB
	redis     *services.RedisService
	executor  *generation.Executor
	buffers   *services.StreamBufferService
	jobSched  *jobs.JobScheduler
	startedAt time.Time
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(
	db *database.DB,
	mongoDB *database.MongoDB,
	redis *services.RedisService,
	executor *generation.Executor,
	buffers *services.StreamBufferService,
	jobSched *jobs.JobScheduler,
) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mongoDB:   mongoDB,
		redis:     redis,
		executor:  executor,
		buffers:   buffers,
		jobSched:  jobSched,
		startedAt: time.Now(),
	}
}

// Handle returns service health including per-dependency status.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	deps := fiber.Map{}

	if err := h.db.PingContext(ctx); err != nil {
		status = "degraded"
		deps["mysql"] = err.Error()
	} else {
		deps["mysql"] = "ok"
	}

	if err := h.mongoDB.Ping(ctx); err != nil {
		status = "degraded"
		deps["mongodb"] = err.Error()
	} else {
		deps["mongodb"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			status = "degraded"
			deps["redis"] = err.Error()
		} else {
			deps["redis"] = "ok"
		}
	} else {
		deps["redis"] = "disabled"
	}

	code := 200
	if status != "ok" {
		code = 503
	}
	return c.Status(code).JSON(fiber.Map{
		"status":         status,
		"dependencies":   deps,
		"active_leases":  h.executor.ActiveLeases(),
		"stream_buffers": h.buffers.GetBufferStats(),
		"jobs":           h.jobSched.GetStatus(),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
