package handlers

import (
	"context"
	"errors"
	"log"

	"blockweave/internal/generation"
	"blockweave/internal/graph"
	"blockweave/internal/models"
	"blockweave/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// BlockHandler handles REST endpoints for the content block graph.
type BlockHandler struct {
	graphs   *services.GraphManager
	executor *generation.Executor
	chain    *generation.Chain
	buffers  *services.StreamBufferService
	pubsub   *services.PubSubService // nil when Redis is disabled
}

// NewBlockHandler creates a new block handler
func NewBlockHandler(
	graphs *services.GraphManager,
	executor *generation.Executor,
	chain *generation.Chain,
	buffers *services.StreamBufferService,
	pubsub *services.PubSubService,
) *BlockHandler {
	return &BlockHandler{
		graphs:   graphs,
		executor: executor,
		chain:    chain,
		buffers:  buffers,
		pubsub:   pubsub,
	}
}

// ListBlocks returns all blocks of a project in deterministic order.
func (h *BlockHandler) ListBlocks(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"blocks": g.Blocks()})
}

// GetBlock returns one block.
func (h *BlockHandler) GetBlock(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	blockID := c.Params("id")

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	block := g.GetBlock(blockID)
	if block == nil {
		return c.Status(404).JSON(fiber.Map{"error": "block not found"})
	}
	return c.JSON(block)
}

// CreateBlock inserts a new block into the project graph.
func (h *BlockHandler) CreateBlock(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	var block models.ContentBlock
	if err := c.BodyParser(&block); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if block.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}
	switch block.Type {
	case models.BlockTypePhase, models.BlockTypeGroup, models.BlockTypeField:
	default:
		return c.Status(400).JSON(fiber.Map{"error": "block_type must be phase, group or field"})
	}
	if block.ID == "" {
		block.ID = uuid.New().String()
	}
	block.ProjectID = projectID

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if err := g.AddBlock(c.Context(), &block); err != nil {
		return h.graphError(c, err)
	}

	h.runChain(g)
	return c.Status(201).JSON(g.GetBlock(block.ID))
}

// UpdateBlock applies a partial update and re-runs the auto-trigger chain, since
// an edit may have satisfied dependencies downstream.
func (h *BlockHandler) UpdateBlock(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	blockID := c.Params("id")

	var patch models.BlockPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	updated, err := g.UpdateBlock(c.Context(), blockID, patch)
	if err != nil {
		return h.graphError(c, err)
	}

	h.runChain(g)
	return c.JSON(updated)
}

// DeleteBlock removes a block and its subtree.
func (h *BlockHandler) DeleteBlock(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	blockID := c.Params("id")

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if err := g.DeleteBlock(c.Context(), blockID); err != nil {
		return h.graphError(c, err)
	}

	h.runChain(g)
	return c.JSON(fiber.Map{"deleted": true})
}

// GenerateBlock starts a manual generation for a block. The run proceeds in the
// background; partial output is readable via the stream endpoints.
func (h *BlockHandler) GenerateBlock(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	blockID := c.Params("id")

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	updates, err := h.executor.Generate(c.Context(), g, blockID, graph.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrBlockNotFound):
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, generation.ErrLeaseConflict):
			return c.Status(409).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, generation.ErrDependencyUnmet):
			return c.Status(422).JSON(fiber.Map{"error": err.Error()})
		default:
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
	}

	h.buffers.CreateBuffer(projectID, blockID)
	go h.consumeUpdates(g, blockID, updates)

	return c.Status(202).JSON(fiber.Map{"status": "generating", "block_id": blockID})
}

// consumeUpdates drains one generation stream into the reconnect buffer and, on
// completion, kicks the chain so newly satisfied dependents fire.
func (h *BlockHandler) consumeUpdates(g *graph.Graph, blockID string, updates <-chan models.GenerationUpdate) {
	terminal := ""
	for u := range updates {
		switch u.Type {
		case models.UpdateChunk:
			if err := h.buffers.AppendChunk(blockID, u.Chunk); err != nil {
				log.Printf("⚠️ [BLOCKS] Buffer append failed for block %s: %v", blockID, err)
			}
		case models.UpdateCompleted:
			h.buffers.MarkComplete(blockID, u.Content)
			terminal = u.Type
		case models.UpdateFailed, models.UpdateCancelled:
			h.buffers.MarkFailed(blockID, u.Error)
			terminal = u.Type
		}
	}
	if terminal == models.UpdateCompleted {
		h.runChain(g)
	}
}

// StopBlock cancels an in-flight generation for a block.
func (h *BlockHandler) StopBlock(c *fiber.Ctx) error {
	blockID := c.Params("id")
	if !h.executor.Stop(blockID) {
		return c.Status(404).JSON(fiber.Map{"error": "no generation in flight for this block"})
	}
	return c.JSON(fiber.Map{"stopped": true})
}

// RunChain triggers an auto-trigger sweep for the project.
func (h *BlockHandler) RunChain(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	g, err := h.graphs.Get(c.Context(), projectID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	h.runChain(g)
	return c.Status(202).JSON(fiber.Map{"status": "sweeping", "project_id": projectID})
}

// ChainStatus reports whether a sweep is active for the project.
func (h *BlockHandler) ChainStatus(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	return c.JSON(fiber.Map{
		"project_id": projectID,
		"running":    h.chain.IsRunning(projectID),
	})
}

// StreamResume replays the buffered output of an in-flight (or just finished)
// generation for clients that reconnected mid-stream.
func (h *BlockHandler) StreamResume(c *fiber.Ctx) error {
	blockID := c.Params("id")

	data, err := h.buffers.GetBufferData(blockID)
	if err == services.ErrBufferNotFound {
		return c.Status(404).JSON(fiber.Map{"error": "no stream buffer for this block"})
	}
	if err == services.ErrResumeTooFast {
		return c.Status(429).JSON(fiber.Map{"error": "resume rate limit exceeded"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	if data.IsComplete {
		h.buffers.ClearBuffer(blockID)
	}
	return c.JSON(fiber.Map{
		"block_id":    data.BlockID,
		"content":     data.CombinedChunks,
		"is_complete": data.IsComplete,
		"failed":      data.Failed,
		"error":       data.ErrorText,
		"chunk_count": data.ChunkCount,
	})
}

// runChain starts a sweep and fans the result out to other instances.
func (h *BlockHandler) runChain(g *graph.Graph) {
	h.chain.Run(context.Background(), g, func(result generation.ChainResult) {
		if h.pubsub == nil {
			return
		}
		err := h.pubsub.PublishToProject(context.Background(), result.ProjectID, "chain_complete", map[string]interface{}{
			"generations": result.Generations,
			"failed":      result.Failed,
			"durationMs":  result.Duration.Milliseconds(),
		})
		if err != nil {
			log.Printf("⚠️ [BLOCKS] Failed to publish chain result: %v", err)
		}
	})
}

func (h *BlockHandler) graphError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, graph.ErrBlockNotFound), errors.Is(err, graph.ErrBadParent):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, graph.ErrCycleDetected):
		return c.Status(422).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, graph.ErrDuplicateID):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
}
