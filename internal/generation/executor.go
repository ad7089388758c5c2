package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"blockweave/internal/graph"
	"blockweave/internal/models"
)

// MetricsSink receives executor/chain measurements. Implementations must be
// goroutine-safe; a nil sink disables instrumentation.
type MetricsSink interface {
	GenerationStarted()
	GenerationFinished(outcome string, seconds float64)
	ChainSweepCompleted(generations int)
}

// Executor runs a single block's generation end to end: lease acquisition,
// status transition, streaming, terminal commit. It is the only writer of
// generation outcomes into the graph, for both chain and manual triggers.
type Executor struct {
	service  Service
	registry *HandlerRegistry
	leases   *leaseRegistry
	metrics  MetricsSink

	// Timeout for one generation call. LLM calls are slow; default is generous.
	callTimeout time.Duration
}

// NewExecutor creates an executor over the external generation service.
func NewExecutor(service Service, metrics MetricsSink) *Executor {
	return &Executor{
		service:     service,
		registry:    NewHandlerRegistry(),
		leases:      newLeaseRegistry(),
		metrics:     metrics,
		callTimeout: 120 * time.Second,
	}
}

// SetCallTimeout overrides the per-generation timeout (tests use short values).
func (e *Executor) SetCallTimeout(d time.Duration) { e.callTimeout = d }

// ActiveLeases returns the number of generations currently in flight.
func (e *Executor) ActiveLeases() int { return e.leases.active() }

// trySend attempts a non-blocking send on the updates channel. If the buffer is
// full the update is dropped: graph state is authoritative, the stream is only
// for live display.
func trySend(updates chan<- models.GenerationUpdate, u models.GenerationUpdate) {
	select {
	case updates <- u:
	default:
		log.Printf("⚠️ [EXECUTOR] Update channel full, dropping %s update for block '%s'", u.Type, u.BlockID)
	}
}

// Generate starts one generation run for blockID. Precondition failures
// (ineligibility, lease conflict) are returned synchronously; afterwards the
// run proceeds in the background and streams partial output plus exactly one
// terminal update on the returned channel, which is closed when the run ends.
//
// Cancellation (Stop or ctx) restores the block's prior status and content
// exactly — a cancelled run is "nothing happened", not a failure.
func (e *Executor) Generate(ctx context.Context, g *graph.Graph, blockID string, trigger graph.Trigger) (<-chan models.GenerationUpdate, error) {
	block := g.GetBlock(blockID)
	if block == nil {
		return nil, fmt.Errorf("%w: %s", graph.ErrBlockNotFound, blockID)
	}
	// A block already generating is a lease conflict, not an eligibility failure.
	// The lease acquire below is the authoritative check; this maps the common
	// case to the right error before the dependency scan can shadow it.
	if block.Status == models.BlockStatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrLeaseConflict, blockID)
	}
	if !g.Eligible(blockID, trigger) {
		return nil, fmt.Errorf("%w: %s", ErrDependencyUnmet, blockID)
	}

	handler, err := e.registry.Get(block.SpecialHandler)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancel(ctx)
	l, err := e.leases.acquire(blockID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	prior, err := g.MarkInProgress(blockID)
	if err != nil {
		e.leases.release(l)
		cancel()
		return nil, err
	}

	deps := g.ResolveDependencyContents(blockID)
	req := handler.BuildRequest(block, deps)

	updates := make(chan models.GenerationUpdate, 128)
	if e.metrics != nil {
		e.metrics.GenerationStarted()
	}

	go e.run(genCtx, cancel, g, l, prior, req, updates)
	return updates, nil
}

func (e *Executor) run(
	ctx context.Context,
	cancel context.CancelFunc,
	g *graph.Graph,
	l *lease,
	prior *models.ContentBlock,
	req Request,
	updates chan models.GenerationUpdate,
) {
	blockID := l.blockID
	started := time.Now()
	outcome := models.UpdateFailed

	defer func() {
		e.leases.release(l)
		cancel()
		if e.metrics != nil {
			e.metrics.GenerationFinished(outcome, time.Since(started).Seconds())
		}
		close(updates)
	}()

	callCtx, callCancel := context.WithTimeout(ctx, e.callTimeout)
	defer callCancel()

	content, err := e.service.Generate(callCtx, req, func(chunk string) {
		trySend(updates, models.GenerationUpdate{
			Type:    models.UpdateChunk,
			BlockID: blockID,
			Chunk:   chunk,
		})
	})

	// Commit/rollback uses a fresh context: the generation context may already
	// be cancelled, but the graph write must still happen.
	commitCtx, commitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer commitCancel()

	switch {
	case err == nil:
		if commitErr := g.CommitCompleted(commitCtx, blockID, content); commitErr != nil {
			log.Printf("❌ [EXECUTOR] Failed to commit block '%s': %v", blockID, commitErr)
		}
		outcome = models.UpdateCompleted
		trySend(updates, models.GenerationUpdate{
			Type:    models.UpdateCompleted,
			BlockID: blockID,
			Content: content,
		})
		log.Printf("✅ [EXECUTOR] Block '%s' generation completed (%d chars)", blockID, len(content))

	case errors.Is(err, context.Canceled):
		if rbErr := g.RestoreAfterCancel(commitCtx, prior); rbErr != nil {
			log.Printf("❌ [EXECUTOR] Failed to restore block '%s' after cancel: %v", blockID, rbErr)
		}
		outcome = models.UpdateCancelled
		trySend(updates, models.GenerationUpdate{
			Type:    models.UpdateCancelled,
			BlockID: blockID,
		})
		log.Printf("⏹️ [EXECUTOR] Block '%s' generation cancelled, prior state restored", blockID)

	default:
		classified := ClassifyError(err)
		if failErr := g.MarkFailed(commitCtx, blockID); failErr != nil {
			log.Printf("❌ [EXECUTOR] Failed to mark block '%s' failed: %v", blockID, failErr)
		}
		trySend(updates, models.GenerationUpdate{
			Type:    models.UpdateFailed,
			BlockID: blockID,
			Error:   classified.Error(),
		})
		log.Printf("❌ [EXECUTOR] Block '%s' generation failed [%s]: %v", blockID, classified.Category, err)
	}
}

// Stop cancels the in-flight generation for blockID, if any. Returns false when
// nothing is running for that block.
func (e *Executor) Stop(blockID string) bool {
	return e.leases.cancelLease(blockID)
}
