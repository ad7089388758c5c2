package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"blockweave/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Engine-level errors rejected synchronously to the caller.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotRunning   = errors.New("task is not running")
	ErrTaskNotPaused    = errors.New("task is not paused")
	ErrTaskNotStartable = errors.New("task cannot be started from its current status")
	ErrRunInFlight      = errors.New("task already has an active run")
)

// TaskStore persists tasks. The engine owns status/progress writes during a run.
type TaskStore interface {
	Get(ctx context.Context, id primitive.ObjectID) (*models.Task, error)
	ListByProject(ctx context.Context, projectID string) ([]models.Task, error)
	Update(ctx context.Context, task *models.Task) error
}

// TrialStore persists trial results per batch.
type TrialStore interface {
	Insert(ctx context.Context, result *models.TrialResult) error
	ListBatch(ctx context.Context, taskID primitive.ObjectID, batchID string) ([]models.TrialResult, error)
}

// BlockReader gives the engine read-only access to block content. The engine
// never mutates blocks; applying a suggestion is an explicit user action outside
// this engine.
type BlockReader interface {
	BlockContent(projectID, blockID string) (name, content string, ok bool)
}

// PersonaResolver resolves persona ids referenced by a trial's form config.
type PersonaResolver interface {
	Resolve(ctx context.Context, personaID string) (*models.Persona, error)
}

// GraderScore is one grader's judgement of a content bundle.
type GraderScore struct {
	DimensionScores map[string]float64
	Comment         string
	Evidence        []string
	Suggestions     []string
	InputTokens     int
	OutputTokens    int
}

// Grader is the external scoring collaborator.
type Grader interface {
	Score(ctx context.Context, graderID, content, probe string) (*GraderScore, error)
}

// Simulator produces persona-perspective text for review/experience walks and
// scenario turns. Satisfied by the generation service client.
type Simulator interface {
	Simulate(ctx context.Context, persona *models.Persona, instruction, input string) (string, error)
}

// TrialMetrics receives per-trial measurements. Nil disables instrumentation.
type TrialMetrics interface {
	TrialFinished(formType, status string, seconds float64)
}

// ProgressFunc receives a task progress snapshot each time the engine persists
// one, for fanout to watching clients. Nil disables fanout.
type ProgressFunc func(projectID, taskID string, progress models.TaskProgress, status models.TaskStatus)

// Engine executes evaluation tasks: repeat_count trials per config, sequential,
// with cooperative pause/resume/stop honored only at trial boundaries so an
// in-flight trial always completes cleanly.
type Engine struct {
	tasks    TaskStore
	trials   TrialStore
	blocks   BlockReader
	personas PersonaResolver
	grader   Grader
	sim      Simulator
	metrics  TrialMetrics

	onProgress ProgressFunc

	mu   sync.Mutex
	runs map[string]*taskRun // task id hex -> active run
}

// taskRun is the in-memory control block of one batch execution.
type taskRun struct {
	pauseRequested bool
	stopRequested  bool
	flagMu         sync.Mutex
	done           chan struct{}
}

func (r *taskRun) requestPause() {
	r.flagMu.Lock()
	r.pauseRequested = true
	r.flagMu.Unlock()
}

func (r *taskRun) requestStop() {
	r.flagMu.Lock()
	r.stopRequested = true
	r.flagMu.Unlock()
}

func (r *taskRun) flags() (pause, stop bool) {
	r.flagMu.Lock()
	defer r.flagMu.Unlock()
	return r.pauseRequested, r.stopRequested
}

// NewEngine wires the task engine with its collaborators.
func NewEngine(tasks TaskStore, trials TrialStore, blocks BlockReader, personas PersonaResolver, grader Grader, sim Simulator, metrics TrialMetrics) *Engine {
	return &Engine{
		tasks:    tasks,
		trials:   trials,
		blocks:   blocks,
		personas: personas,
		grader:   grader,
		sim:      sim,
		metrics:  metrics,
		runs:     make(map[string]*taskRun),
	}
}

// SetProgressFunc registers the progress fanout callback. Call before any run
// starts.
func (e *Engine) SetProgressFunc(fn ProgressFunc) { e.onProgress = fn }

func (e *Engine) emitProgress(task *models.Task) {
	if e.onProgress != nil {
		e.onProgress(task.ProjectID, task.ID.Hex(), task.Progress, task.Status)
	}
}

// trialSpec is one unit of the flattened (config × repeat) execution plan.
type trialSpec struct {
	configIndex int
	repeatIndex int
	config      models.TrialConfig
}

func flattenTrials(task *models.Task) []trialSpec {
	var specs []trialSpec
	for ci, cfg := range task.TrialConfigs {
		n := cfg.RepeatCount
		if n < 1 {
			n = 1
		}
		for ri := 0; ri < n; ri++ {
			specs = append(specs, trialSpec{configIndex: ci, repeatIndex: ri, config: cfg})
		}
	}
	return specs
}

// StartTask transitions pending|completed|stopped → running with a fresh batch
// and launches the batch execution in the background.
func (e *Engine) StartTask(ctx context.Context, taskID primitive.ObjectID) error {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending && !models.IsTerminalTaskStatus(task.Status) {
		return fmt.Errorf("%w: status %s", ErrTaskNotStartable, task.Status)
	}
	if len(task.TrialConfigs) == 0 {
		return fmt.Errorf("%w: task has no trial configs", ErrTaskNotStartable)
	}

	run := &taskRun{done: make(chan struct{})}
	key := taskID.Hex()
	e.mu.Lock()
	if _, active := e.runs[key]; active {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunInFlight, key)
	}
	e.runs[key] = run
	e.mu.Unlock()

	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.CurrentBatchID = uuid.New().String()
	task.StartedAt = &now
	task.CompletedAt = nil
	task.Progress = models.TaskProgress{
		Completed: 0,
		Total:     task.TotalTrials(),
		Percent:   0,
		IsRunning: true,
	}
	if err := e.tasks.Update(ctx, task); err != nil {
		e.dropRun(key)
		return err
	}
	e.emitProgress(task)

	log.Printf("🚀 [TASKS] Starting task %s (batch %s, %d trials)", key, task.CurrentBatchID, task.Progress.Total)
	go e.runBatch(task, run, 0)
	return nil
}

// PauseTask requests a pause; it takes effect at the next trial boundary. The
// in-flight trial keeps running to completion first.
func (e *Engine) PauseTask(ctx context.Context, taskID primitive.ObjectID) error {
	key := taskID.Hex()
	e.mu.Lock()
	run, active := e.runs[key]
	e.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, key)
	}
	run.requestPause()

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.Progress.PauseRequested = true
	return e.tasks.Update(ctx, task)
}

// ResumeTask continues a paused task from the next unstarted trial of the same
// batch.
func (e *Engine) ResumeTask(ctx context.Context, taskID primitive.ObjectID) error {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPaused {
		return fmt.Errorf("%w: status %s", ErrTaskNotPaused, task.Status)
	}

	run := &taskRun{done: make(chan struct{})}
	key := taskID.Hex()
	e.mu.Lock()
	if _, active := e.runs[key]; active {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunInFlight, key)
	}
	e.runs[key] = run
	e.mu.Unlock()

	task.Status = models.TaskStatusRunning
	task.Progress.IsRunning = true
	task.Progress.PauseRequested = false
	if err := e.tasks.Update(ctx, task); err != nil {
		e.dropRun(key)
		return err
	}
	e.emitProgress(task)

	// Trials execute strictly in order, so the resume cursor is simply the
	// number of recorded trial units.
	log.Printf("▶️ [TASKS] Resuming task %s from trial %d/%d", key, task.Progress.Completed+1, task.Progress.Total)
	go e.runBatch(task, run, task.Progress.Completed)
	return nil
}

// StopTask requests a stop: the in-flight trial finishes, remaining trials are
// discarded and the task transitions to stopped. A paused task stops immediately.
func (e *Engine) StopTask(ctx context.Context, taskID primitive.ObjectID) error {
	key := taskID.Hex()
	e.mu.Lock()
	run, active := e.runs[key]
	e.mu.Unlock()

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if active {
		run.requestStop()
		task.Progress.StopRequested = true
		return e.tasks.Update(ctx, task)
	}

	if task.Status == models.TaskStatusPaused {
		now := time.Now()
		task.Status = models.TaskStatusStopped
		task.Progress.IsRunning = false
		task.Progress.StopRequested = false
		task.Progress.PauseRequested = false
		task.CompletedAt = &now
		return e.tasks.Update(ctx, task)
	}
	return fmt.Errorf("%w: %s", ErrTaskNotRunning, key)
}

// ExecuteAll starts every startable task of a project, one after another, in the
// background. Each task runs to a terminal (or paused) state before the next
// one starts, keeping grader load sequential.
func (e *Engine) ExecuteAll(ctx context.Context, projectID string) (int, error) {
	tasks, err := e.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var startable []models.Task
	for _, t := range tasks {
		if t.Status == models.TaskStatusPending || models.IsTerminalTaskStatus(t.Status) {
			startable = append(startable, t)
		}
	}
	if len(startable) == 0 {
		return 0, nil
	}

	go func() {
		// The loop outlives the caller's request context; never reuse it here.
		runCtx := context.Background()
		for _, t := range startable {
			if err := e.StartTask(runCtx, t.ID); err != nil {
				log.Printf("⚠️ [TASKS] execute-all: skipping task %s: %v", t.ID.Hex(), err)
				continue
			}
			e.waitForRun(t.ID.Hex())
		}
		log.Printf("🏁 [TASKS] execute-all for project %s finished (%d tasks)", projectID, len(startable))
	}()
	return len(startable), nil
}

func (e *Engine) waitForRun(key string) {
	e.mu.Lock()
	run, active := e.runs[key]
	e.mu.Unlock()
	if active {
		<-run.done
	}
}

func (e *Engine) dropRun(key string) {
	e.mu.Lock()
	delete(e.runs, key)
	e.mu.Unlock()
}

// runBatch executes trials from startIndex to the end of the flattened plan,
// checking pause/stop flags only between trials.
func (e *Engine) runBatch(task *models.Task, run *taskRun, startIndex int) {
	key := task.ID.Hex()
	defer func() {
		e.dropRun(key)
		close(run.done)
	}()

	ctx := context.Background()
	specs := flattenTrials(task)

	for i := startIndex; i < len(specs); i++ {
		pause, stop := run.flags()
		if stop {
			e.finalize(ctx, task, models.TaskStatusStopped)
			log.Printf("⏹️ [TASKS] Task %s stopped at trial %d/%d", key, i, len(specs))
			return
		}
		if pause {
			task.Status = models.TaskStatusPaused
			task.Progress.IsRunning = false
			task.Progress.PauseRequested = false
			if err := e.tasks.Update(ctx, task); err != nil {
				log.Printf("⚠️ [TASKS] Failed to persist paused task %s: %v", key, err)
			}
			e.emitProgress(task)
			log.Printf("⏸️ [TASKS] Task %s paused before trial %d/%d", key, i+1, len(specs))
			return
		}

		spec := specs[i]
		result := e.runTrial(ctx, task, spec)
		if err := e.trials.Insert(ctx, result); err != nil {
			log.Printf("⚠️ [TASKS] Failed to persist trial result for task %s: %v", key, err)
		}

		task.Progress.Completed = i + 1
		task.Progress.Percent = percent(task.Progress.Completed, task.Progress.Total)
		if err := e.tasks.Update(ctx, task); err != nil {
			log.Printf("⚠️ [TASKS] Failed to persist progress for task %s: %v", key, err)
		}
		e.emitProgress(task)
	}

	// Batch done: failed only when every trial failed, otherwise completed with
	// failed trials visible in the batch report.
	results, err := e.trials.ListBatch(ctx, task.ID, task.CurrentBatchID)
	final := models.TaskStatusCompleted
	if err == nil && len(results) > 0 {
		failed := 0
		for _, r := range results {
			if r.Status == models.TrialStatusFailed {
				failed++
			}
		}
		if failed == len(results) {
			final = models.TaskStatusFailed
		}
	}
	e.finalize(ctx, task, final)
	log.Printf("🏁 [TASKS] Task %s batch %s finished: %s", key, task.CurrentBatchID, final)
}

func (e *Engine) finalize(ctx context.Context, task *models.Task, status models.TaskStatus) {
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Progress.IsRunning = false
	task.Progress.PauseRequested = false
	task.Progress.StopRequested = false
	if err := e.tasks.Update(ctx, task); err != nil {
		log.Printf("⚠️ [TASKS] Failed to finalize task %s: %v", task.ID.Hex(), err)
	}
	e.emitProgress(task)
}

func percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}
