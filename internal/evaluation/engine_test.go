package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"blockweave/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memTaskStore is an in-memory TaskStore. Get and Update copy so the engine's
// working task never aliases stored state. Like the real driver, every call
// fails once its context is dead.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newMemTaskStore(tasks ...*models.Task) *memTaskStore {
	s := &memTaskStore{tasks: make(map[string]*models.Task)}
	for _, t := range tasks {
		cp := *t
		s.tasks[t.ID.Hex()] = &cp
	}
	return s
}

func (s *memTaskStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id.Hex()]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id.Hex())
	}
	cp := *t
	return &cp, nil
}

func (s *memTaskStore) ListByProject(ctx context.Context, projectID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memTaskStore) Update(ctx context.Context, task *models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID.Hex()] = &cp
	return nil
}

func (s *memTaskStore) snapshot(id primitive.ObjectID) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id.Hex()]
}

type memTrialStore struct {
	mu      sync.Mutex
	results []models.TrialResult
}

func (s *memTrialStore) Insert(ctx context.Context, result *models.TrialResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *result)
	return nil
}

func (s *memTrialStore) ListBatch(ctx context.Context, taskID primitive.ObjectID, batchID string) ([]models.TrialResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TrialResult
	for _, r := range s.results {
		if r.TaskID == taskID && r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memTrialStore) all() []models.TrialResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TrialResult(nil), s.results...)
}

// stubBlocks serves fixed content for every block id.
type stubBlocks struct{}

func (stubBlocks) BlockContent(projectID, blockID string) (string, string, bool) {
	return blockID, "content of " + blockID, true
}

// stubGrader scripts the Score call per test. When gate channels are set, each
// call announces itself on started and blocks until released, letting tests
// line up pause/stop requests against trial boundaries.
type stubGrader struct {
	started chan struct{}
	release chan struct{}
	score   func(graderID string) (*GraderScore, error)

	mu    sync.Mutex
	calls int
}

func (g *stubGrader) Score(ctx context.Context, graderID, content, probe string) (*GraderScore, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
		<-g.release
	}
	if g.score != nil {
		return g.score(graderID)
	}
	return &GraderScore{DimensionScores: map[string]float64{"quality": 4}}, nil
}

func (g *stubGrader) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubPersonas struct{}

func (stubPersonas) Resolve(ctx context.Context, personaID string) (*models.Persona, error) {
	return &models.Persona{ID: personaID, Name: "Persona " + personaID}, nil
}

type stubSim struct{}

func (stubSim) Simulate(ctx context.Context, persona *models.Persona, instruction, input string) (string, error) {
	return persona.Name + " reacts", nil
}

func assessmentTask(status models.TaskStatus, repeat int) *models.Task {
	return &models.Task{
		ID:        primitive.NewObjectID(),
		ProjectID: "p1",
		Name:      "eval",
		Status:    status,
		TrialConfigs: []models.TrialConfig{{
			FormType:       models.FormAssessment,
			TargetBlockIDs: []string{"b1"},
			GraderIDs:      []string{"g1"},
			RepeatCount:    repeat,
		}},
	}
}

func newTestEngine(tasks TaskStore, trials TrialStore, grader Grader) *Engine {
	return NewEngine(tasks, trials, stubBlocks{}, stubPersonas{}, grader, stubSim{}, nil)
}

func waitForStatus(t *testing.T, store *memTaskStore, id primitive.ObjectID, want models.TaskStatus) models.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		got := store.snapshot(id)
		if got.Status == want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached status %s, stuck at %s", want, got.Status)
			return got
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartTask_RunsBatchToCompletion(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 3)
	store := newMemTaskStore(task)
	trials := &memTrialStore{}
	engine := newTestEngine(store, trials, &stubGrader{})

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	final := waitForStatus(t, store, task.ID, models.TaskStatusCompleted)
	if final.Progress.Completed != 3 || final.Progress.Total != 3 || final.Progress.Percent != 100 {
		t.Errorf("final progress wrong: %+v", final.Progress)
	}
	if final.Progress.IsRunning {
		t.Error("finished task must not report running")
	}
	if final.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	results := trials.all()
	if len(results) != 3 {
		t.Fatalf("expected 3 trial results, got %d", len(results))
	}
	for i, r := range results {
		if r.RepeatIndex != i || r.BatchID != final.CurrentBatchID {
			t.Errorf("trial %d: repeat %d batch %q", i, r.RepeatIndex, r.BatchID)
		}
		if r.Status != models.TrialStatusCompleted {
			t.Errorf("trial %d should be completed, got %s", i, r.Status)
		}
		if r.OverallScore != 4 {
			t.Errorf("trial %d: expected overall score 4, got %f", i, r.OverallScore)
		}
	}
}

func TestStartTask_Rejections(t *testing.T) {
	running := assessmentTask(models.TaskStatusRunning, 1)
	paused := assessmentTask(models.TaskStatusPaused, 1)
	noConfigs := &models.Task{ID: primitive.NewObjectID(), ProjectID: "p1", Status: models.TaskStatusPending}
	store := newMemTaskStore(running, paused, noConfigs)
	engine := newTestEngine(store, &memTrialStore{}, &stubGrader{})

	if err := engine.StartTask(context.Background(), running.ID); !errors.Is(err, ErrTaskNotStartable) {
		t.Errorf("running task: expected ErrTaskNotStartable, got %v", err)
	}
	if err := engine.StartTask(context.Background(), paused.ID); !errors.Is(err, ErrTaskNotStartable) {
		t.Errorf("paused task: expected ErrTaskNotStartable, got %v", err)
	}
	if err := engine.StartTask(context.Background(), noConfigs.ID); !errors.Is(err, ErrTaskNotStartable) {
		t.Errorf("no configs: expected ErrTaskNotStartable, got %v", err)
	}
	if err := engine.StartTask(context.Background(), primitive.NewObjectID()); err == nil {
		t.Error("unknown task id must error")
	}
}

func TestStartTask_RestartAfterTerminalGetsFreshBatch(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 1)
	store := newMemTaskStore(task)
	trials := &memTrialStore{}
	engine := newTestEngine(store, trials, &stubGrader{})

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("first StartTask failed: %v", err)
	}
	first := waitForStatus(t, store, task.ID, models.TaskStatusCompleted)

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		got := store.snapshot(task.ID)
		if got.Status == models.TaskStatusCompleted && got.CurrentBatchID != first.CurrentBatchID {
			if got.Progress.Completed != 1 {
				t.Errorf("restarted batch progress wrong: %+v", got.Progress)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("restart never completed with a fresh batch id")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPauseAndResume_AtTrialBoundary(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 3)
	store := newMemTaskStore(task)
	trials := &memTrialStore{}
	grader := &stubGrader{started: make(chan struct{}), release: make(chan struct{})}
	engine := newTestEngine(store, trials, grader)

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	// trial 1 is in flight when the pause lands; it must finish before the
	// pause takes effect
	<-grader.started
	if err := engine.PauseTask(context.Background(), task.ID); err != nil {
		t.Fatalf("PauseTask failed: %v", err)
	}
	grader.release <- struct{}{}

	paused := waitForStatus(t, store, task.ID, models.TaskStatusPaused)
	if paused.Progress.Completed != 1 {
		t.Errorf("pause cursor should be 1 finished trial, got %d", paused.Progress.Completed)
	}
	if paused.Progress.IsRunning || paused.Progress.PauseRequested {
		t.Errorf("paused progress flags wrong: %+v", paused.Progress)
	}
	if len(trials.all()) != 1 {
		t.Fatalf("exactly the in-flight trial should have been recorded, got %d", len(trials.all()))
	}

	if err := engine.ResumeTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ResumeTask failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		<-grader.started
		grader.release <- struct{}{}
	}

	final := waitForStatus(t, store, task.ID, models.TaskStatusCompleted)
	if final.CurrentBatchID != paused.CurrentBatchID {
		t.Error("resume must continue the same batch, not open a new one")
	}
	results := trials.all()
	if len(results) != 3 {
		t.Fatalf("expected 3 trials total after resume, got %d", len(results))
	}
	// no trial unit ran twice
	seen := make(map[int]bool)
	for _, r := range results {
		if seen[r.RepeatIndex] {
			t.Errorf("repeat index %d executed twice", r.RepeatIndex)
		}
		seen[r.RepeatIndex] = true
	}
}

func TestResumeTask_RequiresPaused(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 1)
	store := newMemTaskStore(task)
	engine := newTestEngine(store, &memTrialStore{}, &stubGrader{})

	if err := engine.ResumeTask(context.Background(), task.ID); !errors.Is(err, ErrTaskNotPaused) {
		t.Errorf("expected ErrTaskNotPaused, got %v", err)
	}
}

func TestStopTask_DiscardsRemainingTrials(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 3)
	store := newMemTaskStore(task)
	trials := &memTrialStore{}
	grader := &stubGrader{started: make(chan struct{}), release: make(chan struct{})}
	engine := newTestEngine(store, trials, grader)

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	<-grader.started
	if err := engine.StopTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StopTask failed: %v", err)
	}
	grader.release <- struct{}{}

	stopped := waitForStatus(t, store, task.ID, models.TaskStatusStopped)
	if stopped.CompletedAt == nil {
		t.Error("stopped task should carry completed_at")
	}
	if len(trials.all()) != 1 {
		t.Errorf("only the in-flight trial should have run, got %d", len(trials.all()))
	}
	if grader.callCount() != 1 {
		t.Errorf("remaining trials must be discarded, got %d grader calls", grader.callCount())
	}
}

func TestStopTask_PausedStopsImmediately(t *testing.T) {
	task := assessmentTask(models.TaskStatusPaused, 3)
	task.Progress = models.TaskProgress{Completed: 1, Total: 3, Percent: 33}
	store := newMemTaskStore(task)
	engine := newTestEngine(store, &memTrialStore{}, &stubGrader{})

	if err := engine.StopTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StopTask on paused task failed: %v", err)
	}
	got := store.snapshot(task.ID)
	if got.Status != models.TaskStatusStopped {
		t.Errorf("expected stopped, got %s", got.Status)
	}
}

func TestStopTask_IdleTaskRejected(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 1)
	store := newMemTaskStore(task)
	engine := newTestEngine(store, &memTrialStore{}, &stubGrader{})

	if err := engine.StopTask(context.Background(), task.ID); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("expected ErrTaskNotRunning, got %v", err)
	}
}

func TestRunBatch_FailedOnlyWhenAllTrialsFail(t *testing.T) {
	allFail := &stubGrader{score: func(string) (*GraderScore, error) {
		return nil, errors.New("grader down")
	}}
	task := assessmentTask(models.TaskStatusPending, 2)
	store := newMemTaskStore(task)
	engine := newTestEngine(store, &memTrialStore{}, allFail)

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	waitForStatus(t, store, task.ID, models.TaskStatusFailed)

	// one success among failures keeps the task completed
	var calls int
	var mu sync.Mutex
	partial := &stubGrader{score: func(string) (*GraderScore, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("grader down")
		}
		return &GraderScore{DimensionScores: map[string]float64{"quality": 3}}, nil
	}}
	task2 := assessmentTask(models.TaskStatusPending, 2)
	store2 := newMemTaskStore(task2)
	trials2 := &memTrialStore{}
	engine2 := newTestEngine(store2, trials2, partial)

	if err := engine2.StartTask(context.Background(), task2.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	waitForStatus(t, store2, task2.ID, models.TaskStatusCompleted)

	results := trials2.all()
	if len(results) != 2 {
		t.Fatalf("expected 2 trials, got %d", len(results))
	}
	if results[0].Status != models.TrialStatusFailed || results[1].Status != models.TrialStatusCompleted {
		t.Errorf("expected failed then completed, got %s/%s", results[0].Status, results[1].Status)
	}
	if results[0].Error == "" {
		t.Error("failed trial should record its error")
	}
}

func TestExecuteAll_RunsStartableTasksSequentially(t *testing.T) {
	t1 := assessmentTask(models.TaskStatusPending, 2)
	t2 := assessmentTask(models.TaskStatusCompleted, 2)
	running := assessmentTask(models.TaskStatusRunning, 1)
	store := newMemTaskStore(t1, t2, running)
	trials := &memTrialStore{}
	engine := newTestEngine(store, trials, &stubGrader{})

	started, err := engine.ExecuteAll(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 startable tasks, got %d", started)
	}

	waitForStatus(t, store, t1.ID, models.TaskStatusCompleted)
	waitForStatus(t, store, t2.ID, models.TaskStatusCompleted)

	// sequential execution keeps each task's trials contiguous in insert order
	results := trials.all()
	if len(results) != 4 {
		t.Fatalf("expected 4 trials, got %d", len(results))
	}
	if results[0].TaskID != results[1].TaskID || results[2].TaskID != results[3].TaskID {
		t.Error("trials of different tasks interleaved")
	}
	if store.snapshot(running.ID).Status != models.TaskStatusRunning {
		t.Error("non-startable task must be left alone")
	}
}

func TestRunBatch_ReportsProgressSnapshots(t *testing.T) {
	task := assessmentTask(models.TaskStatusPending, 3)
	store := newMemTaskStore(task)
	engine := newTestEngine(store, &memTrialStore{}, &stubGrader{})

	type snapshot struct {
		progress models.TaskProgress
		status   models.TaskStatus
	}
	var mu sync.Mutex
	var snaps []snapshot
	engine.SetProgressFunc(func(projectID, taskID string, progress models.TaskProgress, status models.TaskStatus) {
		if projectID != "p1" || taskID != task.ID.Hex() {
			t.Errorf("snapshot misaddressed: project %q task %q", projectID, taskID)
		}
		mu.Lock()
		snaps = append(snaps, snapshot{progress, status})
		mu.Unlock()
	})

	if err := engine.StartTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	waitForStatus(t, store, task.ID, models.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	// start + one per trial + finalization
	if len(snaps) != 5 {
		t.Fatalf("expected 5 progress snapshots, got %d", len(snaps))
	}
	if snaps[0].status != models.TaskStatusRunning || snaps[0].progress.Completed != 0 {
		t.Errorf("first snapshot should be the running start, got %+v", snaps[0])
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].progress.Completed < snaps[i-1].progress.Completed {
			t.Errorf("completed count went backwards at snapshot %d: %+v", i, snaps)
		}
	}
	last := snaps[len(snaps)-1]
	if last.status != models.TaskStatusCompleted || last.progress.IsRunning || last.progress.Percent != 100 {
		t.Errorf("final snapshot should carry the terminal state, got %+v", last)
	}
}

func TestExecuteAll_SurvivesCallerContextCancellation(t *testing.T) {
	t1 := assessmentTask(models.TaskStatusPending, 2)
	t2 := assessmentTask(models.TaskStatusPending, 2)
	store := newMemTaskStore(t1, t2)
	trials := &memTrialStore{}
	engine := newTestEngine(store, trials, &stubGrader{})

	// HTTP callers hand in a request-scoped context that dies as soon as the
	// 202 goes out. The background loop must not inherit it.
	ctx, cancel := context.WithCancel(context.Background())
	started, err := engine.ExecuteAll(ctx, "p1")
	cancel()
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 startable tasks, got %d", started)
	}

	waitForStatus(t, store, t1.ID, models.TaskStatusCompleted)
	waitForStatus(t, store, t2.ID, models.TaskStatusCompleted)
	if len(trials.all()) != 4 {
		t.Errorf("expected 4 trials despite the dead caller context, got %d", len(trials.all()))
	}
}

func TestFlattenTrials_RepeatCountFloor(t *testing.T) {
	task := &models.Task{TrialConfigs: []models.TrialConfig{
		{FormType: models.FormAssessment, RepeatCount: 0},
		{FormType: models.FormReview, RepeatCount: 2},
	}}
	specs := flattenTrials(task)
	if len(specs) != 3 {
		t.Fatalf("repeat_count<1 should count as 1, got %d specs", len(specs))
	}
	if specs[0].configIndex != 0 || specs[1].configIndex != 1 || specs[2].repeatIndex != 1 {
		t.Errorf("unexpected flattening: %+v", specs)
	}
	if task.TotalTrials() != 3 {
		t.Errorf("TotalTrials should agree with the flattened plan, got %d", task.TotalTrials())
	}
}
