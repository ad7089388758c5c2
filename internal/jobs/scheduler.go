package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one background maintenance task. NextRun tells the scheduler when the
// job wants to fire again; it is consulted anew after every run, so jobs can
// move their own slot (fixed intervals, daily wall-clock times).
type Job interface {
	Run(ctx context.Context) error
	NextRun() time.Time
}

// JobStatus is the reportable state of one registered job.
type JobStatus struct {
	Name        string    `json:"name"`
	NextRunTime time.Time `json:"next_run_time"`
	Registered  bool      `json:"registered"`
}

// entry pairs a registered job with its armed timer.
type entry struct {
	job   Job
	timer *time.Timer
}

// JobScheduler drives the maintenance jobs (stale lease reaping, trial
// retention cleanup) on self-rescheduling timers. One run per job at a time;
// Stop cancels the shared context and waits for in-flight runs.
type JobScheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobScheduler creates an empty scheduler.
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job under a unique name. Jobs registered after Start are
// armed immediately.
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{job: job}
	s.entries[name] = e
	log.Printf("✅ [JOBS] Registered job: %s", name)
	if s.started {
		s.armLocked(name, e)
	}
}

// Start arms every registered job. Idempotent.
func (s *JobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	log.Printf("🚀 [JOBS] Starting %d background jobs", len(s.entries))
	for name, e := range s.entries {
		s.armLocked(name, e)
	}
	return nil
}

// armLocked sets the timer for a job's next slot. Caller holds s.mu.
func (s *JobScheduler) armLocked(name string, e *entry) {
	next := e.job.NextRun()
	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	log.Printf("⏰ [JOBS] Job '%s' next run at %s (in %v)", name, next.Format(time.RFC3339), wait.Round(time.Second))
	e.timer = time.AfterFunc(wait, func() { s.fire(name, e) })
}

// fire runs one job, then re-arms it unless the scheduler stopped meanwhile.
func (s *JobScheduler) fire(name string, e *entry) {
	s.wg.Add(1)
	defer s.wg.Done()

	started := time.Now()
	if err := e.job.Run(s.ctx); err != nil {
		log.Printf("❌ [JOBS] Job '%s' failed: %v", name, err)
	} else {
		log.Printf("✅ [JOBS] Job '%s' finished in %v", name, time.Since(started).Round(time.Millisecond))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.armLocked(name, e)
	}
}

// Stop disarms every timer, cancels the job context and waits for in-flight
// runs to return.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for name, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		log.Printf("⏹️ [JOBS] Disarmed job: %s", name)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("🛑 [JOBS] Background jobs stopped")
}

// GetStatus reports every registered job with its next slot, for the health
// endpoint.
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.entries))
	for name, e := range s.entries {
		out[name] = JobStatus{
			Name:        name,
			NextRunTime: e.job.NextRun(),
			Registered:  true,
		}
	}
	return out
}
