package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

// tickJob fires as fast as the scheduler re-arms it and counts its runs.
type tickJob struct {
	mu   sync.Mutex
	runs int
}

func (j *tickJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	return nil
}

func (j *tickJob) NextRun() time.Time { return time.Now().Add(5 * time.Millisecond) }

func (j *tickJob) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func TestJobScheduler_RunsAndReschedules(t *testing.T) {
	s := NewJobScheduler()
	job := &tickJob{}
	s.Register("tick", job)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for job.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("job should re-arm itself after each run, got %d runs", job.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJobScheduler_StopDisarmsJobs(t *testing.T) {
	s := NewJobScheduler()
	job := &tickJob{}
	s.Register("tick", job)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()

	after := job.count()
	time.Sleep(50 * time.Millisecond)
	if job.count() != after {
		t.Errorf("stopped scheduler must not fire jobs: %d -> %d", after, job.count())
	}

	// Stop again is a no-op
	s.Stop()
}

func TestJobScheduler_RegisterAfterStartArmsImmediately(t *testing.T) {
	s := NewJobScheduler()
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	job := &tickJob{}
	s.Register("late", job)

	deadline := time.After(2 * time.Second)
	for job.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("job registered after Start never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	status := s.GetStatus()
	if st, ok := status["late"]; !ok || !st.Registered || st.Name != "late" {
		t.Errorf("GetStatus should list the job, got %+v", status)
	}
}
