package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingJob struct {
	interval time.Duration
	runs     atomic.Int32
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return nil
}

func (j *countingJob) Interval() time.Duration {
	return j.interval
}

func TestJobScheduler_RunsRegisteredJobs(t *testing.T) {
	scheduler := NewJobScheduler()
	job := &countingJob{interval: 10 * time.Millisecond}
	scheduler.Register("counting", job)

	scheduler.Start()
	defer scheduler.Stop()

	deadline := time.Now().Add(time.Second)
	for job.runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected at least 2 runs, got %d", job.runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobScheduler_StopPreventsFurtherRuns(t *testing.T) {
	scheduler := NewJobScheduler()
	job := &countingJob{interval: 10 * time.Millisecond}
	scheduler.Register("counting", job)

	scheduler.Start()
	time.Sleep(25 * time.Millisecond)
	scheduler.Stop()

	after := job.runs.Load()
	time.Sleep(30 * time.Millisecond)
	if job.runs.Load() != after {
		t.Errorf("Expected no runs after Stop, got %d more", job.runs.Load()-after)
	}
}

func TestJobScheduler_RunNow(t *testing.T) {
	scheduler := NewJobScheduler()
	job := &countingJob{interval: time.Hour}
	scheduler.Register("counting", job)

	if err := scheduler.RunNow("counting"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if job.runs.Load() != 1 {
		t.Errorf("Expected 1 run, got %d", job.runs.Load())
	}

	if err := scheduler.RunNow("missing"); err != nil {
		t.Errorf("Expected nil for unknown job, got %v", err)
	}
}
