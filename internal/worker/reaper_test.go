package worker

import (
	"context"
	"testing"
	"time"

	"manifestme/internal/adapter/repo"
	"manifestme/internal/domain"
)

func TestReaperSweepFailsOnlyStaleProcessingJobs(t *testing.T) {
	ctx := context.Background()
	jobs := repo.NewMemoryJobRepository()

	stale, _ := jobs.Create(ctx, "owner-1", "one")
	pending, _ := jobs.Create(ctx, "owner-1", "two")
	if _, err := jobs.Transition(ctx, stale.ID, domain.JobStatusPending, domain.JobStatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	r := NewReaper(jobs, 30*time.Minute, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1", n, err)
	}
	got, _ := jobs.Get(ctx, stale.ID, "")
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("stale job status = %s", got.Status)
	}
	got, _ = jobs.Get(ctx, pending.ID, "")
	if got.Status != domain.JobStatusPending {
		t.Fatalf("pending job status = %s", got.Status)
	}

	r.now = time.Now
	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep moved %d jobs", n)
	}
}

func TestReaperStartRejectsBadSchedule(t *testing.T) {
	r := NewReaper(repo.NewMemoryJobRepository(), time.Minute, nil)
	if err := r.Start("not a schedule"); err == nil {
		t.Fatal("expected schedule error")
	}
	<-r.Stop().Done()

	if err := r.Start("@every 1h"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-r.Stop().Done()
}
