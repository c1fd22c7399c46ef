package job_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snapvault/backend/internal/job"
	"github.com/snapvault/backend/internal/lock"
	"github.com/snapvault/backend/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRunner(t *testing.T) (*job.Runner, *lock.Manager, *fakeClock) {
	t.Helper()

	st := memory.New()
	clock := newFakeClock()

	locks := lock.New(st, nil, lock.WithClock(clock.Now))
	r := job.NewRunner(st, locks, nil, job.WithClock(clock.Now))

	return r, locks, clock
}

func TestRunRecordsSuccessfulRun(t *testing.T) {
	t.Parallel()

	r, _, clock := newRunner(t)
	ctx := context.Background()

	rec, err := r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) {
		clock.Advance(3 * time.Second)
		return job.Stats{"rows_deleted": 12}, nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if rec.Status != job.StatusSuccess {
		t.Errorf("expected success status, got %s", rec.Status)
	}

	if rec.EndTime.Sub(rec.StartTime) != 3*time.Second {
		t.Errorf("unexpected duration: %v to %v", rec.StartTime, rec.EndTime)
	}

	if rec.Stats["rows_deleted"] != 12 {
		t.Errorf("stats not recorded: %v", rec.Stats)
	}

	got, err := r.LastSuccess(ctx, "cleanup")
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}

	if got == nil {
		t.Fatal("expected a persisted run record")
	}

	if !got.StartTime.Equal(rec.StartTime) || got.Stats["rows_deleted"] != 12 {
		t.Errorf("persisted record diverges: %+v vs %+v", got, rec)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	t.Parallel()

	r, _, _ := newRunner(t)
	ctx := context.Background()

	wantErr := errors.New("disk full")

	rec, err := r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) {
		return job.Stats{"rows_scanned": 5}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the job's error back, got %v", err)
	}

	if rec.Status != job.StatusFailure {
		t.Errorf("expected failure status, got %s", rec.Status)
	}

	if rec.FailureMsg != "disk full" {
		t.Errorf("unexpected failure message %q", rec.FailureMsg)
	}

	// A failed run is not a success.
	got, err := r.LastSuccess(ctx, "cleanup")
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}

	if got != nil {
		t.Errorf("failed run reported as last success: %+v", got)
	}
}

func TestRunReturnsErrAlreadyRunning(t *testing.T) {
	t.Parallel()

	r, locks, _ := newRunner(t)
	ctx := context.Background()

	held, status, err := locks.TryAcquire(ctx, "job", "cleanup", "", true)
	if err != nil || status != lock.Acquired {
		t.Fatalf("failed to pre-hold job lock: status=%v err=%v", status, err)
	}

	ran := false

	_, err = r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) {
		ran = true
		return nil, nil
	})
	if !errors.Is(err, job.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if ran {
		t.Error("job body must not run while another invocation holds the lock")
	}

	if err := locks.Release(ctx, held); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Once the lock is free the job runs normally.
	if _, err := r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) { return nil, nil }); err != nil {
		t.Fatalf("run after release failed: %v", err)
	}
}

func TestLastSuccessSkipsNewerFailures(t *testing.T) {
	t.Parallel()

	r, _, clock := newRunner(t)
	ctx := context.Background()

	if _, err := r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) {
		return job.Stats{"run": 1}, nil
	}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	firstStart := clock.Now()

	clock.Advance(time.Minute)

	if _, err := r.Run(ctx, "cleanup", func(context.Context) (job.Stats, error) {
		return nil, errors.New("broke")
	}); err == nil {
		t.Fatal("expected the second run to fail")
	}

	got, err := r.LastSuccess(ctx, "cleanup")
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}

	if got == nil {
		t.Fatal("expected the older successful run")
	}

	if !got.StartTime.Equal(firstStart) || got.Stats["run"] != 1 {
		t.Errorf("expected the first run's record, got %+v", got)
	}
}

func TestLastSuccessNilForUnknownJob(t *testing.T) {
	t.Parallel()

	r, _, _ := newRunner(t)

	got, err := r.LastSuccess(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}

	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}
