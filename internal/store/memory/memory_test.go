package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"
)

func newJob(id string, typ job.Type, target job.Target, status job.Status, createdAt time.Time) *job.Job {
	j := &job.Job{
		ID:        id,
		Type:      typ,
		Target:    target,
		Status:    status,
		Progress:  job.Progress{Total: job.DefaultProgressTotal, Message: "queued"},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if status.Terminal() {
		done := createdAt.Add(time.Minute)
		j.CompletedAt = &done
	}
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("j1", job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, time.Now())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != "j1" || got.Status != job.StatusPending {
		t.Errorf("unexpected job: %+v", got)
	}

	// Mutating the returned job must not affect stored state.
	got.Status = job.StatusRunning
	again, _ := s.GetJob(ctx, "j1")
	if again.Status != job.StatusPending {
		t.Error("store handed out a live reference instead of a copy")
	}

	if err := s.CreateJob(ctx, j); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate CreateJob: want conflict, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.GetJob(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestCreateJobWithKeyAtomicity(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	j1 := newJob("j1", job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
	entry := &job.KeyEntry{Key: "k1", Scope: "start", RequestHash: "h1", JobID: "j1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateJobWithKey(ctx, j1, entry); err != nil {
		t.Fatalf("CreateJobWithKey: %v", err)
	}

	// Second insert with the same (key, scope) must fail and must not
	// leave a partial job behind.
	j2 := newJob("j2", job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
	entry2 := &job.KeyEntry{Key: "k1", Scope: "start", RequestHash: "h1", JobID: "j2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateJobWithKey(ctx, j2, entry2); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
	if _, err := s.GetJob(ctx, "j2"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("losing insert leaked a job without a key entry")
	}

	// Same key, different scope is a distinct entry.
	j3 := newJob("j3", job.TypeStop, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
	entry3 := &job.KeyEntry{Key: "k1", Scope: "stop", RequestHash: "h1", JobID: "j3", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateJobWithKey(ctx, j3, entry3); err != nil {
		t.Errorf("cross-scope insert: %v", err)
	}
}

func TestConcurrentCreateJobWithKey(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("j%d", i)
			j := newJob(id, job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
			entry := &job.KeyEntry{Key: "k1", Scope: "start", RequestHash: "h1", JobID: id, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
			if err := s.CreateJobWithKey(ctx, j, entry); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("want exactly 1 winner, got %d", created)
	}
}

func TestMutateJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("j1", job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, time.Now())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	updated, err := s.MutateJob(ctx, "j1", func(j *job.Job) error {
		j.Status = job.StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("MutateJob: %v", err)
	}
	if updated.Status != job.StatusRunning {
		t.Errorf("want running, got %s", updated.Status)
	}

	// An error from fn aborts the write.
	boom := errors.New("boom")
	if _, err := s.MutateJob(ctx, "j1", func(j *job.Job) error {
		j.Status = job.StatusFailed
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want fn error, got %v", err)
	}
	got, _ := s.GetJob(ctx, "j1")
	if got.Status != job.StatusRunning {
		t.Error("aborted mutation leaked into the store")
	}

	if _, err := s.MutateJob(ctx, "nope", func(j *job.Job) error { return nil }); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestListByTargetOrderAndFilter(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now()
	target := job.Target{Type: job.TargetServer, ID: "srv-1"}

	for i := 0; i < 5; i++ {
		status := job.StatusPending
		if i%2 == 0 {
			status = job.StatusCompleted
		}
		j := newJob(fmt.Sprintf("j%d", i), job.TypeStart, target, status, base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	// Different target must not leak in.
	other := newJob("other", job.TypeStart, job.Target{Type: job.TargetCatalog, ID: "srv-1"}, job.StatusPending, base)
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := s.ListByTarget(ctx, job.TargetServer, "srv-1", job.ListOptions{})
	if err != nil {
		t.Fatalf("ListByTarget: %v", err)
	}
	if len(jobs) != 5 {
		t.Fatalf("want 5 jobs, got %d", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.After(jobs[i-1].CreatedAt) {
			t.Error("expected newest-first ordering")
		}
	}

	completed, err := s.ListByTarget(ctx, job.TargetServer, "srv-1", job.ListOptions{Status: job.StatusCompleted})
	if err != nil {
		t.Fatalf("ListByTarget: %v", err)
	}
	if len(completed) != 3 {
		t.Errorf("want 3 completed, got %d", len(completed))
	}

	limited, err := s.ListByTarget(ctx, job.TargetServer, "srv-1", job.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListByTarget: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("want 2 jobs with limit, got %d", len(limited))
	}
}

func TestListInProgressOldestFirst(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now()

	statuses := []job.Status{job.StatusRunning, job.StatusCompleted, job.StatusPending, job.StatusFailed, job.StatusPending}
	for i, status := range statuses {
		j := newJob(fmt.Sprintf("j%d", i), job.TypeTest, job.Target{Type: job.TargetGateway, ID: "gw-1"}, status, base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	jobs, err := s.ListInProgress(ctx)
	if err != nil {
		t.Fatalf("ListInProgress: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("want 3 in-progress jobs, got %d", len(jobs))
	}
	want := []string{"j0", "j2", "j4"}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], j.ID)
		}
	}
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-40 * 24 * time.Hour)

	oldDone := newJob("old-done", job.TypeStop, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusCompleted, old)
	oldPending := newJob("old-pending", job.TypeStop, job.Target{Type: job.TargetServer, ID: "srv-2"}, job.StatusPending, old)
	fresh := newJob("fresh", job.TypeStop, job.Target{Type: job.TargetServer, ID: "srv-3"}, job.StatusFailed, now)
	for _, j := range []*job.Job{oldDone, oldPending, fresh} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	removed, err := s.DeleteTerminalJobsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalJobsBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("want 1 removed, got %d", removed)
	}

	// The stuck pending job survives regardless of age.
	if _, err := s.GetJob(ctx, "old-pending"); err != nil {
		t.Error("old pending job must never be swept")
	}
	if _, err := s.GetJob(ctx, "fresh"); err != nil {
		t.Error("recent terminal job must survive")
	}
	if _, err := s.GetJob(ctx, "old-done"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("old terminal job should be gone")
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	entry := &job.KeyEntry{Key: "k1", Scope: "start", RequestHash: "h1", JobID: "j1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	j := newJob("j1", job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
	if err := s.CreateJobWithKey(ctx, j, entry); err != nil {
		t.Fatalf("CreateJobWithKey: %v", err)
	}

	got, err := s.GetKey(ctx, "k1", "start")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if got.JobID != "j1" {
		t.Errorf("want jobID j1, got %s", got.JobID)
	}

	if _, err := s.GetKey(ctx, "k1", "stop"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("scope must namespace keys")
	}

	if err := s.DeleteKey(ctx, "k1", "start"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := s.GetKey(ctx, "k1", "start"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("deleted key still resolvable")
	}
	// Deleting again is a no-op.
	if err := s.DeleteKey(ctx, "k1", "start"); err != nil {
		t.Errorf("repeat DeleteKey: %v", err)
	}
}

func TestDeleteExpiredKeys(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	live := &job.KeyEntry{Key: "live", Scope: "s", RequestHash: "h", JobID: "j1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := &job.KeyEntry{Key: "dead", Scope: "s", RequestHash: "h", JobID: "j2", CreatedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	for i, entry := range []*job.KeyEntry{live, dead} {
		j := newJob(fmt.Sprintf("j%d", i+1), job.TypeStart, job.Target{Type: job.TargetServer, ID: "srv-1"}, job.StatusPending, now)
		if err := s.CreateJobWithKey(ctx, j, entry); err != nil {
			t.Fatalf("CreateJobWithKey: %v", err)
		}
	}

	removed, err := s.DeleteExpiredKeys(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredKeys: %v", err)
	}
	if removed != 1 {
		t.Errorf("want 1 removed, got %d", removed)
	}
	if _, err := s.GetKey(ctx, "live", "s"); err != nil {
		t.Error("unexpired key must survive the sweep")
	}
}

func TestCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	inWindow := newJob("a", job.TypeStart, job.Target{Type: job.TargetServer, ID: "s1"}, job.StatusCompleted, now.Add(-time.Hour))
	inWindowFailed := newJob("b", job.TypeStop, job.Target{Type: job.TargetServer, ID: "s1"}, job.StatusFailed, now.Add(-2*time.Hour))
	outOfWindow := newJob("c", job.TypeStart, job.Target{Type: job.TargetServer, ID: "s2"}, job.StatusCompleted, now.Add(-48*time.Hour))
	for _, j := range []*job.Job{inWindow, inWindowFailed, outOfWindow} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	counts, err := s.CountJobs(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts.Total != 3 {
		t.Errorf("total: want 3, got %d", counts.Total)
	}
	if counts.ByStatus[job.StatusCompleted] != 2 {
		t.Errorf("completed: want 2, got %d", counts.ByStatus[job.StatusCompleted])
	}
	if counts.ByType[job.TypeStart] != 2 {
		t.Errorf("start: want 2, got %d", counts.ByType[job.TypeStart])
	}
	if counts.WindowCreated != 2 || counts.WindowCompleted != 1 {
		t.Errorf("window: want 2/1, got %d/%d", counts.WindowCreated, counts.WindowCompleted)
	}
}
