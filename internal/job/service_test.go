package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"
	"containerops/internal/store/memory"
)

// fakeClock is a mutable time source for expiry tests.
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

func newService(t *testing.T) (*job.Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc := job.NewService(memory.New(), nil, job.WithClock(clock.Now))
	return svc, clock
}

func serverSpec(id string) job.Spec {
	return job.Spec{
		Type:   job.TypeStart,
		Target: job.Target{Type: job.TargetServer, ID: id},
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	j, err := svc.Create(ctx, job.Spec{
		Type:             job.TypeInstall,
		Target:           job.Target{Type: job.TargetCatalog, ID: "cat-1"},
		EstimatedSeconds: 120,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if j.ID == "" {
		t.Error("expected generated job ID")
	}
	if j.Status != job.StatusPending {
		t.Errorf("want pending, got %s", j.Status)
	}
	if j.Progress.Current != 0 || j.Progress.Total != 100 || j.Progress.Message != "queued" {
		t.Errorf("unexpected initial progress: %+v", j.Progress)
	}
	if j.EstimatedSeconds != 120 {
		t.Errorf("want estimate 120, got %d", j.EstimatedSeconds)
	}
	if j.CompletedAt != nil {
		t.Error("new job must not carry completedAt")
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec job.Spec
	}{
		{"missing type", job.Spec{Target: job.Target{Type: job.TargetServer, ID: "s"}}},
		{"unknown type", job.Spec{Type: "reboot", Target: job.Target{Type: job.TargetServer, ID: "s"}}},
		{"unknown target type", job.Spec{Type: job.TypeStart, Target: job.Target{Type: "cluster", ID: "s"}}},
		{"missing target id", job.Spec{Type: job.TypeStart, Target: job.Target{Type: job.TargetServer}}},
		{"negative estimate", job.Spec{Type: job.TypeStart, Target: job.Target{Type: job.TargetServer, ID: "s"}, EstimatedSeconds: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := svc.Create(ctx, tt.spec); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("want validation error, got %v", err)
			}
		})
	}
}

func TestIdempotentCreateReplays(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	for i := 0; i < 3; i++ {
		replay, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if replay.ID != first.ID {
			t.Errorf("replay %d returned a different job: %s != %s", i, replay.ID, first.ID)
		}
	}

	// Exactly one job exists for the target.
	jobs, err := svc.FindByTarget(ctx, job.TargetServer, "srv-1", job.TargetQuery{})
	if err != nil {
		t.Fatalf("FindByTarget: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("want exactly 1 job, got %d", len(jobs))
	}
}

func TestIdempotentCreateHashMismatch(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = svc.CreateWithIdempotency(ctx, "k1", "start:server", "h2", serverSpec("srv-1"))
	if !errors.Is(err, apperrors.ErrIdempotencyMismatch) {
		t.Fatalf("want ErrIdempotencyMismatch, got %v", err)
	}

	// No second job was created.
	jobs, _ := svc.FindByTarget(ctx, job.TargetServer, "srv-1", job.TargetQuery{})
	if len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Errorf("mismatch must not create a job; have %d", len(jobs))
	}
}

func TestIdempotentCreateScopesAreIsolated(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("create in first scope: %v", err)
	}

	// Same key and hash, different scope: a distinct job.
	b, err := svc.CreateWithIdempotency(ctx, "k1", "stop:server", "h1", job.Spec{
		Type:   job.TypeStop,
		Target: job.Target{Type: job.TargetServer, ID: "srv-1"},
	})
	if err != nil {
		t.Fatalf("create in second scope: %v", err)
	}
	if a.ID == b.ID {
		t.Error("scopes must namespace idempotency keys")
	}
}

func TestIdempotentCreateExpirySupersedes(t *testing.T) {
	t.Parallel()
	svc, clock := newService(t)
	ctx := context.Background()

	first, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	clock.Advance(24*time.Hour + time.Minute)

	second, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("post-expiry create: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expired key must not replay the old job")
	}

	// The stale hash no longer matters either.
	third, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("replay of fresh entry: %v", err)
	}
	if third.ID != second.ID {
		t.Error("fresh entry must replay the new job")
	}
}

func TestIdempotentCreatePurgedJobRecreates(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	st := memory.New()
	svc := job.NewService(st, nil, job.WithClock(clock.Now))
	ctx := context.Background()

	first, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Sweep the job away while the key entry lives on.
	if ok, err := svc.UpdateStatus(ctx, first.ID, job.StatusRunning, job.StatusUpdate{}); !ok || err != nil {
		t.Fatalf("to running: ok=%v err=%v", ok, err)
	}
	if ok, err := svc.UpdateStatus(ctx, first.ID, job.StatusCompleted, job.StatusUpdate{}); !ok || err != nil {
		t.Fatalf("to completed: ok=%v err=%v", ok, err)
	}
	clock.Advance(time.Hour)
	if _, err := st.DeleteTerminalJobsBefore(ctx, clock.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	second, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("create after purge: %v", err)
	}
	if second.ID == first.ID {
		t.Error("purged job must be recreated, not replayed")
	}
	if second.Status != job.StatusPending {
		t.Errorf("recreated job must be pending, got %s", second.Status)
	}
}

func TestConcurrentIdempotentCreate(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	ids := make(chan string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			ids <- j.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("concurrent callers diverged onto %d jobs", len(seen))
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	j, err := svc.Create(ctx, serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := svc.UpdateStatus(ctx, j.ID, job.StatusRunning, job.StatusUpdate{
		Progress: &job.Progress{Current: 10, Total: 100, Message: "starting container"},
	})
	if !ok || err != nil {
		t.Fatalf("to running: ok=%v err=%v", ok, err)
	}

	result := json.RawMessage(`{"ok":true}`)
	ok, err = svc.UpdateStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{Result: result})
	if !ok || err != nil {
		t.Fatalf("to completed: ok=%v err=%v", ok, err)
	}

	got, err := svc.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("want completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal job must carry completedAt")
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result not persisted: %s", got.Result)
	}
	if got.Progress.Current != got.Progress.Total {
		t.Error("completion must top out progress")
	}
}

func TestUpdateStatusInvalidTransitions(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	j, _ := svc.Create(ctx, serverSpec("srv-1"))

	// pending cannot jump straight to completed.
	if ok, err := svc.UpdateStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{}); ok || err != nil {
		t.Errorf("pending->completed: want no-op, got ok=%v err=%v", ok, err)
	}

	svc.UpdateStatus(ctx, j.ID, job.StatusRunning, job.StatusUpdate{})
	svc.UpdateStatus(ctx, j.ID, job.StatusFailed, job.StatusUpdate{
		Error: &job.Error{Code: "CONTAINER_EXIT", Message: "exit 1"},
	})

	// Terminal state admits nothing, including repeats.
	for _, to := range []job.Status{job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
		if ok, err := svc.UpdateStatus(ctx, j.ID, to, job.StatusUpdate{}); ok || err != nil {
			t.Errorf("failed->%s: want no-op, got ok=%v err=%v", to, ok, err)
		}
	}

	got, _ := svc.Get(ctx, j.ID)
	if got.Error == nil || got.Error.Code != "CONTAINER_EXIT" {
		t.Errorf("error payload not persisted: %+v", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("failed job must carry completedAt")
	}

	// Unknown job: false, no error.
	if ok, err := svc.UpdateStatus(ctx, "missing", job.StatusRunning, job.StatusUpdate{}); ok || err != nil {
		t.Errorf("missing job: want (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(id string)
		wantOK bool
	}{
		{"pending", func(string) {}, true},
		{"running", func(id string) {
			svc.UpdateStatus(ctx, id, job.StatusRunning, job.StatusUpdate{})
		}, true},
		{"completed", func(id string) {
			svc.UpdateStatus(ctx, id, job.StatusRunning, job.StatusUpdate{})
			svc.UpdateStatus(ctx, id, job.StatusCompleted, job.StatusUpdate{})
		}, false},
		{"already cancelled", func(id string) {
			svc.Cancel(ctx, id)
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := svc.Create(ctx, serverSpec("srv-"+tt.name))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			tt.setup(j.ID)

			ok, err := svc.Cancel(ctx, j.ID)
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("Cancel = %v, want %v", ok, tt.wantOK)
			}

			if tt.wantOK {
				got, _ := svc.Get(ctx, j.ID)
				if got.Status != job.StatusCancelled {
					t.Errorf("want cancelled, got %s", got.Status)
				}
				if got.CompletedAt == nil {
					t.Error("cancelled job must carry completedAt")
				}
			}
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	j, _ := svc.Create(ctx, serverSpec("srv-1"))

	ok, err := svc.UpdateProgress(ctx, j.ID, 40, "pulling image")
	if !ok || err != nil {
		t.Fatalf("UpdateProgress: ok=%v err=%v", ok, err)
	}
	got, _ := svc.Get(ctx, j.ID)
	if got.Progress.Current != 40 || got.Progress.Message != "pulling image" {
		t.Errorf("unexpected progress: %+v", got.Progress)
	}

	// Progress clamps to total.
	svc.UpdateProgress(ctx, j.ID, 500, "")
	got, _ = svc.Get(ctx, j.ID)
	if got.Progress.Current != got.Progress.Total {
		t.Errorf("progress must clamp to total, got %d", got.Progress.Current)
	}

	// Late signals against a terminal job are swallowed.
	svc.UpdateStatus(ctx, j.ID, job.StatusRunning, job.StatusUpdate{})
	svc.UpdateStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{})
	before, _ := svc.Get(ctx, j.ID)

	ok, err = svc.UpdateProgress(ctx, j.ID, 10, "late signal")
	if !ok || err != nil {
		t.Fatalf("late UpdateProgress: ok=%v err=%v", ok, err)
	}
	after, _ := svc.Get(ctx, j.ID)
	if after.Progress != before.Progress || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("late progress signal must not mutate a terminal job")
	}

	// Unknown job: false, no error.
	if ok, err := svc.UpdateProgress(ctx, "missing", 1, ""); ok || err != nil {
		t.Errorf("missing job: want (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestFindLatestByTarget(t *testing.T) {
	t.Parallel()
	svc, clock := newService(t)
	ctx := context.Background()

	none, err := svc.FindLatestByTarget(ctx, job.TargetServer, "srv-1")
	if err != nil {
		t.Fatalf("FindLatestByTarget: %v", err)
	}
	if none != nil {
		t.Error("want nil for target with no jobs")
	}

	svc.Create(ctx, serverSpec("srv-1"))
	clock.Advance(time.Second)
	second, _ := svc.Create(ctx, job.Spec{Type: job.TypeStop, Target: job.Target{Type: job.TargetServer, ID: "srv-1"}})

	latest, err := svc.FindLatestByTarget(ctx, job.TargetServer, "srv-1")
	if err != nil {
		t.Fatalf("FindLatestByTarget: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Errorf("want latest %s, got %+v", second.ID, latest)
	}
}

func TestFindInProgressOldestFirst(t *testing.T) {
	t.Parallel()
	svc, clock := newService(t)
	ctx := context.Background()

	first, _ := svc.Create(ctx, serverSpec("srv-1"))
	clock.Advance(time.Second)
	done, _ := svc.Create(ctx, serverSpec("srv-2"))
	clock.Advance(time.Second)
	third, _ := svc.Create(ctx, serverSpec("srv-3"))

	svc.UpdateStatus(ctx, done.ID, job.StatusRunning, job.StatusUpdate{})
	svc.UpdateStatus(ctx, done.ID, job.StatusCompleted, job.StatusUpdate{})

	jobs, err := svc.FindInProgress(ctx)
	if err != nil {
		t.Fatalf("FindInProgress: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("want 2 in-progress jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != third.ID {
		t.Errorf("want oldest-first [%s %s], got [%s %s]", first.ID, third.ID, jobs[0].ID, jobs[1].ID)
	}
}

func TestCleanupExpiredKeys(t *testing.T) {
	t.Parallel()
	svc, clock := newService(t)
	ctx := context.Background()

	svc.CreateWithIdempotency(ctx, "k1", "s", "h1", serverSpec("srv-1"))
	svc.CreateWithIdempotency(ctx, "k2", "s", "h2", serverSpec("srv-2"))

	removed, err := svc.CleanupExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredKeys: %v", err)
	}
	if removed != 0 {
		t.Errorf("nothing expired yet, removed %d", removed)
	}

	clock.Advance(25 * time.Hour)
	removed, err = svc.CleanupExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredKeys: %v", err)
	}
	if removed != 2 {
		t.Errorf("want 2 removed, got %d", removed)
	}
}

// TestEndToEndScenario walks the reference flow: idempotent create, replay,
// completion, latest-by-target, then a conflicting retry.
func TestEndToEndScenario(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != job.StatusPending {
		t.Fatalf("want pending, got %s", created.Status)
	}

	replayed, err := svc.CreateWithIdempotency(ctx, "k1", "start:server", "h1", serverSpec("srv-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.ID != created.ID {
		t.Fatal("replay must return the same job")
	}

	if ok, _ := svc.UpdateStatus(ctx, created.ID, job.StatusRunning, job.StatusUpdate{}); !ok {
		t.Fatal("claim failed")
	}
	ok, err := svc.UpdateStatus(ctx, created.ID, job.StatusCompleted, job.StatusUpdate{
		Result: json.RawMessage(`{"ok":true}`),
	})
	if !ok || err != nil {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	latest, err := svc.FindLatestByTarget(ctx, job.TargetServer, "srv-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Status != job.StatusCompleted || latest.CompletedAt == nil {
		t.Errorf("want completed with completedAt, got %+v", latest)
	}

	_, err = svc.CreateWithIdempotency(ctx, "k1", "start:server", "h2", serverSpec("srv-1"))
	if !errors.Is(err, apperrors.ErrIdempotencyMismatch) {
		t.Fatalf("want mismatch on changed payload, got %v", err)
	}
}
