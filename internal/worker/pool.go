// Package worker provides the pool that consumes pending jobs and drives
// them through an Executor to a terminal state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"
	"containerops/internal/notify"
	"containerops/pkg/backoff"
	"containerops/pkg/circuitbreaker"
)

// ProgressFunc reports executor progress back to the job record.
type ProgressFunc func(current int, message string)

// Executor performs the real side effect for a job. It runs outside the
// job's lifecycle: the pool owns all status transitions and the executor
// only computes, reporting progress through report. A cancelled job
// cancels ctx.
type Executor interface {
	Execute(ctx context.Context, j *job.Job, report ProgressFunc) (json.RawMessage, error)
}

// Config holds pool configuration. Zero values use defaults.
type Config struct {
	Workers       int              // concurrent executors (default 4)
	PollInterval  time.Duration    // base poll cadence (default 2s)
	CancelPollInt time.Duration    // cancellation-watch cadence (default 1s)
	Notifier      *notify.Notifier // webhook notifier (optional)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CancelPollInt <= 0 {
		c.CancelPollInt = time.Second
	}
	return c
}

// Pool polls for pending jobs, claims them, and runs them through the
// executor. Claiming is the pending->running transition: when it returns
// false another worker won the job, and the pool moves on. Infrastructure
// failures trip a circuit breaker so a dead backend is probed, not
// hammered.
type Pool struct {
	svc      *job.Service
	exec     Executor
	breaker  *circuitbreaker.Breaker
	notifier *notify.Notifier
	config   Config
	logger   *slog.Logger

	queue  chan *job.Job
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a worker pool.
func New(svc *job.Service, exec Executor, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		svc:      svc,
		exec:     exec,
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		notifier: cfg.Notifier,
		config:   cfg,
		logger:   slog.With("component", "worker"),
		queue:    make(chan *job.Job, cfg.Workers),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the poll loop and worker goroutines.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.poll(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.logger.Info("Worker pool started", "workers", p.config.Workers, "pollInterval", p.config.PollInterval)
}

// Close stops polling and waits for in-flight executions to finish or
// observe cancellation.
func (p *Pool) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// poll feeds pending jobs into the queue, backing off while idle.
func (p *Pool) poll(ctx context.Context) {
	defer p.wg.Done()

	idle := 0
	for {
		wait := p.config.PollInterval
		if idle > 0 {
			wait = backoff.Exponential(idle, &backoff.Config{
				Initial: p.config.PollInterval,
				Max:     30 * time.Second,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !p.breaker.Allow() {
			continue
		}

		dispatched, err := p.dispatchPending(ctx)
		if err != nil {
			p.logger.Error("Poll failed", "error", err)
			p.breaker.RecordFailure()
			idle++
			continue
		}
		p.breaker.RecordSuccess()
		if dispatched == 0 {
			idle++
		} else {
			idle = 0
		}
	}
}

func (p *Pool) dispatchPending(ctx context.Context) (int, error) {
	jobs, err := p.svc.FindInProgress(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, j := range jobs {
		if j.Status != job.StatusPending || !p.track(j.ID) {
			continue
		}
		select {
		case p.queue <- j:
			dispatched++
		default:
			p.untrack(j.ID)
			return dispatched, nil // queue full, next poll picks up the rest
		}
	}
	return dispatched, nil
}

// track marks a job as dispatched by this pool so one poll cycle cannot
// enqueue it twice. Returns false if already in flight.
func (p *Pool) track(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.run(ctx, j)
			p.untrack(j.ID)
		}
	}
}

// run claims a job and drives it to a terminal state.
func (p *Pool) run(ctx context.Context, j *job.Job) {
	logger := p.logger.With("jobId", j.ID, "type", j.Type, "target", j.Target)

	claimed, err := p.svc.UpdateStatus(ctx, j.ID, job.StatusRunning, job.StatusUpdate{
		Progress: &job.Progress{Current: 0, Total: j.Progress.Total, Message: "started"},
	})
	if err != nil {
		logger.Error("Claim failed", "error", err)
		return
	}
	if !claimed {
		// Another worker won, or the job was cancelled in the queue.
		return
	}

	execCtx, stopWatch := p.watchCancellation(ctx, j.ID)
	defer stopWatch()

	result, execErr := p.exec.Execute(execCtx, j, func(current int, message string) {
		if _, err := p.svc.UpdateProgress(ctx, j.ID, current, message); err != nil {
			logger.Warn("Progress report failed", "error", err)
		}
	})

	if infrastructureFailure(execErr) {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}

	if execErr == nil {
		ok, err := p.svc.UpdateStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{Result: result})
		if err != nil {
			logger.Error("Completion report failed", "error", err)
			return
		}
		if ok {
			logger.Info("Job completed")
			p.notifyFinished(ctx, j.ID)
		}
		return
	}

	// A cancelled job already sits in a terminal state; the transition to
	// failed is rejected as a no-op and that is exactly what we want.
	ok, err := p.svc.UpdateStatus(ctx, j.ID, job.StatusFailed, job.StatusUpdate{
		Error: &job.Error{
			Code:    failureCode(execErr),
			Message: execErr.Error(),
		},
	})
	if err != nil {
		logger.Error("Failure report failed", "error", err)
		return
	}
	if ok {
		logger.Warn("Job failed", "error", execErr)
		p.notifyFinished(ctx, j.ID)
	}
}

// notifyFinished publishes the terminal job state to the webhook notifier.
func (p *Pool) notifyFinished(ctx context.Context, id string) {
	if p.notifier == nil {
		return
	}
	final, err := p.svc.Get(ctx, id)
	if err != nil {
		return
	}
	p.notifier.JobFinished(ctx, final)
}

// watchCancellation returns a context that is cancelled when the job's
// status becomes cancelled. Cancellation is intent on the record; this is
// where the worker observes it.
func (p *Pool) watchCancellation(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(p.config.CancelPollInt)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				current, err := p.svc.Get(ctx, id)
				if err != nil {
					if errors.Is(err, apperrors.ErrNotFound) {
						cancel()
						return
					}
					continue
				}
				if current.Status == job.StatusCancelled {
					cancel()
					return
				}
				if current.Status.Terminal() {
					return
				}
			}
		}
	}()

	return execCtx, cancel
}

// infrastructureFailure classifies executor errors for the circuit
// breaker: backend/storage trouble trips it, job-level failures do not.
func infrastructureFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrInternal) || errors.Is(err, apperrors.ErrPersistence)
}

func failureCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return "CANCELLED"
	}
	if code := apperrors.Code(err); code != "INTERNAL_ERROR" {
		return code
	}
	return "EXECUTION_FAILED"
}
