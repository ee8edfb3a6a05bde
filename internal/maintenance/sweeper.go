// Package maintenance provides the background sweeper that purges old
// terminal jobs and expired idempotency key entries.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"containerops/internal/job"
	"containerops/internal/observability"
)

// Defaults for sweep configuration.
const (
	DefaultRetentionDays = 30
	DefaultInterval      = time.Hour
)

// Config holds sweeper configuration. Zero values use defaults.
type Config struct {
	RetentionDays int           // how long terminal jobs are kept
	Interval      time.Duration // how often the background sweep runs
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Sweeper removes terminal jobs past their retention and expired
// idempotency keys. Both sweeps use predicate-based deletion, so repeated
// or concurrent runs are harmless.
type Sweeper struct {
	store   job.Store
	metrics *observability.Metrics
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper over the given store.
func New(store job.Store, metrics *observability.Metrics, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:   store,
		metrics: metrics,
		config:  cfg.withDefaults(),
		logger:  slog.With("component", "sweeper"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("Sweeper started", "interval", s.config.Interval, "retentionDays", s.config.RetentionDays)
}

// Close stops the background loop and waits for an in-flight sweep.
func (s *Sweeper) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs both cleanups once. Errors are logged, not propagated: a
// failed sweep leaves garbage for the next run, nothing worse.
func (s *Sweeper) Sweep(ctx context.Context) {
	jobsRemoved, err := s.CleanupOldJobs(ctx, s.config.RetentionDays)
	if err != nil {
		s.logger.Error("Job sweep failed", "error", err)
	}

	keysRemoved, err := s.CleanupExpiredIdempotencyKeys(ctx)
	if err != nil {
		s.logger.Error("Key sweep failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(ctx, jobsRemoved, keysRemoved)
	}
	if jobsRemoved > 0 || keysRemoved > 0 {
		s.logger.Info("Sweep complete", "jobsRemoved", jobsRemoved, "keysRemoved", keysRemoved)
	}
}

// CleanupOldJobs deletes terminal jobs that completed more than
// olderThanDays ago. Pending and running jobs are never deleted
// regardless of age: an old non-terminal job signals a stuck worker,
// not garbage.
func (s *Sweeper) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -olderThanDays)
	return s.store.DeleteTerminalJobsBefore(ctx, cutoff)
}

// CleanupExpiredIdempotencyKeys deletes key entries past their expiry.
func (s *Sweeper) CleanupExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredKeys(ctx, s.now())
}
