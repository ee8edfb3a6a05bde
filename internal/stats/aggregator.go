// Package stats derives operational job statistics from the job store.
package stats

import (
	"context"
	"math"
	"time"

	"containerops/internal/job"
)

// CompletionWindow is the trailing window over which the recent
// completion rate is computed.
const CompletionWindow = 24 * time.Hour

// JobStats is a point-in-time summary of the job store. ByStatus always
// carries all five statuses and ByType all seven types, zero-filled, so
// consumers never branch on missing keys.
type JobStats struct {
	TotalJobs            int64                `json:"totalJobs"`
	ByStatus             map[job.Status]int64 `json:"byStatus"`
	ByType               map[job.Type]int64   `json:"byType"`
	RecentCompletionRate float64              `json:"recentCompletionRate"`
}

// Aggregator computes job statistics. Read-only; results are an eventual
// snapshot and tolerate concurrent mutation of the store.
type Aggregator struct {
	store job.Store
	now   func() time.Time
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an aggregator over the given store.
func New(store job.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// JobStats returns current job statistics. The recent completion rate is
// the percentage of jobs created in the trailing 24h that reached
// completed; 0 when the window is empty.
func (a *Aggregator) JobStats(ctx context.Context) (*JobStats, error) {
	counts, err := a.store.CountJobs(ctx, a.now().Add(-CompletionWindow))
	if err != nil {
		return nil, err
	}

	stats := &JobStats{
		TotalJobs: counts.Total,
		ByStatus:  make(map[job.Status]int64, len(job.Statuses)),
		ByType:    make(map[job.Type]int64, len(job.Types)),
	}
	for _, status := range job.Statuses {
		stats.ByStatus[status] = counts.ByStatus[status]
	}
	for _, typ := range job.Types {
		stats.ByType[typ] = counts.ByType[typ]
	}

	if counts.WindowCreated > 0 {
		rate := float64(counts.WindowCompleted) / float64(counts.WindowCreated) * 100
		stats.RecentCompletionRate = math.Round(rate*100) / 100
	}

	return stats, nil
}
