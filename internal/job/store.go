package job

import (
	"context"
	"time"
)

// ListOptions controls filtering for target-scoped job queries.
type ListOptions struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means the
	// store default (50).
	Limit int
}

// DefaultListLimit bounds target-scoped queries when no limit is given.
const DefaultListLimit = 50

// Counts is a point-in-time aggregate over the job store, consumed by the
// statistics aggregator. Maps may omit zero-valued keys.
type Counts struct {
	Total           int64
	ByStatus        map[Status]int64
	ByType          map[Type]int64
	WindowCreated   int64 // jobs created at or after the window start
	WindowCompleted int64 // of those, jobs that reached completed
}

// Store is the persistence contract for jobs and idempotency key entries.
//
// Implementations must guarantee:
//   - CreateJobWithKey inserts the job and the key entry as one atomic
//     unit, or neither; a live (key, scope) duplicate fails the whole
//     operation with apperrors.ErrConflict.
//   - MutateJob applies fn under per-record exclusion, so concurrent
//     status transitions on one job serialize.
//
// Returned jobs and entries are copies; mutating them does not affect
// stored state.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// CreateJobWithKey atomically persists a new job together with the
	// idempotency key entry that resolves to it.
	CreateJobWithKey(ctx context.Context, j *Job, entry *KeyEntry) error

	// GetJob retrieves a job by ID. Returns apperrors.ErrNotFound if absent.
	GetJob(ctx context.Context, id string) (*Job, error)

	// MutateJob loads the job, applies fn to it, and persists the result,
	// all under per-record exclusion. An error from fn aborts the write
	// and is returned unchanged. Returns apperrors.ErrNotFound if absent.
	MutateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// ListByTarget returns jobs for a target, newest first.
	ListByTarget(ctx context.Context, targetType TargetType, targetID string, opts ListOptions) ([]*Job, error)

	// ListInProgress returns pending and running jobs, oldest first.
	ListInProgress(ctx context.Context) ([]*Job, error)

	// DeleteTerminalJobsBefore removes terminal jobs whose completedAt is
	// before cutoff. Non-terminal jobs are never removed.
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// CountJobs aggregates job counts, with a completion-rate window
	// starting at windowStart.
	CountJobs(ctx context.Context, windowStart time.Time) (*Counts, error)

	// GetKey retrieves an idempotency key entry by (key, scope).
	// Returns apperrors.ErrNotFound if absent.
	GetKey(ctx context.Context, key, scope string) (*KeyEntry, error)

	// DeleteKey removes an idempotency key entry. Removing an absent
	// entry is a no-op.
	DeleteKey(ctx context.Context, key, scope string) error

	// DeleteExpiredKeys removes entries whose expiresAt is at or before now.
	DeleteExpiredKeys(ctx context.Context, now time.Time) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
