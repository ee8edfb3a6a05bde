// Package memory provides a fully in-memory implementation of job.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"
)

// Ensure Store implements job.Store at compile time.
var _ job.Store = (*Store)(nil)

// Store is an in-memory job and idempotency key store. Safe for concurrent
// access. Suitable for single-node deployments and tests; state does not
// survive a restart.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*jobRecord
	keys map[keyID]*job.KeyEntry

	// seq breaks createdAt ties so listing order is stable under
	// bursts created within one clock tick.
	seq uint64
}

type jobRecord struct {
	j   *job.Job
	seq uint64
}

type keyID struct {
	key   string
	scope string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*jobRecord),
		keys: make(map[keyID]*job.KeyEntry),
	}
}

// CreateJob persists a new job.
func (s *Store) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	s.seq++
	s.jobs[j.ID] = &jobRecord{j: j.Clone(), seq: s.seq}
	return nil
}

// CreateJobWithKey atomically persists a job and its idempotency key entry.
func (s *Store) CreateJobWithKey(_ context.Context, j *job.Job, entry *job.KeyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := keyID{key: entry.Key, scope: entry.Scope}
	if _, exists := s.keys[id]; exists {
		return apperrors.Conflict("idempotencyKey", entry.Key, "idempotency key already registered")
	}
	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}

	s.seq++
	s.jobs[j.ID] = &jobRecord{j: j.Clone(), seq: s.seq}
	s.keys[id] = entry.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	return rec.j.Clone(), nil
}

// MutateJob applies fn to the job under the store lock.
func (s *Store) MutateJob(_ context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}

	cp := rec.j.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	rec.j = cp
	return cp.Clone(), nil
}

// ListByTarget returns jobs for a target, newest first.
func (s *Store) ListByTarget(_ context.Context, targetType job.TargetType, targetID string, opts job.ListOptions) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = job.DefaultListLimit
	}

	s.mu.RLock()
	matched := make([]*jobRecord, 0)
	for _, rec := range s.jobs {
		if rec.j.Target.Type != targetType || rec.j.Target.ID != targetID {
			continue
		}
		if opts.Status != "" && rec.j.Status != opts.Status {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].j.CreatedAt.Equal(matched[b].j.CreatedAt) {
			return matched[a].j.CreatedAt.After(matched[b].j.CreatedAt)
		}
		return matched[a].seq > matched[b].seq
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*job.Job, len(matched))
	for i, rec := range matched {
		out[i] = rec.j.Clone()
	}
	return out, nil
}

// ListInProgress returns pending and running jobs, oldest first.
func (s *Store) ListInProgress(_ context.Context) ([]*job.Job, error) {
	s.mu.RLock()
	matched := make([]*jobRecord, 0)
	for _, rec := range s.jobs {
		if rec.j.Status == job.StatusPending || rec.j.Status == job.StatusRunning {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].j.CreatedAt.Equal(matched[b].j.CreatedAt) {
			return matched[a].j.CreatedAt.Before(matched[b].j.CreatedAt)
		}
		return matched[a].seq < matched[b].seq
	})

	out := make([]*job.Job, len(matched))
	for i, rec := range matched {
		out[i] = rec.j.Clone()
	}
	return out, nil
}

// DeleteTerminalJobsBefore removes terminal jobs completed before cutoff.
func (s *Store) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.jobs {
		if rec.j.CompletedAt == nil || !rec.j.Status.Terminal() {
			continue
		}
		if rec.j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// CountJobs aggregates job counts with a completion-rate window.
func (s *Store) CountJobs(_ context.Context, windowStart time.Time) (*job.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := &job.Counts{
		ByStatus: make(map[job.Status]int64),
		ByType:   make(map[job.Type]int64),
	}
	for _, rec := range s.jobs {
		counts.Total++
		counts.ByStatus[rec.j.Status]++
		counts.ByType[rec.j.Type]++
		if !rec.j.CreatedAt.Before(windowStart) {
			counts.WindowCreated++
			if rec.j.Status == job.StatusCompleted {
				counts.WindowCompleted++
			}
		}
	}
	return counts, nil
}

// GetKey retrieves an idempotency key entry by (key, scope).
func (s *Store) GetKey(_ context.Context, key, scope string) (*job.KeyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.keys[keyID{key: key, scope: scope}]
	if !exists {
		return nil, apperrors.NotFound("idempotencyKey", key)
	}
	return entry.Clone(), nil
}

// DeleteKey removes an idempotency key entry if present.
func (s *Store) DeleteKey(_ context.Context, key, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, keyID{key: key, scope: scope})
	return nil
}

// DeleteExpiredKeys removes entries whose expiresAt is at or before now.
func (s *Store) DeleteExpiredKeys(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.keys {
		if !entry.ExpiresAt.After(now) {
			delete(s.keys, id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }
