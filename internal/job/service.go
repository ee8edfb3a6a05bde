package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/observability"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxTargetIDLength = 128
	maxKeyLength      = 256
	maxScopeLength    = 128
	maxMessageLength  = 512
	maxEstimatedSecs  = 86400 // 24 hours
)

// createRaceAttempts bounds the re-read loop when concurrent callers race
// on the same idempotency key.
const createRaceAttempts = 3

// Spec describes the job to create. The idempotent-create path receives it
// alongside the idempotency parameters.
type Spec struct {
	Type             Type   `json:"type"`
	Target           Target `json:"target"`
	EstimatedSeconds int    `json:"estimatedSeconds,omitempty"`
}

// StatusUpdate carries the optional payloads of a status transition.
// Result is meaningful only with StatusCompleted, Error only with
// StatusFailed.
type StatusUpdate struct {
	Progress *Progress
	Result   json.RawMessage
	Error    *Error
}

// TargetQuery filters target-scoped job listings.
type TargetQuery struct {
	Status Status // optional
	Limit  int    // default 50
}

// Service is the job lifecycle controller. It owns all job creation and
// mutation; jobs are never mutated once terminal except by deletion
// through the maintenance sweeper.
type Service struct {
	store   Store
	metrics *observability.Metrics
	keyTTL  time.Duration
	now     func() time.Time
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithKeyTTL overrides the idempotency key expiry horizon.
func WithKeyTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.keyTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new job lifecycle controller.
func NewService(store Store, metrics *observability.Metrics, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		metrics: metrics,
		keyTTL:  DefaultKeyTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a new pending job. Unlike CreateWithIdempotency it always
// creates; internally triggered jobs use this path and carry no key entry.
func (s *Service) Create(ctx context.Context, spec Spec) (*Job, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	j := s.newJob(spec)
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, string(j.Type), string(j.Target.Type))
	}
	slog.InfoContext(ctx, "Job created", "jobId", j.ID, "type", j.Type, "target", j.Target)
	return j, nil
}

// CreateWithIdempotency creates a job for a logical request attempt, or
// replays the job a previous attempt created. The lookup and conditional
// create run as one atomic unit against the store: two concurrent callers
// with the same (key, scope) never both create distinct jobs.
//
// An unexpired entry whose request hash differs from requestHash fails
// with apperrors.ErrIdempotencyMismatch. An expired entry, or one whose
// job has since been purged by the sweeper, is dropped and the request is
// treated as new.
func (s *Service) CreateWithIdempotency(ctx context.Context, key, scope, requestHash string, spec Spec) (*Job, error) {
	if err := validateIdempotencyParams(key, scope, requestHash); err != nil {
		return nil, err
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	logger := slog.With("key", key, "scope", scope)

	for attempt := 0; attempt < createRaceAttempts; attempt++ {
		existing, err := s.replayExisting(ctx, key, scope, requestHash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if s.metrics != nil {
				s.metrics.RecordIdempotentReplay(ctx, scope)
			}
			logger.InfoContext(ctx, "Idempotent replay", "jobId", existing.ID, "status", existing.Status)
			return existing, nil
		}

		j := s.newJob(spec)
		now := s.now()
		entry := &KeyEntry{
			Key:         key,
			Scope:       scope,
			RequestHash: requestHash,
			JobID:       j.ID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.keyTTL),
		}

		err = s.store.CreateJobWithKey(ctx, j, entry)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordJobCreated(ctx, string(j.Type), string(j.Target.Type))
			}
			logger.InfoContext(ctx, "Job created", "jobId", j.ID, "type", j.Type, "target", j.Target)
			return j, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		// Lost the insert race; the next iteration replays the winner.
	}

	return nil, apperrors.Internal("job.createWithIdempotency",
		fmt.Errorf("gave up after %d attempts racing on key %q", createRaceAttempts, key))
}

// replayExisting resolves (key, scope) to a replayable job. It returns
// (nil, nil) when the request should be treated as new, having dropped any
// stale entry along the way.
func (s *Service) replayExisting(ctx context.Context, key, scope, requestHash string) (*Job, error) {
	entry, err := s.store.GetKey(ctx, key, scope)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if entry.Expired(s.now()) {
		if err := s.store.DeleteKey(ctx, key, scope); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if entry.RequestHash != requestHash {
		if s.metrics != nil {
			s.metrics.RecordIdempotencyConflict(ctx, scope)
		}
		return nil, apperrors.IdempotencyMismatch(key, scope)
	}

	j, err := s.store.GetJob(ctx, entry.JobID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	// The job was purged while the entry lived on. Treat the request as
	// new rather than erroring: the caller's intent is "make this happen
	// once", and the once has been swept away.
	if err := s.store.DeleteKey(ctx, key, scope); err != nil {
		return nil, err
	}
	return nil, nil
}

// UpdateStatus transitions a job to status, applying the update payloads.
// completedAt is stamped exactly once, on entering a terminal state.
// Returns false without mutation when the job does not exist or the
// transition is invalid, tolerating duplicate and late signals.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, upd StatusUpdate) (bool, error) {
	if !status.Valid() {
		return false, apperrors.Validation("status", fmt.Sprintf("unknown status %q", status))
	}

	var completed *Job
	j, err := s.store.MutateJob(ctx, id, func(j *Job) error {
		if !CanTransition(j.Status, status) {
			return errInvalidTransition
		}
		now := s.now()
		j.Status = status
		j.UpdatedAt = now
		if upd.Progress != nil {
			applyProgress(j, *upd.Progress)
		}
		switch status {
		case StatusCompleted:
			j.Result = upd.Result
			j.Progress.Current = j.Progress.Total
		case StatusFailed:
			j.Error = upd.Error
		}
		if status.Terminal() {
			j.CompletedAt = &now
			completed = j
		}
		return nil
	})
	if errors.Is(err, errInvalidTransition) || errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if completed != nil && s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, string(j.Type), string(j.Target.Type), string(status), j.CompletedAt.Sub(j.CreatedAt).Seconds())
	}
	slog.InfoContext(ctx, "Job status updated", "jobId", id, "status", status)
	return true, nil
}

// UpdateProgress updates a job's progress counter and message. Progress
// reports against terminal jobs are silently ignored (duplicate or late
// worker signals), returning true.
func (s *Service) UpdateProgress(ctx context.Context, id string, current int, message string) (bool, error) {
	if current < 0 {
		return false, apperrors.Validation("current", "progress must not be negative")
	}
	if len(message) > maxMessageLength {
		message = message[:maxMessageLength]
	}

	_, err := s.store.MutateJob(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return errTerminalNoOp
		}
		applyProgress(j, Progress{Current: current, Total: j.Progress.Total, Message: message})
		j.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, errTerminalNoOp) {
		return true, nil
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel marks a pending or running job cancelled. It only sets intent on
// the record; an executing worker must observe the cancelled status
// itself. Returns false if the job is already terminal or missing.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.UpdateStatus(ctx, id, StatusCancelled, StatusUpdate{})
	if err != nil {
		return false, err
	}
	if ok {
		slog.InfoContext(ctx, "Job cancelled", "jobId", id)
	}
	return ok, nil
}

// Get retrieves a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// FindByTarget returns jobs for a target, newest first, optionally
// filtered by status. Limit defaults to 50.
func (s *Service) FindByTarget(ctx context.Context, targetType TargetType, targetID string, q TargetQuery) ([]*Job, error) {
	if !targetType.Valid() {
		return nil, apperrors.Validation("target.type", fmt.Sprintf("unknown target type %q", targetType))
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", q.Status))
	}
	return s.store.ListByTarget(ctx, targetType, targetID, ListOptions{Status: q.Status, Limit: q.Limit})
}

// FindLatestByTarget returns the most recent job for a target, or nil
// when the target has no jobs.
func (s *Service) FindLatestByTarget(ctx context.Context, targetType TargetType, targetID string) (*Job, error) {
	jobs, err := s.FindByTarget(ctx, targetType, targetID, TargetQuery{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// FindInProgress returns pending and running jobs, oldest first, so
// workers consume fairly. A job stuck running forever shows up here with
// a stale updatedAt; staleness detection is the caller's concern.
func (s *Service) FindInProgress(ctx context.Context) ([]*Job, error) {
	return s.store.ListInProgress(ctx)
}

// CleanupExpiredKeys removes expired idempotency key entries. Safe to run
// concurrently with lookups.
func (s *Service) CleanupExpiredKeys(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredKeys(ctx, s.now())
}

var (
	errInvalidTransition = errors.New("invalid status transition")
	errTerminalNoOp      = errors.New("job is terminal")
)

func (s *Service) newJob(spec Spec) *Job {
	now := s.now()
	return &Job{
		ID:     uuid.NewString(),
		Type:   spec.Type,
		Target: spec.Target,
		Status: StatusPending,
		Progress: Progress{
			Current: 0,
			Total:   DefaultProgressTotal,
			Message: "queued",
		},
		EstimatedSeconds: spec.EstimatedSeconds,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// applyProgress merges a progress update, preserving the invariants
// current >= 0 and total > 0.
func applyProgress(j *Job, p Progress) {
	if p.Total > 0 {
		j.Progress.Total = p.Total
	}
	if p.Current >= 0 {
		j.Progress.Current = p.Current
	}
	if j.Progress.Current > j.Progress.Total {
		j.Progress.Current = j.Progress.Total
	}
	if p.Message != "" {
		j.Progress.Message = p.Message
	}
}

func validateSpec(spec Spec) error {
	if spec.Type == "" {
		return apperrors.Validation("type", "job type is required")
	}
	if !spec.Type.Valid() {
		return apperrors.Validation("type", fmt.Sprintf("unknown job type %q", spec.Type))
	}
	if !spec.Target.Type.Valid() {
		return apperrors.Validation("target.type", fmt.Sprintf("unknown target type %q", spec.Target.Type))
	}
	if spec.Target.ID == "" {
		return apperrors.Validation("target.id", "target ID is required")
	}
	if len(spec.Target.ID) > maxTargetIDLength {
		return apperrors.Validation("target.id", fmt.Sprintf("target ID exceeds maximum length of %d", maxTargetIDLength))
	}
	if spec.EstimatedSeconds < 0 || spec.EstimatedSeconds > maxEstimatedSecs {
		return apperrors.Validation("estimatedSeconds", fmt.Sprintf("estimated duration must be between 0 and %d seconds", maxEstimatedSecs))
	}
	return nil
}

func validateIdempotencyParams(key, scope, requestHash string) error {
	if key == "" {
		return apperrors.Validation("key", "idempotency key is required")
	}
	if len(key) > maxKeyLength {
		return apperrors.Validation("key", fmt.Sprintf("idempotency key exceeds maximum length of %d", maxKeyLength))
	}
	if scope == "" {
		return apperrors.Validation("scope", "scope is required")
	}
	if len(scope) > maxScopeLength {
		return apperrors.Validation("scope", fmt.Sprintf("scope exceeds maximum length of %d", maxScopeLength))
	}
	if requestHash == "" {
		return apperrors.Validation("requestHash", "request hash is required")
	}
	return nil
}
