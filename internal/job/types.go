// Package job defines the job entity, its state machine, the idempotency
// key registry types, and the lifecycle controller.
package job

import (
	"encoding/json"
	"time"
)

// Type identifies the operation a job performs against its target.
type Type string

const (
	TypeInstall Type = "install"
	TypeStart   Type = "start"
	TypeStop    Type = "stop"
	TypeTest    Type = "test"
	TypeEnable  Type = "enable"
	TypeDisable Type = "disable"
	TypeDelete  Type = "delete"
)

// Types lists all job types in a stable order.
var Types = []Type{TypeInstall, TypeStart, TypeStop, TypeTest, TypeEnable, TypeDisable, TypeDelete}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeInstall, TypeStart, TypeStop, TypeTest, TypeEnable, TypeDisable, TypeDelete:
		return true
	}
	return false
}

// TargetType identifies the kind of managed resource a job acts upon.
type TargetType string

const (
	TargetServer  TargetType = "server"
	TargetCatalog TargetType = "catalog"
	TargetGateway TargetType = "gateway"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetServer, TargetCatalog, TargetGateway:
		return true
	}
	return false
}

// Target identifies the resource a job acts upon. Immutable after creation.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists all job statuses in a stable order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions encodes the job state machine:
// pending -> running -> {completed, failed}; pending|running -> cancelled.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Progress tracks resumable progress reporting for a job.
// Mutable only while the job is pending or running.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// DefaultProgressTotal is used when a job is created without an explicit total.
const DefaultProgressTotal = 100

// Error describes why a job failed. Set only on transition to failed.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Job is a tracked unit of asynchronous work against a target resource.
type Job struct {
	ID               string          `json:"id"`
	Type             Type            `json:"type"`
	Target           Target          `json:"target"`
	Status           Status          `json:"status"`
	Progress         Progress        `json:"progress"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *Error          `json:"error,omitempty"`
	EstimatedSeconds int             `json:"estimatedSeconds,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the job. Stores hand out clones so callers
// can never mutate persisted records in place.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		if j.Error.Details != nil {
			e.Details = make(map[string]string, len(j.Error.Details))
			for k, v := range j.Error.Details {
				e.Details[k] = v
			}
		}
		cp.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
