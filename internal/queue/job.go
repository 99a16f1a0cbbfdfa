// Package queue defines the job domain model and the pure scheduling logic:
// lifecycle states, the effective-priority selection policy, and the
// retry/backoff state transition. The store persists this model; workers
// drive it. Nothing in this package touches the database.
package queue

import (
	"errors"
	"time"
)

// State is a job lifecycle state. Valid transitions:
//
//	pending    → processing            (claim)
//	processing → completed             (settle success)
//	processing → failed                (settle failure, retries remain)
//	processing → dead                  (settle failure, retries exhausted)
//	failed     → processing            (claim, once next_retry_at has passed)
//	dead       → pending               (manual DLQ retry)
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDead:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state (no automatic transitions out).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

var (
	// ErrDuplicateID is returned by Enqueue when the job id already exists.
	ErrDuplicateID = errors.New("job id already exists")
	// ErrJobNotFound is returned when no job with the given id exists.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobState is returned when an operation finds the job in a state it
	// cannot act on — e.g. settling a job that is not processing, or retrying
	// a DLQ job that is not dead. Indicates a lost race, not a store fault.
	ErrJobState = errors.New("job not in expected state")
)

// Engine-wide defaults, applied at enqueue time when neither the caller nor
// the config table provides a value.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2
	DefaultTimeout     = 20 * time.Second
	DefaultPriority    = 5
)

// Job is the unit of work. Pointer fields are nullable columns: they are nil
// exactly when the lifecycle says they must be (LockedBy/LockedAt non-nil iff
// state is processing, NextRetryAt non-nil only while a retry is scheduled).
type Job struct {
	ID            string
	Command       string
	State         State
	Attempts      int
	MaxRetries    int
	Timeout       int // seconds
	BackoffBase   int
	Priority      int
	WaitingTime   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextRetryAt   *time.Time
	ErrorMessage  *string
	Output        *string
	ExecutionTime *float64
	LockedBy      *string
	LockedAt      *time.Time
}

// EffectivePriority is the sole ranking key for job selection. WaitingTime
// grows by one per subsequent enqueue, so any pending job's score eventually
// exceeds any fixed priority — that is the anti-starvation guarantee.
func (j *Job) EffectivePriority() int {
	return j.Priority + j.WaitingTime
}

// Claimable reports whether j could be handed to a worker at time now:
// unclaimed, and either pending or failed with its backoff elapsed.
func (j *Job) Claimable(now time.Time) bool {
	if j.LockedBy != nil {
		return false
	}
	switch j.State {
	case StatePending:
		return true
	case StateFailed:
		return j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	}
	return false
}
