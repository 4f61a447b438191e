package scrape

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders jobs in the queue.
type Priority string

// Queue priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every priority in pop order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// ParsePriority maps a string to a Priority, defaulting empty input to normal.
func ParsePriority(raw string) (Priority, error) {
	if raw == "" {
		return PriorityNormal, nil
	}
	p := Priority(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", raw)
	}
	return p, nil
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status values.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrConflict signals that a compare-and-set on a job record lost a race.
	ErrConflict = errors.New("job record changed concurrently")
	// ErrInvalidTransition is returned for transitions outside the state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// Job is the persisted record of one scrape request.
type Job struct {
	ID              string            `json:"job_id"`
	Source          string            `json:"source_tag"`
	Input           string            `json:"input"`
	Priority        Priority          `json:"priority"`
	Status          JobStatus         `json:"status"`
	Attempt         int               `json:"attempt"`
	MaxAttempts     int               `json:"max_attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TraceID         string            `json:"trace_id"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Requeued        bool              `json:"requeued,omitempty"`
	Result          *Result           `json:"result,omitempty"`
	ErrorKind       Kind              `json:"error_kind,omitempty"`
	Error           string            `json:"error,omitempty"`
	Version         int64             `json:"version"`
}

// DedupeKey identifies jobs that request the same work.
func (j Job) DedupeKey() string {
	return DedupeKey(j.Source, j.Input)
}

// DedupeKey builds the (source, input) key used to collapse duplicate submissions.
func DedupeKey(source, input string) string {
	return source + "|" + input
}

// Claimable reports whether a popped job may be started by a worker.
func (j Job) Claimable() bool {
	if j.CancelRequested {
		return false
	}
	return j.Status == JobStatusPending || (j.Status == JobStatusRunning && j.Requeued)
}

// Start moves a claimable job to running and counts the attempt.
func (j *Job) Start(now time.Time) error {
	if !j.Claimable() {
		return fmt.Errorf("start job in %s: %w", j.Status, ErrInvalidTransition)
	}
	if j.Attempt >= j.MaxAttempts {
		return fmt.Errorf("attempt budget %d exhausted: %w", j.MaxAttempts, ErrInvalidTransition)
	}
	j.Status = JobStatusRunning
	j.Requeued = false
	j.Attempt++
	ts := now
	j.StartedAt = &ts
	return nil
}

// MarkRequeued keeps a running job in running state while it waits in the queue again.
func (j *Job) MarkRequeued() error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("requeue job in %s: %w", j.Status, ErrInvalidTransition)
	}
	if j.Attempt >= j.MaxAttempts {
		return fmt.Errorf("requeue without remaining attempts: %w", ErrInvalidTransition)
	}
	j.Requeued = true
	return nil
}

// Finish moves a job into a terminal state and stamps finished_at.
func (j *Job) Finish(status JobStatus, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal %s: %w", status, ErrInvalidTransition)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job already %s: %w", j.Status, ErrInvalidTransition)
	}
	if status != JobStatusCancelled && j.Status != JobStatusRunning {
		return fmt.Errorf("%s -> %s: %w", j.Status, status, ErrInvalidTransition)
	}
	j.Status = status
	j.Requeued = false
	ts := now
	j.FinishedAt = &ts
	return nil
}

// RequestCancel cancels a job that is waiting in a queue list and flags one
// a worker currently holds. dequeue reports whether the caller must remove the
// id from its priority list.
func (j *Job) RequestCancel(now time.Time) (dequeue bool, err error) {
	if j.Status.Terminal() {
		return false, ErrAlreadyTerminal
	}
	if j.Status == JobStatusPending || j.Requeued {
		return true, j.Finish(JobStatusCancelled, now)
	}
	j.CancelRequested = true
	return false, nil
}

// QueueStats reports pending list lengths per priority.
type QueueStats struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
	Low    int64 `json:"low"`
}
