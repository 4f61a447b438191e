// Package memory provides the in-process job queue used for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Queue keeps three FIFO lists of job ids plus the job records. A single
// mutex makes every operation atomic.
type Queue struct {
	mu     sync.Mutex
	lists  map[scrape.Priority][]string
	jobs   map[string]scrape.Job
	dedupe map[string]string
	now    func() time.Time
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		lists:  make(map[scrape.Priority][]string, len(scrape.Priorities)),
		jobs:   make(map[string]scrape.Job),
		dedupe: make(map[string]string),
		now:    time.Now,
	}
}

func normalize(job *scrape.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	if job.Priority == "" {
		job.Priority = scrape.PriorityNormal
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("job %s: unknown priority %q", job.ID, job.Priority)
	}
	if job.Status == "" {
		job.Status = scrape.JobStatusPending
	}
	if job.Status != scrape.JobStatusPending {
		return fmt.Errorf("job %s: push in status %s: %w", job.ID, job.Status, scrape.ErrInvalidTransition)
	}
	job.Version = 1
	return nil
}

// Push stores job and appends it to its priority list.
func (q *Queue) Push(_ context.Context, job scrape.Job) error {
	if err := normalize(&job); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(job)
	return nil
}

func (q *Queue) pushLocked(job scrape.Job) {
	q.jobs[job.ID] = job
	q.lists[job.Priority] = append(q.lists[job.Priority], job.ID)
}

// PushUnique pushes job unless a pending job with the same source and input
// exists, in which case it returns that job's id and false.
func (q *Queue) PushUnique(_ context.Context, job scrape.Job) (string, bool, error) {
	if err := normalize(&job); err != nil {
		return "", false, err
	}
	key := job.DedupeKey()
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.dedupe[key]; ok {
		if j, found := q.jobs[existing]; found && j.Status == scrape.JobStatusPending {
			return existing, false, nil
		}
		delete(q.dedupe, key)
	}
	q.dedupe[key] = job.ID
	q.pushLocked(job)
	return job.ID, true, nil
}

// Pop removes the oldest id from the highest non-empty priority.
func (q *Queue) Pop(_ context.Context) (scrape.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range scrape.Priorities {
		for len(q.lists[p]) > 0 {
			id := q.lists[p][0]
			q.lists[p] = q.lists[p][1:]
			if job, ok := q.jobs[id]; ok {
				return job, true, nil
			}
		}
	}
	return scrape.Job{}, false, nil
}

// Get returns a copy of the job record.
func (q *Queue) Get(_ context.Context, id string) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%s: %w", id, scrape.ErrJobNotFound)
	}
	return job, nil
}

// Update applies fn to the job record atomically.
func (q *Queue) Update(_ context.Context, id string, fn func(*scrape.Job) error) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updateLocked(id, fn)
}

func (q *Queue) updateLocked(id string, fn func(*scrape.Job) error) (scrape.Job, error) {
	current, ok := q.jobs[id]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%s: %w", id, scrape.ErrJobNotFound)
	}
	next := current
	next.Metadata = cloneMap(current.Metadata)
	if err := fn(&next); err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	q.jobs[id] = next
	if current.Status == scrape.JobStatusPending && next.Status != scrape.JobStatusPending {
		if q.dedupe[current.DedupeKey()] == id {
			delete(q.dedupe, current.DedupeKey())
		}
	}
	return next, nil
}

// Requeue appends a job that stays running back to its priority list.
func (q *Queue) Requeue(_ context.Context, job scrape.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%s: %w", job.ID, scrape.ErrJobNotFound)
	}
	q.lists[stored.Priority] = append(q.lists[stored.Priority], stored.ID)
	return nil
}

// Cancel cancels a queued job outright and flags a running one. It returns
// false for jobs already terminal.
func (q *Queue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dequeue bool
	job, err := q.updateLocked(id, func(j *scrape.Job) error {
		var err error
		dequeue, err = j.RequestCancel(q.now())
		return err
	})
	if errors.Is(err, scrape.ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dequeue {
		q.lists[job.Priority] = slices.DeleteFunc(q.lists[job.Priority], func(s string) bool { return s == id })
	}
	return true, nil
}

// Stats returns the pending list lengths.
func (q *Queue) Stats(_ context.Context) (scrape.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return scrape.QueueStats{
		High:   int64(len(q.lists[scrape.PriorityHigh])),
		Normal: int64(len(q.lists[scrape.PriorityNormal])),
		Low:    int64(len(q.lists[scrape.PriorityLow])),
	}, nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
