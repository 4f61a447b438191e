// Package queuetest holds behaviour checks shared by every scrape.Queue
// implementation.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Factory returns a fresh, empty queue.
type Factory func(t *testing.T) scrape.Queue

// NewJob builds a pending job with sensible defaults.
func NewJob(id string, p scrape.Priority) scrape.Job {
	return scrape.Job{
		ID:          id,
		Source:      "fundamentus",
		Input:       id,
		Priority:    p,
		Status:      scrape.JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		TraceID:     "trace-" + id,
	}
}

// Run executes the conformance suite against the queue built by f.
func Run(t *testing.T, f Factory) {
	t.Helper()
	t.Run("PriorityDominance", func(t *testing.T) { testPriorityDominance(t, f(t)) })
	t.Run("FIFOWithinPriority", func(t *testing.T) { testFIFO(t, f(t)) })
	t.Run("PushUniqueCollapsesPending", func(t *testing.T) { testPushUnique(t, f(t)) })
	t.Run("UpdateRejectsAndBumpsVersion", func(t *testing.T) { testUpdate(t, f(t)) })
	t.Run("ConcurrentStartsSingleWinner", func(t *testing.T) { testConcurrentStart(t, f(t)) })
	t.Run("RequeueKeepsRunning", func(t *testing.T) { testRequeue(t, f(t)) })
	t.Run("CancelPendingAndRunning", func(t *testing.T) { testCancel(t, f(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, f(t)) })
}

func testPriorityDominance(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, NewJob("low-1", scrape.PriorityLow)))
	require.NoError(t, q.Push(ctx, NewJob("normal-1", scrape.PriorityNormal)))
	require.NoError(t, q.Push(ctx, NewJob("high-1", scrape.PriorityHigh)))
	require.NoError(t, q.Push(ctx, NewJob("normal-2", scrape.PriorityNormal)))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, scrape.QueueStats{High: 1, Normal: 2, Low: 1}, stats)

	var order []string
	for {
		job, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, job.ID)
	}
	require.Equal(t, []string{"high-1", "normal-1", "normal-2", "low-1"}, order)
}

func testFIFO(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, q.Push(ctx, NewJob(fmt.Sprintf("job-%d", i), scrape.PriorityNormal)))
	}
	for i := range 5 {
		job, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
	}
	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func testPushUnique(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	first := NewJob("a", scrape.PriorityNormal)
	first.Input = "PETR4"
	id, created, err := q.PushUnique(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "a", id)

	dup := NewJob("b", scrape.PriorityHigh)
	dup.Input = "PETR4"
	id, created, err = q.PushUnique(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "a", id)

	job, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Update(ctx, job.ID, func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)

	id, created, err = q.PushUnique(ctx, dup)
	require.NoError(t, err)
	require.True(t, created, "a started job no longer absorbs duplicates")
	require.Equal(t, "b", id)
}

func testUpdate(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, NewJob("u", scrape.PriorityNormal)))
	before, err := q.Get(ctx, "u")
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = q.Update(ctx, "u", func(j *scrape.Job) error {
		j.Status = scrape.JobStatusFailed
		return boom
	})
	require.ErrorIs(t, err, boom)
	unchanged, err := q.Get(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, unchanged.Status)
	require.Equal(t, before.Version, unchanged.Version)

	after, err := q.Update(ctx, "u", func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, after.Status)
	require.Equal(t, 1, after.Attempt)
	require.Equal(t, before.Version+1, after.Version)

	_, err = q.Update(ctx, "missing", func(*scrape.Job) error { return nil })
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func testConcurrentStart(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, NewJob("race", scrape.PriorityHigh)))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Update(ctx, "race", func(j *scrape.Job) error { return j.Start(time.Now()) })
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	job, err := q.Get(ctx, "race")
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)
}

func testRequeue(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, NewJob("r", scrape.PriorityLow)))
	job, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	job, err = q.Update(ctx, job.ID, func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)
	job, err = q.Update(ctx, job.ID, func(j *scrape.Job) error { return j.MarkRequeued() })
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, job))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Low)

	again, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scrape.JobStatusRunning, again.Status)
	require.True(t, again.Claimable())
	again, err = q.Update(ctx, again.ID, func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)
	require.Equal(t, 2, again.Attempt)
}

func testCancel(t *testing.T, q scrape.Queue) {
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, NewJob("pending", scrape.PriorityNormal)))
	require.NoError(t, q.Push(ctx, NewJob("running", scrape.PriorityNormal)))

	ok, err := q.Cancel(ctx, "pending")
	require.NoError(t, err)
	require.True(t, ok)
	cancelled, err := q.Get(ctx, "pending")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)

	job, popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, popped)
	require.Equal(t, "running", job.ID, "cancelled job left the list")
	_, err = q.Update(ctx, job.ID, func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)

	ok, err = q.Cancel(ctx, "running")
	require.NoError(t, err)
	require.True(t, ok)
	running, err := q.Get(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, running.Status)
	require.True(t, running.CancelRequested)

	ok, err = q.Cancel(ctx, "pending")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = q.Cancel(ctx, "missing")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func testGetUnknown(t *testing.T, q scrape.Queue) {
	_, err := q.Get(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}
