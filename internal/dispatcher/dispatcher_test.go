// Package dispatcher contains tests for worker coordination and job submission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/adapter"
	queuemem "github.com/adrianolucasdepaula/invest-sub002/internal/queue/memory"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

var t0 = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return t0 }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func (s *seqIDs) NewTraceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("trace-%d", s.n), nil
}

type noopAdapter struct{ desc scrape.Descriptor }

func (a noopAdapter) Descriptor() scrape.Descriptor { return a.desc }
func (noopAdapter) Initialize(context.Context) error { return nil }
func (noopAdapter) Scrape(context.Context, scrape.Input) (scrape.Payload, error) { return scrape.Payload{}, nil }
func (noopAdapter) HealthCheck(context.Context) bool { return true }
func (noopAdapter) Cleanup(context.Context) error { return nil }

func newDispatcher(t *testing.T, workers ...Runner) (*Dispatcher, *queuemem.Queue) {
	t.Helper()
	reg := adapter.NewRegistry(nil)
	desc := scrape.Descriptor{Source: "fundamentus"}
	require.NoError(t, reg.Register(desc, func() (scrape.Adapter, error) { return noopAdapter{desc: desc}, nil }, 1))
	q := queuemem.NewQueue()
	return New(q, workers, reg, &seqIDs{}, fixedClock{}, Config{MaxAttempts: 3}, zap.NewNop()), q
}

type countingRunner struct {
	started chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{started: make(chan struct{}, 2)}
	dispatch, _ := newDispatcher(t, runner, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for range 2 {
		select {
		case <-runner.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestSubmitBuildsPendingJob(t *testing.T) {
	t.Parallel()

	dispatch, q := newDispatcher(t)
	ctx := context.Background()

	sub, err := dispatch.Submit(ctx, SubmitRequest{
		Source:   "fundamentus",
		Input:    " petr4 ",
		Priority: scrape.PriorityHigh,
		Params:   map[string]string{"year": "2024"},
	})
	require.NoError(t, err)
	require.Equal(t, Submission{JobID: "job-1", TraceID: "trace-1", Created: true}, sub)

	job, err := dispatch.Status(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "PETR4", job.Input)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 3, job.MaxAttempts)
	require.Equal(t, 0, job.Attempt)
	require.Equal(t, t0, job.CreatedAt)
	require.Equal(t, "2024", job.Metadata["year"])

	stats, err := dispatch.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, scrape.QueueStats{High: 1}, stats)

	popped, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", popped.ID)
}

func TestSubmitKeepsCallerTraceID(t *testing.T) {
	t.Parallel()

	dispatch, _ := newDispatcher(t)
	sub, err := dispatch.Submit(context.Background(), SubmitRequest{Source: "fundamentus", Input: "VALE3", TraceID: "upstream"})
	require.NoError(t, err)
	require.Equal(t, "upstream", sub.TraceID)
}

func TestSubmitUniqueCollapsesPending(t *testing.T) {
	t.Parallel()

	dispatch, _ := newDispatcher(t)
	ctx := context.Background()
	req := SubmitRequest{Source: "fundamentus", Input: "PETR4", Unique: true}

	first, err := dispatch.Submit(ctx, req)
	require.NoError(t, err)
	second, err := dispatch.Submit(ctx, req)
	require.NoError(t, err)

	require.True(t, first.Created)
	require.False(t, second.Created)
	require.Equal(t, first.JobID, second.JobID)
	require.Equal(t, first.TraceID, second.TraceID)

	stats, err := dispatch.QueueStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Normal)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	t.Parallel()

	dispatch, _ := newDispatcher(t)
	tests := []struct {
		name string
		req  SubmitRequest
		kind scrape.Kind
	}{
		{name: "missing input", req: SubmitRequest{Source: "fundamentus"}},
		{name: "missing source", req: SubmitRequest{Input: "PETR4"}},
		{name: "bad priority", req: SubmitRequest{Source: "fundamentus", Input: "PETR4", Priority: "urgent"}},
		{name: "unknown source", req: SubmitRequest{Source: "nowhere", Input: "PETR4"}, kind: scrape.KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := dispatch.Submit(context.Background(), tt.req)
			require.Error(t, err)
			if tt.kind != "" {
				require.ErrorIs(t, err, adapter.ErrUnknownSource)
				require.Equal(t, tt.kind, scrape.KindOf(err))
				return
			}
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCancelAndStatus(t *testing.T) {
	t.Parallel()

	dispatch, _ := newDispatcher(t)
	ctx := context.Background()
	sub, err := dispatch.Submit(ctx, SubmitRequest{Source: "fundamentus", Input: "PETR4"})
	require.NoError(t, err)

	ok, err := dispatch.Cancel(ctx, sub.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := dispatch.Status(ctx, sub.JobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, job.Status)
	require.NotNil(t, job.FinishedAt)

	ok, err = dispatch.Cancel(ctx, sub.JobID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = dispatch.Status(ctx, "missing")
	require.True(t, errors.Is(err, scrape.ErrJobNotFound))
}
