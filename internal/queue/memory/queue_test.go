package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adrianolucasdepaula/invest-sub002/internal/queue/queuetest"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

func TestQueueConformance(t *testing.T) {
	t.Parallel()

	queuetest.Run(t, func(*testing.T) scrape.Queue { return NewQueue() })
}

func TestQueueRejectsBadPush(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.Error(t, q.Push(ctx, scrape.Job{}))

	bad := queuetest.NewJob("x", "urgent")
	require.Error(t, q.Push(ctx, bad))

	running := queuetest.NewJob("y", scrape.PriorityHigh)
	running.Status = scrape.JobStatusRunning
	require.ErrorIs(t, q.Push(ctx, running), scrape.ErrInvalidTransition)

	defaulted := queuetest.NewJob("z", "")
	require.NoError(t, q.Push(ctx, defaulted))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Normal)
}

func TestQueueUpdateDoesNotAliasMetadata(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	job := queuetest.NewJob("m", scrape.PriorityNormal)
	job.Metadata = map[string]string{"k": "v"}
	require.NoError(t, q.Push(ctx, job))

	_, _ = q.Update(ctx, "m", func(j *scrape.Job) error {
		j.Metadata["k"] = "changed"
		return scrape.ErrConflict
	})
	got, err := q.Get(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, "v", got.Metadata["k"])
}
