package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/adrianolucasdepaula/invest-sub002/internal/queue/queuetest"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts), mr
}

func TestQueueConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) scrape.Queue {
		q, _ := newTestQueue(t, Options{})
		return q
	})
}

func TestQueueKeyLayout(t *testing.T) {
	q, mr := newTestQueue(t, Options{Prefix: "invest:"})
	ctx := context.Background()

	job := queuetest.NewJob("j1", scrape.PriorityHigh)
	job.Input = "VALE3"
	_, created, err := q.PushUnique(ctx, job)
	require.NoError(t, err)
	require.True(t, created)

	ids, err := mr.List("invest:queue:high")
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, ids)
	require.Equal(t, "pending", mr.HGet("invest:job:j1", "status"))
	require.Equal(t, "1", mr.HGet("invest:job:j1", "version"))
	got, err := mr.Get("invest:dedupe:fundamentus|VALE3")
	require.NoError(t, err)
	require.Equal(t, "j1", got)

	popped, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Update(ctx, popped.ID, func(j *scrape.Job) error { return j.Start(time.Now()) })
	require.NoError(t, err)
	require.Equal(t, "running", mr.HGet("invest:job:j1", "status"))
	require.False(t, mr.Exists("invest:dedupe:fundamentus|VALE3"))
}

func TestQueueRetentionOnTerminal(t *testing.T) {
	q, mr := newTestQueue(t, Options{Retention: time.Hour})
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, queuetest.NewJob("t", scrape.PriorityNormal)))

	ok, err := q.Cancel(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Hour, mr.TTL("job:t"))

	mr.FastForward(2 * time.Hour)
	_, err = q.Get(ctx, "t")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestQueuePopSkipsExpiredRecords(t *testing.T) {
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, queuetest.NewJob("gone", scrape.PriorityNormal)))
	require.NoError(t, q.Push(ctx, queuetest.NewJob("kept", scrape.PriorityNormal)))
	mr.Del("job:gone")

	job, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kept", job.ID)
}

func TestQueuePushUniqueReleasesStaleKey(t *testing.T) {
	q, mr := newTestQueue(t, Options{})
	ctx := context.Background()
	require.NoError(t, mr.Set("dedupe:fundamentus|ITUB4", "ghost"))

	job := queuetest.NewJob("fresh", scrape.PriorityNormal)
	job.Input = "ITUB4"
	id, created, err := q.PushUnique(ctx, job)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "fresh", id)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = Connect(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.Error(t, err)
}
