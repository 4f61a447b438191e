package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/adrianolucasdepaula/invest-sub002/internal/adapter"
	"github.com/adrianolucasdepaula/invest-sub002/internal/dispatcher"
	queuemem "github.com/adrianolucasdepaula/invest-sub002/internal/queue/memory"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/session"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type counterIDs struct {
	mu sync.Mutex
	n  int
}

func (c *counterIDs) NewID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("job-%d", c.n), nil
}

func (c *counterIDs) NewTraceID() (string, error) { return "trace", nil }

type idleAdapter struct{ desc scrape.Descriptor }

func (a idleAdapter) Descriptor() scrape.Descriptor { return a.desc }
func (idleAdapter) Initialize(context.Context) error { return nil }
func (idleAdapter) Scrape(context.Context, scrape.Input) (scrape.Payload, error) {
	return scrape.Payload{}, nil
}
func (idleAdapter) HealthCheck(context.Context) bool { return true }
func (idleAdapter) Cleanup(context.Context) error { return nil }

// countingSubmitter forwards to a real dispatcher and records every call.
type countingSubmitter struct {
	next *dispatcher.Dispatcher
	q    *queuemem.Queue

	mu         sync.Mutex
	calls      int
	maxPending int64
	fail       map[string]error
}

func (c *countingSubmitter) Submit(ctx context.Context, req dispatcher.SubmitRequest) (dispatcher.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.fail[req.Input]; err != nil {
		return dispatcher.Submission{}, err
	}
	sub, err := c.next.Submit(ctx, req)
	if err != nil {
		return sub, err
	}
	stats, _ := c.q.Stats(ctx)
	if pending := stats.High + stats.Normal + stats.Low; pending > c.maxPending {
		c.maxPending = pending
	}
	return sub, nil
}

func newSubmitter(t *testing.T) *countingSubmitter {
	t.Helper()
	reg := adapter.NewRegistry(nil)
	desc := scrape.Descriptor{Source: "fundamentus"}
	require.NoError(t, reg.Register(desc, func() (scrape.Adapter, error) { return idleAdapter{desc: desc}, nil }, 1))
	q := queuemem.NewQueue()
	d := dispatcher.New(q, nil, reg, &counterIDs{}, wallClock{}, dispatcher.Config{}, nil)
	return &countingSubmitter{next: d, q: q, fail: map[string]error{}}
}

func TestIntervalScheduleFiresAndDeduplicates(t *testing.T) {
	t.Parallel()

	sub := newSubmitter(t)
	s := New(sub, nil, Config{}, zap.NewNop())
	require.NoError(t, s.Add(Schedule{
		Name:    "fundamentals",
		Scraper: "fundamentus",
		Type:    TypeInterval,
		Spec:    "1",
		Targets: []string{"PETR4"},
		Enabled: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	time.Sleep(3500 * time.Millisecond)
	s.Stop()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.GreaterOrEqual(t, sub.calls, 3)
	require.LessOrEqual(t, sub.calls, 4)
	require.LessOrEqual(t, sub.maxPending, int64(2))
	require.EqualValues(t, 1, sub.maxPending)
}

func TestFireExpandsUniverseAndJoinsErrors(t *testing.T) {
	t.Parallel()

	sub := newSubmitter(t)
	boom := errors.New("queue unavailable")
	sub.fail["VALE3"] = boom
	core, logs := observer.New(zap.InfoLevel)
	s := New(sub, nil, Config{Universe: []string{"PETR4", "VALE3", "ITUB4"}}, zap.New(core))

	sched := Schedule{Name: "all", Scraper: "fundamentus", Targets: []string{"all", "petr4", "BBAS3"}, Priority: "low"}
	require.Equal(t, []string{"PETR4", "VALE3", "ITUB4", "BBAS3"}, s.Targets(sched))

	subs, err := s.Fire(context.Background(), sched)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "VALE3")
	require.Len(t, subs, 3)

	stats, err := sub.q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Low)

	fired := logs.FilterMessage("schedule fired").All()
	require.Len(t, fired, 1)
	require.EqualValues(t, 1, fired[0].ContextMap()["failed"])
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	s := New(newSubmitter(t), nil, Config{}, nil)
	base := Schedule{Name: "x", Scraper: "fundamentus", Targets: []string{"PETR4"}, Enabled: true}

	tests := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr string
	}{
		{name: "six field cron", mutate: func(s *Schedule) { s.Name = "secs"; s.Spec = "*/10 * * * * *" }},
		{name: "five field cron", mutate: func(s *Schedule) { s.Name = "mins"; s.Spec = "0 19 * * MON-FRI" }},
		{name: "descriptor", mutate: func(s *Schedule) { s.Name = "daily"; s.Spec = "@daily" }},
		{name: "duration interval", mutate: func(s *Schedule) { s.Name = "dur"; s.Type = TypeInterval; s.Spec = "90s" }},
		{name: "disabled is ignored", mutate: func(s *Schedule) { s.Name = "off"; s.Enabled = false; s.Spec = "garbage" }},
		{name: "bad cron", mutate: func(s *Schedule) { s.Name = "bad"; s.Spec = "every day" }, wantErr: "parse cron"},
		{name: "short interval", mutate: func(s *Schedule) { s.Name = "fast"; s.Type = TypeInterval; s.Spec = "500ms" }, wantErr: "at least 1s"},
		{name: "unknown type", mutate: func(s *Schedule) { s.Name = "odd"; s.Type = "weekly" }, wantErr: "unknown schedule type"},
		{name: "no targets", mutate: func(s *Schedule) { s.Name = "empty"; s.Targets = nil }, wantErr: "target required"},
		{name: "no scraper", mutate: func(s *Schedule) { s.Scraper = "" }, wantErr: "scraper required"},
	}
	for _, tt := range tests {
		sched := base
		tt.mutate(&sched)
		err := s.Add(sched)
		if tt.wantErr == "" {
			require.NoError(t, err, tt.name)
			continue
		}
		require.ErrorContains(t, err, tt.wantErr, tt.name)
	}

	dup := base
	dup.Spec = "@hourly"
	dup.Name = "secs"
	require.ErrorContains(t, s.Add(dup), "already registered")
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepSessionsReportsAgingBundles(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}
	store, err := session.NewStore(session.Config{Dir: t.TempDir(), MaxAgeDays: 7, WarnAgeDays: 5}, clock, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "statusinvest", session.Bundle{}))
	clock.advance(2 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, "investidor10", session.Bundle{}))
	clock.advance(4 * 24 * time.Hour)

	s := New(newSubmitter(t), store, Config{SessionSweep: "@every 1h"}, nil)
	alerts, err := s.SweepSessions(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "statusinvest", alerts[0].SiteKey)
	require.True(t, alerts[0].Warning)
	require.False(t, alerts[0].NeedsRenewal)

	clock.advance(2 * 24 * time.Hour)
	alerts, err = s.SweepSessions(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.True(t, alerts[1].NeedsRenewal)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, s.Start(runCtx))
	s.Stop()
}
