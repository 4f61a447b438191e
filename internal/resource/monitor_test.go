package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSampler struct {
	mu    sync.Mutex
	usage Usage
	err   error
}

func (f *fakeSampler) Sample(context.Context) (Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, f.err
}

func (f *fakeSampler) set(u Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = u
}

func TestAwaitCapacity_ReturnsImmediatelyBelowThreshold(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeSampler{usage: Usage{MemPct: 40, CPUPct: 20}}, Config{}, zap.NewNop())
	start := time.Now()
	require.True(t, m.AwaitCapacity(context.Background(), 5*time.Second))
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, m.Stats().WaitCount)
}

func TestAwaitCapacity_TimesOutAboveThreshold(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeSampler{usage: Usage{MemPct: 99, CPUPct: 10}}, Config{}, zap.NewNop())
	timeout := 1500 * time.Millisecond
	start := time.Now()
	require.False(t, m.AwaitCapacity(context.Background(), timeout))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, timeout-time.Second)
	require.LessOrEqual(t, elapsed, timeout+time.Second)

	stats := m.Stats()
	require.Equal(t, int64(1), stats.WaitCount)
	require.Greater(t, stats.TotalWaitTime, time.Duration(0))
	require.InDelta(t, 99, stats.Last.MemPct, 0.001)
}

func TestAwaitCapacity_RecoversWhenUsageDrops(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{usage: Usage{MemPct: 99}}
	m := NewMonitor(sampler, Config{}, zap.NewNop())
	go func() {
		time.Sleep(200 * time.Millisecond)
		sampler.set(Usage{MemPct: 10})
	}()
	require.True(t, m.AwaitCapacity(context.Background(), 5*time.Second))
}

func TestAwaitCapacity_ThresholdChange(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeSampler{usage: Usage{MemPct: 50, CPUPct: 50}}, Config{}, zap.NewNop())
	m.SetThresholds(40, 40)
	require.False(t, m.SafeToProceed(context.Background()))
	m.SetThresholds(60, 60)
	require.True(t, m.SafeToProceed(context.Background()))
}

func TestSafeToProceed_FailsOpen(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeSampler{err: errors.New("no /proc")}, Config{}, zap.NewNop())
	require.True(t, m.SafeToProceed(context.Background()))
	require.True(t, m.AwaitCapacity(context.Background(), time.Second))
}

func TestAwaitCapacity_ContextCancelled(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeSampler{usage: Usage{CPUPct: 100}}, Config{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.False(t, m.AwaitCapacity(ctx, time.Minute))
}
