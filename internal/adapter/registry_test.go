package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

type fakeAdapter struct {
	source      string
	initErr     error
	healthy     bool
	initialized atomic.Int32
	cleaned     atomic.Int32
}

func (f *fakeAdapter) Descriptor() scrape.Descriptor { return scrape.Descriptor{Source: f.source} }

func (f *fakeAdapter) Initialize(context.Context) error {
	f.initialized.Add(1)
	return f.initErr
}

func (f *fakeAdapter) Scrape(context.Context, scrape.Input) (scrape.Payload, error) {
	return scrape.Payload{}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) bool { return f.healthy }

func (f *fakeAdapter) Cleanup(context.Context) error {
	f.cleaned.Add(1)
	return nil
}

func TestRegistry_AcquireUnknownSource(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	_, _, err := r.Acquire(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownSource)
	require.Equal(t, scrape.KindConfig, scrape.KindOf(err))
}

func TestRegistry_PoolBoundsInstances(t *testing.T) {
	t.Parallel()

	var built atomic.Int32
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(scrape.Descriptor{Source: "b", Family: scrape.FamilyBrowser},
		func() (scrape.Adapter, error) {
			built.Add(1)
			return &fakeAdapter{source: "b", healthy: true}, nil
		}, 2))

	ctx := context.Background()
	a1, rel1, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	a2, rel2, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	require.NotSame(t, a1, a2)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, _, err = r.Acquire(waitCtx, "b")
	require.Equal(t, scrape.KindCancelled, scrape.KindOf(err))

	rel1()
	rel1()
	a3, rel3, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	require.Same(t, a1, a3)
	rel2()
	rel3()
	require.Equal(t, int32(2), built.Load())
	require.Equal(t, int32(1), a1.(*fakeAdapter).initialized.Load())

	require.NoError(t, r.Close(ctx))
	require.Equal(t, int32(1), a1.(*fakeAdapter).cleaned.Load())
	require.Equal(t, int32(1), a2.(*fakeAdapter).cleaned.Load())
}

func TestRegistry_InitializeFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	fail := true
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(scrape.Descriptor{Source: "x"}, func() (scrape.Adapter, error) {
		if fail {
			return &fakeAdapter{source: "x", initErr: errors.New("chrome missing")}, nil
		}
		return &fakeAdapter{source: "x"}, nil
	}, 1))

	_, _, err := r.Acquire(context.Background(), "x")
	require.Error(t, err)
	fail = false
	_, release, err := r.Acquire(context.Background(), "x")
	require.NoError(t, err)
	release()
}

func TestRegistry_HealthAndDescriptors(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(scrape.Descriptor{Source: "up"}, func() (scrape.Adapter, error) {
		return &fakeAdapter{source: "up", healthy: true}, nil
	}, 1))
	require.NoError(t, r.Register(scrape.Descriptor{Source: "down"}, func() (scrape.Adapter, error) {
		return &fakeAdapter{source: "down"}, nil
	}, 1))
	require.Error(t, r.Register(scrape.Descriptor{Source: "up"}, func() (scrape.Adapter, error) { return nil, nil }, 1))

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	require.Equal(t, "down", descs[0].Source)
	require.Equal(t, scrape.HealthUnknown, descs[0].Health)
	require.Equal(t, scrape.FamilyHTTP, descs[0].Family)

	health := r.Health(context.Background())
	require.Equal(t, scrape.HealthUnhealthy, health[0].Health)
	require.Equal(t, scrape.HealthHealthy, health[1].Health)
}

func TestRegistry_HealthSkipsBusyPool(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(scrape.Descriptor{Source: "b", Family: scrape.FamilyBrowser}, func() (scrape.Adapter, error) {
		return &fakeAdapter{source: "b", healthy: true}, nil
	}, 1))

	health := r.Health(context.Background())
	require.Equal(t, scrape.HealthHealthy, health[0].Health)

	_, release, err := r.Acquire(context.Background(), "b")
	require.NoError(t, err)
	defer release()

	done := make(chan []scrape.Descriptor, 1)
	go func() { done <- r.Health(context.Background()) }()
	select {
	case health = <-done:
	case <-time.After(time.Second):
		t.Fatal("health check blocked on a busy pool")
	}
	require.Equal(t, scrape.HealthHealthy, health[0].Health, "busy source keeps its last state")
}
