// Package adapter keeps the declarative table of integrated sources and
// hands out adapter instances so that no instance serves two scrapes at once.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// ErrUnknownSource is returned by Acquire for a source tag with no entry.
var ErrUnknownSource = scrape.NewError(scrape.KindConfig, "unknown source")

// Factory builds a fresh, uninitialised adapter instance.
type Factory func() (scrape.Adapter, error)

type entry struct {
	desc    scrape.Descriptor
	factory Factory
	size    int

	idle    chan scrape.Adapter
	mu      sync.Mutex
	created int
	all     []scrape.Adapter
	health  scrape.HealthState
}

// Registry maps source tags to adapter pools.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]*entry), logger: logger.Named("adapters")}
}

// Register adds a source. instances bounds how many adapters may exist for
// the source; browser adapters typically use one per worker.
func (r *Registry) Register(desc scrape.Descriptor, factory Factory, instances int) error {
	if desc.Source == "" {
		return errors.New("descriptor source tag required")
	}
	if factory == nil {
		return fmt.Errorf("factory required for %s", desc.Source)
	}
	if instances < 1 {
		instances = 1
	}
	if desc.Family == "" {
		desc.Family = scrape.FamilyHTTP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Source]; exists {
		return fmt.Errorf("source %s already registered", desc.Source)
	}
	r.entries[desc.Source] = &entry{
		desc:    desc,
		factory: factory,
		size:    instances,
		idle:    make(chan scrape.Adapter, instances),
		health:  scrape.HealthUnknown,
	}
	return nil
}

func (r *Registry) lookup(source string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrUnknownSource)
	}
	return e, nil
}

// Descriptor returns the descriptor for source.
func (r *Registry) Descriptor(source string) (scrape.Descriptor, error) {
	e, err := r.lookup(source)
	if err != nil {
		return scrape.Descriptor{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.desc
	d.Health = e.health
	return d, nil
}

// Acquire returns an exclusive, initialised adapter for source. The caller
// must invoke release exactly once when done.
func (r *Registry) Acquire(ctx context.Context, source string) (scrape.Adapter, func(), error) {
	e, err := r.lookup(source)
	if err != nil {
		return nil, nil, err
	}

	a, release, ok, err := r.tryAcquire(ctx, e)
	if err != nil || ok {
		return a, release, err
	}

	select {
	case a := <-e.idle:
		return a, e.releaser(a), nil
	case <-ctx.Done():
		return nil, nil, scrape.Wrap(scrape.KindCancelled, ctx.Err(), "waiting for adapter "+source)
	}
}

// tryAcquire takes an idle instance or builds a new one while the pool has
// room. ok is false when every instance is busy.
func (r *Registry) tryAcquire(ctx context.Context, e *entry) (scrape.Adapter, func(), bool, error) {
	select {
	case a := <-e.idle:
		return a, e.releaser(a), true, nil
	default:
	}

	e.mu.Lock()
	if e.created >= e.size {
		e.mu.Unlock()
		return nil, nil, false, nil
	}
	e.created++
	e.mu.Unlock()
	a, err := r.build(ctx, e)
	if err != nil {
		e.mu.Lock()
		e.created--
		e.mu.Unlock()
		return nil, nil, false, err
	}
	return a, e.releaser(a), true, nil
}

func (r *Registry) build(ctx context.Context, e *entry) (scrape.Adapter, error) {
	a, err := e.factory()
	if err != nil {
		return nil, scrape.Wrap(scrape.KindConfig, err, "build adapter "+e.desc.Source)
	}
	if err := a.Initialize(ctx); err != nil {
		_ = a.Cleanup(ctx)
		return nil, fmt.Errorf("initialize adapter %s: %w", e.desc.Source, err)
	}
	e.mu.Lock()
	e.all = append(e.all, a)
	e.mu.Unlock()
	r.logger.Debug("adapter instance initialised", zap.String("source", e.desc.Source))
	return a, nil
}

func (e *entry) releaser(a scrape.Adapter) func() {
	var once sync.Once
	return func() {
		once.Do(func() { e.idle <- a })
	}
}

// Descriptors lists every registered source, sorted by tag.
func (r *Registry) Descriptors() []scrape.Descriptor {
	r.mu.RLock()
	sources := make([]string, 0, len(r.entries))
	for source := range r.entries {
		sources = append(sources, source)
	}
	r.mu.RUnlock()
	sort.Strings(sources)

	out := make([]scrape.Descriptor, 0, len(sources))
	for _, source := range sources {
		if d, err := r.Descriptor(source); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// Health runs HealthCheck on one instance of every source and records the
// outcome on the descriptor. A source whose instances are all busy keeps its
// previous state.
func (r *Registry) Health(ctx context.Context) []scrape.Descriptor {
	for _, d := range r.Descriptors() {
		e, err := r.lookup(d.Source)
		if err != nil {
			continue
		}
		a, release, ok, err := r.tryAcquire(ctx, e)
		switch {
		case err != nil:
			r.logger.Warn("health check could not acquire adapter",
				zap.String("source", d.Source), zap.Error(err))
			r.setHealth(d.Source, scrape.HealthUnhealthy)
		case !ok:
			r.logger.Debug("health check skipped, all instances busy", zap.String("source", d.Source))
		default:
			state := scrape.HealthUnhealthy
			if a.HealthCheck(ctx) {
				state = scrape.HealthHealthy
			}
			release()
			r.setHealth(d.Source, state)
		}
	}
	return r.Descriptors()
}

func (r *Registry) setHealth(source string, state scrape.HealthState) {
	e, err := r.lookup(source)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.health = state
	e.mu.Unlock()
}

// Close cleans up every instance ever created.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		all := e.all
		e.all = nil
		e.mu.Unlock()
		for _, a := range all {
			if err := a.Cleanup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("cleanup %s: %w", e.desc.Source, err))
			}
		}
	}
	return errors.Join(errs...)
}
