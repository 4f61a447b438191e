// Package memory is an in-process canonical store for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/adrianolucasdepaula/invest-sub002/internal/cotahist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/persist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

type barKey struct {
	asset string
	date  time.Time
}

// Store keeps canonical records, audit rows, observations and bars in maps.
type Store struct {
	mu           sync.RWMutex
	canonical    map[string]fusion.CanonicalRecord
	audit        []persist.AuditRow
	observations []scrape.Observation
	bars         map[barKey]cotahist.Bar
	failCommit   error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		canonical: make(map[string]fusion.CanonicalRecord),
		bars:      make(map[barKey]cotahist.Bar),
	}
}

// FailCommits makes every later Commit return err; nil restores normal
// behaviour.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

// Commit merges rec's fields into the asset's record and appends the audit
// rows and observations. Nothing is written when it fails.
func (s *Store) Commit(_ context.Context, rec fusion.CanonicalRecord, obs []scrape.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return fmt.Errorf("commit %s: %w", rec.Asset, s.failCommit)
	}
	current, ok := s.canonical[rec.Asset]
	if !ok {
		current = fusion.CanonicalRecord{Asset: rec.Asset, Fields: make(map[string]fusion.FieldRecord)}
	} else {
		current.Fields = maps.Clone(current.Fields)
	}
	for name, f := range rec.Fields {
		current.Fields[name] = f
	}
	current.TraceID = rec.TraceID
	current.UpdatedAt = rec.UpdatedAt
	s.canonical[rec.Asset] = current
	s.audit = append(s.audit, persist.AuditRows(rec)...)
	s.observations = append(s.observations, obs...)
	return nil
}

// RecentObservations returns the asset's observations at or after since.
func (s *Store) RecentObservations(_ context.Context, asset string, since time.Time) ([]scrape.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scrape.Observation
	for _, o := range s.observations {
		if o.Asset == asset && !o.ObservedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Canonical returns a copy of the asset's record.
func (s *Store) Canonical(_ context.Context, asset string) (fusion.CanonicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.canonical[asset]
	if !ok {
		return fusion.CanonicalRecord{}, fmt.Errorf("%s: %w", asset, persist.ErrNotFound)
	}
	rec.Fields = maps.Clone(rec.Fields)
	return rec, nil
}

// Audit returns the audit rows written for asset.
func (s *Store) Audit(asset string) []persist.AuditRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persist.AuditRow
	for _, r := range s.audit {
		if r.Asset == asset {
			out = append(out, r)
		}
	}
	return out
}

// UpsertBars writes bars keyed by asset and trade date.
func (s *Store) UpsertBars(_ context.Context, bars []cotahist.Bar) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		s.bars[barKey{asset: b.Asset, date: b.TradeDate}] = b
	}
	return int64(len(bars)), nil
}

// Bars returns the asset's bars in date order.
func (s *Store) Bars(asset string) []cotahist.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cotahist.Bar
	for k, b := range s.bars {
		if k.asset == asset {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b cotahist.Bar) int { return a.TradeDate.Compare(b.TradeDate) })
	return out
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

var _ persist.Store = (*Store)(nil)
