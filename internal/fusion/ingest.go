package fusion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// ResultsChannel carries job and fusion completion events.
const ResultsChannel = "scrape:results"

// Writer persists a reconciled record together with the observations that
// produced it, in one transaction.
type Writer interface {
	Commit(ctx context.Context, rec CanonicalRecord, obs []scrape.Observation) error
	RecentObservations(ctx context.Context, asset string, since time.Time) ([]scrape.Observation, error)
}

// CommitEvent is published after every successful commit.
type CommitEvent struct {
	Event               string   `json:"event"`
	TraceID             string   `json:"trace_id"`
	Asset               string   `json:"asset"`
	FieldsUpdated       []string `json:"fields_updated"`
	LowConfidenceFields []string `json:"low_confidence_fields"`
}

// Attributes implements the pubsub attribute hook.
func (e CommitEvent) Attributes() map[string]string {
	return map[string]string{"trace_id": e.TraceID, "asset": e.Asset, "event": e.Event}
}

// Option configures the persisting side of an Engine.
type Option func(*Engine)

// WithWriter sets the store Ingest commits to.
func WithWriter(w Writer) Option { return func(e *Engine) { e.writer = w } }

// WithPublisher sets where commit events go.
func WithPublisher(p scrape.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithClock overrides time.Now.
func WithClock(c scrape.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Ingest merges obs with the asset's stored observations from the current
// window, reconciles the fields obs touches, commits and then publishes a
// CommitEvent. Calls for the same asset never overlap.
func (e *Engine) Ingest(ctx context.Context, asset, traceID string, obs []scrape.Observation) (CanonicalRecord, error) {
	if e.writer == nil {
		return CanonicalRecord{}, scrape.NewError(scrape.KindConfig, "fusion: no writer configured")
	}
	unlock := e.locks.Lock(asset)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return CanonicalRecord{}, scrape.Wrap(scrape.KindCancelled, err, "fusion")
	}

	touched := make(map[string]bool)
	for _, o := range obs {
		if o.Asset == asset {
			touched[o.Field] = true
		}
	}
	if len(touched) == 0 {
		return CanonicalRecord{Asset: asset, TraceID: traceID, Fields: map[string]FieldRecord{}}, nil
	}

	now := e.clock.Now()
	prior, err := e.writer.RecentObservations(ctx, asset, now.Add(-e.cfg.Window))
	if err != nil {
		return CanonicalRecord{}, scrape.Wrap(scrape.KindPersist, err, "load observations")
	}
	all := make([]scrape.Observation, 0, len(prior)+len(obs))
	for _, o := range prior {
		if touched[o.Field] {
			all = append(all, o)
		}
	}
	all = append(all, obs...)

	rec := e.Reconcile(asset, traceID, all)
	rec.UpdatedAt = now
	for name, f := range rec.Fields {
		f.UpdatedAt = now
		rec.Fields[name] = f
	}

	if err := ctx.Err(); err != nil {
		return CanonicalRecord{}, scrape.Wrap(scrape.KindCancelled, err, "fusion")
	}
	if err := e.writer.Commit(ctx, rec, obs); err != nil {
		return CanonicalRecord{}, scrape.Wrap(scrape.KindPersist, err, fmt.Sprintf("commit %s", asset))
	}

	for name, f := range rec.Fields {
		metrics.ObserveFusionField(name, f.LowConfidence, len(f.RejectedSources), f.Confidence)
	}

	event := CommitEvent{
		Event:               "fusion_committed",
		TraceID:             traceID,
		Asset:               asset,
		FieldsUpdated:       rec.FieldNames(),
		LowConfidenceFields: rec.LowConfidenceFields(),
	}
	if e.publisher != nil {
		if _, err := e.publisher.Publish(ctx, ResultsChannel, event); err != nil {
			e.logger.Warn("publish fusion event failed",
				zap.String("asset", asset), zap.String("trace_id", traceID), zap.Error(err))
		}
	}
	e.logger.Info("fusion committed",
		zap.String("asset", asset),
		zap.String("trace_id", traceID),
		zap.Strings("fields_updated", event.FieldsUpdated),
		zap.Strings("low_confidence_fields", event.LowConfidenceFields),
	)
	return rec, nil
}
