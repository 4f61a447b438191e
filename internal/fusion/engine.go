// Package fusion reconciles per-field observations from overlapping sources
// into one canonical record per asset.
package fusion

import (
	"cmp"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Class buckets an observation's relative deviation from the median.
type Class string

// Deviation classes.
const (
	ClassLow          Class = "low"
	ClassMedium       Class = "medium"
	ClassHigh         Class = "high"
	ClassAstronomical Class = "astronomical"
	// ClassNull marks observations that could not be normalised.
	ClassNull Class = "null"
)

// Rejected reports whether observations in this class are excluded.
func (c Class) Rejected() bool {
	return c == ClassHigh || c == ClassAstronomical
}

// Config carries every tunable of the reconciliation.
type Config struct {
	Epsilon               float64 `mapstructure:"epsilon"`
	MediumThreshold       float64 `mapstructure:"medium_threshold"`
	HighThreshold         float64 `mapstructure:"high_threshold"`
	AstronomicalThreshold float64 `mapstructure:"astronomical_threshold"`

	BaseConfidence  float64 `mapstructure:"base_confidence"`
	AgreementStep   float64 `mapstructure:"agreement_step"`
	AgreementCap    float64 `mapstructure:"agreement_cap"`
	PenaltyFactor   float64 `mapstructure:"penalty_factor"`
	PenaltyCap      float64 `mapstructure:"penalty_cap"`
	LowConfidenceAt float64 `mapstructure:"low_confidence_threshold"`

	// Window bounds how far back stored observations join a cycle.
	Window time.Duration `mapstructure:"window"`
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		Epsilon:               1e-9,
		MediumThreshold:       0.1,
		HighThreshold:         1,
		AstronomicalThreshold: 100,
		BaseConfidence:        0.5,
		AgreementStep:         0.15,
		AgreementCap:          0.4,
		PenaltyFactor:         0.3,
		PenaltyCap:            0.4,
		LowConfidenceAt:       0.6,
		Window:                24 * time.Hour,
	}
}

// Classify maps a relative deviation to its class.
func (c Config) Classify(d float64) Class {
	switch {
	case d > c.AstronomicalThreshold:
		return ClassAstronomical
	case d > c.HighThreshold:
		return ClassHigh
	case d > c.MediumThreshold:
		return ClassMedium
	default:
		return ClassLow
	}
}

// Confidence scores a field from its survivors' deviations.
func (c Config) Confidence(deviations []float64) float64 {
	if len(deviations) == 0 {
		return 0
	}
	bonus := math.Min(c.AgreementStep*float64(len(deviations)-1), c.AgreementCap)
	var sum float64
	for _, d := range deviations {
		sum += d
	}
	penalty := math.Min(c.PenaltyFactor*sum/float64(len(deviations)), c.PenaltyCap)
	return math.Max(0, math.Min(1, c.BaseConfidence+bonus-penalty))
}

// Decision is the audit trail of one source's observation for one field.
type Decision struct {
	Source     string    `json:"source_tag"`
	Raw        *float64  `json:"raw_value"`
	Normalized *float64  `json:"normalized_value"`
	Deviation  float64   `json:"deviation"`
	Class      Class     `json:"deviation_class"`
	Accepted   bool      `json:"accepted"`
	ObservedAt time.Time `json:"observed_at"`
	TraceID    string    `json:"trace_id"`
}

// FieldRecord is the reconciled value of one field.
type FieldRecord struct {
	Value               *float64   `json:"value"`
	ContributingSources []string   `json:"contributing_sources"`
	RejectedSources     []string   `json:"rejected_sources"`
	Confidence          float64    `json:"confidence"`
	LowConfidence       bool       `json:"low_confidence"`
	ObservedAt          time.Time  `json:"observed_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	TraceID             string     `json:"trace_id"`
	Decisions           []Decision `json:"decisions,omitempty"`
}

// CanonicalRecord is the reconciled view of one asset.
type CanonicalRecord struct {
	Asset     string                 `json:"asset"`
	Fields    map[string]FieldRecord `json:"fields"`
	TraceID   string                 `json:"trace_id"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// LowConfidenceFields lists flagged fields in name order.
func (r CanonicalRecord) LowConfidenceFields() []string {
	out := make([]string, 0)
	for name, f := range r.Fields {
		if f.LowConfidence {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// FieldNames lists every field in name order.
func (r CanonicalRecord) FieldNames() []string {
	out := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Engine reconciles observations. Reconcile is pure and safe for concurrent
// use; Ingest adds per-asset locking, persistence and events.
type Engine struct {
	cfg      Config
	registry *Registry

	writer    Writer
	publisher scrape.Publisher
	clock     scrape.Clock
	logger    *zap.Logger
	locks     *keyedMutex
}

// NewEngine builds an engine. A nil registry means DefaultRegistry.
func NewEngine(cfg Config, registry *Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-9
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		clock:    systemClock{},
		logger:   zap.NewNop(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("fusion")
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Reconcile builds the canonical record for asset from obs. Observations for
// other assets are ignored. When a source reported a field more than once only
// its latest observation counts. The output depends only on the observation
// multiset.
func (e *Engine) Reconcile(asset, traceID string, obs []scrape.Observation) CanonicalRecord {
	byField := make(map[string]map[string]scrape.Observation)
	for _, o := range obs {
		if o.Asset != asset {
			continue
		}
		perSource := byField[o.Field]
		if perSource == nil {
			perSource = make(map[string]scrape.Observation)
			byField[o.Field] = perSource
		}
		if prev, ok := perSource[o.Source]; !ok || later(o, prev) {
			perSource[o.Source] = o
		}
	}

	rec := CanonicalRecord{Asset: asset, TraceID: traceID, Fields: make(map[string]FieldRecord, len(byField))}
	for field, perSource := range byField {
		if _, ok := e.registry.Spec(field); !ok {
			continue
		}
		list := make([]scrape.Observation, 0, len(perSource))
		for _, o := range perSource {
			list = append(list, o)
		}
		slices.SortFunc(list, func(a, b scrape.Observation) int { return cmp.Compare(a.Source, b.Source) })
		fr := e.reconcileField(field, list)
		fr.TraceID = traceID
		rec.Fields[field] = fr
	}
	return rec
}

// later orders two observations of the same source and field.
func later(a, b scrape.Observation) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if a.TraceID != b.TraceID {
		return a.TraceID > b.TraceID
	}
	switch {
	case a.Value == nil:
		return false
	case b.Value == nil:
		return true
	default:
		return *a.Value > *b.Value
	}
}

type candidate struct {
	obs   scrape.Observation
	value float64
	idx   int
}

// reconcileField expects list sorted by source.
func (e *Engine) reconcileField(field string, list []scrape.Observation) FieldRecord {
	spec, _ := e.registry.Spec(field)
	decisions := make([]Decision, len(list))
	var cands []candidate
	var observedAt time.Time
	for i, o := range list {
		decisions[i] = Decision{Source: o.Source, Raw: o.Value, ObservedAt: o.ObservedAt, TraceID: o.TraceID, Class: ClassNull}
		if o.ObservedAt.After(observedAt) {
			observedAt = o.ObservedAt
		}
		if v := e.registry.Normalize(o); v != nil {
			decisions[i].Normalized = v
			cands = append(cands, candidate{obs: o, value: *v, idx: i})
		}
	}

	fr := FieldRecord{ObservedAt: observedAt, ContributingSources: []string{}, RejectedSources: []string{}}
	if len(cands) == 0 {
		fr.Decisions = decisions
		fr.LowConfidence = true
		return fr
	}

	values := make([]float64, len(cands))
	for i, c := range cands {
		values[i] = c.value
	}
	m := median(values)
	scale := math.Max(math.Abs(m), e.cfg.Epsilon)

	var survivors []candidate
	var deviations []float64
	for _, c := range cands {
		d := math.Abs(c.value-m) / scale
		class := e.cfg.Classify(d)
		decisions[c.idx].Deviation = d
		decisions[c.idx].Class = class
		if class.Rejected() {
			fr.RejectedSources = append(fr.RejectedSources, c.obs.Source)
			continue
		}
		decisions[c.idx].Accepted = true
		fr.ContributingSources = append(fr.ContributingSources, c.obs.Source)
		survivors = append(survivors, c)
		deviations = append(deviations, d)
	}
	fr.Decisions = decisions
	if len(survivors) == 0 {
		fr.LowConfidence = true
		return fr
	}

	var value float64
	switch {
	case spec.PointInTime:
		latest := survivors[0]
		for _, c := range survivors[1:] {
			if c.obs.ObservedAt.After(latest.obs.ObservedAt) {
				latest = c
			}
		}
		value = latest.value
	case len(survivors) >= 3:
		sv := make([]float64, len(survivors))
		for i, c := range survivors {
			sv[i] = c.value
		}
		value = median(sv)
	default:
		var sum float64
		for _, c := range survivors {
			sum += c.value
		}
		value = sum / float64(len(survivors))
	}
	fr.Value = &value
	fr.Confidence = e.cfg.Confidence(deviations)
	fr.LowConfidence = fr.Confidence < e.cfg.LowConfidenceAt
	return fr
}

func median(values []float64) float64 {
	s := slices.Clone(values)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
