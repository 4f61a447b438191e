package fusion

import (
	"math"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Unit is the canonical unit a field is stored in.
type Unit string

// Canonical units.
const (
	UnitRatio    Unit = "ratio"
	UnitPercent  Unit = "percent"
	UnitCurrency Unit = "currency"
	UnitCount    Unit = "count"
)

// FieldSpec declares how one canonical field is reconciled.
type FieldSpec struct {
	Unit Unit
	// PointInTime fields take the most recent observation instead of a
	// central value.
	PointInTime bool
}

// Registry maps canonical field names to their spec. Per-source scale
// factors convert a source's native unit into the canonical one, e.g. a
// source that reports dividend yield as a fraction registers 100.
type Registry struct {
	fields map[string]FieldSpec
	scales map[string]map[string]float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fields: map[string]FieldSpec{}, scales: map[string]map[string]float64{}}
}

// DefaultRegistry declares every field the built-in adapters emit.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Declare(scrape.FieldPrice, FieldSpec{Unit: UnitCurrency, PointInTime: true})
	r.Declare(scrape.FieldVolume, FieldSpec{Unit: UnitCount, PointInTime: true})
	for _, f := range []string{
		scrape.FieldPE, scrape.FieldPB, scrape.FieldPSR, scrape.FieldEVEBITDA, scrape.FieldEVEBIT,
		scrape.FieldCurrentRatio, scrape.FieldGrossDebtEquity, scrape.FieldNetDebtEBITDA,
	} {
		r.Declare(f, FieldSpec{Unit: UnitRatio})
	}
	for _, f := range []string{
		scrape.FieldDividendYield, scrape.FieldROE, scrape.FieldROIC, scrape.FieldROA,
		scrape.FieldNetMargin, scrape.FieldGrossMargin, scrape.FieldEBITMargin,
		scrape.FieldRevenueGrowth5y, scrape.FieldPayout,
	} {
		r.Declare(f, FieldSpec{Unit: UnitPercent})
	}
	for _, f := range []string{scrape.FieldEPS, scrape.FieldBVPS, scrape.FieldMarketCap, scrape.FieldAvgDailyVolume} {
		r.Declare(f, FieldSpec{Unit: UnitCurrency})
	}
	r.Declare(scrape.FieldSharesOutstanding, FieldSpec{Unit: UnitCount})
	return r
}

// Declare registers or replaces a field spec.
func (r *Registry) Declare(field string, spec FieldSpec) {
	r.fields[field] = spec
}

// Scale registers a multiplier applied to a source's values for field.
func (r *Registry) Scale(source, field string, factor float64) {
	if r.scales[source] == nil {
		r.scales[source] = map[string]float64{}
	}
	r.scales[source][field] = factor
}

// Spec returns the spec for field.
func (r *Registry) Spec(field string) (FieldSpec, bool) {
	s, ok := r.fields[field]
	return s, ok
}

// Normalize converts a raw observation into the canonical unit. It returns
// nil for null, non-finite or undeclared values.
func (r *Registry) Normalize(o scrape.Observation) *float64 {
	if o.Value == nil {
		return nil
	}
	if _, ok := r.fields[o.Field]; !ok {
		return nil
	}
	v := *o.Value
	if f, ok := r.scales[o.Source][o.Field]; ok {
		v *= f
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
