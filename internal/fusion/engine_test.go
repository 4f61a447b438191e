package fusion

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

var t0 = time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func obs(source, field string, v *float64, at time.Time) scrape.Observation {
	return scrape.Observation{Asset: "X", Field: field, Value: v, Source: source, ObservedAt: at, TraceID: "tr-" + source}
}

func TestReconcile_RejectsAstronomicalAndAveragesPair(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	rec := e.Reconcile("X", "tr", []scrape.Observation{
		obs("first", scrape.FieldPE, f(10.0), t0),
		obs("second", scrape.FieldPE, f(10.4), t0),
		obs("third", scrape.FieldPE, f(20000), t0),
	})

	pe := rec.Fields[scrape.FieldPE]
	require.NotNil(t, pe.Value)
	require.InDelta(t, 10.2, *pe.Value, 1e-9)
	require.Equal(t, []string{"third"}, pe.RejectedSources)
	require.Equal(t, []string{"first", "second"}, pe.ContributingSources)
	require.GreaterOrEqual(t, pe.Confidence, 0.6)
	require.False(t, pe.LowConfidence)
	require.Len(t, pe.Decisions, 3)
	require.Equal(t, ClassAstronomical, pe.Decisions[2].Class)
	require.False(t, pe.Decisions[2].Accepted)
}

func TestReconcile_MedianOfThreeSurvivors(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	rec := e.Reconcile("X", "tr", []scrape.Observation{
		obs("a", scrape.FieldPE, f(10), t0),
		obs("b", scrape.FieldPE, f(11), t0),
		obs("c", scrape.FieldPE, f(10.5), t0),
		obs("d", scrape.FieldPE, f(10000), t0),
	})
	pe := rec.Fields[scrape.FieldPE]
	require.InDelta(t, 10.5, *pe.Value, 1e-9)
	require.Equal(t, []string{"d"}, pe.RejectedSources)
	require.GreaterOrEqual(t, pe.Confidence, 0.6)
	require.InDelta(t, 0.788, pe.Confidence, 0.001)
}

func TestReconcile_Idempotent(t *testing.T) {
	t.Parallel()

	input := []scrape.Observation{
		obs("a", scrape.FieldPE, f(10), t0),
		obs("b", scrape.FieldPE, f(12), t0),
		obs("c", scrape.FieldPB, f(1.1), t0),
		obs("d", scrape.FieldPB, f(1.3), t0),
		obs("b", scrape.FieldPrice, f(38.1), t0),
		obs("a", scrape.FieldPrice, f(38.2), t0),
		obs("e", scrape.FieldROE, nil, t0),
	}
	e := NewEngine(DefaultConfig(), nil)
	want := e.Reconcile("X", "tr", input)

	rng := rand.New(rand.NewSource(7))
	for range 20 {
		shuffled := append([]scrape.Observation(nil), input...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, e.Reconcile("X", "tr", shuffled))
	}
	require.InDelta(t, 38.2, *want.Fields[scrape.FieldPrice].Value, 1e-9, "tie on observed_at resolves to the first source tag")
}

func TestReconcile_PointInTimeTakesLatest(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	rec := e.Reconcile("X", "tr", []scrape.Observation{
		obs("a", scrape.FieldPrice, f(38.00), t0),
		obs("b", scrape.FieldPrice, f(38.40), t0.Add(time.Minute)),
		obs("c", scrape.FieldPrice, f(38.10), t0.Add(-time.Minute)),
	})
	require.InDelta(t, 38.40, *rec.Fields[scrape.FieldPrice].Value, 1e-9)
}

func TestReconcile_NullsAndUnknownFields(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	rec := e.Reconcile("X", "tr", []scrape.Observation{
		obs("a", scrape.FieldROE, nil, t0),
		obs("a", "made_up", f(1), t0),
		{Asset: "OTHER", Field: scrape.FieldPE, Value: f(1), Source: "a", ObservedAt: t0},
	})
	require.NotContains(t, rec.Fields, "made_up")
	require.NotContains(t, rec.Fields, scrape.FieldPE)

	roe := rec.Fields[scrape.FieldROE]
	require.Nil(t, roe.Value)
	require.Empty(t, roe.ContributingSources)
	require.True(t, roe.LowConfidence)
	require.Equal(t, ClassNull, roe.Decisions[0].Class)
}

func TestReconcile_SingleSourceIsLowConfidence(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	pe := e.Reconcile("X", "tr", []scrape.Observation{obs("a", scrape.FieldPE, f(7), t0)}).Fields[scrape.FieldPE]
	require.InDelta(t, 7, *pe.Value, 1e-9)
	require.InDelta(t, 0.5, pe.Confidence, 1e-9)
	require.True(t, pe.LowConfidence)
	require.Equal(t, []string{"pe"}, CanonicalRecord{Fields: map[string]FieldRecord{"pe": pe}}.LowConfidenceFields())
}

func TestReconcile_LatestObservationPerSource(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	pe := e.Reconcile("X", "tr", []scrape.Observation{
		obs("a", scrape.FieldPE, f(5), t0),
		obs("a", scrape.FieldPE, f(9), t0.Add(time.Hour)),
		obs("b", scrape.FieldPE, f(9.2), t0),
	}).Fields[scrape.FieldPE]
	require.InDelta(t, 9.1, *pe.Value, 1e-9)
	require.Len(t, pe.Decisions, 2)
}

func TestRegistryScale(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	r.Scale("brapi", scrape.FieldDividendYield, 100)
	e := NewEngine(DefaultConfig(), r)
	dy := e.Reconcile("X", "tr", []scrape.Observation{
		obs("brapi", scrape.FieldDividendYield, f(0.142), t0),
		obs("fundamentus", scrape.FieldDividendYield, f(14.2), t0),
	}).Fields[scrape.FieldDividendYield]
	require.InDelta(t, 14.2, *dy.Value, 1e-9)
	require.Empty(t, dy.RejectedSources)
	require.InDelta(t, 0.142, *dy.Decisions[0].Raw, 1e-12)
}

func TestConfigClassifyAndConfidence(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	require.Equal(t, ClassLow, c.Classify(0.1))
	require.Equal(t, ClassMedium, c.Classify(0.5))
	require.Equal(t, ClassHigh, c.Classify(1.5))
	require.Equal(t, ClassAstronomical, c.Classify(101))

	require.InDelta(t, 0.9, c.Confidence(make([]float64, 10)), 1e-9, "agreement bonus is capped")
	require.InDelta(t, 0.1, c.Confidence([]float64{5}), 1e-9, "deviation penalty is capped")
	require.Zero(t, c.Confidence(nil))

	// more agreeing sources never lower confidence
	prev := 0.0
	for n := 1; n <= 6; n++ {
		got := c.Confidence(make([]float64, n))
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestReconcile_ZeroMedian(t *testing.T) {
	t.Parallel()

	e := NewEngine(DefaultConfig(), nil)
	fr := e.Reconcile("X", "tr", []scrape.Observation{
		obs("a", scrape.FieldNetMargin, f(0), t0),
		obs("b", scrape.FieldNetMargin, f(0), t0),
		obs("c", scrape.FieldNetMargin, f(0.5), t0),
	}).Fields[scrape.FieldNetMargin]
	require.Equal(t, []string{"c"}, fr.RejectedSources)
	require.InDelta(t, 0, *fr.Value, 1e-12)
}
