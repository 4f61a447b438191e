// Package scrape defines the core types and contracts shared by the scrape
// orchestration subsystems: jobs, adapter descriptors, results, field
// observations and the error taxonomy.
package scrape

import (
	"net/http"
	"time"
)

// Category groups adapters by the kind of data they produce.
type Category string

// Supported adapter categories.
const (
	CategoryFundamental  Category = "fundamental"
	CategoryQuote        Category = "quote"
	CategoryDividend     Category = "dividend"
	CategoryNews         Category = "news"
	CategoryAICommentary Category = "ai-commentary"
	CategoryMacro        Category = "macro"
	CategoryCrypto       Category = "crypto"
	CategoryOptions      Category = "options"
	CategoryHistorical   Category = "historical"
)

// Family distinguishes adapters that only speak HTTP from those that drive a browser.
type Family string

// Adapter families.
const (
	FamilyHTTP    Family = "http"
	FamilyBrowser Family = "browser"
)

// HealthState is the last known health of an adapter.
type HealthState string

// Health states reported by the registry.
const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Descriptor is the declarative description of one integrated source.
type Descriptor struct {
	Name            string        `json:"name"`
	Source          string        `json:"source_tag"`
	RequiresSession bool          `json:"requires_session"`
	SiteKey         string        `json:"site_key,omitempty"`
	Category        Category      `json:"category"`
	Family          Family        `json:"family"`
	Timeout         time.Duration `json:"timeout"`
	MaxRetries      int           `json:"max_retries"`
	Health          HealthState   `json:"health_state"`
}

// Input is what a job hands to an adapter.
type Input struct {
	Ticker  string            `json:"ticker"`
	Params  map[string]string `json:"params,omitempty"`
	TraceID string            `json:"trace_id"`
}

// Payload is what an adapter extracts from a source. Fundamentals and quotes
// fill Fields; news, AI commentary and historical imports use Data.
type Payload struct {
	Fields map[string]*float64 `json:"fields,omitempty"`
	Data   any                 `json:"data,omitempty"`
}

// Result is the uniform outcome of one scrape call, retries included.
type Result struct {
	Success        bool                `json:"success"`
	Source         string              `json:"source_tag"`
	Fields         map[string]*float64 `json:"fields,omitempty"`
	Data           any                 `json:"data,omitempty"`
	ErrorKind      Kind                `json:"error_kind,omitempty"`
	Error          string              `json:"error,omitempty"`
	Attempts       int                 `json:"attempts"`
	ResponseTimeMs int64               `json:"response_time_ms"`
	ScrapedAt      time.Time           `json:"scraped_at"`
	TraceID        string              `json:"trace_id"`
	Diagnostic     []byte              `json:"-"`
}

// Observation is one source's value for one field of one asset.
type Observation struct {
	Asset      string    `json:"asset"`
	Field      string    `json:"field"`
	Value      *float64  `json:"value"`
	Source     string    `json:"source_tag"`
	ObservedAt time.Time `json:"observed_at"`
	TraceID    string    `json:"trace_id"`
}

// Observations flattens a successful result into per-field observations.
func (r Result) Observations(asset string) []Observation {
	out := make([]Observation, 0, len(r.Fields))
	for field, value := range r.Fields {
		out = append(out, Observation{
			Asset:      asset,
			Field:      field,
			Value:      value,
			Source:     r.Source,
			ObservedAt: r.ScrapedAt,
			TraceID:    r.TraceID,
		})
	}
	return out
}

// FetchRequest captures everything a fetcher needs to load one page.
type FetchRequest struct {
	URL          string
	Headers      http.Header
	Cookies      []*http.Cookie
	LocalStorage map[string]string
	Timeout      time.Duration
}

// FetchResponse is returned by Fetcher implementations.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
