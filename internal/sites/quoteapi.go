package sites

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// QuoteAPIConfig points the quote adapter at a Brapi-compatible endpoint.
type QuoteAPIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// QuoteAPI is a pure-HTTP adapter over a JSON quote endpoint.
type QuoteAPI struct {
	cfg     QuoteAPIConfig
	fetcher scrape.Fetcher
}

// NewQuoteAPI builds the adapter.
func NewQuoteAPI(cfg QuoteAPIConfig, fetcher scrape.Fetcher) *QuoteAPI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://brapi.dev/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &QuoteAPI{cfg: cfg, fetcher: fetcher}
}

type quoteEnvelope struct {
	Results []struct {
		Symbol                 string   `json:"symbol"`
		RegularMarketPrice     *float64 `json:"regularMarketPrice"`
		RegularMarketVolume    *float64 `json:"regularMarketVolume"`
		PriceEarnings          *float64 `json:"priceEarnings"`
		EarningsPerShare       *float64 `json:"earningsPerShare"`
		MarketCap              *float64 `json:"marketCap"`
		RegularMarketChangePct *float64 `json:"regularMarketChangePercent"`
		RegularMarketTime      string   `json:"regularMarketTime"`
	} `json:"results"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Descriptor implements scrape.Adapter.
func (q *QuoteAPI) Descriptor() scrape.Descriptor {
	return scrape.Descriptor{
		Name:       "Brapi quotes",
		Source:     "brapi",
		Category:   scrape.CategoryQuote,
		Family:     scrape.FamilyHTTP,
		Timeout:    q.cfg.Timeout,
		MaxRetries: 3,
		Health:     scrape.HealthUnknown,
	}
}

// Initialize implements scrape.Adapter.
func (q *QuoteAPI) Initialize(context.Context) error { return nil }

// Cleanup implements scrape.Adapter.
func (q *QuoteAPI) Cleanup(context.Context) error { return nil }

// HealthCheck requests a well-known ticker.
func (q *QuoteAPI) HealthCheck(ctx context.Context) bool {
	_, err := q.Scrape(ctx, scrape.Input{Ticker: "PETR4"})
	return err == nil
}

func (q *QuoteAPI) request(ticker string) scrape.FetchRequest {
	u := q.cfg.BaseURL + "/quote/" + url.PathEscape(strings.ToUpper(ticker))
	headers := http.Header{"Accept": {"application/json"}}
	if q.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+q.cfg.Token)
	}
	return scrape.FetchRequest{URL: u, Headers: headers, Timeout: q.cfg.Timeout}
}

// Scrape implements scrape.Adapter.
func (q *QuoteAPI) Scrape(ctx context.Context, in scrape.Input) (scrape.Payload, error) {
	if in.Ticker == "" {
		return scrape.Payload{}, scrape.NewError(scrape.KindConfig, "brapi: ticker required")
	}
	resp, err := q.fetcher.Fetch(ctx, q.request(in.Ticker))
	if err != nil {
		return scrape.Payload{}, err
	}
	if err := scrape.CheckStatus(resp); err != nil {
		return scrape.Payload{}, err
	}
	var env quoteEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return scrape.Payload{}, scrape.ParseFailure(resp.Body, "brapi: decode quote: %v", err)
	}
	if env.Error || len(env.Results) == 0 {
		return scrape.Payload{}, scrape.NewError(scrape.KindNotFound, "brapi: %s not found: %s", in.Ticker, env.Message)
	}
	r := env.Results[0]
	return scrape.Payload{Fields: map[string]*float64{
		scrape.FieldPrice:     r.RegularMarketPrice,
		scrape.FieldVolume:    r.RegularMarketVolume,
		scrape.FieldPE:        r.PriceEarnings,
		scrape.FieldEPS:       r.EarningsPerShare,
		scrape.FieldMarketCap: r.MarketCap,
	}}, nil
}
