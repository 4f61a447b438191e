// Package collyfetcher implements the pure-HTTP page fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/policy/ratelimit"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements scrape.Fetcher using the Colly collector. Session
// cookies travel on each request; the collector's own jar is disabled so
// bundles of different sites never mix.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = scrape.DefaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.DisableCookies()
	c.SetRequestTimeout(cfg.Timeout)
	c.MaxBodySize = cfg.MaxBodySize
	return &Fetcher{cfg: cfg, baseCollector: c, limiter: limiter}
}

// fetchState collects what the hooks observed for one visit.
type fetchState struct {
	result      scrape.FetchResponse
	gotResponse bool
	err         error
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned with their
// status code and body; callers classify them with scrape.CheckStatus.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return scrape.FetchResponse{}, err
		}
	}
	state := &fetchState{}
	collector := f.buildCollector(request, time.Now(), state)
	if err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		return scrape.FetchResponse{}, err
	}
	metrics.ObserveFetch(metrics.SanitizeSite(request.URL), state.result.StatusCode, len(state.result.Body))
	return state.result, nil
}

func (f *Fetcher) buildCollector(request scrape.FetchRequest, start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.MaxBodySize = f.cfg.MaxBodySize
	if request.Timeout > 0 {
		collector.SetRequestTimeout(request.Timeout)
	}
	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request scrape.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
		if header := cookieHeader(request.Cookies); header != "" {
			r.Headers.Set("Cookie", header)
		}
	})

	capture := func(r *colly.Response) {
		state.gotResponse = true
		state.result = scrape.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	}
	hooks.OnResponse(capture)

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && r.Request != nil {
			capture(r)
			return
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if state.gotResponse {
			return nil
		}
		if state.err != nil {
			return fmt.Errorf("colly response failed: %w", state.err)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return scrape.NewError(scrape.KindTransientNetwork, "no response from %s", url)
	}
}

func copyHeaders(request scrape.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
