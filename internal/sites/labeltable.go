// Package sites holds the concrete source adapters. Each HTML source is a
// LabelTable: URL template, pair selectors and a label map. Selector breakage
// stays inside the table definition.
package sites

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/adrianolucasdepaula/invest-sub002/internal/headless/detector"
	"github.com/adrianolucasdepaula/invest-sub002/internal/numeric"
	"github.com/adrianolucasdepaula/invest-sub002/internal/policy/ratelimit"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/session"
)

// PairSelector locates label/value pairs. Each Container match yields one
// pair: Label and Value are searched inside it; with Sibling set the value is
// the container's next sibling element instead.
type PairSelector struct {
	Container string
	Label     string
	Value     string
	Sibling   bool
}

// LabelTable declares one HTML source.
type LabelTable struct {
	Name            string
	Source          string
	SiteKey         string
	Category        scrape.Category
	Family          scrape.Family
	URLTemplate     string
	HealthURL       string
	Pairs           []PairSelector
	Labels          map[string]string
	NotFoundMarkers []string
	Timeout         time.Duration
	MaxRetries      int
}

// Descriptor derives the adapter descriptor from the table.
func (t LabelTable) Descriptor() scrape.Descriptor {
	return scrape.Descriptor{
		Name:            t.Name,
		Source:          t.Source,
		RequiresSession: t.SiteKey != "",
		SiteKey:         t.SiteKey,
		Category:        t.Category,
		Family:          t.Family,
		Timeout:         t.Timeout,
		MaxRetries:      t.MaxRetries,
		Health:          scrape.HealthUnknown,
	}
}

// URL renders the page address for ticker.
func (t LabelTable) URL(ticker string) string {
	return strings.NewReplacer(
		"{TICKER}", strings.ToUpper(ticker),
		"{ticker}", strings.ToLower(ticker),
	).Replace(t.URLTemplate)
}

// SessionSource is the part of the session store adapters use.
type SessionSource interface {
	Load(ctx context.Context, key string) (session.Bundle, error)
	CookiesFor(ctx context.Context, key, host string) ([]*http.Cookie, error)
}

type launcher interface {
	Launch(ctx context.Context) error
}

type closer interface {
	Close() error
}

// PageAdapter scrapes a LabelTable source through a Fetcher.
type PageAdapter struct {
	table    LabelTable
	fetcher  scrape.Fetcher
	promote  scrape.Fetcher
	shell    *detector.Heuristic
	login    detector.LoginDetector
	sessions SessionSource
	logger   *zap.Logger
}

// Option customises a PageAdapter.
type Option func(*PageAdapter)

// WithSessions supplies the session store for authenticated tables.
func WithSessions(s SessionSource) Option {
	return func(a *PageAdapter) { a.sessions = s }
}

// WithPromotion re-fetches JavaScript shells through a browser fetcher.
func WithPromotion(browser scrape.Fetcher, h *detector.Heuristic) Option {
	return func(a *PageAdapter) {
		a.promote = browser
		a.shell = h
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *PageAdapter) { a.logger = l }
}

// NewPageAdapter builds an adapter for table.
func NewPageAdapter(table LabelTable, fetcher scrape.Fetcher, opts ...Option) *PageAdapter {
	a := &PageAdapter{table: table, fetcher: fetcher, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named(table.Source)
	return a
}

// Descriptor implements scrape.Adapter.
func (a *PageAdapter) Descriptor() scrape.Descriptor { return a.table.Descriptor() }

// Initialize launches the browsers the adapter owns: the primary fetcher of
// browser-driven tables and the promotion browser.
func (a *PageAdapter) Initialize(ctx context.Context) error {
	for _, f := range []scrape.Fetcher{a.fetcher, a.promote} {
		if l, ok := f.(launcher); ok {
			if err := l.Launch(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup closes the browsers, if any.
func (a *PageAdapter) Cleanup(context.Context) error {
	var errs []error
	for _, f := range []scrape.Fetcher{a.fetcher, a.promote} {
		if c, ok := f.(closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// HealthCheck fetches the site's landing page.
func (a *PageAdapter) HealthCheck(ctx context.Context) bool {
	target := a.table.HealthURL
	if target == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := a.fetcher.Fetch(ctx, scrape.FetchRequest{URL: target, Timeout: 10 * time.Second})
	return err == nil && resp.StatusCode < http.StatusInternalServerError
}

// Scrape implements scrape.Adapter.
func (a *PageAdapter) Scrape(ctx context.Context, in scrape.Input) (scrape.Payload, error) {
	if in.Ticker == "" {
		return scrape.Payload{}, scrape.NewError(scrape.KindConfig, "%s: ticker required", a.table.Source)
	}
	req := scrape.FetchRequest{URL: a.table.URL(in.Ticker), Timeout: a.table.Timeout}
	if a.table.SiteKey != "" {
		if err := a.attachSession(ctx, &req); err != nil {
			return scrape.Payload{}, err
		}
	}

	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return scrape.Payload{}, err
	}
	if a.promote != nil && a.shell != nil && a.shell.ShouldPromote(resp) {
		a.logger.Debug("page is a script shell, promoting to browser", zap.String("url", req.URL))
		if resp, err = a.promote.Fetch(ctx, req); err != nil {
			return scrape.Payload{}, err
		}
	}
	if err := scrape.CheckStatus(resp); err != nil {
		return scrape.Payload{}, err
	}
	if a.table.SiteKey != "" {
		if err := a.login.CheckLogin(resp); err != nil {
			return scrape.Payload{}, err
		}
	}

	fields, err := a.table.Extract(resp.Body)
	if err != nil {
		return scrape.Payload{}, err
	}
	return scrape.Payload{Fields: fields}, nil
}

func (a *PageAdapter) attachSession(ctx context.Context, req *scrape.FetchRequest) error {
	if a.sessions == nil {
		return scrape.NewError(scrape.KindConfig, "%s requires a session store", a.table.Source)
	}
	cookies, err := a.sessions.CookiesFor(ctx, a.table.SiteKey, ratelimit.Host(req.URL))
	if errors.Is(err, session.ErrNotFound) {
		return scrape.NewError(scrape.KindAuthExpired, "no stored session for %s", a.table.SiteKey)
	}
	if err != nil {
		return scrape.Wrap(scrape.KindConfig, err, "load session cookies")
	}
	bundle, err := a.sessions.Load(ctx, a.table.SiteKey)
	if err != nil {
		return scrape.Wrap(scrape.KindConfig, err, "load session bundle")
	}
	req.Cookies = cookies
	req.LocalStorage = bundle.LocalStorage
	return nil
}

// Extract parses body into canonical fields. A page where no known label is
// found is a PARSE_ERROR carrying the page, unless it matches a not-found
// marker.
func (t LabelTable) Extract(body []byte) (map[string]*float64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, scrape.ParseFailure(body, "%s: parse html: %v", t.Source, err)
	}
	labels := make(map[string]string, len(t.Labels))
	for label, field := range t.Labels {
		labels[NormalizeLabel(label)] = field
	}

	fields := make(map[string]*float64)
	for _, ps := range t.Pairs {
		doc.Find(ps.Container).Each(func(_ int, s *goquery.Selection) {
			label, value := pairText(s, ps)
			field, ok := labels[NormalizeLabel(label)]
			if !ok {
				return
			}
			if v, seen := fields[field]; seen && v != nil {
				return
			}
			fields[field] = numeric.Parse(value)
		})
	}
	if len(fields) > 0 {
		return fields, nil
	}

	text := strings.ToLower(doc.Text())
	for _, marker := range t.NotFoundMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return nil, scrape.NewError(scrape.KindNotFound, "%s: ticker unknown to source", t.Source)
		}
	}
	return nil, scrape.ParseFailure(body, "%s: no known indicator labels on page", t.Source)
}

func pairText(s *goquery.Selection, ps PairSelector) (string, string) {
	labelSel := s
	if ps.Label != "" {
		labelSel = s.Find(ps.Label).First()
	}
	label := labelSel.Text()
	var valueSel *goquery.Selection
	switch {
	case ps.Sibling:
		valueSel = s.Next()
		if ps.Value != "" {
			if inner := valueSel.Find(ps.Value).First(); inner.Length() > 0 {
				valueSel = inner
			}
		}
	case ps.Value != "":
		valueSel = s.Find(ps.Value).First()
	default:
		valueSel = s
	}
	return label, valueSel.Text()
}

var labelFolder = runes.Remove(runes.In(unicode.Mn))

// NormalizeLabel lowercases, strips accents and punctuation padding and
// collapses whitespace so "Div. Yield:" and "div.  yield" compare equal.
func NormalizeLabel(label string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, labelFolder, norm.NFC), label)
	if err != nil {
		folded = label
	}
	folded = strings.ToLower(strings.Join(strings.Fields(folded), " "))
	return strings.TrimRight(folded, ": ?")
}
