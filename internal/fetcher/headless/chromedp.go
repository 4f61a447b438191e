// Package headless contains the browser-driven fetcher used by adapters whose
// sources render with JavaScript or sit behind a login.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// State is the lifecycle state of a Browser.
type State string

// Browser states.
const (
	StateUninit    State = "uninit"
	StateLaunching State = "launching"
	StateReady     State = "ready"
	StateScraping  State = "scraping"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
)

var (
	// ErrBusy is returned when Fetch is called while another fetch runs on
	// the same browser.
	ErrBusy = errors.New("browser is already scraping")
	// ErrNotReady is returned when Fetch is called before Launch.
	ErrNotReady = errors.New("browser not launched")
	// ErrClosed is returned once the browser has been closed.
	ErrClosed = errors.New("browser closed")
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ExecPath          string
}

// Browser owns one headless Chrome process. It serves one fetch at a time;
// concurrent callers must use distinct Browser values.
type Browser struct {
	cfg Config

	mu            sync.Mutex
	state         State
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New returns an unlaunched browser.
func New(cfg Config) *Browser {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Browser{cfg: cfg, state: StateUninit}
}

// State reports the current lifecycle state.
func (b *Browser) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Launch starts Chrome. Calling Launch on a ready browser is a no-op.
func (b *Browser) Launch(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateReady, StateScraping:
		b.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		b.mu.Unlock()
		return ErrClosed
	case StateLaunching:
		b.mu.Unlock()
		return ErrBusy
	}
	b.state = StateLaunching
	b.mu.Unlock()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and ties its lifetime to the
	// context it receives, so it must get browserCtx itself.
	err := ctx.Err()
	if err == nil {
		err = chromedp.Run(browserCtx)
	}
	if err != nil {
		browserCancel()
		allocCancel()
		b.setState(StateUninit)
		return scrape.Wrap(scrape.KindTransientNetwork, err, "launch chrome")
	}

	b.mu.Lock()
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.state = StateReady
	b.mu.Unlock()
	return nil
}

func (b *Browser) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Browser) begin() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateReady:
		b.state = StateScraping
		return b.browserCtx, nil
	case StateScraping:
		return nil, ErrBusy
	case StateClosing, StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotReady
	}
}

func (b *Browser) end() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateScraping {
		b.state = StateReady
	}
}

// Fetch opens a fresh tab, injects the session cookies and localStorage,
// navigates and returns the rendered DOM.
func (b *Browser) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	browserCtx, err := b.begin()
	if err != nil {
		return scrape.FetchResponse{}, err
	}
	defer b.end()

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	timeout := b.cfg.NavigationTimeout
	if request.Timeout > 0 && request.Timeout < timeout {
		timeout = request.Timeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := b.run(tabCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return scrape.FetchResponse{}, fmt.Errorf("headless fetch: %w", ctx.Err())
		}
		return scrape.FetchResponse{}, scrape.Wrap(scrape.KindTransientNetwork, err, "headless fetch "+request.URL)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	metrics.ObserveFetch(metrics.SanitizeSite(request.URL), status, len(html))
	return scrape.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (b *Browser) run(ctx context.Context, request scrape.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		sessionSetupAction(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func sessionSetupAction(request scrape.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := request.Headers.Get("User-Agent"); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if params := cookieParams(request.URL, request.Cookies); len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		if len(request.LocalStorage) > 0 {
			script, err := localStorageScript(request.LocalStorage)
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("inject local storage: %w", err)
			}
		}
		return nil
	})
}

func cookieParams(target string, cookies []*http.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	origin := ""
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Domain == "" {
			p.URL = origin
		}
		if p.Path == "" {
			p.Path = "/"
		}
		out = append(out, p)
	}
	return out
}

func localStorageScript(items map[string]string) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode local storage: %w", err)
	}
	return fmt.Sprintf(
		"(function(){var d=%s;for(var k in d){try{window.localStorage.setItem(k,d[k]);}catch(e){}}})();",
		data,
	), nil
}

// Close shuts Chrome down. It waits for nothing; an in-flight fetch sees its
// context cancelled.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.state == StateClosed || b.state == StateClosing {
		b.mu.Unlock()
		return nil
	}
	b.state = StateClosing
	browserCancel, allocCancel := b.browserCancel, b.allocCancel
	b.mu.Unlock()

	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	b.setState(StateClosed)
	return nil
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(event.Response.Status)
		m.headers = headers
		m.url = event.Response.URL
	}
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the final browser location, since login
// redirects are what the detector looks at.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, u := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		u = finalURL
	case u == "":
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
