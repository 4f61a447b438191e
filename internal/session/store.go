// Package session persists per-site browser sessions (cookies and
// localStorage) and reports how close each one is to expiry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// ErrNotFound is returned when no bundle exists for a site key.
var ErrNotFound = errors.New("session not found")

// Cookie is the persisted form of a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

// HTTP converts the cookie for use with net/http clients.
func (c Cookie) HTTP() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
}

// Bundle is everything an authenticated adapter needs to reuse a login.
// ExpiredAt is set once a site rejects the bundle and cleared by the next
// Save or successful call.
type Bundle struct {
	SiteKey        string            `json:"site_key"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SavedAt        time.Time         `json:"saved_at"`
	LastVerifiedAt *time.Time        `json:"last_verified_at,omitempty"`
	ExpiredAt      *time.Time        `json:"expired_at,omitempty"`
	DomainsCovered []string          `json:"domains_covered"`
}

// Status describes the freshness of one bundle.
type Status struct {
	SiteKey        string     `json:"site_key"`
	Exists         bool       `json:"exists"`
	AgeDays        float64    `json:"age_days"`
	NeedsRenewal   bool       `json:"needs_renewal"`
	Warning        bool       `json:"warning"`
	Domains        []string   `json:"domains"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
}

// Config tunes the store.
type Config struct {
	Dir              string
	MaxAgeDays       int
	WarnAgeDays      int
	FederatedDomains []string
}

// Store keeps one JSON file per site under Dir. Saves on the same key are
// serialised; loads run concurrently and return copies.
type Store struct {
	cfg    Config
	clock  scrape.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

var siteKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NewStore creates the directory if needed.
func NewStore(cfg Config, clock scrape.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("session directory required")
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 7
	}
	if cfg.WarnAgeDays <= 0 || cfg.WarnAgeDays > cfg.MaxAgeDays {
		cfg.WarnAgeDays = 5
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("session"),
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

func (s *Store) lockFor(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(key string) string {
	return filepath.Join(s.cfg.Dir, key+".json")
}

func validKey(key string) error {
	if !siteKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid site key %q", key)
	}
	return nil
}

// Load returns a snapshot of the bundle for key.
func (s *Store) Load(_ context.Context, key string) (Bundle, error) {
	if err := validKey(key); err != nil {
		return Bundle{}, err
	}
	l := s.lockFor(key)
	l.RLock()
	defer l.RUnlock()
	return s.read(key)
}

func (s *Store) read(key string) (Bundle, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bundle{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Bundle{}, fmt.Errorf("read session %s: %w", key, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) write(key string, b Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.cfg.Dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close session %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename session %s: %w", key, err)
	}
	return nil
}

// Save stores bundle under key, stamping SavedAt when unset and recomputing
// the covered domains from the cookies.
func (s *Store) Save(_ context.Context, key string, b Bundle) error {
	if err := validKey(key); err != nil {
		return err
	}
	b.SiteKey = key
	b.ExpiredAt = nil
	if b.SavedAt.IsZero() {
		b.SavedAt = s.clock.Now()
	}
	b.DomainsCovered = domainsOf(b.Cookies)
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	if err := s.write(key, b); err != nil {
		return err
	}
	s.logger.Info("session saved",
		zap.String("site_key", key),
		zap.Int("cookies", len(b.Cookies)),
		zap.Strings("domains", b.DomainsCovered),
	)
	return nil
}

// MarkVerified stamps last_verified_at after an authenticated call succeeded.
func (s *Store) MarkVerified(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	b, err := s.read(key)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	b.LastVerifiedAt = &now
	b.ExpiredAt = nil
	return s.write(key, b)
}

// MarkExpired records that the site rejected the bundle for key. The bundle
// reports NeedsRenewal regardless of its age from then on.
func (s *Store) MarkExpired(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	b, err := s.read(key)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	b.ExpiredAt = &now
	if err := s.write(key, b); err != nil {
		return err
	}
	s.logger.Warn("session rejected by site, renewal required", zap.String("site_key", key))
	return nil
}

// Status reports age and renewal flags for key. A missing bundle is reported
// with Exists=false and NeedsRenewal=true.
func (s *Store) Status(ctx context.Context, key string) (Status, error) {
	b, err := s.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Status{SiteKey: key, NeedsRenewal: true}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return s.statusOf(b), nil
}

func (s *Store) statusOf(b Bundle) Status {
	age := s.clock.Now().Sub(b.SavedAt).Hours() / 24
	st := Status{
		SiteKey:        b.SiteKey,
		Exists:         true,
		AgeDays:        age,
		NeedsRenewal:   age >= float64(s.cfg.MaxAgeDays) || b.ExpiredAt != nil,
		Warning:        age >= float64(s.cfg.WarnAgeDays),
		Domains:        b.DomainsCovered,
		LastVerifiedAt: b.LastVerifiedAt,
		ExpiredAt:      b.ExpiredAt,
	}
	metrics.ObserveSessionAge(b.SiteKey, age)
	return st
}

// StatusAll reports every stored bundle, sorted by site key.
func (s *Store) StatusAll(ctx context.Context) ([]Status, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := s.Status(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skip unreadable session", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteKey < out[j].SiteKey })
	return out, nil
}

// Alerts logs every bundle that is in the warning window or stale and
// returns them.
func (s *Store) Alerts(ctx context.Context) ([]Status, error) {
	all, err := s.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Status
	for _, st := range all {
		switch {
		case st.ExpiredAt != nil:
			s.logger.Warn("session rejected by site, renewal required",
				zap.String("site_key", st.SiteKey), zap.Time("expired_at", *st.ExpiredAt))
		case st.NeedsRenewal:
			s.logger.Warn("session stale, renewal required",
				zap.String("site_key", st.SiteKey), zap.Float64("age_days", st.AgeDays))
		case st.Warning:
			s.logger.Info("session nearing expiry",
				zap.String("site_key", st.SiteKey), zap.Float64("age_days", st.AgeDays))
		default:
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// CookiesFor returns the cookies of the bundle for key that apply to host:
// cookies whose domain equals host or is one of its ancestors, plus cookies
// of the configured federated identity providers.
func (s *Store) CookiesFor(ctx context.Context, key, host string) ([]*http.Cookie, error) {
	b, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	host = strings.ToLower(strings.TrimSpace(host))
	var out []*http.Cookie
	for _, c := range b.Cookies {
		domain := normalizeDomain(c.Domain)
		if domainMatches(host, domain) || s.federated(domain) {
			out = append(out, c.HTTP())
		}
	}
	return out, nil
}

func (s *Store) federated(domain string) bool {
	for _, fd := range s.cfg.FederatedDomains {
		if domainMatches(domain, normalizeDomain(fd)) {
			return true
		}
	}
	return false
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
}

// domainMatches reports whether domain equals host or is an ancestor of it.
func domainMatches(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func domainsOf(cookies []Cookie) []string {
	seen := make(map[string]struct{})
	for _, c := range cookies {
		if d := normalizeDomain(c.Domain); d != "" {
			seen[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
