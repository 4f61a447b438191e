// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/adrianolucasdepaula/invest-sub002/internal/clock/system"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scheduler"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

// EnvPrefix prefixes every environment override, e.g. INVEST_WORKER_COUNT.
const EnvPrefix = "INVEST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Queue     QueueConfig          `mapstructure:"queue"`
	Store     StoreConfig          `mapstructure:"store"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Resource  ResourceConfig       `mapstructure:"resource"`
	Session   SessionConfig        `mapstructure:"session"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Retry     RetryConfig          `mapstructure:"retry"`
	Headless  HeadlessConfig       `mapstructure:"headless"`
	RateLimit RateLimitConfig      `mapstructure:"ratelimit"`
	Fusion    fusion.Config        `mapstructure:"fusion"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Storage   StorageConfig        `mapstructure:"storage"`
	Quotes    QuotesConfig         `mapstructure:"quotes"`
	Cotahist  CotahistConfig       `mapstructure:"cotahist"`
	Schedules []scheduler.Schedule `mapstructure:"schedules"`
	Universe  []string             `mapstructure:"universe"`
	Timezone  string               `mapstructure:"timezone"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig points at the Redis job queue. An empty address selects the
// in-process queue.
type QueueConfig struct {
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	Prefix         string `mapstructure:"prefix"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

// StoreConfig points at the canonical Postgres store. An empty DSN selects the
// in-process store.
type StoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count                      int `mapstructure:"count"`
	BackpressureTimeoutSeconds int `mapstructure:"backpressure_timeout_seconds"`
	IdleSleepMs                int `mapstructure:"idle_sleep_ms"`
	CancelPollMs               int `mapstructure:"cancel_poll_ms"`
	MaxAttempts                int `mapstructure:"max_attempts"`
	BrowserInstances           int `mapstructure:"browser_instances"`
}

// ResourceConfig holds the backpressure thresholds.
type ResourceConfig struct {
	MemThresholdPct float64 `mapstructure:"mem_threshold_pct"`
	CPUThresholdPct float64 `mapstructure:"cpu_threshold_pct"`
	PollSeconds     int     `mapstructure:"poll_seconds"`
}

// SessionConfig locates and ages session bundles.
type SessionConfig struct {
	Dir              string   `mapstructure:"dir"`
	MaxAgeDays       int      `mapstructure:"max_age_days"`
	WarnAgeDays      int      `mapstructure:"warn_age_days"`
	FederatedDomains []string `mapstructure:"federated_domains"`
	SweepCron        string   `mapstructure:"sweep_cron"`
}

// HTTPConfig configures adapter calls.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyMB      int    `mapstructure:"max_body_mb"`
}

// RetryConfig shapes the backoff between attempts.
type RetryConfig struct {
	BaseMs              int     `mapstructure:"base_ms"`
	MaxMs               int     `mapstructure:"max_ms"`
	Factor              float64 `mapstructure:"factor"`
	Jitter              float64 `mapstructure:"jitter"`
	RateLimitMultiplier float64 `mapstructure:"rate_limit_multiplier"`
}

// HeadlessConfig configures the browser fetcher.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	ExecPath           string `mapstructure:"exec_path"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	SettleMs           int    `mapstructure:"settle_ms"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
}

// RateLimitConfig sets per-host token buckets.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	PerHostRPS   map[string]float64 `mapstructure:"per_host_rps"`
}

// PubSubConfig selects where job and fusion events go.
type PubSubConfig struct {
	// Backend is one of memory, redis or gcp.
	Backend   string            `mapstructure:"backend"`
	ProjectID string            `mapstructure:"project_id"`
	Topics    map[string]string `mapstructure:"topics"`
}

// StorageConfig selects the blob backend for diagnostics and raw archives.
type StorageConfig struct {
	// Backend is one of memory, local or gcs.
	Backend           string `mapstructure:"backend"`
	LocalDir          string `mapstructure:"local_dir"`
	GCSBucket         string `mapstructure:"gcs_bucket"`
	DiagnosticsPrefix string `mapstructure:"diagnostics_prefix"`
}

// QuotesConfig enables the JSON quote adapter.
type QuotesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// CotahistConfig tunes the historical import.
type CotahistConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	KeepArchives   int      `mapstructure:"keep_archives"`
	Products       []string `mapstructure:"products"`
	MaxArchiveMB   int      `mapstructure:"max_archive_mb"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.prefix", "")
	v.SetDefault("queue.retention_hours", 72)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.schema", "public")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.migrate", true)
	v.SetDefault("worker.count", 3)
	v.SetDefault("worker.backpressure_timeout_seconds", 60)
	v.SetDefault("worker.idle_sleep_ms", 1000)
	v.SetDefault("worker.cancel_poll_ms", 1000)
	v.SetDefault("worker.max_attempts", 2)
	v.SetDefault("worker.browser_instances", 1)
	v.SetDefault("resource.mem_threshold_pct", 70)
	v.SetDefault("resource.cpu_threshold_pct", 85)
	v.SetDefault("resource.poll_seconds", 1)
	v.SetDefault("session.dir", "data/sessions")
	v.SetDefault("session.max_age_days", 7)
	v.SetDefault("session.warn_age_days", 5)
	v.SetDefault("session.federated_domains", []string{"google.com"})
	v.SetDefault("session.sweep_cron", "0 8 * * *")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (X11; Linux x86_64) invest-collector/1.0")
	v.SetDefault("http.max_body_mb", 10)
	v.SetDefault("retry.base_ms", 1000)
	v.SetDefault("retry.max_ms", 30000)
	v.SetDefault("retry.factor", 2)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("retry.rate_limit_multiplier", 4)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("ratelimit.default_rps", 1)
	v.SetDefault("ratelimit.default_burst", 1)

	fc := fusion.DefaultConfig()
	v.SetDefault("fusion.epsilon", fc.Epsilon)
	v.SetDefault("fusion.medium_threshold", fc.MediumThreshold)
	v.SetDefault("fusion.high_threshold", fc.HighThreshold)
	v.SetDefault("fusion.astronomical_threshold", fc.AstronomicalThreshold)
	v.SetDefault("fusion.base_confidence", fc.BaseConfidence)
	v.SetDefault("fusion.agreement_step", fc.AgreementStep)
	v.SetDefault("fusion.agreement_cap", fc.AgreementCap)
	v.SetDefault("fusion.penalty_factor", fc.PenaltyFactor)
	v.SetDefault("fusion.penalty_cap", fc.PenaltyCap)
	v.SetDefault("fusion.low_confidence_threshold", fc.LowConfidenceAt)
	v.SetDefault("fusion.window", fc.Window)

	v.SetDefault("pubsub.backend", "memory")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("storage.diagnostics_prefix", "diagnostics")
	v.SetDefault("quotes.enabled", false)
	v.SetDefault("cotahist.base_url", "https://bvmf.bmfbovespa.com.br/InstDados/SerHist")
	v.SetDefault("cotahist.timeout_seconds", 300)
	v.SetDefault("cotahist.keep_archives", 3)
	v.SetDefault("cotahist.products", []string{"02", "12", "96"})
	v.SetDefault("cotahist.max_archive_mb", 512)
	v.SetDefault("timezone", system.MarketZone)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Count <= 0 || c.Worker.Count > 16 {
		return fmt.Errorf("worker.count must be between 1 and 16")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Resource.MemThresholdPct <= 0 || c.Resource.MemThresholdPct > 100 {
		return fmt.Errorf("resource.mem_threshold_pct must be in (0, 100]")
	}
	if c.Resource.CPUThresholdPct <= 0 || c.Resource.CPUThresholdPct > 100 {
		return fmt.Errorf("resource.cpu_threshold_pct must be in (0, 100]")
	}
	if c.Session.Dir == "" {
		return fmt.Errorf("session.dir must be set")
	}
	if c.Session.WarnAgeDays > c.Session.MaxAgeDays {
		return fmt.Errorf("session.warn_age_days must not exceed session.max_age_days")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fusion.MediumThreshold >= c.Fusion.HighThreshold || c.Fusion.HighThreshold >= c.Fusion.AstronomicalThreshold {
		return fmt.Errorf("fusion thresholds must increase: medium < high < astronomical")
	}
	switch c.PubSub.Backend {
	case "memory", "redis":
	case "gcp":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the gcp backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q must be memory, redis or gcp", c.PubSub.Backend)
	}
	if c.PubSub.Backend == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("pubsub.backend redis requires queue.redis_addr")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

// RequestTimeout is the default per-call adapter timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryPolicy converts the retry section into the wrapper's policy.
func (c Config) RetryPolicy() scrape.RetryPolicy {
	return scrape.RetryPolicy{
		MaxRetries:          c.HTTP.MaxRetries,
		BaseDelay:           time.Duration(c.Retry.BaseMs) * time.Millisecond,
		Factor:              c.Retry.Factor,
		MaxDelay:            time.Duration(c.Retry.MaxMs) * time.Millisecond,
		Jitter:              c.Retry.Jitter,
		RateLimitMultiplier: c.Retry.RateLimitMultiplier,
	}
}

// Location resolves Timezone, defaulting to the market zone.
func (c Config) Location() *time.Location {
	return system.Location(c.Timezone)
}
