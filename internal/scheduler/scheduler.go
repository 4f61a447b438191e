// Package scheduler turns cron and interval schedules into queued jobs. It
// never runs scrapes itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/dispatcher"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/session"
)

// Schedule types.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
)

// TargetAll expands to the configured universe of tickers.
const TargetAll = "all"

// Schedule is one trigger definition.
type Schedule struct {
	Name     string            `mapstructure:"name"`
	Scraper  string            `mapstructure:"scraper"`
	Type     string            `mapstructure:"type"`
	Spec     string            `mapstructure:"spec"`
	Targets  []string          `mapstructure:"targets"`
	Enabled  bool              `mapstructure:"enabled"`
	Priority string            `mapstructure:"priority"`
	Params   map[string]string `mapstructure:"params"`
	// SkipOverlap drops a firing while the previous one is still enqueuing.
	SkipOverlap bool `mapstructure:"skip_overlap"`
}

// Submitter enqueues jobs.
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (dispatcher.Submission, error)
}

// SessionAlerter reports bundles that need attention.
type SessionAlerter interface {
	Alerts(ctx context.Context) ([]session.Status, error)
}

// Config holds scheduler wide settings.
type Config struct {
	Universe []string
	Location *time.Location
	// SessionSweep is a cron spec for the session freshness sweep; empty disables it.
	SessionSweep string
}

// Scheduler owns a cron runner and the schedules registered on it.
type Scheduler struct {
	cron     *cron.Cron
	submit   Submitter
	sessions SessionAlerter
	parser   cron.Parser
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]cron.EntryID
}

// New builds a stopped Scheduler. sessions may be nil.
func New(submit Submitter, sessions SessionAlerter, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		submit:   submit,
		sessions: sessions,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		cfg:     cfg,
		logger:  logger,
		baseCtx: context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add validates and registers sched. Disabled schedules are accepted and ignored.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.Name == "" || sched.Scraper == "" {
		return errors.New("schedule name and scraper required")
	}
	if len(sched.Targets) == 0 {
		return fmt.Errorf("schedule %s: at least one target required", sched.Name)
	}
	if !sched.Enabled {
		s.logger.Info("schedule disabled", zap.String("schedule", sched.Name))
		return nil
	}
	timing, err := s.parse(sched)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sched.Name, err)
	}

	var job cron.Job = cron.FuncJob(func() {
		if _, err := s.Fire(s.context(), sched); err != nil {
			s.logger.Warn("schedule firing incomplete", zap.String("schedule", sched.Name), zap.Error(err))
		}
	})
	if sched.SkipOverlap {
		job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})).Then(job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[sched.Name]; dup {
		return fmt.Errorf("schedule %s already registered", sched.Name)
	}
	s.entries[sched.Name] = s.cron.Schedule(timing, job)
	s.logger.Info("schedule registered",
		zap.String("schedule", sched.Name),
		zap.String("type", sched.Type),
		zap.String("spec", sched.Spec),
		zap.String("scraper", sched.Scraper),
	)
	return nil
}

func (s *Scheduler) parse(sched Schedule) (cron.Schedule, error) {
	switch sched.Type {
	case TypeInterval:
		every, err := parseInterval(sched.Spec)
		if err != nil {
			return nil, err
		}
		return cron.Every(every), nil
	case TypeCron, "":
		timing, err := s.parser.Parse(sched.Spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", sched.Spec, err)
		}
		return timing, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

// parseInterval accepts whole seconds ("30") or a Go duration ("1m30s").
func parseInterval(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("interval must be at least 1s, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", spec, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s, got %s", d)
	}
	return d, nil
}

// Targets expands "all" and drops duplicates, keeping first-seen order.
func (s *Scheduler) Targets(sched Schedule) []string {
	var out []string
	add := func(t string) {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	for _, t := range sched.Targets {
		if strings.EqualFold(strings.TrimSpace(t), TargetAll) {
			for _, u := range s.cfg.Universe {
				add(u)
			}
			continue
		}
		add(t)
	}
	return out
}

// Fire enqueues one job per target of sched, collapsing onto jobs already
// pending for the same source and input. It keeps going past individual
// failures and returns them joined.
func (s *Scheduler) Fire(ctx context.Context, sched Schedule) ([]dispatcher.Submission, error) {
	targets := s.Targets(sched)
	out := make([]dispatcher.Submission, 0, len(targets))
	var errs []error
	created := 0
	for _, target := range targets {
		sub, err := s.submit.Submit(ctx, dispatcher.SubmitRequest{
			Source:   sched.Scraper,
			Input:    target,
			Priority: scrape.Priority(sched.Priority),
			Params:   sched.Params,
			Unique:   true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		if sub.Created {
			created++
		}
		out = append(out, sub)
	}
	s.logger.Info("schedule fired",
		zap.String("schedule", sched.Name),
		zap.Int("targets", len(targets)),
		zap.Int("created", created),
		zap.Int("deduplicated", len(out)-created),
		zap.Int("failed", len(errs)),
	)
	return out, errors.Join(errs...)
}

// SweepSessions logs stale or expiring session bundles.
func (s *Scheduler) SweepSessions(ctx context.Context) ([]session.Status, error) {
	if s.sessions == nil {
		return nil, nil
	}
	alerts, err := s.sessions.Alerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("session sweep: %w", err)
	}
	return alerts, nil
}

// Start runs the cron loop in the background. ctx bounds every firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	if s.cfg.SessionSweep != "" && s.sessions != nil {
		timing, err := s.parser.Parse(s.cfg.SessionSweep)
		if err != nil {
			return fmt.Errorf("parse session sweep %q: %w", s.cfg.SessionSweep, err)
		}
		s.cron.Schedule(timing, cron.FuncJob(func() {
			if _, err := s.SweepSessions(s.context()); err != nil {
				s.logger.Warn("session sweep failed", zap.Error(err))
			}
		}))
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("schedules", len(s.cron.Entries())))
	return nil
}

// Stop halts the cron loop and waits for running firings.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
