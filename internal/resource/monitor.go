// Package resource gates new work on host memory and CPU usage.
package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
)

// Usage is one resource sample.
type Usage struct {
	MemPct float64 `json:"mem_pct"`
	CPUPct float64 `json:"cpu_pct"`
	RSSMB  float64 `json:"rss_mb"`
}

// Sampler reads current host and process usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Config holds the gate thresholds.
type Config struct {
	MemThresholdPct float64
	CPUThresholdPct float64
	PollInterval    time.Duration
}

// Stats are the cumulative backpressure counters.
type Stats struct {
	WaitCount     int64         `json:"wait_count"`
	TotalWaitTime time.Duration `json:"total_wait_time"`
	Last          Usage         `json:"last"`
}

// Monitor answers whether the host has room for another scrape.
type Monitor struct {
	sampler Sampler
	logger  *zap.Logger

	mu    sync.Mutex
	cfg   Config
	stats Stats
}

// NewMonitor constructs a Monitor. Zero thresholds fall back to 70% memory and
// 85% CPU.
func NewMonitor(sampler Sampler, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MemThresholdPct <= 0 {
		cfg.MemThresholdPct = 70
	}
	if cfg.CPUThresholdPct <= 0 {
		cfg.CPUThresholdPct = 85
	}
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{sampler: sampler, cfg: cfg, logger: logger.Named("resource")}
}

// SetThresholds replaces the gate thresholds at runtime.
func (m *Monitor) SetThresholds(memPct, cpuPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MemThresholdPct = memPct
	m.cfg.CPUThresholdPct = cpuPct
}

// Current samples usage now.
func (m *Monitor) Current(ctx context.Context) (Usage, error) {
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		return Usage{}, err
	}
	m.mu.Lock()
	m.stats.Last = u
	m.mu.Unlock()
	metrics.ObserveResourceUsage(u.MemPct, u.CPUPct, u.RSSMB)
	return u, nil
}

// SafeToProceed reports whether both metrics are below threshold. It fails
// open when the sampler cannot read host metrics.
func (m *Monitor) SafeToProceed(ctx context.Context) bool {
	u, err := m.Current(ctx)
	if err != nil {
		m.logger.Debug("resource sample unavailable, failing open", zap.Error(err))
		return true
	}
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	return u.MemPct < cfg.MemThresholdPct && u.CPUPct < cfg.CPUThresholdPct
}

// AwaitCapacity blocks until SafeToProceed is true or timeout elapses. It
// returns false on timeout or context cancellation.
func (m *Monitor) AwaitCapacity(ctx context.Context, timeout time.Duration) bool {
	if m.SafeToProceed(ctx) {
		return true
	}

	start := time.Now()
	m.mu.Lock()
	m.stats.WaitCount++
	interval := m.cfg.PollInterval
	m.mu.Unlock()
	metrics.ObserveBackpressureWait()
	defer func() {
		waited := time.Since(start)
		m.mu.Lock()
		m.stats.TotalWaitTime += waited
		m.mu.Unlock()
		metrics.ObserveBackpressureWaitDuration(waited)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if m.SafeToProceed(ctx) {
				return true
			}
		}
	}
}

// Stats returns a snapshot of the wait counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
