// Package dispatcher manages worker fan-out over the job queue and is the
// single entry point for creating jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/worker"
)

// ErrInvalidRequest marks submissions rejected before they reach the queue.
var ErrInvalidRequest = errors.New("invalid job request")

// Sources resolves source tags to descriptors.
type Sources interface {
	Descriptor(source string) (scrape.Descriptor, error)
}

// Runner is one worker loop.
type Runner interface {
	Run(ctx context.Context)
}

var _ Runner = (*worker.Worker)(nil)

// Config controls job defaults and housekeeping.
type Config struct {
	MaxAttempts   int
	DepthInterval time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   scrape.Queue
	workers []Runner
	sources Sources
	ids     scrape.IDGenerator
	clock   scrape.Clock
	cfg     Config
	logger  *zap.Logger
}

// SubmitRequest describes one job to enqueue.
type SubmitRequest struct {
	Source   string            `json:"source"`
	Input    string            `json:"input"`
	Priority scrape.Priority   `json:"priority"`
	Params   map[string]string `json:"params,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	// Unique collapses the request onto a pending job for the same source and input.
	Unique bool `json:"unique,omitempty"`
}

// Submission is the outcome of Submit.
type Submission struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
	Created bool   `json:"created"`
}

// New creates a Dispatcher.
func New(
	queue scrape.Queue,
	workers []Runner,
	sources Sources,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 2
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		sources: sources,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reportDepth(ctx)
	}()
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		if _, err := d.QueueStats(ctx); err != nil && ctx.Err() == nil {
			d.logger.Debug("queue depth refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Submit validates and enqueues a job.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	source := strings.TrimSpace(req.Source)
	input := strings.ToUpper(strings.TrimSpace(req.Input))
	if source == "" || input == "" {
		return Submission{}, fmt.Errorf("source and input required: %w", ErrInvalidRequest)
	}
	priority, err := scrape.ParsePriority(string(req.Priority))
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if d.sources != nil {
		if _, err := d.sources.Descriptor(source); err != nil {
			return Submission{}, err
		}
	}

	jobID, err := d.ids.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("generate job id: %w", err)
	}
	traceID := req.TraceID
	if traceID == "" {
		if traceID, err = d.ids.NewTraceID(); err != nil {
			return Submission{}, fmt.Errorf("generate trace id: %w", err)
		}
	}
	job := scrape.Job{
		ID:          jobID,
		Source:      source,
		Input:       input,
		Priority:    priority,
		Status:      scrape.JobStatusPending,
		MaxAttempts: d.cfg.MaxAttempts,
		CreatedAt:   d.clock.Now(),
		Metadata:    req.Params,
		TraceID:     traceID,
	}

	sub := Submission{JobID: jobID, TraceID: traceID, Created: true}
	if req.Unique {
		id, created, err := d.queue.PushUnique(ctx, job)
		if err != nil {
			return Submission{}, fmt.Errorf("queue push: %w", err)
		}
		if !created {
			existing, err := d.queue.Get(ctx, id)
			if err != nil {
				return Submission{}, fmt.Errorf("load pending duplicate: %w", err)
			}
			sub = Submission{JobID: id, TraceID: existing.TraceID}
		}
	} else if err := d.queue.Push(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("queue push: %w", err)
	}

	if sub.Created {
		metrics.ObserveJob(source, string(scrape.JobStatusPending))
	}
	d.logger.Info("job submitted",
		zap.String("job_id", sub.JobID),
		zap.String("source", source),
		zap.String("asset", input),
		zap.String("priority", string(priority)),
		zap.String("trace_id", sub.TraceID),
		zap.Bool("created", sub.Created),
	)
	return sub, nil
}

// Status returns the job record.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := d.queue.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("job status: %w", err)
	}
	return job, nil
}

// Cancel cancels a queued job or flags a running one. It returns false when
// the job had already finished.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := d.queue.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	d.logger.Info("job cancel requested", zap.String("job_id", jobID), zap.Bool("accepted", ok))
	return ok, nil
}

// QueueStats returns the pending list lengths and refreshes the depth gauge.
func (d *Dispatcher) QueueStats(ctx context.Context) (scrape.QueueStats, error) {
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return scrape.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	metrics.SetQueueDepth(string(scrape.PriorityHigh), stats.High)
	metrics.SetQueueDepth(string(scrape.PriorityNormal), stats.Normal)
	metrics.SetQueueDepth(string(scrape.PriorityLow), stats.Low)
	return stats, nil
}
