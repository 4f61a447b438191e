// Package worker implements the scrape job execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/logging"
	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

var errOperatorCancel = errors.New("job cancelled by operator")

// Gate decides whether the host has room for another job.
type Gate interface {
	AwaitCapacity(ctx context.Context, timeout time.Duration) bool
}

// Adapters hands out exclusive adapter instances.
type Adapters interface {
	Acquire(ctx context.Context, source string) (scrape.Adapter, func(), error)
}

// Ingester reconciles and commits one job's observations.
type Ingester interface {
	Ingest(ctx context.Context, asset, traceID string, obs []scrape.Observation) (fusion.CanonicalRecord, error)
}

// SessionTracker records what authenticated scrapes learn about a session
// bundle: a success stamps it verified, an AUTH_EXPIRED marks it stale.
type SessionTracker interface {
	MarkVerified(ctx context.Context, key string) error
	MarkExpired(ctx context.Context, key string) error
}

// Config controls Worker behavior.
type Config struct {
	ID                  int
	BackpressureTimeout time.Duration
	IdleSleep           time.Duration
	CancelPoll          time.Duration
	Retry               scrape.RetryPolicy
	DiagnosticsPrefix   string
}

// Deps are the collaborators a worker drives. Gate, Fusion, Publisher,
// Blobs, Hasher and Sessions are optional.
type Deps struct {
	Queue     scrape.Queue
	Adapters  Adapters
	Gate      Gate
	Fusion    Ingester
	Publisher scrape.Publisher
	Blobs     scrape.BlobStore
	Hasher    scrape.Hasher
	Clock     scrape.Clock
	Sessions  SessionTracker
}

// Worker pops jobs and runs them to a terminal state or a requeue.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	observeAttempt func(source, kind string)
}

// JobEvent is published on the results channel once per terminal transition.
type JobEvent struct {
	Event         string      `json:"event"`
	TraceID       string      `json:"trace_id"`
	JobID         string      `json:"job_id"`
	Asset         string      `json:"asset"`
	Source        string      `json:"source_tag"`
	Status        string      `json:"status"`
	Success       bool        `json:"success"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
	ErrorKind     scrape.Kind `json:"error_kind,omitempty"`
	Data          any         `json:"data,omitempty"`
	DiagnosticURI string      `json:"diagnostic_uri,omitempty"`
}

// Attributes implements the pubsub attribute hook.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{
		"event":    e.Event,
		"trace_id": e.TraceID,
		"job_id":   e.JobID,
		"source":   e.Source,
		"status":   e.Status,
	}
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = 60 * time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = time.Second
	}
	if cfg.DiagnosticsPrefix == "" {
		cfg.DiagnosticsPrefix = "diagnostics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:            cfg,
		deps:           deps,
		logger:         logger.Named("worker").With(zap.Int("worker", cfg.ID)),
		observeAttempt: metrics.ObserveScrapeAttempt,
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if w.deps.Gate != nil && !w.deps.Gate.AwaitCapacity(ctx, w.cfg.BackpressureTimeout) {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("backpressure: host over capacity, deferring next job",
				zap.Duration("waited", w.cfg.BackpressureTimeout))
			continue
		}
		job, ok, err := w.deps.Queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", zap.Error(err))
			pause(ctx, w.cfg.IdleSleep)
			continue
		}
		if !ok {
			pause(ctx, w.cfg.IdleSleep)
			continue
		}
		w.Process(ctx, job)
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Process runs one popped job.
func (w *Worker) Process(ctx context.Context, popped scrape.Job) {
	log := w.logger.With(logging.JobFields(popped)...)
	if !popped.Claimable() {
		log.Debug("skipping unclaimable job", zap.String("status", string(popped.Status)))
		return
	}
	job, err := w.deps.Queue.Update(ctx, popped.ID, func(j *scrape.Job) error {
		return j.Start(w.deps.Clock.Now())
	})
	if err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			log.Debug("job claimed elsewhere or cancelled", zap.Error(err))
			return
		}
		log.Error("start job failed", zap.Error(err))
		return
	}
	log = log.With(zap.Int("attempt", job.Attempt))
	log.Info("job started")
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	adapter, release, err := w.deps.Adapters.Acquire(ctx, job.Source)
	if err != nil {
		w.settle(ctx, job, w.failure(job, err), log)
		return
	}
	desc := adapter.Descriptor()
	result, cancelled := w.execute(ctx, job, adapter, desc, log)
	release()

	switch {
	case cancelled:
		result = scrape.Result{Source: job.Source, TraceID: job.TraceID, Attempts: result.Attempts,
			ErrorKind: scrape.KindCancelled, Error: errOperatorCancel.Error(), ScrapedAt: w.deps.Clock.Now()}
		w.finish(ctx, job, scrape.JobStatusCancelled, result, "", log)
		return
	case result.ErrorKind == "":
		result = w.persist(ctx, job, result, log)
		if result.ErrorKind == scrape.KindCancelled && w.cancelRequested(ctx, job.ID) {
			w.finish(ctx, job, scrape.JobStatusCancelled, result, "", log)
			return
		}
	}
	w.trackSession(ctx, desc, result.ErrorKind, log)
	w.settle(ctx, job, result, log)
}

// trackSession stamps the source's session bundle with the scrape outcome.
func (w *Worker) trackSession(ctx context.Context, desc scrape.Descriptor, kind scrape.Kind, log *zap.Logger) {
	if !desc.RequiresSession || w.deps.Sessions == nil {
		return
	}
	key := desc.SiteKey
	if key == "" {
		key = desc.Source
	}
	switch kind {
	case "":
		if err := w.deps.Sessions.MarkVerified(ctx, key); err != nil {
			log.Warn("session verify stamp failed", zap.String("site", key), zap.Error(err))
		}
	case scrape.KindAuthExpired:
		wctx, cancel := detached(ctx)
		defer cancel()
		if err := w.deps.Sessions.MarkExpired(wctx, key); err != nil {
			log.Warn("session expiry stamp failed", zap.String("site", key), zap.Error(err))
		}
	}
}

// execute runs the adapter under the retry wrapper, a wall-clock cap and a
// cancellation watcher.
func (w *Worker) execute(
	ctx context.Context,
	job scrape.Job,
	adapter scrape.Adapter,
	desc scrape.Descriptor,
	log *zap.Logger,
) (scrape.Result, bool) {
	policy := w.cfg.Retry
	if desc.MaxRetries > 0 {
		policy.MaxRetries = desc.MaxRetries
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = scrape.DefaultTimeout
	}
	budget := time.Duration(policy.MaxRetries+1) * (timeout + policy.MaxBackoff())

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stopBudget := context.WithTimeout(runCtx, budget)
	defer stopBudget()
	stopWatch := w.watchCancel(runCtx, job.ID, cancel)
	defer stopWatch()

	in := scrape.Input{Ticker: job.Input, Params: job.Metadata, TraceID: job.TraceID}
	start := time.Now()
	observed := &attemptObserver{Adapter: adapter, source: job.Source, observe: w.observeAttempt}
	result := scrape.ScrapeWithRetry(runCtx, observed, in, policy, w.deps.Clock, log)
	metrics.ObserveScrapeDuration(job.Source, time.Since(start))
	result.Success = result.ErrorKind == ""

	cancelled := errors.Is(context.Cause(runCtx), errOperatorCancel)
	return result, cancelled
}

// attemptObserver counts every adapter call, including the ones the retry
// wrapper repeats.
type attemptObserver struct {
	scrape.Adapter
	source  string
	observe func(source, kind string)
}

func (o *attemptObserver) Scrape(ctx context.Context, in scrape.Input) (scrape.Payload, error) {
	out, err := o.Adapter.Scrape(ctx, in)
	kind := "ok"
	if err != nil {
		kind = string(scrape.KindOf(err))
	}
	o.observe(o.source, kind)
	return out, err
}

// watchCancel polls the job record and cancels ctx once an operator asks.
func (w *Worker) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.CancelPoll)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if w.cancelRequested(ctx, jobID) {
					cancel(errOperatorCancel)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	j, err := w.deps.Queue.Get(ctx, jobID)
	return err == nil && j.CancelRequested
}

// persist hands the observations to fusion. A PERSIST_ERROR is retried once.
func (w *Worker) persist(ctx context.Context, job scrape.Job, result scrape.Result, log *zap.Logger) scrape.Result {
	obs := result.Observations(job.Input)
	if len(obs) == 0 || w.deps.Fusion == nil {
		return result
	}
	if w.cancelRequested(ctx, job.ID) {
		result.Success = false
		result.ErrorKind = scrape.KindCancelled
		result.Error = errOperatorCancel.Error()
		return result
	}
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		_, err = w.deps.Fusion.Ingest(ctx, job.Input, job.TraceID, obs)
		if err == nil || scrape.KindOf(err) != scrape.KindPersist {
			break
		}
		log.Warn("fusion commit failed", zap.Int("persist_attempt", attempt), zap.Error(err))
	}
	if err != nil {
		result.Success = false
		result.ErrorKind = scrape.KindOf(err)
		result.Error = err.Error()
	}
	return result
}

func (w *Worker) failure(job scrape.Job, err error) scrape.Result {
	return scrape.Result{
		Source:     job.Source,
		TraceID:    job.TraceID,
		ErrorKind:  scrape.KindOf(err),
		Error:      err.Error(),
		ScrapedAt:  w.deps.Clock.Now(),
		Diagnostic: scrape.DiagnosticOf(err),
	}
}

// settle requeues retryable failures with attempts left and finishes the rest.
func (w *Worker) settle(ctx context.Context, job scrape.Job, result scrape.Result, log *zap.Logger) {
	if result.ErrorKind == "" {
		w.finish(ctx, job, scrape.JobStatusSucceeded, result, "", log)
		return
	}
	shutdown := ctx.Err() != nil && result.ErrorKind == scrape.KindCancelled
	if (result.ErrorKind.Retryable() || shutdown) && job.Attempt < job.MaxAttempts {
		if w.requeue(ctx, job, result, log) {
			return
		}
	}
	var uri string
	if result.ErrorKind == scrape.KindParse && len(result.Diagnostic) > 0 {
		uri = w.storeDiagnostic(ctx, job, result.Diagnostic, log)
	}
	w.finish(ctx, job, scrape.JobStatusFailed, result, uri, log)
}

func (w *Worker) requeue(ctx context.Context, job scrape.Job, result scrape.Result, log *zap.Logger) bool {
	wctx, cancel := detached(ctx)
	defer cancel()
	updated, err := w.deps.Queue.Update(wctx, job.ID, func(j *scrape.Job) error {
		if j.CancelRequested {
			return errOperatorCancel
		}
		if err := j.MarkRequeued(); err != nil {
			return err
		}
		j.ErrorKind = result.ErrorKind
		j.Error = result.Error
		return nil
	})
	if err != nil {
		log.Warn("requeue rejected", zap.Error(err))
		return false
	}
	if err := w.deps.Queue.Requeue(wctx, updated); err != nil {
		log.Error("requeue push failed", zap.Error(err))
		return false
	}
	log.Info("job requeued",
		zap.String("kind", string(result.ErrorKind)),
		zap.Int("attempt", updated.Attempt),
		zap.Int("max_attempts", updated.MaxAttempts),
	)
	return true
}

// detached keeps bookkeeping writes alive while the worker shuts down.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (w *Worker) storeDiagnostic(ctx context.Context, job scrape.Job, page []byte, log *zap.Logger) string {
	if w.deps.Blobs == nil || w.deps.Hasher == nil {
		return ""
	}
	sum, err := w.deps.Hasher.Hash(page)
	if err != nil {
		log.Warn("hash diagnostic failed", zap.Error(err))
		return ""
	}
	wctx, cancel := detached(ctx)
	defer cancel()
	path := fmt.Sprintf("%s/%s/%s/%s.html", w.cfg.DiagnosticsPrefix, job.Source, job.TraceID, sum)
	uri, err := w.deps.Blobs.PutObject(wctx, path, "text/html; charset=utf-8", bytes.NewReader(page))
	if err != nil {
		log.Warn("store diagnostic failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	metrics.ObserveDiagnosticStored(job.Source)
	return uri
}

func (w *Worker) finish(
	ctx context.Context,
	job scrape.Job,
	status scrape.JobStatus,
	result scrape.Result,
	diagnosticURI string,
	log *zap.Logger,
) {
	wctx, cancel := detached(ctx)
	defer cancel()
	result.Success = status == scrape.JobStatusSucceeded
	stored := result
	stored.Diagnostic = nil
	final, err := w.deps.Queue.Update(wctx, job.ID, func(j *scrape.Job) error {
		if err := j.Finish(status, w.deps.Clock.Now()); err != nil {
			return err
		}
		j.Result = &stored
		j.ErrorKind = result.ErrorKind
		j.Error = result.Error
		if diagnosticURI != "" {
			if j.Metadata == nil {
				j.Metadata = map[string]string{}
			}
			j.Metadata["diagnostic_uri"] = diagnosticURI
		}
		return nil
	})
	if err != nil {
		log.Error("finish job failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	metrics.ObserveJob(job.Source, string(status))

	fields := []zap.Field{zap.String("status", string(status)), zap.Int("attempts", final.Attempt)}
	if result.ErrorKind != "" {
		fields = append(fields, zap.String("kind", string(result.ErrorKind)), zap.String("error", result.Error))
		log.Warn("job finished", fields...)
	} else {
		log.Info("job finished", fields...)
	}

	if w.deps.Publisher == nil {
		return
	}
	event := JobEvent{
		Event:         "job_finished",
		TraceID:       job.TraceID,
		JobID:         job.ID,
		Asset:         job.Input,
		Source:        job.Source,
		Status:        string(status),
		Success:       result.Success,
		Attempts:      final.Attempt,
		Error:         result.Error,
		ErrorKind:     result.ErrorKind,
		DiagnosticURI: diagnosticURI,
	}
	if result.Success {
		if len(result.Fields) > 0 {
			event.Data = result.Fields
		} else {
			event.Data = result.Data
		}
	}
	if _, err := w.deps.Publisher.Publish(wctx, fusion.ResultsChannel, event); err != nil {
		log.Warn("publish job event failed", zap.Error(err))
	}
}
