// Package redisqueue implements the scrape job queue on Redis lists and hashes.
//
// Layout: queue:{high|normal|low} are lists of job ids (LPUSH to enqueue,
// RPOP to dequeue), job:{id} is a hash holding the JSON record plus its status
// and version, and dedupe:{source|input} maps a pending request to its job id.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
)

const (
	fieldData    = "data"
	fieldStatus  = "status"
	fieldVersion = "version"
)

// compare-and-delete for dedupe keys
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options tunes key naming and record retention.
type Options struct {
	// Prefix namespaces every key, e.g. "invest:".
	Prefix string
	// Retention expires terminal job records; zero keeps them forever.
	Retention time.Duration
	// CASRetries bounds WATCH/MULTI retries for one Update.
	CASRetries int
	// Now overrides the clock used for cancellation timestamps.
	Now func() time.Time
}

// Queue is a scrape.Queue backed by Redis.
type Queue struct {
	client *redis.Client
	opts   Options
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.CASRetries <= 0 {
		opts.CASRetries = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{client: client, opts: opts}
}

func (q *Queue) listKey(p scrape.Priority) string { return q.opts.Prefix + "queue:" + string(p) }
func (q *Queue) jobKey(id string) string          { return q.opts.Prefix + "job:" + id }
func (q *Queue) dedupeKey(k string) string        { return q.opts.Prefix + "dedupe:" + k }

func prepare(job *scrape.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	if job.Priority == "" {
		job.Priority = scrape.PriorityNormal
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("job %s: unknown priority %q", job.ID, job.Priority)
	}
	if job.Status == "" {
		job.Status = scrape.JobStatusPending
	}
	if job.Status != scrape.JobStatusPending {
		return fmt.Errorf("job %s: push in status %s: %w", job.ID, job.Status, scrape.ErrInvalidTransition)
	}
	job.Version = 1
	return nil
}

func recordArgs(job scrape.Job) ([]any, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return []any{fieldData, data, fieldStatus, string(job.Status), fieldVersion, job.Version}, nil
}

// Push writes the record and enqueues its id atomically.
func (q *Queue) Push(ctx context.Context, job scrape.Job) error {
	if err := prepare(&job); err != nil {
		return err
	}
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job scrape.Job) error {
	args, err := recordArgs(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), args...)
		pipe.LPush(ctx, q.listKey(job.Priority), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// PushUnique claims the dedupe key before pushing. A key that points at a job
// which is no longer pending is released and the claim retried.
func (q *Queue) PushUnique(ctx context.Context, job scrape.Job) (string, bool, error) {
	if err := prepare(&job); err != nil {
		return "", false, err
	}
	key := q.dedupeKey(job.DedupeKey())
	for range q.opts.CASRetries {
		claimed, err := q.client.SetNX(ctx, key, job.ID, 0).Result()
		if err != nil {
			return "", false, fmt.Errorf("claim dedupe key: %w", err)
		}
		if claimed {
			if err := q.push(ctx, job); err != nil {
				_ = releaseScript.Run(ctx, q.client, []string{key}, job.ID).Err()
				return "", false, err
			}
			return job.ID, true, nil
		}
		existing, err := q.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read dedupe key: %w", err)
		}
		current, err := q.Get(ctx, existing)
		if err == nil && current.Status == scrape.JobStatusPending {
			return existing, false, nil
		}
		if err != nil && !errors.Is(err, scrape.ErrJobNotFound) {
			return "", false, err
		}
		if err := releaseScript.Run(ctx, q.client, []string{key}, existing).Err(); err != nil {
			return "", false, fmt.Errorf("release stale dedupe key: %w", err)
		}
	}
	return "", false, fmt.Errorf("push unique %s: %w", job.DedupeKey(), scrape.ErrConflict)
}

// Pop takes the oldest id from the highest non-empty list. Ids whose record
// has expired are skipped.
func (q *Queue) Pop(ctx context.Context) (scrape.Job, bool, error) {
	for _, p := range scrape.Priorities {
		for {
			id, err := q.client.RPop(ctx, q.listKey(p)).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return scrape.Job{}, false, fmt.Errorf("pop %s: %w", p, err)
			}
			job, err := q.Get(ctx, id)
			if errors.Is(err, scrape.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return scrape.Job{}, false, err
			}
			return job, true, nil
		}
	}
	return scrape.Job{}, false, nil
}

type hgetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (q *Queue) load(ctx context.Context, c hgetter, id string) (scrape.Job, error) {
	raw, err := c.HGet(ctx, q.jobKey(id), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return scrape.Job{}, fmt.Errorf("%s: %w", id, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job scrape.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return scrape.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Get reads one job record.
func (q *Queue) Get(ctx context.Context, id string) (scrape.Job, error) {
	return q.load(ctx, q.client, id)
}

// Update runs fn inside WATCH/MULTI on job:{id}. Lost races are retried with
// a fresh read; fn therefore may run more than once.
func (q *Queue) Update(ctx context.Context, id string, fn func(*scrape.Job) error) (scrape.Job, error) {
	key := q.jobKey(id)
	var out scrape.Job
	txf := func(tx *redis.Tx) error {
		current, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := current
		next.Metadata = maps.Clone(current.Metadata)
		if err := fn(&next); err != nil {
			return err
		}
		next.Version = current.Version + 1

		leavesPending := current.Status == scrape.JobStatusPending && next.Status != scrape.JobStatusPending
		dk := q.dedupeKey(current.DedupeKey())
		var holder string
		if leavesPending {
			if err := tx.Watch(ctx, dk).Err(); err != nil {
				return err
			}
			holder, err = tx.Get(ctx, dk).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		args, err := recordArgs(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, args...)
			if holder == id {
				pipe.Del(ctx, dk)
			}
			if next.Status.Terminal() && q.opts.Retention > 0 {
				pipe.Expire(ctx, key, q.opts.Retention)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for range q.opts.CASRetries {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return scrape.Job{}, err
		}
		return out, nil
	}
	return scrape.Job{}, fmt.Errorf("update job %s: %w", id, scrape.ErrConflict)
}

// Requeue pushes the id of a job already marked requeued back onto its list.
func (q *Queue) Requeue(ctx context.Context, job scrape.Job) error {
	if !job.Priority.Valid() {
		return fmt.Errorf("requeue job %s: unknown priority %q", job.ID, job.Priority)
	}
	if err := q.client.LPush(ctx, q.listKey(job.Priority), job.ID).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Cancel cancels a queued job and removes it from its list, or flags a
// running one. Terminal jobs report false.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	var dequeue bool
	job, err := q.Update(ctx, id, func(j *scrape.Job) error {
		var err error
		dequeue, err = j.RequestCancel(q.opts.Now())
		return err
	})
	if errors.Is(err, scrape.ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dequeue {
		if err := q.client.LRem(ctx, q.listKey(job.Priority), 0, id).Err(); err != nil {
			return true, fmt.Errorf("remove cancelled job %s: %w", id, err)
		}
	}
	return true, nil
}

// Stats reports list lengths.
func (q *Queue) Stats(ctx context.Context) (scrape.QueueStats, error) {
	cmds := make(map[scrape.Priority]*redis.IntCmd, len(scrape.Priorities))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range scrape.Priorities {
			cmds[p] = pipe.LLen(ctx, q.listKey(p))
		}
		return nil
	})
	if err != nil {
		return scrape.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return scrape.QueueStats{
		High:   cmds[scrape.PriorityHigh].Val(),
		Normal: cmds[scrape.PriorityNormal].Val(),
		Low:    cmds[scrape.PriorityLow].Val(),
	}, nil
}

// Ping checks connectivity for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
