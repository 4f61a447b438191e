package scrape

import (
	"context"
	"io"
	"time"
)

// Adapter turns one external source into payloads. Implementations own any
// browser or connection state and are not safe for concurrent Scrape calls;
// the adapter registry hands each worker a distinct instance.
type Adapter interface {
	Descriptor() Descriptor
	Initialize(ctx context.Context) error
	Scrape(ctx context.Context, in Input) (Payload, error)
	HealthCheck(ctx context.Context) bool
	Cleanup(ctx context.Context) error
}

// Fetcher loads a page and returns the raw body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Queue is the three-priority job queue. Update performs an atomic
// read-modify-write on one job record; fn may reject the change by returning
// an error, in which case nothing is written.
type Queue interface {
	Push(ctx context.Context, job Job) error
	PushUnique(ctx context.Context, job Job) (string, bool, error)
	Pop(ctx context.Context) (Job, bool, error)
	Get(ctx context.Context, jobID string) (Job, error)
	Update(ctx context.Context, jobID string, fn func(*Job) error) (Job, error)
	Requeue(ctx context.Context, job Job) error
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// Publisher pushes events to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and trace identifiers.
type IDGenerator interface {
	NewID() (string, error)
	NewTraceID() (string, error)
}
