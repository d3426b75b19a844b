package ingestor

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs owned by the orchestrator.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher digests archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Queue provides enqueue/dequeue semantics for jobs submitted over the API.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time and sleeps; tests substitute a fake.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RunParams are the per-run knobs handed to a channel pipeline.
type RunParams struct {
	JobID    string
	Cutoff   int64
	ItemCap  int
	TestMode bool
}

// ChannelRunner executes the full pipeline for one channel. Progress is
// reported through report; the returned ChannelRun is the final outcome.
type ChannelRunner interface {
	RunChannel(ctx context.Context, channel ChannelSpec, params RunParams, report func(ChannelUpdate)) ChannelRun
}

// ChannelUpdate is a message from a channel worker to the orchestrator.
type ChannelUpdate struct {
	Channel string
	Status  ChannelStatus
	Stats   *ChannelStats
	Error   string
}
