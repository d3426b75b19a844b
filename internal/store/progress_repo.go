package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning   JobRunStatus = "running"
	RunCompleted JobRunStatus = "completed"
)

// JobRun models the job_runs table for API responses.
type JobRun struct {
	// JobID is the orchestrator's job identifier.
	JobID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run completes.
	FinishedAt *time.Time
	// Status is running or completed.
	Status JobRunStatus
	// Totals are filled in on completion.
	Totals ingestor.TotalStats
}

// ChannelRun models one row of channel_runs.
type ChannelRun struct {
	JobID     uuid.UUID
	Channel   string
	Status    string
	Stats     ingestor.ChannelStats
	Error     *string
	UpdatedAt time.Time
}

// ProgressRepository persists job and channel progress as events arrive.
type ProgressRepository interface {
	// UpsertJobStart inserts (or idempotently updates) the started_at timestamp.
	UpsertJobStart(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error
	// CompleteJob marks the run finished and records the totals.
	CompleteJob(ctx context.Context, jobID uuid.UUID, finishedAt time.Time, totals ingestor.TotalStats) error
	// UpsertChannelStatus records the latest state of one channel.
	UpsertChannelStatus(ctx context.Context, jobID uuid.UUID, channel, status string, at time.Time) error
	// CompleteChannel records a terminal channel state with its stats or error.
	CompleteChannel(
		ctx context.Context,
		jobID uuid.UUID,
		channel string,
		status string,
		stats *ingestor.ChannelStats,
		errMsg *string,
		at time.Time,
	) error
	// DeleteJob removes a run and its channel rows.
	DeleteJob(ctx context.Context, jobID uuid.UUID) error

	// GetJob loads a single job run or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListJobs returns job runs filtered by optional status plus limit/offset.
	ListJobs(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
	// ListJobChannels returns the channel rows of one job, optionally only
	// those in the given state.
	ListJobChannels(
		ctx context.Context,
		jobID uuid.UUID,
		status *ingestor.ChannelStatus,
		limit,
		offset int,
	) ([]ChannelRun, error)
}
