package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

// ProgressStore implements store.ProgressRepository on the job_runs and
// channel_runs tables.
type ProgressStore struct {
	pool Pool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore wraps an open pool.
func NewProgressStore(pool Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// UpsertJobStart inserts or refreshes a job's start row.
func (s *ProgressStore) UpsertJobStart(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (job_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET started_at = EXCLUDED.started_at, status = EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a job finished and stores its totals.
func (s *ProgressStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	totals ingestor.TotalStats,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, posts = $3, comments = $4, successful = $5, failed = $6
		WHERE job_id = $7;
	`
	_, err := s.pool.Exec(ctx, query,
		finishedAt,
		string(store.RunCompleted),
		totals.Posts,
		totals.Comments,
		totals.Successful,
		totals.Failed,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// UpsertChannelStatus records a non-terminal channel transition.
func (s *ProgressStore) UpsertChannelStatus(
	ctx context.Context,
	jobID uuid.UUID,
	channel, status string,
	at time.Time,
) error {
	query := `
		INSERT INTO channel_runs (job_id, channel, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, channel) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, channel, status, at); err != nil {
		return fmt.Errorf("failed to upsert channel status: %w", err)
	}
	return nil
}

// CompleteChannel records a terminal channel state with stats and error.
func (s *ProgressStore) CompleteChannel(
	ctx context.Context,
	jobID uuid.UUID,
	channel string,
	status string,
	stats *ingestor.ChannelStats,
	errMsg *string,
	at time.Time,
) error {
	var st ingestor.ChannelStats
	if stats != nil {
		st = *stats
	}
	query := `
		INSERT INTO channel_runs (job_id, channel, status, root_items, replies, succeeded, failed, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, channel) DO UPDATE
		SET status = EXCLUDED.status,
			root_items = EXCLUDED.root_items,
			replies = EXCLUDED.replies,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		jobID, channel, status,
		st.RootItems, st.Replies, st.Succeeded, st.Failed,
		errMsg, at,
	)
	if err != nil {
		return fmt.Errorf("failed to complete channel: %w", err)
	}
	return nil
}

// DeleteJob removes a run; channel rows cascade.
func (s *ProgressStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_runs WHERE job_id = $1;`, jobID); err != nil {
		return fmt.Errorf("failed to delete job run: %w", err)
	}
	return nil
}

const jobRunColumns = `job_id, started_at, finished_at, status, posts, comments, successful, failed`

func scanJobRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.JobID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Totals.Posts,
		&run.Totals.Comments,
		&run.Totals.Successful,
		&run.Totals.Failed,
	)
	run.Status = store.JobRunStatus(status)
	return run, err
}

// GetJob retrieves a single job run.
func (s *ProgressStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := `SELECT ` + jobRunColumns + ` FROM job_runs WHERE job_id = $1;`
	run, err := scanJobRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get job: %w", err)
	}
	return run, nil
}

// ListJobs retrieves job runs newest first, optionally filtered by status.
func (s *ProgressStore) ListJobs(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := `
		SELECT ` + jobRunColumns + `
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return runs, nil
}

// ListJobChannels retrieves the channel rows of one job ordered by name,
// optionally restricted to one channel state.
func (s *ProgressStore) ListJobChannels(
	ctx context.Context,
	jobID uuid.UUID,
	status *ingestor.ChannelStatus,
	limit,
	offset int,
) ([]store.ChannelRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := `
		SELECT job_id, channel, status, root_items, replies, succeeded, failed, error, updated_at
		FROM channel_runs
		WHERE job_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY channel ASC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, jobID, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job channels: %w", err)
	}
	defer rows.Close()

	var out []store.ChannelRun
	for rows.Next() {
		var ch store.ChannelRun
		err := rows.Scan(
			&ch.JobID,
			&ch.Channel,
			&ch.Status,
			&ch.Stats.RootItems,
			&ch.Stats.Replies,
			&ch.Stats.Succeeded,
			&ch.Stats.Failed,
			&ch.Error,
			&ch.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel rows: %w", err)
	}
	return out, nil
}

// Ping reports database reachability for readiness checks.
func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
