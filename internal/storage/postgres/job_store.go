package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// ErrJobExists is returned when CreateJob sees a duplicate id.
var ErrJobExists = errors.New("job already exists")

// JobStore persists whole jobs as JSONB documents in the jobs table.
type JobStore struct {
	pool Pool
}

var _ ingestor.JobStore = (*JobStore)(nil)

// NewJobStore wraps an open pool.
func NewJobStore(pool Pool) *JobStore {
	return &JobStore{pool: pool}
}

// CreateJob inserts a new job.
func (s *JobStore) CreateJob(ctx context.Context, job ingestor.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, created_at, document) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING;`,
		job.ID, string(job.Status), job.CreatedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobExists
	}
	return nil
}

// SaveJob replaces an existing job document.
func (s *JobStore) SaveJob(ctx context.Context, job ingestor.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, document = $2 WHERE id = $3;`,
		string(job.Status), doc, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingestor.ErrNotFound
	}
	return nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (ingestor.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM jobs WHERE id = $1;`, jobID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingestor.Job{}, ingestor.ErrNotFound
		}
		return ingestor.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	var job ingestor.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return ingestor.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(ctx context.Context) ([]ingestor.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM jobs ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ingestor.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		var job ingestor.Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingestor.ErrNotFound
	}
	return nil
}
