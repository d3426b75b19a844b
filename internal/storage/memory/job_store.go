// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// ErrJobExists is returned when CreateJob sees a duplicate id.
var ErrJobExists = errors.New("job already exists")

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]ingestor.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]ingestor.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job ingestor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// SaveJob replaces an existing job.
func (s *JobStore) SaveJob(_ context.Context, job ingestor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ingestor.ErrNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (ingestor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ingestor.Job{}, ingestor.ErrNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]ingestor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingestor.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteJob removes a job.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ingestor.ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}
