// Package dispatcher drains the job queue and runs each job through the
// orchestrator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// JobRunner executes a created job; *orchestrator.Orchestrator satisfies it.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) (ingestor.Job, error)
}

// Config wires a Dispatcher.
type Config struct {
	Queue  ingestor.Queue
	Runner JobRunner
	// Workers is the number of jobs run concurrently. Defaults to one.
	Workers int
	Logger  *zap.Logger
}

// Dispatcher fans queued jobs out to a fixed number of loops.
type Dispatcher struct {
	queue   ingestor.Queue
	runner  JobRunner
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   cfg.Queue,
		runner:  cfg.Runner,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts the loops and blocks until the context finishes or the queue
// closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Go(func() {
			d.loop(ctx, i)
		})
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item ingestor.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	logger := d.logger.With(zap.Int("worker", worker))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ingestor.ErrQueueClosed) {
				logger.Debug("queue closed; stopping")
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		job, err := d.runner.RunJob(ctx, item.JobID)
		if err != nil {
			logger.Error("job run failed", zap.String("job_id", item.JobID), zap.Error(err))
			continue
		}
		logger.Info("job finished",
			zap.String("job_id", job.ID),
			zap.Int("posts", job.TotalStats.Posts),
			zap.Int("comments", job.TotalStats.Comments),
			zap.Int("failed", job.TotalStats.Failed),
		)
	}
}
