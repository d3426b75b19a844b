package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/progress"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

// StoreSink persists job and channel progress via a store.ProgressRepository.
// Intermediate channel transitions superseded later in the same batch are
// skipped to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type channelKey struct {
	jobID   string
	channel string
}

// Consume forwards the batch to the repository in order. It respects ctx
// deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	last := make(map[channelKey]int)
	for i, evt := range batch {
		if evt.IsChannel() {
			last[channelKey{evt.JobID, evt.Channel}] = i
		}
	}

	for i, evt := range batch {
		jobID, err := uuid.Parse(evt.JobID)
		if err != nil {
			s.logger.Debug("skipping progress event with non-uuid job id", zap.String("job_id", evt.JobID))
			continue
		}
		if evt.Type == progress.TypeChannelProgress && last[channelKey{evt.JobID, evt.Channel}] != i {
			continue
		}
		if err := s.apply(ctx, jobID, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, jobID uuid.UUID, evt progress.Event) error {
	switch evt.Type {
	case progress.TypeJobStarted:
		if err := s.repo.UpsertJobStart(ctx, jobID, evt.TS); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
	case progress.TypeJobCompleted:
		var totals ingestor.TotalStats
		if evt.Total != nil {
			totals = *evt.Total
		}
		if err := s.repo.CompleteJob(ctx, jobID, evt.TS, totals); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	case progress.TypeChannelProgress:
		if err := s.repo.UpsertChannelStatus(ctx, jobID, evt.Channel, evt.Status, evt.TS); err != nil {
			return fmt.Errorf("upsert channel status: %w", err)
		}
	case progress.TypeChannelCompleted:
		if err := s.repo.CompleteChannel(ctx, jobID, evt.Channel,
			string(ingestor.ChannelCompleted), evt.Stats, nil, evt.TS); err != nil {
			return fmt.Errorf("complete channel: %w", err)
		}
	case progress.TypeChannelError:
		msg := evt.Error
		if err := s.repo.CompleteChannel(ctx, jobID, evt.Channel,
			string(ingestor.ChannelFailed), evt.Stats, &msg, evt.TS); err != nil {
			return fmt.Errorf("fail channel: %w", err)
		}
	case progress.TypeJobDeleted:
		if err := s.repo.DeleteJob(ctx, jobID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
