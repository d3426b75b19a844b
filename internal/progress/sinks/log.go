package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

// LogSink emits one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Type)),
			zap.Time("event_ts", evt.TS),
		}
		if evt.Channel != "" {
			fields = append(fields, zap.String("channel", evt.Channel))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", evt.Status))
		}
		if evt.Stats != nil {
			fields = append(fields,
				zap.Int("root_items", evt.Stats.RootItems),
				zap.Int("replies", evt.Stats.Replies),
				zap.Int("succeeded", evt.Stats.Succeeded),
				zap.Int("failed", evt.Stats.Failed),
			)
		}
		if evt.Total != nil {
			fields = append(fields,
				zap.Int("posts", evt.Total.Posts),
				zap.Int("comments", evt.Total.Comments),
				zap.Int("successful", evt.Total.Successful),
				zap.Int("failed", evt.Total.Failed),
			)
		}
		if evt.Type == progress.TypeChannelError {
			s.logger.Warn("progress event", append(fields, zap.String("error", evt.Error))...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
