package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

// DefaultStream is the Redis stream progress events are appended to.
const DefaultStream = "ingestor:progress"

// defaultMaxLen caps the stream so it cannot grow without bound.
const defaultMaxLen = 10000

// RedisSink appends events to a Redis stream for other processes to tail.
type RedisSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisSink builds a RedisSink. An empty stream name uses DefaultStream.
func NewRedisSink(client redis.Cmdable, stream string) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Consume pipelines one XADD per event.
func (s *RedisSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.client == nil || len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, evt := range batch {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"type":   string(evt.Type),
				"job_id": evt.JobID,
				"event":  string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to stream: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the client's owner closes it.
func (s *RedisSink) Close(context.Context) error {
	return nil
}
