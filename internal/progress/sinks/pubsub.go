package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

// Publisher sends one payload; publisher/pubsub.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, attrs map[string]string, payload any) (string, error)
}

// PubSubSink publishes every event as a JSON message with type and job
// attributes so subscribers can filter server-side.
type PubSubSink struct {
	pub Publisher
}

// NewPubSubSink wraps a Publisher.
func NewPubSubSink(pub Publisher) *PubSubSink {
	return &PubSubSink{pub: pub}
}

// Consume publishes the batch in order and stops at the first failure.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		attrs := map[string]string{
			"job_id": evt.JobID,
			"type":   string(evt.Type),
		}
		if evt.Channel != "" {
			attrs["channel"] = evt.Channel
		}
		if _, err := s.pub.Publish(ctx, attrs, evt); err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Type, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the publisher's owner closes the client.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
