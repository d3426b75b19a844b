package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// Type names the kind of milestone an Event represents.
type Type string

// Supported event types.
const (
	TypeJobCreated       Type = "job_created"
	TypeJobStarted       Type = "job_started"
	TypeJobCompleted     Type = "job_completed"
	TypeJobDeleted       Type = "job_deleted"
	TypeChannelProgress  Type = "channel_progress"
	TypeChannelCompleted Type = "channel_completed"
	TypeChannelError     Type = "channel_error"
)

// Event captures a single progress milestone.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Type denotes which lifecycle milestone occurred.
	Type Type `json:"type"`
	// Channel scopes channel_* events.
	Channel string `json:"channel,omitempty"`
	// Status carries the channel state for channel_progress or the job
	// status for job_* events.
	Status string `json:"status,omitempty"`
	// Stats is attached to channel_completed.
	Stats *ingestor.ChannelStats `json:"stats,omitempty"`
	// Error is attached to channel_error.
	Error string `json:"error,omitempty"`
	// Total is attached to job_completed.
	Total *ingestor.TotalStats `json:"total,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeJobCreated, TypeJobStarted, TypeJobDeleted:
	case TypeJobCompleted:
		if e.Total == nil {
			return errors.New("job completed requires totals")
		}
	case TypeChannelProgress:
		if e.Channel == "" || e.Status == "" {
			return errors.New("channel progress requires channel and status")
		}
	case TypeChannelCompleted:
		if e.Channel == "" || e.Stats == nil {
			return errors.New("channel completed requires channel and stats")
		}
	case TypeChannelError:
		if e.Channel == "" || e.Error == "" {
			return errors.New("channel error requires channel and error")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// IsChannel reports whether the event is scoped to one channel.
func (e Event) IsChannel() bool {
	switch e.Type {
	case TypeChannelProgress, TypeChannelCompleted, TypeChannelError:
		return true
	default:
		return false
	}
}
