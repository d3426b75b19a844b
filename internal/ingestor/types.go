package ingestor

import (
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrQueueClosed is returned by a Queue that no longer yields items.
var ErrQueueClosed = errors.New("queue closed")

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values. There is no partially-failed status: callers inspect
// TotalStats.Failed and the per-channel errors instead.
const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
)

// ChannelStatus is one state of the per-channel pipeline state machine.
type ChannelStatus string

// Channel states in transition order. Completed and Failed are terminal.
const (
	ChannelPending   ChannelStatus = "pending"
	ChannelStarted   ChannelStatus = "started"
	ChannelFetching  ChannelStatus = "fetching"
	ChannelIngesting ChannelStatus = "ingesting"
	ChannelCompleted ChannelStatus = "completed"
	ChannelFailed    ChannelStatus = "failed"
)

var channelStatusOrder = map[ChannelStatus]int{
	ChannelPending:   0,
	ChannelStarted:   1,
	ChannelFetching:  2,
	ChannelIngesting: 3,
	ChannelCompleted: 4,
	ChannelFailed:    4,
}

// Terminal reports whether no further transitions are allowed.
func (s ChannelStatus) Terminal() bool {
	return s == ChannelCompleted || s == ChannelFailed
}

// CanTransition reports whether moving from s to next keeps the state machine
// strictly forward. Failed is reachable from every non-terminal state.
func (s ChannelStatus) CanTransition(next ChannelStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == ChannelFailed {
		return true
	}
	cur, ok := channelStatusOrder[s]
	if !ok {
		return false
	}
	nxt, ok := channelStatusOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Credential is a bearer token and its expiry, owned by one auth session.
type Credential struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RawItem is one root content unit fetched from a channel feed.
type RawItem struct {
	ID          string     `json:"id"`
	Author      string     `json:"author"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Score       int        `json:"score"`
	CreatedUTC  int64      `json:"created_utc"`
	Permalink   string     `json:"permalink"`
	NumComments int        `json:"num_comments"`
	Replies     []RawReply `json:"replies,omitempty"`
}

// RawReply is one node of an item's reply tree. Replies returned by the
// fetcher are already flattened depth-first, so Replies is empty and Depth and
// ParentID describe the original tree position.
type RawReply struct {
	ID         string     `json:"id"`
	Author     string     `json:"author"`
	Body       string     `json:"body"`
	Score      int        `json:"score"`
	CreatedUTC int64      `json:"created_utc"`
	Permalink  string     `json:"permalink"`
	ParentID   string     `json:"parent_id"`
	Depth      int        `json:"depth"`
	Replies    []RawReply `json:"replies,omitempty"`
}

// Document is the flat, store-ready representation of an item or a reply.
type Document struct {
	ChannelTag string `json:"channel_tag"`
	SourceName string `json:"source_name"`
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	Deeplink   string `json:"deeplink"`
	Author     string `json:"author"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	IsReply    bool   `json:"is_reply"`
	ReplyCount *int   `json:"reply_count,omitempty"`
	Score      *int   `json:"score,omitempty"`
}

// IngestOutcome records the result of writing one document.
type IngestOutcome struct {
	DocumentID string `json:"document_id"`
	Success    bool   `json:"success"`
	RemoteID   string `json:"remote_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ChannelSpec is one enabled channel with resolved credentials.
type ChannelSpec struct {
	Name         string `json:"name"`
	PlatformTag  string `json:"platform_tag"`
	ClientID     string `json:"-"`
	ClientSecret string `json:"-"`
}

// ChannelStats tracks per-channel counts.
type ChannelStats struct {
	RootItems int `json:"root_items"`
	Replies   int `json:"replies"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ChannelRun is the outcome of one channel pipeline execution.
type ChannelRun struct {
	Channel    string        `json:"channel"`
	Status     ChannelStatus `json:"status"`
	Stats      ChannelStats  `json:"stats"`
	Errors     []string      `json:"errors,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// JobParams captures the window and mode requested for a job.
type JobParams struct {
	WindowHours int      `json:"window_hours,omitempty"`
	WindowDays  int      `json:"window_days,omitempty"`
	TestMode    bool     `json:"test_mode"`
	ItemCap     int      `json:"item_cap,omitempty"`
	Channels    []string `json:"channels"`
}

// Window converts the requested window into a duration. Days win when both
// are set; an empty window defaults to 24 hours.
func (p JobParams) Window() time.Duration {
	switch {
	case p.WindowDays > 0:
		return time.Duration(p.WindowDays) * 24 * time.Hour
	case p.WindowHours > 0:
		return time.Duration(p.WindowHours) * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Cutoff returns the earliest creation time (epoch seconds) inside the window.
func (p JobParams) Cutoff(now time.Time) int64 {
	return now.Add(-p.Window()).Unix()
}

// TotalStats aggregates channel stats across a job.
type TotalStats struct {
	Posts      int `json:"posts"`
	Comments   int `json:"comments"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Add folds one channel's stats into the totals.
func (t TotalStats) Add(s ChannelStats) TotalStats {
	t.Posts += s.RootItems
	t.Comments += s.Replies
	t.Successful += s.Succeeded
	t.Failed += s.Failed
	return t
}

// Job is one orchestrated execution across channels.
type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	ChannelRuns []ChannelRun `json:"channel_runs"`
	Params      JobParams    `json:"params"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	TotalStats  TotalStats   `json:"total_stats"`
}

// Clone returns a deep copy so callers cannot mutate repository state.
func (j Job) Clone() Job {
	out := j
	out.ChannelRuns = make([]ChannelRun, len(j.ChannelRuns))
	for i, run := range j.ChannelRuns {
		run.Errors = append([]string(nil), run.Errors...)
		out.ChannelRuns[i] = run
	}
	out.Params.Channels = append([]string(nil), j.Params.Channels...)
	return out
}

// QueueItem wraps a created job waiting to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}
