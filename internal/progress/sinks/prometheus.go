package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

// PrometheusSink exports job and channel progress via Prometheus. It owns its
// collectors so tests can register them on a private registry.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsRunning   prometheus.Gauge
	jobRuntime    prometheus.Histogram

	channelTransitions *prometheus.CounterVec
	channelsFinished   *prometheus.CounterVec
	documents          *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_jobs_completed_total",
			Help: "Total jobs that have completed.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		channelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_channel_transitions_total",
			Help: "Channel state transitions partitioned by status.",
		}, []string{"status"}),
		channelsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_channels_finished_total",
			Help: "Channels that reached a terminal state partitioned by channel and result.",
		}, []string{"channel", "result"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_channel_documents_total",
			Help: "Documents reported by completed channels partitioned by channel and result.",
		}, []string{"channel", "result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.channelTransitions,
		s.channelsFinished,
		s.documents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.TypeJobStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case progress.TypeJobCompleted:
		s.jobsCompleted.Inc()
		if started, ok := s.tracker.complete(evt.JobID); ok {
			s.jobsRunning.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.jobRuntime.Observe(d.Seconds())
			}
		}
	case progress.TypeChannelProgress:
		s.channelTransitions.WithLabelValues(evt.Status).Inc()
	case progress.TypeChannelCompleted:
		s.channelsFinished.WithLabelValues(evt.Channel, "completed").Inc()
		if evt.Stats != nil {
			s.documents.WithLabelValues(evt.Channel, "succeeded").Add(float64(evt.Stats.Succeeded))
			s.documents.WithLabelValues(evt.Channel, "failed").Add(float64(evt.Stats.Failed))
		}
	case progress.TypeChannelError:
		s.channelsFinished.WithLabelValues(evt.Channel, "failed").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
