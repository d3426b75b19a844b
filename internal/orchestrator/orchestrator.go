// Package orchestrator runs ingestion jobs: every channel of a job executes
// on a bounded worker pool while one goroutine owns the Job record.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
	"github.com/JakeFAU/forum-ingestor/internal/progress"
	"github.com/JakeFAU/forum-ingestor/internal/telemetry"
)

// DefaultConcurrency bounds how many channels run at once.
const DefaultConcurrency = 3

var (
	// ErrJobRunning is returned when a running job is run again or deleted.
	ErrJobRunning = errors.New("job is running")
	// ErrJobNotRunnable is returned when a job has already run.
	ErrJobNotRunnable = errors.New("job already ran")
	// ErrNoChannels is returned when a job has no channels to run.
	ErrNoChannels = errors.New("job has no channels")
)

// Resolver maps channel names back to specs with credentials, e.g. for jobs
// created before a restart. config.Config.SelectChannels satisfies it.
type Resolver func(names []string) ([]ingestor.ChannelSpec, error)

// Config wires an Orchestrator.
type Config struct {
	Concurrency int
	Store       ingestor.JobStore
	Runner      ingestor.ChannelRunner
	Emitter     progress.Emitter
	// Archive receives a JSON copy of every completed job; optional.
	Archive ingestor.BlobStore
	// Hasher, when set with Archive, writes a checksum next to each archive.
	Hasher   ingestor.Hasher
	Resolver Resolver
	Clock    ingestor.Clock
	IDs      ingestor.IDGenerator
	Logger   *zap.Logger
}

// Orchestrator creates and runs jobs.
type Orchestrator struct {
	store    ingestor.JobStore
	runner   ingestor.ChannelRunner
	emitter  progress.Emitter
	archive  ingestor.BlobStore
	hasher   ingestor.Hasher
	resolver Resolver
	clock    ingestor.Clock
	ids      ingestor.IDGenerator
	pool     *ants.Pool
	logger   *zap.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	pending map[string][]ingestor.ChannelSpec
	running map[string]struct{}
}

// New builds an Orchestrator and its worker pool. Call Close to release it.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: job store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("orchestrator: channel runner is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("orchestrator: clock is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("orchestrator: id generator is required")
	}
	size := cfg.Concurrency
	if size <= 0 {
		size = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = progress.Nop
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		logger.Error("channel worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create channel pool: %w", err)
	}
	return &Orchestrator{
		store:    cfg.Store,
		runner:   cfg.Runner,
		emitter:  emitter,
		archive:  cfg.Archive,
		hasher:   cfg.Hasher,
		resolver: cfg.Resolver,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		pool:     pool,
		logger:   logger.Named("orchestrator"),
		tracer:   telemetry.Tracer(),
		pending:  make(map[string][]ingestor.ChannelSpec),
		running:  make(map[string]struct{}),
	}, nil
}

// Close releases the worker pool.
func (o *Orchestrator) Close() {
	o.pool.Release()
}

// CreateJob records a new job for channels and returns its id. No channel
// work happens until RunJob.
func (o *Orchestrator) CreateJob(ctx context.Context, channels []ingestor.ChannelSpec, params ingestor.JobParams) (string, error) {
	if len(channels) == 0 {
		return "", ErrNoChannels
	}
	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	params.Channels = make([]string, 0, len(channels))
	runs := make([]ingestor.ChannelRun, 0, len(channels))
	for _, ch := range channels {
		params.Channels = append(params.Channels, ch.Name)
		runs = append(runs, ingestor.ChannelRun{Channel: ch.Name, Status: ingestor.ChannelPending})
	}
	job := ingestor.Job{
		ID:          id,
		Status:      ingestor.JobStatusCreated,
		ChannelRuns: runs,
		Params:      params,
		CreatedAt:   o.clock.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	o.mu.Lock()
	o.pending[id] = append([]ingestor.ChannelSpec(nil), channels...)
	o.mu.Unlock()

	metrics.ObserveJob(string(ingestor.JobStatusCreated))
	o.emit(progress.Event{JobID: id, Type: progress.TypeJobCreated, Status: string(ingestor.JobStatusCreated)})
	o.logger.Info("job created", zap.String("job_id", id), zap.Strings("channels", params.Channels))
	return id, nil
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (ingestor.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return ingestor.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns every known job.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]ingestor.Job, error) {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job that is not running.
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) error {
	o.mu.Lock()
	if _, ok := o.running[id]; ok {
		o.mu.Unlock()
		return ErrJobRunning
	}
	delete(o.pending, id)
	o.mu.Unlock()

	if err := o.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	o.emit(progress.Event{JobID: id, Type: progress.TypeJobDeleted})
	o.logger.Info("job deleted", zap.String("job_id", id))
	return nil
}

// channelResult is a worker's final report.
type channelResult struct {
	index int
	run   ingestor.ChannelRun
}

// channelEvent is a worker's transition report.
type channelEvent struct {
	index  int
	update ingestor.ChannelUpdate
}

// RunJob executes every channel of a created job and blocks until all of
// them settle. One channel's failure never cancels its siblings. The
// returned job is always completed unless the job could not be started.
func (o *Orchestrator) RunJob(ctx context.Context, id string) (ingestor.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return ingestor.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if job.Status != ingestor.JobStatusCreated {
		return ingestor.Job{}, fmt.Errorf("run job %s: %w", id, ErrJobNotRunnable)
	}
	if err := o.claim(id); err != nil {
		return ingestor.Job{}, err
	}
	defer o.release(id)

	specs, err := o.channelSpecs(job)
	if err != nil {
		return ingestor.Job{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.RunJob",
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.Int("job.channels", len(specs)),
		))
	defer span.End()

	logger := o.logger.With(zap.String("job_id", id))
	started := o.clock.Now().UTC()
	job.Status = ingestor.JobStatusRunning
	job.StartedAt = &started
	o.save(ctx, job, logger)
	metrics.ObserveJob(string(ingestor.JobStatusRunning))
	o.emit(progress.Event{JobID: id, TS: started, Type: progress.TypeJobStarted, Status: string(job.Status)})
	logger.Info("job started", zap.Int("channels", len(specs)))

	params := ingestor.RunParams{
		JobID:    id,
		Cutoff:   job.Params.Cutoff(started),
		ItemCap:  job.Params.ItemCap,
		TestMode: job.Params.TestMode,
	}

	events := make(chan channelEvent)
	results := make(chan channelResult, len(specs))
	go o.submit(ctx, specs, params, events, results)

	for settled := 0; settled < len(specs); {
		select {
		case ev := <-events:
			o.applyUpdate(&job, ev)
			o.save(ctx, job, logger)
		case res := <-results:
			job.ChannelRuns[res.index] = res.run
			settled++
			o.save(ctx, job, logger)
		}
	}

	var totals ingestor.TotalStats
	for _, run := range job.ChannelRuns {
		totals = totals.Add(run.Stats)
	}
	finished := o.clock.Now().UTC()
	job.TotalStats = totals
	job.Status = ingestor.JobStatusCompleted
	job.CompletedAt = &finished

	// The final write must land even when the run was canceled.
	saveCtx := context.WithoutCancel(ctx)
	o.save(saveCtx, job, logger)
	o.archiveJob(saveCtx, job, logger)
	metrics.ObserveJob(string(ingestor.JobStatusCompleted))
	o.emit(progress.Event{
		JobID:  id,
		TS:     finished,
		Type:   progress.TypeJobCompleted,
		Status: string(job.Status),
		Total:  &totals,
	})
	span.SetAttributes(
		attribute.Int("job.successful", totals.Successful),
		attribute.Int("job.failed", totals.Failed),
	)
	logger.Info("job completed",
		zap.Int("posts", totals.Posts),
		zap.Int("comments", totals.Comments),
		zap.Int("successful", totals.Successful),
		zap.Int("failed", totals.Failed),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	return job.Clone(), nil
}

// submit feeds channels to the pool. Submit blocks while every worker is
// busy, so it runs apart from the goroutine draining events.
func (o *Orchestrator) submit(
	ctx context.Context,
	specs []ingestor.ChannelSpec,
	params ingestor.RunParams,
	events chan<- channelEvent,
	results chan<- channelResult,
) {
	for i, spec := range specs {
		report := func(u ingestor.ChannelUpdate) {
			events <- channelEvent{index: i, update: u}
		}
		task := func() {
			run := o.runChannel(ctx, spec, params, report)
			results <- channelResult{index: i, run: run}
		}
		if err := ctx.Err(); err != nil {
			o.settleUnrun(i, spec, err, report, results)
			continue
		}
		if err := o.pool.Submit(task); err != nil {
			o.settleUnrun(i, spec, fmt.Errorf("schedule channel: %w", err), report, results)
		}
	}
}

func (o *Orchestrator) runChannel(
	ctx context.Context,
	spec ingestor.ChannelSpec,
	params ingestor.RunParams,
	report func(ingestor.ChannelUpdate),
) (run ingestor.ChannelRun) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("channel runner panicked", zap.String("channel", spec.Name), zap.Any("panic", p))
			run = o.failedRun(spec.Name, fmt.Errorf("channel runner panicked: %v", p))
			report(ingestor.ChannelUpdate{Channel: spec.Name, Status: ingestor.ChannelFailed, Stats: &run.Stats, Error: run.Error})
		}
	}()
	return o.runner.RunChannel(ctx, spec, params, report)
}

func (o *Orchestrator) settleUnrun(
	index int,
	spec ingestor.ChannelSpec,
	err error,
	report func(ingestor.ChannelUpdate),
	results chan<- channelResult,
) {
	run := o.failedRun(spec.Name, err)
	report(ingestor.ChannelUpdate{Channel: spec.Name, Status: ingestor.ChannelFailed, Stats: &run.Stats, Error: run.Error})
	results <- channelResult{index: index, run: run}
}

func (o *Orchestrator) failedRun(channel string, err error) ingestor.ChannelRun {
	now := o.clock.Now().UTC()
	return ingestor.ChannelRun{
		Channel:    channel,
		Status:     ingestor.ChannelFailed,
		Error:      err.Error(),
		StartedAt:  &now,
		FinishedAt: &now,
	}
}

// applyUpdate folds one transition into the job and forwards it as progress
// events: one channel_progress per transition, plus channel_completed or
// channel_error for terminal states.
func (o *Orchestrator) applyUpdate(job *ingestor.Job, ev channelEvent) {
	u := ev.update
	run := &job.ChannelRuns[ev.index]
	if !run.Status.CanTransition(u.Status) {
		return
	}
	run.Status = u.Status
	if u.Stats != nil {
		run.Stats = *u.Stats
	}
	if u.Error != "" {
		run.Error = u.Error
	}

	ts := o.clock.Now().UTC()
	o.emit(progress.Event{
		JobID:   job.ID,
		TS:      ts,
		Type:    progress.TypeChannelProgress,
		Channel: u.Channel,
		Status:  string(u.Status),
	})
	switch u.Status {
	case ingestor.ChannelCompleted:
		stats := run.Stats
		o.emit(progress.Event{
			JobID:   job.ID,
			TS:      ts,
			Type:    progress.TypeChannelCompleted,
			Channel: u.Channel,
			Status:  string(u.Status),
			Stats:   &stats,
		})
	case ingestor.ChannelFailed:
		stats := run.Stats
		msg := run.Error
		if msg == "" {
			msg = "channel failed"
		}
		o.emit(progress.Event{
			JobID:   job.ID,
			TS:      ts,
			Type:    progress.TypeChannelError,
			Channel: u.Channel,
			Status:  string(u.Status),
			Stats:   &stats,
			Error:   msg,
		})
	}
}

func (o *Orchestrator) channelSpecs(job ingestor.Job) ([]ingestor.ChannelSpec, error) {
	o.mu.Lock()
	specs, ok := o.pending[job.ID]
	o.mu.Unlock()
	if ok {
		return specs, nil
	}
	if o.resolver == nil {
		return nil, fmt.Errorf("run job %s: channel credentials unavailable", job.ID)
	}
	specs, err := o.resolver(job.Params.Channels)
	if err != nil {
		return nil, fmt.Errorf("resolve channels for job %s: %w", job.ID, err)
	}
	if len(specs) == 0 {
		return nil, ErrNoChannels
	}
	return specs, nil
}

func (o *Orchestrator) claim(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return ErrJobRunning
	}
	o.running[id] = struct{}{}
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *Orchestrator) save(ctx context.Context, job ingestor.Job, logger *zap.Logger) {
	if err := o.store.SaveJob(ctx, job.Clone()); err != nil {
		logger.Warn("save job failed", zap.Error(err))
	}
}

func (o *Orchestrator) archiveJob(ctx context.Context, job ingestor.Job, logger *zap.Logger) {
	if o.archive == nil {
		return
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		logger.Warn("encode job archive failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	uri, err := o.archive.PutObject(ctx, ArchivePath(job.ID), "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Warn("archive job failed", zap.Error(err))
		return
	}
	if o.hasher == nil {
		logger.Info("job archived", zap.String("uri", uri))
		return
	}
	digest, err := o.hasher.Hash(data)
	if err != nil {
		logger.Warn("hash job archive failed", zap.Error(err))
		return
	}
	line := digest + "  " + path.Base(ArchivePath(job.ID)) + "\n"
	if _, err := o.archive.PutObject(ctx, ChecksumPath(job.ID), "text/plain", strings.NewReader(line)); err != nil {
		logger.Warn("archive checksum failed", zap.Error(err))
	}
	logger.Info("job archived", zap.String("uri", uri), zap.String("sha256", digest))
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now().UTC()
	}
	o.emitter.Emit(evt)
}

// ArchivePath is the blob path a completed job is archived under.
func ArchivePath(jobID string) string {
	return "jobs/" + jobID + ".json"
}

// ChecksumPath holds the sha256sum-style line for ArchivePath(jobID).
func ChecksumPath(jobID string) string {
	return ArchivePath(jobID) + ".sha256"
}
