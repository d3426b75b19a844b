// Package pipeline runs one channel end to end: fetch the window, flatten it
// into documents, ingest them, and report each state transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/docstore"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
	"github.com/JakeFAU/forum-ingestor/internal/transform"
)

// WindowFetcher yields a channel's items inside a cutoff window; *fetcher.Fetcher satisfies it.
type WindowFetcher interface {
	FetchWindow(ctx context.Context, cutoff int64, itemCap int) iter.Seq2[ingestor.RawItem, error]
}

// Ingester writes a batch of documents; *docstore.Ingestor satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, docs []ingestor.Document, test bool) (docstore.Summary, error)
}

// Config wires a Pipeline.
type Config struct {
	Channel  string
	Fetcher  WindowFetcher
	Ingester Ingester
	Target   transform.Target
	Now      func() time.Time
	Logger   *zap.Logger
}

// Pipeline is the state machine for a single channel run. A Pipeline is used
// for one run only.
type Pipeline struct {
	channel  string
	fetcher  WindowFetcher
	ingester Ingester
	target   transform.Target
	now      func() time.Time
	logger   *zap.Logger

	run    ingestor.ChannelRun
	report func(ingestor.ChannelUpdate)
}

// New builds a Pipeline in the pending state.
func New(cfg Config) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		channel:  cfg.Channel,
		fetcher:  cfg.Fetcher,
		ingester: cfg.Ingester,
		target:   cfg.Target,
		now:      now,
		logger:   logger.With(zap.String("channel", cfg.Channel)),
		run: ingestor.ChannelRun{
			Channel: cfg.Channel,
			Status:  ingestor.ChannelPending,
		},
	}
}

// Run drives the channel to a terminal state and returns the final run.
// report receives one update per transition, in order; it may be nil.
func (p *Pipeline) Run(ctx context.Context, params ingestor.RunParams, report func(ingestor.ChannelUpdate)) ingestor.ChannelRun {
	p.report = report
	if p.report == nil {
		p.report = func(ingestor.ChannelUpdate) {}
	}
	metrics.IncActiveChannels()
	defer metrics.DecActiveChannels()

	started := p.now().UTC()
	p.run.StartedAt = &started
	p.transition(ingestor.ChannelStarted)

	p.transition(ingestor.ChannelFetching)
	items, err := p.fetch(ctx, params)
	if err != nil {
		return p.fail(fmt.Errorf("fetch window: %w", err))
	}

	docs := make([]ingestor.Document, 0, len(items))
	for _, item := range items {
		docs = append(docs, transform.Flatten(item, p.target)...)
	}
	p.run.Stats.RootItems = len(items)
	p.run.Stats.Replies = len(docs) - len(items)
	p.logger.Info("window fetched",
		zap.Int("root_items", p.run.Stats.RootItems),
		zap.Int("replies", p.run.Stats.Replies),
	)

	p.transition(ingestor.ChannelIngesting)
	sum, err := p.ingester.Ingest(ctx, docs, params.TestMode)
	p.run.Stats.Succeeded = sum.Succeeded
	p.run.Stats.Failed = sum.Failed
	for _, de := range sum.Errors {
		p.run.Errors = append(p.run.Errors, fmt.Sprintf("%s: %s", de.DocumentID, de.Message))
	}
	if err != nil {
		return p.fail(fmt.Errorf("ingest: %w", err))
	}
	return p.complete()
}

func (p *Pipeline) fetch(ctx context.Context, params ingestor.RunParams) ([]ingestor.RawItem, error) {
	var items []ingestor.RawItem
	for item, err := range p.fetcher.FetchWindow(ctx, params.Cutoff, params.ItemCap) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	if err := ctx.Err(); err != nil {
		return items, err
	}
	return items, nil
}

// transition moves the state machine forward and reports the new status.
// Backward or post-terminal moves are ignored.
func (p *Pipeline) transition(next ingestor.ChannelStatus) bool {
	if !p.run.Status.CanTransition(next) {
		p.logger.Warn("ignoring invalid channel transition",
			zap.String("from", string(p.run.Status)),
			zap.String("to", string(next)),
		)
		return false
	}
	p.run.Status = next
	update := ingestor.ChannelUpdate{Channel: p.channel, Status: next}
	switch next {
	case ingestor.ChannelCompleted:
		stats := p.run.Stats
		update.Stats = &stats
	case ingestor.ChannelFailed:
		stats := p.run.Stats
		update.Stats = &stats
		update.Error = p.run.Error
	}
	p.report(update)
	return true
}

func (p *Pipeline) fail(err error) ingestor.ChannelRun {
	p.run.Error = err.Error()
	fields := []zap.Field{zap.Error(err)}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		fields = append(fields, zap.Bool("canceled", true))
	}
	p.logger.Error("channel failed", fields...)
	p.finish()
	p.transition(ingestor.ChannelFailed)
	return p.snapshot()
}

func (p *Pipeline) complete() ingestor.ChannelRun {
	p.logger.Info("channel completed",
		zap.Int("succeeded", p.run.Stats.Succeeded),
		zap.Int("failed", p.run.Stats.Failed),
	)
	p.finish()
	p.transition(ingestor.ChannelCompleted)
	return p.snapshot()
}

func (p *Pipeline) finish() {
	finished := p.now().UTC()
	p.run.FinishedAt = &finished
}

func (p *Pipeline) snapshot() ingestor.ChannelRun {
	out := p.run
	out.Errors = append([]string(nil), p.run.Errors...)
	return out
}
