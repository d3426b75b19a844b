package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/auth"
	"github.com/JakeFAU/forum-ingestor/internal/docstore"
	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/fetcher"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/policy/ratelimit"
	"github.com/JakeFAU/forum-ingestor/internal/transform"
)

// RunnerConfig holds the settings shared by every channel a Runner builds.
type RunnerConfig struct {
	APIBaseURL        string
	TokenURL          string
	UserAgent         string
	PageSize          int
	MinInterval       time.Duration
	TokenSafetyMargin time.Duration
	DeeplinkBase      string
	SourceName        string
	MaxRetries        int
	BackoffBase       time.Duration
	Pacing            time.Duration
	HTTPClient        *http.Client
	// Sleeper overrides backoff and pacing waits; nil uses real timers.
	Sleeper executor.Sleeper
	Now     func() time.Time
	Logger  *zap.Logger
}

// Runner builds a fresh Pipeline, auth session and rate limiter per channel
// and satisfies ingestor.ChannelRunner. The document store writer is shared.
type Runner struct {
	cfg    RunnerConfig
	writer docstore.Writer
	logger *zap.Logger
}

// NewRunner constructs a Runner writing through w.
func NewRunner(cfg RunnerConfig, w docstore.Writer) *Runner {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, writer: w, logger: logger.Named("pipeline")}
}

// RunChannel executes one channel. Construction failures are reported as a
// failed run so they never escape the orchestrator's aggregation.
func (r *Runner) RunChannel(
	ctx context.Context,
	channel ingestor.ChannelSpec,
	params ingestor.RunParams,
	report func(ingestor.ChannelUpdate),
) ingestor.ChannelRun {
	logger := r.logger.With(zap.String("job_id", params.JobID))
	p, err := r.build(channel, logger)
	if err != nil {
		now := r.cfg.Now().UTC()
		run := ingestor.ChannelRun{
			Channel:    channel.Name,
			Status:     ingestor.ChannelFailed,
			Error:      err.Error(),
			StartedAt:  &now,
			FinishedAt: &now,
		}
		if report != nil {
			report(ingestor.ChannelUpdate{Channel: channel.Name, Status: ingestor.ChannelFailed, Stats: &run.Stats, Error: run.Error})
		}
		return run
	}
	return p.Run(ctx, params, report)
}

func (r *Runner) build(channel ingestor.ChannelSpec, logger *zap.Logger) (*Pipeline, error) {
	session := auth.NewSession(auth.SessionConfig{
		ClientID:     channel.ClientID,
		ClientSecret: channel.ClientSecret,
		TokenURL:     r.cfg.TokenURL,
		UserAgent:    r.cfg.UserAgent,
		SafetyMargin: r.cfg.TokenSafetyMargin,
		HTTPClient:   r.cfg.HTTPClient,
		Now:          r.cfg.Now,
		Logger:       logger.Named("auth"),
	})
	limiter := ratelimit.New(ratelimit.Config{MinInterval: r.cfg.MinInterval, Label: channel.Name})
	upstream, err := executor.New(executor.Config{
		Target:      "upstream",
		HTTPClient:  r.cfg.HTTPClient,
		Auth:        session,
		Limiter:     limiter,
		Classifier:  executor.UpstreamClassifier,
		Sleeper:     r.cfg.Sleeper,
		MaxRetries:  r.cfg.MaxRetries,
		BackoffBase: r.cfg.BackoffBase,
		UserAgent:   r.cfg.UserAgent,
		Now:         r.cfg.Now,
		Logger:      logger.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("build upstream executor for %s: %w", channel.Name, err)
	}
	f := fetcher.New(fetcher.Config{
		Channel:    channel.Name,
		APIBaseURL: r.cfg.APIBaseURL,
		PageSize:   r.cfg.PageSize,
		Requester:  upstream,
		Logger:     logger.Named("fetcher"),
	})
	ing := docstore.NewIngestor(r.writer, docstore.IngestorConfig{
		Channel: channel.Name,
		Pacing:  r.cfg.Pacing,
		Sleeper: r.cfg.Sleeper,
		Logger:  logger.Named("ingest").With(zap.String("channel", channel.Name)),
	})
	return New(Config{
		Channel:  channel.Name,
		Fetcher:  f,
		Ingester: ing,
		Target: transform.Target{
			ChannelTag:   channel.PlatformTag,
			SourceName:   r.cfg.SourceName,
			DeeplinkBase: r.cfg.DeeplinkBase,
		},
		Now:    r.cfg.Now,
		Logger: logger,
	}), nil
}
