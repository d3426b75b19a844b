// Package ratelimit spaces outbound requests for a single channel.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/forum-ingestor/internal/metrics"
)

// DefaultMinInterval is the spacing used when Config.MinInterval is zero.
const DefaultMinInterval = time.Second

// Limiter guarantees at least MinInterval between consecutive grants. Each
// channel owns one Limiter; instances are never shared across channels.
type Limiter struct {
	limiter *rate.Limiter
	label   string
}

// Config holds rate limiter configuration.
type Config struct {
	// MinInterval is the minimum time between grants. Negative disables limiting.
	MinInterval time.Duration
	// Label tags the delay histogram, usually the channel name.
	Label string
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	interval := cfg.MinInterval
	if interval == 0 {
		interval = DefaultMinInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	label := cfg.Label
	if label == "" {
		label = "unknown"
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		label:   label,
	}
}

// Wait blocks until the next grant is allowed, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(l.label, waited)
	}
	return nil
}
