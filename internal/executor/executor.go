// Package executor performs authenticated, rate-limited HTTP calls with
// classified retry and backoff. One Executor serves one remote target.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
	"github.com/JakeFAU/forum-ingestor/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
	maxBodyBytes       = 32 << 20
)

// Authenticator supplies a bearer credential before each attempt.
type Authenticator interface {
	EnsureValid(ctx context.Context) (ingestor.Credential, error)
	Invalidate()
}

// Waiter spaces attempts; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Sleeper performs backoff waits. Tests substitute a recorder.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Doer is the subset of *http.Client the executor needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one logical call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a successful reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Config wires an Executor.
type Config struct {
	// Target labels metrics and spans, e.g. "upstream" or "store".
	Target      string
	HTTPClient  Doer
	Auth        Authenticator
	Limiter     Waiter
	Classifier  Classifier
	Sleeper     Sleeper
	MaxRetries  int
	BackoffBase time.Duration
	UserAgent   string
	Now         func() time.Time
	Logger      *zap.Logger
}

// Executor runs requests with the retry policy described by its Classifier.
type Executor struct {
	target     string
	client     Doer
	auth       Authenticator
	limiter    Waiter
	classify   Classifier
	sleeper    Sleeper
	maxRetries int
	base       time.Duration
	userAgent  string
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New builds an Executor. Auth is required.
func New(cfg Config) (*Executor, error) {
	if cfg.Auth == nil {
		return nil, errors.New("executor: authenticator is required")
	}
	e := &Executor{
		target:     cfg.Target,
		client:     cfg.HTTPClient,
		auth:       cfg.Auth,
		limiter:    cfg.Limiter,
		classify:   cfg.Classifier,
		sleeper:    cfg.Sleeper,
		maxRetries: cfg.MaxRetries,
		base:       cfg.BackoffBase,
		userAgent:  cfg.UserAgent,
		now:        cfg.Now,
		logger:     cfg.Logger,
		tracer:     telemetry.Tracer(),
	}
	if e.target == "" {
		e.target = "remote"
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	if e.classify == nil {
		e.classify = UpstreamClassifier
	}
	if e.sleeper == nil {
		e.sleeper = timerSleeper{}
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.base <= 0 {
		e.base = DefaultBackoffBase
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Execute performs req, retrying per the classifier. At most MaxRetries
// attempts are made and no wait follows the final attempt.
func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("executor.target", e.target),
		attribute.String("http.method", req.Method),
	))
	defer span.End()

	resp, attempts, err := e.run(ctx, req)
	span.SetAttributes(attribute.Int("executor.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (e *Executor) run(ctx context.Context, req Request) (Response, int, error) {
	var (
		lastStatus int
		lastClass  Class
		attempts   int
	)
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		attempts = attempt + 1
		cred, err := e.auth.EnsureValid(ctx)
		if err != nil {
			return Response{}, attempts, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Response{}, attempts, fmt.Errorf("%s: %w", e.target, err)
			}
		}

		resp, err := e.do(ctx, req, cred)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, attempts, fmt.Errorf("%s: %w", e.target, ctxErr)
			}
			return Response{}, attempts, &TransportError{Err: err}
		}

		lastStatus = resp.Status
		lastClass = e.classify(resp.Status)
		switch lastClass {
		case ClassSuccess:
			return resp, attempts, nil
		case ClassFatalAuth:
			return Response{}, attempts, &AuthError{Status: resp.Status, Reason: snippet(resp.Body)}
		case ClassValidation:
			return Response{}, attempts, &ValidationError{Status: resp.Status, Body: snippet(resp.Body)}
		case ClassReauth:
			e.auth.Invalidate()
			metrics.ObserveRetry(e.target, lastClass.String())
			e.logger.Debug("credential rejected, refreshing",
				zap.String("target", e.target),
				zap.Int("attempt", attempts),
			)
			continue
		case ClassRateLimited, ClassServer:
			metrics.ObserveRetry(e.target, lastClass.String())
			if attempts >= e.maxRetries {
				continue
			}
			wait := e.backoff(attempt)
			if lastClass == ClassRateLimited {
				if ra, ok := retryAfter(resp.Header.Get("Retry-After"), e.now()); ok {
					wait = ra
				}
			}
			e.logger.Debug("retrying after backoff",
				zap.String("target", e.target),
				zap.Int("status", resp.Status),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
			)
			if err := e.sleeper.Sleep(ctx, wait); err != nil {
				return Response{}, attempts, fmt.Errorf("%s backoff: %w", e.target, err)
			}
		}
	}
	if lastClass == ClassReauth {
		return Response{}, attempts, &AuthError{Status: lastStatus, Reason: "credential still rejected after refresh"}
	}
	return Response{}, attempts, &RetryExhaustedError{Attempts: attempts, LastStatus: lastStatus}
}

func (e *Executor) do(ctx context.Context, req Request, cred ingestor.Credential) (Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return Response{}, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if cred.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	if e.userAgent != "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		metrics.ObserveOutbound(e.target, 0, time.Since(start))
		return Response{}, fmt.Errorf("%s %s: %w", method, httpReq.URL.Path, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	metrics.ObserveOutbound(e.target, httpResp.StatusCode, time.Since(start))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// backoff returns 2^attempt * base for a zero-based attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	return e.base << uint(attempt)
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
func retryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	when, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	wait := when.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
