// Package docstore writes documents to the remote document store.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/auth"
	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// WriteResult is the store's reply to a successful write.
type WriteResult struct {
	BaseID        string `json:"base_id"`
	ChunksCreated int    `json:"chunks_created"`
}

// HealthStatus is the store's health payload.
type HealthStatus struct {
	Status string `json:"status"`
}

// ClientConfig wires a Client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	UserAgent   string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Sleeper     executor.Sleeper
	Logger      *zap.Logger
}

// Client talks to the store through an Executor using the store classifier.
type Client struct {
	base   string
	exec   *executor.Executor
	logger *zap.Logger
}

// NewClient builds a Client with a static bearer token.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("docstore: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	exec, err := executor.New(executor.Config{
		Target:      "store",
		HTTPClient:  httpClient,
		Auth:        auth.StaticToken{Token: cfg.Token},
		Classifier:  executor.StoreClassifier,
		Sleeper:     cfg.Sleeper,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		UserAgent:   cfg.UserAgent,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("docstore executor: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), exec: exec, logger: logger}, nil
}

// Write posts one document. A 2xx reply is a successful write even when its
// body cannot be decoded; the result then carries no BaseID.
func (c *Client) Write(ctx context.Context, doc ingestor.Document, test bool) (WriteResult, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	resp, err := c.exec.Execute(ctx, executor.Request{
		Method: http.MethodPost,
		URL:    c.base + "/ingest",
		Query:  url.Values{"test": {strconv.FormatBool(test)}},
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return WriteResult{}, err
	}
	var out WriteResult
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			c.logger.Warn("store accepted document with unreadable response",
				zap.String("document_id", doc.ID),
				zap.Int("status", resp.Status),
				zap.Error(err),
			)
			return WriteResult{}, nil
		}
	}
	return out, nil
}

// Health reports the store's health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	resp, err := c.exec.Execute(ctx, executor.Request{Method: http.MethodGet, URL: c.base + "/health"})
	if err != nil {
		return HealthStatus{}, fmt.Errorf("store health: %w", err)
	}
	var out HealthStatus
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return HealthStatus{}, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}
