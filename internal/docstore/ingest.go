package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/metrics"
)

// DefaultPacing separates consecutive writes.
const DefaultPacing = 100 * time.Millisecond

// Writer persists one document; *Client satisfies it.
type Writer interface {
	Write(ctx context.Context, doc ingestor.Document, test bool) (WriteResult, error)
}

// DocumentError records why one document failed.
type DocumentError struct {
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
}

// Summary tallies one Ingest call. Posts and Replies count attempted
// documents by kind.
type Summary struct {
	Total     int                      `json:"total"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Posts     int                      `json:"posts"`
	Replies   int                      `json:"replies"`
	Errors    []DocumentError          `json:"errors,omitempty"`
	Outcomes  []ingestor.IngestOutcome `json:"outcomes,omitempty"`
}

// IngestorConfig wires an Ingestor.
type IngestorConfig struct {
	Channel string
	Pacing  time.Duration
	Sleeper executor.Sleeper
	Logger  *zap.Logger
}

// Ingestor writes batches with per-document failure isolation.
type Ingestor struct {
	writer  Writer
	channel string
	pacing  time.Duration
	sleeper executor.Sleeper
	logger  *zap.Logger
}

// NewIngestor builds an Ingestor. A zero pacing uses DefaultPacing; a
// negative one disables pacing.
func NewIngestor(w Writer, cfg IngestorConfig) *Ingestor {
	pacing := cfg.Pacing
	if pacing == 0 {
		pacing = DefaultPacing
	}
	if pacing < 0 {
		pacing = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = contextSleeper{}
	}
	return &Ingestor{
		writer:  w,
		channel: cfg.Channel,
		pacing:  pacing,
		sleeper: sleeper,
		logger:  logger,
	}
}

// Ingest writes docs in order. An AuthError aborts the batch: the rejected
// document is recorded as failed and the summary so far is returned with the
// error. Every other failure is recorded per document.
func (i *Ingestor) Ingest(ctx context.Context, docs []ingestor.Document, test bool) (Summary, error) {
	var sum Summary
	for idx, doc := range docs {
		if idx > 0 && i.pacing > 0 {
			if err := i.sleeper.Sleep(ctx, i.pacing); err != nil {
				return sum, fmt.Errorf("ingest pacing: %w", err)
			}
		}

		res, err := i.writer.Write(ctx, doc, test)
		if err == nil {
			sum.count(doc)
			sum.Succeeded++
			sum.Outcomes = append(sum.Outcomes, ingestor.IngestOutcome{
				DocumentID: doc.ID,
				Success:    true,
				RemoteID:   res.BaseID,
			})
			metrics.ObserveDocument(i.channel, true)
			continue
		}

		if errors.Is(err, executor.ErrAuth) {
			i.fail(&sum, doc, err.Error())
			i.logger.Error("store rejected credentials; aborting batch",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			return sum, fmt.Errorf("ingest %s: %w", doc.ID, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sum, fmt.Errorf("ingest %s: %w", doc.ID, ctxErr)
		}

		msg := err.Error()
		var vErr *executor.ValidationError
		if errors.As(err, &vErr) && vErr.Body != "" {
			msg = vErr.Body
		}
		i.fail(&sum, doc, msg)
		i.logger.Warn("document ingest failed",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	return sum, nil
}

func (i *Ingestor) fail(sum *Summary, doc ingestor.Document, msg string) {
	sum.count(doc)
	sum.Failed++
	sum.Errors = append(sum.Errors, DocumentError{DocumentID: doc.ID, Message: msg})
	sum.Outcomes = append(sum.Outcomes, ingestor.IngestOutcome{DocumentID: doc.ID, Error: msg})
	metrics.ObserveDocument(i.channel, false)
}

func (s *Summary) count(doc ingestor.Document) {
	s.Total++
	if doc.IsReply {
		s.Replies++
	} else {
		s.Posts++
	}
}

type contextSleeper struct{}

func (contextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
