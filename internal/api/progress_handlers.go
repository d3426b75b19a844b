package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultChannelLimit = 100
	maxChannelLimit     = 1000
	progressTimeout     = 3 * time.Second
)

// ProgressHandler serves job runs and their per-channel rows.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: progressTimeout, logger: logger}
}

// apiError is a handler failure carrying the status to answer with.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// serve runs fn with a bounded context and renders its result. Repository
// failures that are not apiErrors are logged and answered with 500.
func (h *ProgressHandler) serve(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) (any, error)) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("progress repository unavailable"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	payload, err := fn(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.status, errorBody(apiErr.msg))
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody(op+" failed"))
}

// ListJobs handles GET /api/runs?status=&limit=&offset= and answers
// {"runs": [...]} newest first.
func (h *ProgressHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list runs", func(ctx context.Context) (any, error) {
		page, err := parsePage(r, defaultRunLimit, maxRunLimit)
		if err != nil {
			return nil, err
		}
		status, err := parseRunStatus(r.URL.Query().Get("status"))
		if err != nil {
			return nil, err
		}
		runs, err := h.repo.ListJobs(ctx, status, page.limit, page.offset)
		if err != nil {
			return nil, err
		}
		out := make([]runDTO, 0, len(runs))
		for _, run := range runs {
			out = append(out, newRunDTO(run))
		}
		return map[string]any{"runs": out}, nil
	})
}

// GetJob handles GET /api/runs/{job_id}. Besides the run it reports how many
// channels sit in each state, so a caller can tell a finished run with failed
// channels from a clean one without paging through them.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "get run", func(ctx context.Context) (any, error) {
		jobID, err := jobIDParam(r)
		if err != nil {
			return nil, err
		}
		run, err := h.repo.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apiError{status: http.StatusNotFound, msg: "run not found"}
		}
		if err != nil {
			return nil, err
		}
		channels, err := h.repo.ListJobChannels(ctx, jobID, nil, maxChannelLimit, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"run":      newRunDTO(run),
			"channels": summarizeChannels(channels),
		}, nil
	})
}

// ListJobChannels handles GET /api/runs/{job_id}/channels?status=&limit=&offset=.
// status narrows the rows to one channel state; the summary covers the
// returned rows.
func (h *ProgressHandler) ListJobChannels(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list run channels", func(ctx context.Context) (any, error) {
		jobID, err := jobIDParam(r)
		if err != nil {
			return nil, err
		}
		page, err := parsePage(r, defaultChannelLimit, maxChannelLimit)
		if err != nil {
			return nil, err
		}
		status, err := parseChannelStatus(r.URL.Query().Get("status"))
		if err != nil {
			return nil, err
		}
		rows, err := h.repo.ListJobChannels(ctx, jobID, status, page.limit, page.offset)
		if err != nil {
			return nil, err
		}
		out := make([]channelDTO, 0, len(rows))
		for _, row := range rows {
			out = append(out, newChannelDTO(row))
		}
		return map[string]any{
			"channels": out,
			"summary":  summarizeChannels(rows),
		}, nil
	})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func jobIDParam(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "job_id")
	if raw == "" {
		return uuid.Nil, badRequest("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest("invalid job_id")
	}
	return id, nil
}

type pageParams struct {
	limit  int
	offset int
}

// parsePage reads limit and offset. Limits above maxLimit are clamped.
func parsePage(r *http.Request, def, maxLimit int) (pageParams, error) {
	q := r.URL.Query()
	p := pageParams{limit: def}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return pageParams{}, badRequest("invalid limit")
		}
		p.limit = min(n, maxLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return pageParams{}, badRequest("invalid offset")
		}
		p.offset = n
	}
	return p, nil
}

// parseRunStatus maps the status query value; empty means no filter.
func parseRunStatus(raw string) (*store.JobRunStatus, error) {
	var status store.JobRunStatus
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "running":
		status = store.RunRunning
	case "completed", "done":
		status = store.RunCompleted
	default:
		return nil, badRequest("invalid status %q", raw)
	}
	return &status, nil
}

var channelStatuses = []ingestor.ChannelStatus{
	ingestor.ChannelPending,
	ingestor.ChannelStarted,
	ingestor.ChannelFetching,
	ingestor.ChannelIngesting,
	ingestor.ChannelCompleted,
	ingestor.ChannelFailed,
}

// parseChannelStatus accepts any channel state name; empty means no filter.
func parseChannelStatus(raw string) (*ingestor.ChannelStatus, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return nil, nil
	}
	for _, s := range channelStatuses {
		if string(s) == raw {
			return &s, nil
		}
	}
	return nil, badRequest("invalid channel status %q", raw)
}

// channelSummary rolls channel rows up by state. Stats only add terminal
// rows, whose counters are final.
type channelSummary struct {
	Total    int                   `json:"total"`
	ByStatus map[string]int        `json:"by_status"`
	Active   int                   `json:"active"`
	Stats    ingestor.ChannelStats `json:"stats"`
}

func summarizeChannels(rows []store.ChannelRun) channelSummary {
	sum := channelSummary{Total: len(rows), ByStatus: make(map[string]int)}
	for _, row := range rows {
		sum.ByStatus[row.Status]++
		if !ingestor.ChannelStatus(row.Status).Terminal() {
			sum.Active++
			continue
		}
		sum.Stats.RootItems += row.Stats.RootItems
		sum.Stats.Replies += row.Stats.Replies
		sum.Stats.Succeeded += row.Stats.Succeeded
		sum.Stats.Failed += row.Stats.Failed
	}
	return sum
}

type runDTO struct {
	JobID      string              `json:"job_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Status     string              `json:"status"`
	Totals     ingestor.TotalStats `json:"totals"`
}

func newRunDTO(run store.JobRun) runDTO {
	return runDTO{
		JobID:      run.JobID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Totals:     run.Totals,
	}
}

type channelDTO struct {
	Channel   string                `json:"channel"`
	Status    string                `json:"status"`
	Terminal  bool                  `json:"terminal"`
	Stats     ingestor.ChannelStats `json:"stats"`
	Error     *string               `json:"error,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func newChannelDTO(row store.ChannelRun) channelDTO {
	return channelDTO{
		Channel:   row.Channel,
		Status:    row.Status,
		Terminal:  ingestor.ChannelStatus(row.Status).Terminal(),
		Stats:     row.Stats,
		Error:     row.Error,
		UpdatedAt: row.UpdatedAt,
	}
}
