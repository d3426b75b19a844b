package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/store"
)

// ExampleProgressHandler_ListJobs shows how to serve the /api/runs endpoint.
func ExampleProgressHandler_ListJobs() {
	jobID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	repo := &mockProgressRepo{
		jobs: []store.JobRun{{
			JobID:     jobID,
			Status:    store.RunCompleted,
			StartedAt: time.Unix(0, 0),
			Totals:    ingestor.TotalStats{Posts: 2, Comments: 3, Successful: 5},
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, req)

	var payload struct {
		Runs []struct {
			Status string              `json:"status"`
			Totals ingestor.TotalStats `json:"totals"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d\n", len(payload.Runs))
	fmt.Printf("status=%s documents=%d\n", payload.Runs[0].Status, payload.Runs[0].Totals.Successful)
	// Output:
	// returned runs: 1
	// status=completed documents=5
}
