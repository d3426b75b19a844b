package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before404 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	before200 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))

	for _, path := range []string{"/v1/jobs/a", "/v1/jobs/b", "/implicit"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, before404+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.InDelta(t, before200+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0,
		"a body written without WriteHeader counts as 200")
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
	require.Zero(t, testutil.ToFloat64(httpInFlight))
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	flushed := false
	r.Get("/stream", func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok, "streaming handlers need http.Flusher")
		f.Flush()
		flushed = true
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
	require.True(t, flushed)
}
