package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

type storeServer struct {
	mu       sync.Mutex
	received []ingestor.Document
	tests    []string
	auth     []string
	respond  func(n int, doc ingestor.Document) (int, string)
}

func newStoreServer(t *testing.T, respond func(n int, doc ingestor.Document) (int, string)) (*storeServer, *httptest.Server) {
	t.Helper()
	s := &storeServer{respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		case "/ingest":
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var doc ingestor.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.received = append(s.received, doc)
		s.tests = append(s.tests, r.URL.Query().Get("test"))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		n := len(s.received)
		s.mu.Unlock()

		status, body := s.respond(n, doc)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:     url,
		Token:       "store-token",
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		Sleeper:     &recordingSleeper{},
	})
	require.NoError(t, err)
	return c
}

func docs(n int) []ingestor.Document {
	out := make([]ingestor.Document, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ingestor.Document{ID: fmt.Sprintf("doc-%d", i), IsReply: i > 1, Body: "body"})
	}
	return out
}

func okBody(doc ingestor.Document) string {
	return `{"base_id":"base-` + doc.ID + `","chunks_created":1}`
}

func TestIngestValidationFailureIsIsolated(t *testing.T) {
	t.Parallel()

	store, srv := newStoreServer(t, func(_ int, doc ingestor.Document) (int, string) {
		if doc.ID == "doc-3" {
			return http.StatusUnprocessableEntity, `{"detail":"title must not be empty"}`
		}
		return http.StatusOK, okBody(doc)
	})
	sleeper := &recordingSleeper{}
	ing := NewIngestor(newClient(t, srv.URL), IngestorConfig{Channel: "test", Sleeper: sleeper})

	sum, err := ing.Ingest(context.Background(), docs(5), true)
	require.NoError(t, err)
	require.Equal(t, 5, sum.Total)
	require.Equal(t, 4, sum.Succeeded)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.Posts)
	require.Equal(t, 4, sum.Replies)
	require.Len(t, sum.Errors, 1)
	require.Equal(t, "doc-3", sum.Errors[0].DocumentID)
	require.Contains(t, sum.Errors[0].Message, "title must not be empty")

	require.Len(t, sum.Outcomes, 5)
	require.Equal(t, "base-doc-1", sum.Outcomes[0].RemoteID)
	require.False(t, sum.Outcomes[2].Success)
	require.True(t, sum.Outcomes[4].Success)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.received, 5)
	for i, d := range store.received {
		require.Equal(t, fmt.Sprintf("doc-%d", i+1), d.ID)
		require.Equal(t, "true", store.tests[i])
		require.Equal(t, "Bearer store-token", store.auth[i])
	}

	// Pacing sits between documents only.
	sleeper.mu.Lock()
	defer sleeper.mu.Unlock()
	require.Len(t, sleeper.waits, 4)
	for _, w := range sleeper.waits {
		require.Equal(t, DefaultPacing, w)
	}
}

func TestIngestAuthErrorAbortsBatch(t *testing.T) {
	t.Parallel()

	store, srv := newStoreServer(t, func(n int, doc ingestor.Document) (int, string) {
		if n == 2 {
			return http.StatusForbidden, `{"detail":"bad token"}`
		}
		return http.StatusOK, okBody(doc)
	})
	ing := NewIngestor(newClient(t, srv.URL), IngestorConfig{Sleeper: &recordingSleeper{}})

	sum, err := ing.Ingest(context.Background(), docs(4), false)
	require.ErrorIs(t, err, executor.ErrAuth)
	require.Equal(t, 1, sum.Succeeded)
	require.Equal(t, 1, sum.Failed, "the rejected document counts as failed")
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 1, sum.Posts)
	require.Equal(t, 1, sum.Replies)
	require.Len(t, sum.Errors, 1)
	require.Equal(t, "doc-2", sum.Errors[0].DocumentID)
	require.Len(t, sum.Outcomes, 2)
	require.Equal(t, "doc-2", sum.Outcomes[1].DocumentID)
	require.False(t, sum.Outcomes[1].Success)
	require.NotEmpty(t, sum.Outcomes[1].Error)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.received, 2)
	require.Equal(t, "false", store.tests[0])
}

func TestIngestRetryExhaustedRecordsRawMessage(t *testing.T) {
	t.Parallel()

	_, srv := newStoreServer(t, func(_ int, doc ingestor.Document) (int, string) {
		if doc.ID == "doc-1" {
			return http.StatusServiceUnavailable, ""
		}
		return http.StatusOK, okBody(doc)
	})
	ing := NewIngestor(newClient(t, srv.URL), IngestorConfig{Sleeper: &recordingSleeper{}})

	sum, err := ing.Ingest(context.Background(), docs(2), false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.Succeeded)
	require.Contains(t, sum.Errors[0].Message, "retries exhausted after 3 attempts")
}

func TestIngestUnreadableSuccessBodyCountsAsWritten(t *testing.T) {
	t.Parallel()

	_, srv := newStoreServer(t, func(_ int, doc ingestor.Document) (int, string) {
		if doc.ID == "doc-1" {
			return http.StatusCreated, "<html>created</html>"
		}
		return http.StatusOK, okBody(doc)
	})
	core, logs := observer.New(zap.WarnLevel)
	client, err := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		Token:       "store-token",
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		Sleeper:     &recordingSleeper{},
		Logger:      zap.New(core),
	})
	require.NoError(t, err)
	ing := NewIngestor(client, IngestorConfig{Sleeper: &recordingSleeper{}})

	sum, err := ing.Ingest(context.Background(), docs(2), false)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Succeeded)
	require.Zero(t, sum.Failed)
	require.Empty(t, sum.Errors)
	require.Len(t, sum.Outcomes, 2)
	require.True(t, sum.Outcomes[0].Success)
	require.Empty(t, sum.Outcomes[0].RemoteID)
	require.Equal(t, "base-doc-2", sum.Outcomes[1].RemoteID)
	require.Equal(t, 1, logs.FilterMessage("store accepted document with unreadable response").Len())
}

func TestClientHealth(t *testing.T) {
	t.Parallel()

	_, srv := newStoreServer(t, nil)
	status, err := newClient(t, srv.URL).Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", status.Status)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
}
