// Package forumtest provides in-process fakes of the forum API and the
// document store for tests that exercise real HTTP wiring.
package forumtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// Post is one root item served by the fake upstream.
type Post struct {
	ID      string
	Created int64
	Replies []Reply
}

// Reply is one node of a fake comment tree.
type Reply struct {
	ID       string
	Children []Reply
}

// Upstream fakes the token endpoint and the listing and thread endpoints.
type Upstream struct {
	*httptest.Server

	mu          sync.Mutex
	channels    map[string][]Post
	tokenCalls  int
	tokenStatus int
}

// NewUpstream starts a fake upstream serving channels. Every listing is a
// single page.
func NewUpstream(t testing.TB, channels map[string][]Post) *Upstream {
	t.Helper()
	u := &Upstream{channels: channels}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", u.token)
	mux.HandleFunc("GET /r/{channel}/new", u.listing)
	mux.HandleFunc("GET /comments/{id}", u.thread)
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

// TokenURL is the token endpoint address.
func (u *Upstream) TokenURL() string { return u.URL + "/token" }

// TokenCalls reports how many exchanges were served.
func (u *Upstream) TokenCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tokenCalls
}

// SetTokenStatus makes the token endpoint answer with status.
func (u *Upstream) SetTokenStatus(status int) {
	u.mu.Lock()
	u.tokenStatus = status
	u.mu.Unlock()
}

func (u *Upstream) token(w http.ResponseWriter, _ *http.Request) {
	u.mu.Lock()
	u.tokenCalls++
	status := u.tokenStatus
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
		return
	}
	_, _ = io.WriteString(w, `{"access_token":"upstream-token","token_type":"bearer","expires_in":3600}`)
}

func (u *Upstream) listing(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer upstream-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	u.mu.Lock()
	posts := u.channels[r.PathValue("channel")]
	u.mu.Unlock()
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		children = append(children, map[string]any{
			"kind": "t3",
			"data": map[string]any{
				"id":           p.ID,
				"author":       "author-" + p.ID,
				"title":        "title " + p.ID,
				"selftext":     "body " + p.ID,
				"score":        3,
				"created_utc":  float64(p.Created),
				"permalink":    "/r/" + r.PathValue("channel") + "/comments/" + p.ID + "/",
				"num_comments": len(p.Replies),
			},
		})
	}
	writeJSON(w, map[string]any{"kind": "Listing", "data": map[string]any{"after": nil, "children": children}})
}

func (u *Upstream) thread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var replies []Reply
	u.mu.Lock()
	for _, posts := range u.channels {
		for _, p := range posts {
			if p.ID == id {
				replies = p.Replies
			}
		}
	}
	u.mu.Unlock()
	writeJSON(w, []any{
		map[string]any{"kind": "Listing", "data": map[string]any{"children": []any{}}},
		map[string]any{"kind": "Listing", "data": map[string]any{"children": comments(replies)}},
	})
}

func comments(replies []Reply) []map[string]any {
	out := make([]map[string]any, 0, len(replies))
	for _, r := range replies {
		var nested any = ""
		if len(r.Children) > 0 {
			nested = map[string]any{"kind": "Listing", "data": map[string]any{"children": comments(r.Children)}}
		}
		out = append(out, map[string]any{
			"kind": "t1",
			"data": map[string]any{
				"id":          r.ID,
				"author":      "author-" + r.ID,
				"body":        "reply " + r.ID,
				"score":       1,
				"created_utc": 1700000000.0,
				"permalink":   "/c/" + r.ID,
				"replies":     nested,
			},
		})
	}
	return out
}

// Store fakes the document store's ingest and health endpoints.
type Store struct {
	*httptest.Server

	mu      sync.Mutex
	docs    []ingestor.Document
	reject  map[string]int
	tests   []string
	healthy bool
	// Token is the bearer credential writes must carry.
	Token string
}

// NewStore starts a fake store accepting token as its bearer credential.
func NewStore(t testing.TB, token string) *Store {
	t.Helper()
	s := &Store{reject: map[string]int{}, Token: token, healthy: true}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.ingest)
	mux.HandleFunc("GET /health", s.health)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Reject makes writes of the document id answer with status.
func (s *Store) Reject(id string, status int) {
	s.mu.Lock()
	s.reject[id] = status
	s.mu.Unlock()
}

// Documents returns the accepted documents in arrival order.
func (s *Store) Documents() []ingestor.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingestor.Document(nil), s.docs...)
}

// TestFlags returns the test query value of every accepted write.
func (s *Store) TestFlags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tests...)
}

func (s *Store) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var doc ingestor.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"invalid json"}`)
		return
	}
	s.mu.Lock()
	status, rejected := s.reject[doc.ID]
	if !rejected {
		s.docs = append(s.docs, doc)
		s.tests = append(s.tests, r.URL.Query().Get("test"))
	}
	s.mu.Unlock()
	if rejected {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"detail":"rejected `+doc.ID+`"}`)
		return
	}
	writeJSON(w, map[string]any{"base_id": "base-" + strings.ReplaceAll(doc.ID, "/", "-"), "chunks_created": 1})
}

func (s *Store) health(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":"degraded"}`)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// SetHealthy toggles the health endpoint.
func (s *Store) SetHealthy(ok bool) {
	s.mu.Lock()
	s.healthy = ok
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
