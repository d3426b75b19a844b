package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

type fakeRequester struct {
	mu       sync.Mutex
	pages    map[string]string // after cursor -> listing body
	threads  map[string]string // item id -> thread body
	failures map[string]error  // path -> error
	calls    []string
}

func (f *fakeRequester) Execute(_ context.Context, req executor.Request) (executor.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := url.Parse(req.URL)
	if err != nil {
		return executor.Response{}, err
	}
	f.calls = append(f.calls, u.Path)
	if err := f.failures[u.Path]; err != nil {
		return executor.Response{}, err
	}
	switch {
	case strings.HasSuffix(u.Path, "/new"):
		body, ok := f.pages[req.Query.Get("after")]
		if !ok {
			return executor.Response{}, fmt.Errorf("unexpected cursor %q", req.Query.Get("after"))
		}
		return executor.Response{Status: 200, Body: []byte(body)}, nil
	case strings.HasPrefix(u.Path, "/comments/"):
		id := strings.TrimPrefix(u.Path, "/comments/")
		body, ok := f.threads[id]
		if !ok {
			body = thread()
		}
		return executor.Response{Status: 200, Body: []byte(body)}, nil
	}
	return executor.Response{}, fmt.Errorf("unexpected path %s", u.Path)
}

func (f *fakeRequester) pathCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type post struct {
	ID      string
	Created int64
	Author  string
	Body    string
}

func page(after string, posts ...post) string {
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		author := p.Author
		if author == "" {
			author = "alice"
		}
		children = append(children, map[string]any{
			"kind": "t3",
			"data": map[string]any{
				"id":           p.ID,
				"author":       author,
				"title":        "title " + p.ID,
				"selftext":     p.Body,
				"score":        10,
				"created_utc":  float64(p.Created),
				"permalink":    "/r/test/comments/" + p.ID + "/",
				"num_comments": 0,
			},
		})
	}
	var afterVal any
	if after != "" {
		afterVal = after
	}
	out, _ := json.Marshal(map[string]any{
		"kind": "Listing",
		"data": map[string]any{"after": afterVal, "children": children},
	})
	return string(out)
}

func comment(id, author, body string, children ...map[string]any) map[string]any {
	var replies any = ""
	if len(children) > 0 {
		replies = map[string]any{"kind": "Listing", "data": map[string]any{"children": children}}
	}
	return map[string]any{
		"kind": "t1",
		"data": map[string]any{
			"id":          id,
			"author":      author,
			"body":        body,
			"score":       1,
			"created_utc": 1700000000.0,
			"permalink":   "/c/" + id,
			"replies":     replies,
		},
	}
}

func more() map[string]any {
	return map[string]any{"kind": "more", "data": map[string]any{"count": 12, "children": []string{"x", "y"}}}
}

func thread(comments ...map[string]any) string {
	if comments == nil {
		comments = []map[string]any{}
	}
	out, _ := json.Marshal([]any{
		map[string]any{"kind": "Listing", "data": map[string]any{"children": []any{}}},
		map[string]any{"kind": "Listing", "data": map[string]any{"children": comments}},
	})
	return string(out)
}

func collect(t *testing.T, seq func(func(ingestor.RawItem, error) bool)) ([]ingestor.RawItem, error) {
	t.Helper()
	var items []ingestor.RawItem
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

func TestFetchWindowStopsAtCutoff(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{pages: map[string]string{
		"":      page("t3_b", post{ID: "a", Created: 1000}, post{ID: "b", Created: 900}),
		"t3_b":  page("t3_d", post{ID: "c", Created: 800}, post{ID: "d", Created: 400}),
		"t3_zz": page(""),
	}}
	f := New(Config{Channel: "test", APIBaseURL: "https://api.test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 500, 0))
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		require.GreaterOrEqual(t, it.CreatedUTC, int64(500))
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
	// The cutoff item stops pagination without fetching its replies.
	require.Equal(t, 2, req.pathCalls("/r/"))
	require.Equal(t, 3, req.pathCalls("/comments/"))
}

func TestFetchWindowEndsWhenCursorMissing(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{pages: map[string]string{
		"": page("", post{ID: "a", Created: 1000}),
	}}
	f := New(Config{Channel: "test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 0))
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestFetchWindowSkipsRemovedItemsWithoutCounting(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{pages: map[string]string{
		"": page("",
			post{ID: "a", Created: 1000, Author: "[deleted]"},
			post{ID: "b", Created: 1000, Body: "[removed]"},
			post{ID: "c", Created: 1000},
			post{ID: "d", Created: 1000},
		),
	}}
	f := New(Config{Channel: "test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 1))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "c", items[0].ID)
}

func TestFetchWindowFlattensReplies(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{
		pages: map[string]string{"": page("", post{ID: "root", Created: 1000})},
		threads: map[string]string{
			"root": thread(
				comment("c1", "bob", "first",
					comment("c1a", "carol", "nested",
						comment("c1a1", "dave", "deep"),
					),
					comment("c1b", "[deleted]", "[deleted]",
						comment("c1b1", "erin", "orphan kept"),
					),
					more(),
				),
				comment("c2", "frank", "[removed]"),
				comment("c3", "gina", "last"),
			),
		},
	}
	f := New(Config{Channel: "test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 0))
	require.NoError(t, err)
	require.Len(t, items, 1)

	replies := items[0].Replies
	got := make([]string, 0, len(replies))
	for _, r := range replies {
		got = append(got, fmt.Sprintf("%s@%d<%s", r.ID, r.Depth, r.ParentID))
		require.Empty(t, r.Replies)
	}
	require.Equal(t, []string{
		"c1@0<root",
		"c1a@1<c1",
		"c1a1@2<c1a",
		"c1b1@2<c1b",
		"c3@0<root",
	}, got)
}

func TestFetchWindowSkipsUndecodableReply(t *testing.T) {
	t.Parallel()

	broken := map[string]any{"kind": "t1", "data": map[string]any{"id": 42, "body": "not a string id"}}
	req := &fakeRequester{
		pages: map[string]string{"": page("", post{ID: "root", Created: 1000})},
		threads: map[string]string{
			"root": thread(
				comment("c1", "bob", "first", broken, comment("c1b", "carol", "sibling")),
				comment("c2", "dave", "second"),
			),
		},
	}
	core, logs := observer.New(zap.WarnLevel)
	f := New(Config{Channel: "test", Requester: req, Logger: zap.New(core)})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 0))
	require.NoError(t, err)
	require.Len(t, items, 1)

	ids := make([]string, 0, len(items[0].Replies))
	for _, r := range items[0].Replies {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"c1", "c1b", "c2"}, ids, "only the broken node is dropped")
	require.Equal(t, 1, logs.FilterMessage("skipping undecodable reply").Len())
}

func TestFetchWindowReplyFailureContinues(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{
		pages: map[string]string{"": page("", post{ID: "a", Created: 1000}, post{ID: "b", Created: 1000})},
		threads: map[string]string{
			"b": thread(comment("x", "bob", "hi")),
		},
		failures: map[string]error{"/comments/a": &executor.RetryExhaustedError{Attempts: 3, LastStatus: 500}},
	}
	f := New(Config{Channel: "test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 0))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Empty(t, items[0].Replies)
	require.Len(t, items[1].Replies, 1)
}

func TestFetchWindowPageFailureIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	req := &fakeRequester{failures: map[string]error{"/r/test/new": boom}}
	f := New(Config{Channel: "test", Requester: req})

	items, err := collect(t, f.FetchWindow(context.Background(), 0, 0))
	require.ErrorIs(t, err, boom)
	require.Empty(t, items)
}

func TestFetchWindowNotRestartable(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{pages: map[string]string{"": page("", post{ID: "a", Created: 1000})}}
	f := New(Config{Channel: "test", Requester: req})
	seq := f.FetchWindow(context.Background(), 0, 0)

	first, err := collect(t, seq)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = collect(t, seq)
	require.ErrorIs(t, err, ErrWindowConsumed)
}

func TestFetchWindowHonorsCancellation(t *testing.T) {
	t.Parallel()

	req := &fakeRequester{pages: map[string]string{"": page("", post{ID: "a", Created: 1000})}}
	f := New(Config{Channel: "test", Requester: req})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collect(t, f.FetchWindow(ctx, 0, 0))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRepliesUnmarshalEmptyString(t *testing.T) {
	t.Parallel()

	var c commentData
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","replies":""}`), &c))
	require.Empty(t, c.Replies.Children)
}
