// Package fetcher pages through a channel's newest items and pulls each item's
// reply tree, stopping at a creation-time cutoff.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// DefaultPageSize is the largest page the upstream serves.
const DefaultPageSize = 100

// ErrWindowConsumed is yielded when a window sequence is ranged a second time.
var ErrWindowConsumed = errors.New("fetch window already consumed")

// Requester executes one upstream call; *executor.Executor satisfies it.
type Requester interface {
	Execute(ctx context.Context, req executor.Request) (executor.Response, error)
}

// Config wires a Fetcher for one channel.
type Config struct {
	Channel    string
	APIBaseURL string
	PageSize   int
	Requester  Requester
	Logger     *zap.Logger
}

// Fetcher reads one channel.
type Fetcher struct {
	channel  string
	base     string
	pageSize int
	req      Requester
	logger   *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		channel:  cfg.Channel,
		base:     strings.TrimRight(cfg.APIBaseURL, "/"),
		pageSize: pageSize,
		req:      cfg.Requester,
		logger:   logger.With(zap.String("channel", cfg.Channel)),
	}
}

// FetchWindow lazily yields items created at or after cutoff (epoch seconds),
// newest first, each with its flattened replies. itemCap bounds the number of
// emitted items; zero means no cap. A page failure is yielded once and ends
// the sequence. The sequence can be ranged only once.
func (f *Fetcher) FetchWindow(ctx context.Context, cutoff int64, itemCap int) iter.Seq2[ingestor.RawItem, error] {
	var used atomic.Bool
	return func(yield func(ingestor.RawItem, error) bool) {
		if used.Swap(true) {
			yield(ingestor.RawItem{}, ErrWindowConsumed)
			return
		}

		emitted := 0
		after := ""
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(ingestor.RawItem{}, fmt.Errorf("fetch %s: %w", f.channel, err))
				return
			}
			posts, next, err := f.fetchPage(ctx, after)
			if err != nil {
				yield(ingestor.RawItem{}, fmt.Errorf("fetch %s page %d: %w", f.channel, page, err))
				return
			}
			f.logger.Debug("page fetched", zap.Int("page", page), zap.Int("items", len(posts)))

			for _, p := range posts {
				if p.removed() {
					continue
				}
				if int64(p.CreatedUTC) < cutoff {
					return
				}
				item := ingestor.RawItem{
					ID:          p.ID,
					Author:      p.Author,
					Title:       p.Title,
					Body:        p.Selftext,
					Score:       p.Score,
					CreatedUTC:  int64(p.CreatedUTC),
					Permalink:   p.Permalink,
					NumComments: p.NumComments,
				}
				replies, err := f.fetchReplies(ctx, p.ID)
				if err != nil {
					if ctx.Err() != nil {
						yield(ingestor.RawItem{}, fmt.Errorf("fetch %s: %w", f.channel, ctx.Err()))
						return
					}
					if errors.Is(err, executor.ErrAuth) {
						yield(ingestor.RawItem{}, fmt.Errorf("fetch replies for %s: %w", p.ID, err))
						return
					}
					f.logger.Warn("reply fetch failed; continuing without replies",
						zap.String("item_id", p.ID),
						zap.Error(err),
					)
				}
				item.Replies = replies
				if !yield(item, nil) {
					return
				}
				emitted++
				if itemCap > 0 && emitted >= itemCap {
					return
				}
			}

			if next == "" {
				return
			}
			after = next
		}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, after string) ([]postData, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(f.pageSize))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
	}
	resp, err := f.req.Execute(ctx, executor.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/r/%s/new", f.base, url.PathEscape(f.channel)),
		Query:  q,
	})
	if err != nil {
		return nil, "", err
	}

	var l listing
	if err := json.Unmarshal(resp.Body, &l); err != nil {
		return nil, "", fmt.Errorf("decode listing: %w", err)
	}
	posts := make([]postData, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != kindPost {
			continue
		}
		var p postData
		if err := json.Unmarshal(child.Data, &p); err != nil {
			return nil, "", fmt.Errorf("decode post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, l.Data.After, nil
}

func (f *Fetcher) fetchReplies(ctx context.Context, itemID string) ([]ingestor.RawReply, error) {
	q := url.Values{}
	q.Set("raw_json", "1")
	resp, err := f.req.Execute(ctx, executor.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/comments/%s", f.base, url.PathEscape(itemID)),
		Query:  q,
	})
	if err != nil {
		return nil, err
	}

	// The thread endpoint returns [post listing, comment listing].
	var parts []listing
	if err := json.Unmarshal(resp.Body, &parts); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	if len(parts) < 2 {
		return nil, nil
	}
	return flattenThread(itemID, parts[1].Data.Children, f.logger), nil
}
