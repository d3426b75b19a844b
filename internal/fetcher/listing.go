package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	kindComment = "t1"
	kindPost    = "t3"
)

// listing is the envelope the upstream wraps every collection in.
type listing struct {
	Kind string      `json:"kind"`
	Data listingData `json:"data"`
}

type listingData struct {
	After    string  `json:"after"`
	Children []thing `json:"children"`
}

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type postData struct {
	ID                string  `json:"id"`
	Author            string  `json:"author"`
	Title             string  `json:"title"`
	Selftext          string  `json:"selftext"`
	Score             int     `json:"score"`
	CreatedUTC        float64 `json:"created_utc"`
	Permalink         string  `json:"permalink"`
	NumComments       int     `json:"num_comments"`
	RemovedByCategory *string `json:"removed_by_category"`
}

type commentData struct {
	ID                string  `json:"id"`
	Author            string  `json:"author"`
	Body              string  `json:"body"`
	Score             int     `json:"score"`
	CreatedUTC        float64 `json:"created_utc"`
	Permalink         string  `json:"permalink"`
	RemovedByCategory *string `json:"removed_by_category"`
	Replies           replies `json:"replies"`
}

// replies is either an empty string or a nested listing.
type replies struct {
	Children []thing
}

func (r *replies) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		r.Children = nil
		return nil
	}
	var l listing
	if err := json.Unmarshal(trimmed, &l); err != nil {
		return fmt.Errorf("decode replies: %w", err)
	}
	r.Children = l.Data.Children
	return nil
}

func removedAuthor(author string) bool {
	return author == "[deleted]"
}

func removedBody(body string) bool {
	return body == "[removed]" || body == "[deleted]"
}

func (p postData) removed() bool {
	return removedAuthor(p.Author) || removedBody(p.Selftext) ||
		(p.RemovedByCategory != nil && *p.RemovedByCategory != "")
}

func (c commentData) removed() bool {
	return removedAuthor(c.Author) || removedBody(c.Body) ||
		(c.RemovedByCategory != nil && *c.RemovedByCategory != "")
}
