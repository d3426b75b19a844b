// Package transform maps fetched items into store documents.
package transform

import (
	"strings"
	"time"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

// Target names the destination fields shared by every document of a channel.
type Target struct {
	ChannelTag   string
	SourceName   string
	DeeplinkBase string
}

// Flatten returns the root document followed by one document per reply in
// depth-first order. It is pure: the same input always yields the same output.
func Flatten(item ingestor.RawItem, target Target) []ingestor.Document {
	replies := Replies(item)

	rootLink := deeplink(target.DeeplinkBase, item.Permalink)
	replyCount := len(replies)
	rootScore := item.Score

	docs := make([]ingestor.Document, 0, 1+len(replies))
	docs = append(docs, ingestor.Document{
		ChannelTag: target.ChannelTag,
		SourceName: target.SourceName,
		ID:         item.ID,
		Timestamp:  timestamp(item.CreatedUTC),
		Deeplink:   rootLink,
		Author:     item.Author,
		Title:      item.Title,
		Body:       item.Body,
		IsReply:    false,
		ReplyCount: &replyCount,
		Score:      &rootScore,
	})

	title := "Re: " + item.Title
	for _, r := range replies {
		score := r.Score
		link := rootLink
		if r.Permalink != "" {
			link = deeplink(target.DeeplinkBase, r.Permalink)
		}
		docs = append(docs, ingestor.Document{
			ChannelTag: target.ChannelTag,
			SourceName: target.SourceName,
			ID:         ReplyID(item.ID, r.ID),
			Timestamp:  timestamp(r.CreatedUTC),
			Deeplink:   link,
			Author:     r.Author,
			Title:      title,
			Body:       r.Body,
			IsReply:    true,
			Score:      &score,
		})
	}
	return docs
}

// ReplyID qualifies a reply id with its root item id.
func ReplyID(rootID, replyID string) string {
	return rootID + "_" + replyID
}

// Replies returns every reply of item in depth-first order. Already flattened
// input comes back unchanged; nested Replies are walked with an explicit stack.
func Replies(item ingestor.RawItem) []ingestor.RawReply {
	out := make([]ingestor.RawReply, 0, len(item.Replies))
	stack := make([]ingestor.RawReply, 0, len(item.Replies))
	for i := len(item.Replies) - 1; i >= 0; i-- {
		stack = append(stack, item.Replies[i])
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children := cur.Replies
		cur.Replies = nil
		out = append(out, cur)
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out
}

// CountReplies counts every node in item's reply tree.
func CountReplies(item ingestor.RawItem) int {
	n := 0
	stack := append([]ingestor.RawReply(nil), item.Replies...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n++
		stack = append(stack, cur.Replies...)
	}
	return n
}

func timestamp(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

func deeplink(base, permalink string) string {
	if permalink == "" {
		return ""
	}
	if strings.HasPrefix(permalink, "http://") || strings.HasPrefix(permalink, "https://") {
		return permalink
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(permalink, "/")
}
