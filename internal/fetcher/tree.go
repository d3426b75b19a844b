package fetcher

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

type frame struct {
	node     thing
	depth    int
	parentID string
}

// flattenThread walks a comment listing depth-first in upstream order and
// returns the surviving replies with depth and parent recorded. Removed nodes
// are dropped but their children are kept; "more" placeholders are skipped.
// A node that fails to decode is logged and skipped along with its subtree.
func flattenThread(rootID string, top []thing, logger *zap.Logger) []ingestor.RawReply {
	stack := make([]frame, 0, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: top[i], depth: 0, parentID: rootID})
	}

	var out []ingestor.RawReply
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.node.Kind != kindComment {
			continue
		}
		var c commentData
		if err := json.Unmarshal(cur.node.Data, &c); err != nil {
			logger.Warn("skipping undecodable reply",
				zap.String("item_id", rootID),
				zap.String("parent_id", cur.parentID),
				zap.Int("depth", cur.depth),
				zap.Error(err),
			)
			continue
		}
		if !c.removed() {
			out = append(out, ingestor.RawReply{
				ID:         c.ID,
				Author:     c.Author,
				Body:       c.Body,
				Score:      c.Score,
				CreatedUTC: int64(c.CreatedUTC),
				Permalink:  c.Permalink,
				ParentID:   cur.parentID,
				Depth:      cur.depth,
			})
		}
		children := c.Replies.Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: children[i], depth: cur.depth + 1, parentID: c.ID})
		}
	}
	return out
}
