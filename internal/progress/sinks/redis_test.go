package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

func TestRedisSinkAppendsToStream(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "")
	batch := []progress.Event{
		{JobID: "job-1", TS: time.Unix(1, 0).UTC(), Type: progress.TypeJobStarted},
		{
			JobID:   "job-1",
			TS:      time.Unix(2, 0).UTC(),
			Type:    progress.TypeChannelCompleted,
			Channel: "alpha",
			Stats:   &ingestor.ChannelStats{RootItems: 2, Replies: 3, Succeeded: 5},
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "job_started", entries[0].Values["type"])

	var decoded progress.Event
	require.NoError(t, json.Unmarshal([]byte(entries[1].Values["event"].(string)), &decoded))
	require.Equal(t, 5, decoded.Stats.Succeeded)
}

func TestRedisSinkReportsConnectionErrors(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	sink := NewRedisSink(client, "custom")
	err := sink.Consume(context.Background(), []progress.Event{{JobID: "j", Type: progress.TypeJobStarted}})
	require.Error(t, err)
}
