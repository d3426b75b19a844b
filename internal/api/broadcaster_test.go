package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

func TestBroadcasterDeliversToEverySubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)
	id1, ch1, cancel1 := b.Subscribe()
	id2, ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()
	require.NotEqual(t, id1, id2)
	require.Equal(t, 2, b.Subscribers())

	evt := progress.Event{JobID: "job-1", TS: time.Unix(1, 0), Type: progress.TypeJobStarted}
	require.NoError(t, b.Consume(context.Background(), []progress.Event{evt}))

	require.Equal(t, evt, <-ch1)
	require.Equal(t, evt, <-ch2)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1)
	_, ch, cancel := b.Subscribe()
	defer cancel()

	batch := []progress.Event{
		{JobID: "job-1", Type: progress.TypeJobStarted},
		{JobID: "job-1", Type: progress.TypeJobCompleted},
		{JobID: "job-1", Type: progress.TypeJobDeleted},
	}
	require.NoError(t, b.Consume(context.Background(), batch))
	require.Equal(t, int64(2), b.Dropped())
	require.Equal(t, progress.TypeJobStarted, (<-ch).Type)
}

func TestBroadcasterCancelAndClose(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(0)
	_, ch1, cancel1 := b.Subscribe()
	_, ch2, _ := b.Subscribe()

	cancel1()
	cancel1()
	_, open := <-ch1
	require.False(t, open)
	require.Equal(t, 1, b.Subscribers())

	require.NoError(t, b.Close(context.Background()))
	_, open = <-ch2
	require.False(t, open)
	require.Zero(t, b.Subscribers())

	_, late, _ := b.Subscribe()
	_, open = <-late
	require.False(t, open, "subscribing after close yields a closed channel")
	require.NoError(t, b.Consume(context.Background(), []progress.Event{{JobID: "x"}}))
}
