package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: time.Now(), Type: progress.TypeChannelProgress, Channel: "alpha", Status: "fetching"},
		{JobID: "job-1", TS: time.Now(), Type: progress.TypeChannelError, Channel: "beta", Error: "boom"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "alpha", entries[0].ContextMap()["channel"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}
