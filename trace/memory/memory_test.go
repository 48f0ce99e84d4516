package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/trace"
	"github.com/reconflow/reconflow/trace/memory"
)

func TestAppendAssignsPerRunSequences(t *testing.T) {
	s := memory.NewSink()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev, err := s.Append(ctx, trace.Event{RunID: "run-1", Type: trace.NodeProgress})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, trace.LevelInfo, ev.Level)
		assert.False(t, ev.Timestamp.IsZero())
	}

	// Sequences are independent per run.
	other, err := s.Append(ctx, trace.Event{RunID: "run-2", Type: trace.NodeStarted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.ListByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestListSinceSkipsOlderEvents(t *testing.T) {
	s := memory.NewSink()
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		_, err := s.Append(ctx, trace.Event{RunID: "run-1", Type: trace.NodeProgress, Message: msg})
		require.NoError(t, err)
	}

	events, err := s.ListSince(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Message)
	assert.Equal(t, "three", events[1].Message)

	empty, err := s.ListSince(ctx, "run-1", 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCountByType(t *testing.T) {
	s := memory.NewSink()
	ctx := context.Background()
	for _, typ := range []trace.EventType{trace.NodeStarted, trace.NodeCompleted, trace.NodeCompleted} {
		_, err := s.Append(ctx, trace.Event{RunID: "run-1", Type: typ})
		require.NoError(t, err)
	}

	n, err := s.CountByType(ctx, "run-1", trace.NodeCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountByType(ctx, "run-1", trace.NodeFailed)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribeDeliversUntilCancelled(t *testing.T) {
	s := memory.NewSink()
	ctx := context.Background()

	var got []trace.Event
	cancel, err := s.SubscribeToRun(ctx, "run-1", func(ev trace.Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	_, err = s.Append(ctx, trace.Event{RunID: "run-1", Type: trace.NodeStarted})
	require.NoError(t, err)
	_, err = s.Append(ctx, trace.Event{RunID: "run-2", Type: trace.NodeStarted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)

	cancel()
	_, err = s.Append(ctx, trace.Event{RunID: "run-1", Type: trace.NodeCompleted})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
