// Package trace defines the append-only, per-run sequenced event log. The
// sink assigns sequence numbers at append time so trace consumers observe a
// strictly increasing, gap-free ordering regardless of how many executor
// activities emit concurrently.
package trace

import (
	"context"
	"time"
)

// EventType enumerates trace event kinds.
type EventType string

const (
	NodeStarted   EventType = "NODE_STARTED"
	NodeProgress  EventType = "NODE_PROGRESS"
	NodeCompleted EventType = "NODE_COMPLETED"
	NodeFailed    EventType = "NODE_FAILED"
	NodeSkipped   EventType = "NODE_SKIPPED"
	AwaitingInput EventType = "AWAITING_INPUT"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelDebug Level = "debug"
)

type (
	// Event is one record of a run's trace. Sequence is assigned by the sink.
	Event struct {
		RunID         string         `json:"runId" bson:"run_id"`
		WorkflowID    string         `json:"workflowId,omitempty" bson:"workflow_id,omitempty"`
		Sequence      int64          `json:"sequence" bson:"sequence"`
		Type          EventType      `json:"type" bson:"type"`
		NodeRef       string         `json:"nodeRef,omitempty" bson:"node_ref,omitempty"`
		Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
		Level         Level          `json:"level" bson:"level"`
		Message       string         `json:"message,omitempty" bson:"message,omitempty"`
		Error         string         `json:"error,omitempty" bson:"error,omitempty"`
		OutputSummary map[string]any `json:"outputSummary,omitempty" bson:"output_summary,omitempty"`
		Data          map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	}

	// Sink is the append-only trace store. Append assigns the next sequence
	// for the event's run atomically and returns the stored event.
	Sink interface {
		Append(ctx context.Context, ev Event) (Event, error)
		ListByRunID(ctx context.Context, runID string) ([]Event, error)
		ListSince(ctx context.Context, runID string, afterSeq int64) ([]Event, error)
		CountByType(ctx context.Context, runID string, typ EventType) (int64, error)
	}

	// Subscriber delivers events for a run as they are appended. The returned
	// cancel function stops delivery. Implementations may fall back to
	// polling when no push channel is available.
	Subscriber interface {
		SubscribeToRun(ctx context.Context, runID string, fn func(Event)) (cancel func(), err error)
	}
)

// Normalize fills event defaults prior to append.
func Normalize(ev Event) Event {
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}
