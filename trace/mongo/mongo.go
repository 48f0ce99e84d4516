// Package mongo persists the run trace in a MongoDB collection. A unique
// (run_id, sequence) index detects races between concurrent appenders; the
// losing appender re-reads the tail sequence and retries.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reconflow/reconflow/trace"
)

// appendRetries bounds the duplicate-key retry loop. Exceeding it means an
// appender is persistently losing the race, which indicates a stuck clock or
// a much hotter run than this sink is designed for.
const appendRetries = 16

// Sink is a Mongo-backed trace.Sink.
type Sink struct {
	coll *mongo.Collection
}

// NewSink builds a sink over the given collection and ensures its indexes.
func NewSink(ctx context.Context, coll *mongo.Collection) (*Sink, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "type", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create trace indexes: %w", err)
	}
	return &Sink{coll: coll}, nil
}

// Append assigns the run's next sequence and inserts the event, retrying on
// unique-index collisions with concurrent appenders.
func (s *Sink) Append(ctx context.Context, ev trace.Event) (trace.Event, error) {
	ev = trace.Normalize(ev)
	for attempt := 0; attempt < appendRetries; attempt++ {
		last, err := s.lastSequence(ctx, ev.RunID)
		if err != nil {
			return trace.Event{}, err
		}
		ev.Sequence = last + 1
		_, err = s.coll.InsertOne(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		return trace.Event{}, fmt.Errorf("append trace event: %w", err)
	}
	return trace.Event{}, fmt.Errorf("append trace event: lost sequence race %d times for run %s", appendRetries, ev.RunID)
}

// ListByRunID returns the run's events ordered by sequence.
func (s *Sink) ListByRunID(ctx context.Context, runID string) ([]trace.Event, error) {
	return s.ListSince(ctx, runID, 0)
}

// ListSince returns events with sequence greater than afterSeq, ordered.
func (s *Sink) ListSince(ctx context.Context, runID string, afterSeq int64) ([]trace.Event, error) {
	filter := bson.D{
		{Key: "run_id", Value: runID},
		{Key: "sequence", Value: bson.D{{Key: "$gt", Value: afterSeq}}},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	defer cur.Close(ctx)
	var events []trace.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode trace events: %w", err)
	}
	return events, nil
}

// CountByType counts the run's events of the given type.
func (s *Sink) CountByType(ctx context.Context, runID string, typ trace.EventType) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{
		{Key: "run_id", Value: runID},
		{Key: "type", Value: typ},
	})
	if err != nil {
		return 0, fmt.Errorf("count trace events: %w", err)
	}
	return n, nil
}

func (s *Sink) lastSequence(ctx context.Context, runID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}).
		SetProjection(bson.D{{Key: "sequence", Value: 1}})
	var doc struct {
		Sequence int64 `bson:"sequence"`
	}
	err := s.coll.FindOne(ctx, bson.D{{Key: "run_id", Value: runID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return doc.Sequence, nil
}
