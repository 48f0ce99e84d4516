// Package pulse layers push notification onto a trace sink using
// goa.design/pulse streams over Redis. Appends publish the stored event to
// the run's stream; subscribers consume through a Pulse sink (consumer
// group) and fall back to polling the underlying store when the stream is
// unavailable.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/trace"
)

type (
	// Options configure the notifying sink.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// Store is the durable trace sink notifications wrap. Required.
		Store trace.Sink
		// StreamMaxLen bounds entries kept per run stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// SinkName identifies the consumer group. Defaults to
		// "reconflow_trace".
		SinkName string
		// PollInterval is the fallback polling cadence when the stream
		// cannot be opened. Defaults to one second.
		PollInterval time.Duration
		Logger       telemetry.Logger
	}

	// Sink wraps a durable trace sink with Pulse publication. Publication is
	// best effort: a failed publish is logged, never surfaced, because the
	// store remains the source of truth and subscribers heal via polling.
	Sink struct {
		store    trace.Sink
		redis    *redis.Client
		maxLen   int
		sinkName string
		pollEach time.Duration
		logger   telemetry.Logger
	}
)

// NewSink builds a notifying sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("trace store is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "reconflow_trace"
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sink{
		store:    opts.Store,
		redis:    opts.Redis,
		maxLen:   opts.StreamMaxLen,
		sinkName: name,
		pollEach: poll,
		logger:   logger,
	}, nil
}

// Append stores the event then publishes it to the run's stream.
func (s *Sink) Append(ctx context.Context, ev trace.Event) (trace.Event, error) {
	stored, err := s.store.Append(ctx, ev)
	if err != nil {
		return trace.Event{}, err
	}
	if err := s.publish(ctx, stored); err != nil {
		s.logger.Warn(ctx, "trace publish failed", "run_id", stored.RunID, "sequence", stored.Sequence, "err", err)
	}
	return stored, nil
}

// ListByRunID delegates to the store.
func (s *Sink) ListByRunID(ctx context.Context, runID string) ([]trace.Event, error) {
	return s.store.ListByRunID(ctx, runID)
}

// ListSince delegates to the store.
func (s *Sink) ListSince(ctx context.Context, runID string, afterSeq int64) ([]trace.Event, error) {
	return s.store.ListSince(ctx, runID, afterSeq)
}

// CountByType delegates to the store.
func (s *Sink) CountByType(ctx context.Context, runID string, typ trace.EventType) (int64, error) {
	return s.store.CountByType(ctx, runID, typ)
}

// SubscribeToRun delivers the run's future events to fn. Events already
// appended are not replayed; use ListSince for catch-up. When the Pulse
// stream cannot be opened the subscription degrades to polling the store.
func (s *Sink) SubscribeToRun(ctx context.Context, runID string, fn func(trace.Event)) (func(), error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	sink, err := s.openSink(runCtx, runID)
	if err != nil {
		s.logger.Warn(ctx, "pulse subscribe failed, polling instead", "run_id", runID, "err", err)
		go s.poll(runCtx, runID, fn)
		return cancel, nil
	}
	go s.consume(runCtx, sink, fn)
	return func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Sink) publish(ctx context.Context, ev trace.Event) error {
	stream, err := s.openStream(ev.RunID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(ev.Type), payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

func (s *Sink) openStream(runID string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if s.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	return streaming.NewStream(streamName(runID), s.redis, opts...)
}

func (s *Sink) openSink(ctx context.Context, runID string) (*streaming.Sink, error) {
	stream, err := s.openStream(runID)
	if err != nil {
		return nil, err
	}
	return stream.NewSink(ctx, s.sinkName)
}

func (s *Sink) consume(ctx context.Context, sink *streaming.Sink, fn func(trace.Event)) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var ev trace.Event
			if err := json.Unmarshal(evt.Payload, &ev); err != nil {
				s.logger.Warn(ctx, "trace event decode failed", "err", err)
				continue
			}
			fn(ev)
			if err := sink.Ack(ctx, evt); err != nil {
				s.logger.Warn(ctx, "trace event ack failed", "err", err)
			}
		}
	}
}

// poll tails the store when streaming is unavailable.
func (s *Sink) poll(ctx context.Context, runID string, fn func(trace.Event)) {
	var after int64
	ticker := time.NewTicker(s.pollEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.store.ListSince(ctx, runID, after)
			if err != nil {
				s.logger.Warn(ctx, "trace poll failed", "run_id", runID, "err", err)
				continue
			}
			for _, ev := range events {
				fn(ev)
				after = ev.Sequence
			}
		}
	}
}

func streamName(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}
