// Package memory provides an in-process trace sink used by tests and
// single-node deployments. Sequences are assigned under a per-sink lock;
// subscribers receive events synchronously on append.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/reconflow/reconflow/trace"
)

// Sink is an in-memory trace.Sink and trace.Subscriber.
type Sink struct {
	mu     sync.RWMutex
	events map[string][]trace.Event
	subs   map[string]map[int]func(trace.Event)
	nextID int
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{
		events: make(map[string][]trace.Event),
		subs:   make(map[string]map[int]func(trace.Event)),
	}
}

// Append assigns the run's next sequence and stores the event.
func (s *Sink) Append(ctx context.Context, ev trace.Event) (trace.Event, error) {
	ev = trace.Normalize(ev)
	s.mu.Lock()
	ev.Sequence = int64(len(s.events[ev.RunID])) + 1
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	var fns []func(trace.Event)
	for _, fn := range s.subs[ev.RunID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return ev, nil
}

// ListByRunID returns the run's events ordered by sequence.
func (s *Sink) ListByRunID(ctx context.Context, runID string) ([]trace.Event, error) {
	return s.ListSince(ctx, runID, 0)
}

// ListSince returns events with sequence greater than afterSeq.
func (s *Sink) ListSince(_ context.Context, runID string, afterSeq int64) ([]trace.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[runID]
	idx := sort.Search(len(all), func(i int) bool { return all[i].Sequence > afterSeq })
	out := make([]trace.Event, len(all)-idx)
	copy(out, all[idx:])
	return out, nil
}

// CountByType counts the run's events of the given type.
func (s *Sink) CountByType(_ context.Context, runID string, typ trace.EventType) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ev := range s.events[runID] {
		if ev.Type == typ {
			n++
		}
	}
	return n, nil
}

// SubscribeToRun registers fn for the run's future events.
func (s *Sink) SubscribeToRun(_ context.Context, runID string, fn func(trace.Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[int]func(trace.Event))
	}
	id := s.nextID
	s.nextID++
	s.subs[runID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[runID], id)
	}, nil
}
