package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/telemetry"
)

// fakeEnv is a deterministic engine.WorkflowContext. Activities execute
// inline against registered handlers; blocked Awaits pop hooks from a FIFO so
// tests script the outside world (signals, clock) step by step.
type fakeEnv struct {
	t *testing.T

	activities map[string]func(ctx context.Context, input any) (any, error)
	signals    map[string][]any
	queries    map[string]any
	hooks      []func(*fakeEnv)

	now   time.Time
	calls []activityCall
}

type activityCall struct {
	name  string
	input any
}

func newFakeEnv(t *testing.T) *fakeEnv {
	t.Helper()
	return &fakeEnv{
		t:          t,
		activities: make(map[string]func(context.Context, any) (any, error)),
		signals:    make(map[string][]any),
		queries:    make(map[string]any),
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeEnv) handle(name string, fn func(context.Context, any) (any, error)) {
	f.activities[name] = fn
}

func (f *fakeEnv) signal(name string, payload any) {
	f.signals[name] = append(f.signals[name], payload)
}

func (f *fakeEnv) onBlock(fn func(*fakeEnv)) {
	f.hooks = append(f.hooks, fn)
}

func (f *fakeEnv) callCount(name string) int {
	var n int
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (f *fakeEnv) Context() context.Context { return context.Background() }
func (f *fakeEnv) WorkflowID() string       { return "wf-test" }
func (f *fakeEnv) RunID() string            { return "engine-run-test" }
func (f *fakeEnv) Now() time.Time           { return f.now }
func (f *fakeEnv) Logger() telemetry.Logger { return telemetry.NewNoopLogger() }

func (f *fakeEnv) SignalChannel(name string) engine.SignalChannel {
	return &fakeSignalChannel{env: f, name: name}
}

func (f *fakeEnv) SetQueryHandler(name string, handler any) error {
	f.queries[name] = handler
	return nil
}

func (f *fakeEnv) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	out, err := f.runActivity(req)
	if err != nil {
		return err
	}
	return roundTrip(out, result)
}

func (f *fakeEnv) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	out, err := f.runActivity(req)
	return &fakeFuture{result: out, err: err}, nil
}

func (f *fakeEnv) runActivity(req engine.ActivityRequest) (any, error) {
	f.calls = append(f.calls, activityCall{name: req.Name, input: req.Input})
	handler, ok := f.activities[req.Name]
	if !ok {
		return nil, nil
	}
	return handler(context.Background(), req.Input)
}

func (f *fakeEnv) Await(_ context.Context, cond func() bool) error {
	for {
		if cond() {
			return nil
		}
		if len(f.hooks) == 0 {
			return errors.New("workflow deadlocked: no scripted events left")
		}
		hook := f.hooks[0]
		f.hooks = f.hooks[1:]
		hook(f)
	}
}

func (f *fakeEnv) AwaitWithTimeout(_ context.Context, _ time.Duration, cond func() bool) (bool, error) {
	for {
		if cond() {
			return true, nil
		}
		if len(f.hooks) == 0 {
			// Scripted events exhausted: the timer fires.
			return false, nil
		}
		hook := f.hooks[0]
		f.hooks = f.hooks[1:]
		hook(f)
	}
}

func (f *fakeEnv) Sleep(_ context.Context, d time.Duration) error {
	f.now = f.now.Add(d)
	return nil
}

type fakeSignalChannel struct {
	env  *fakeEnv
	name string
}

func (c *fakeSignalChannel) Receive(_ context.Context, dest any) error {
	if !c.ReceiveAsync(dest) {
		return errors.New("blocking receive with empty queue")
	}
	return nil
}

func (c *fakeSignalChannel) ReceiveAsync(dest any) bool {
	queue := c.env.signals[c.name]
	if len(queue) == 0 {
		return false
	}
	payload := queue[0]
	c.env.signals[c.name] = queue[1:]
	if err := roundTrip(payload, dest); err != nil {
		c.env.t.Fatalf("decode signal %s: %v", c.name, err)
	}
	return true
}

type fakeFuture struct {
	result any
	err    error
}

func (f *fakeFuture) IsReady() bool { return true }

func (f *fakeFuture) Get(_ context.Context, result any) error {
	if f.err != nil {
		return f.err
	}
	return roundTrip(f.result, result)
}

func roundTrip(src, dest any) error {
	if dest == nil || src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

var _ engine.WorkflowContext = (*fakeEnv)(nil)
