package executor

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/plan"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

func testRegistry(t *testing.T) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	reg.MustRegister(component.Definition{
		ID:       "core.trigger",
		Category: component.CategoryTrigger,
		Runner:   component.Runner{Kind: component.RunnerInline},
		Outputs:  []component.Port{{ID: "output", Binding: component.BindingAction, Type: component.Any()}},
	})
	reg.MustRegister(component.Definition{
		ID:     "test.step",
		Runner: component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "value", Binding: component.BindingAction, Type: component.Any()},
			{ID: "api_key", Binding: component.BindingCredential, Type: component.Primitive(component.PrimitiveSecret)},
		},
		Parameters: []component.Port{
			{ID: "depth", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveNumber), Default: float64(1)},
		},
		Outputs: []component.Port{{ID: "output", Binding: component.BindingAction, Type: component.Any()}},
	})
	return reg
}

// linearPlan is trigger -> a -> b.
func linearPlan() plan.ActionPlan {
	return plan.ActionPlan{
		Title:      "test",
		Entrypoint: plan.Entrypoint{Ref: "trigger"},
		Actions: []plan.Action{
			{Ref: "trigger", ComponentID: "core.trigger"},
			{Ref: "a", ComponentID: "test.step", DependsOn: []string{"trigger"},
				Bindings: []plan.Binding{{TargetInput: "value", SourceRef: "trigger", SourceOutput: "output"}}},
			{Ref: "b", ComponentID: "test.step", DependsOn: []string{"a"},
				Bindings: []plan.Binding{{TargetInput: "value", SourceRef: "a", SourceOutput: "output"}}},
		},
	}
}

func runInput(p plan.ActionPlan) RunInput {
	return RunInput{RunID: "run-1", OrganizationID: "org-1", Plan: p, Inputs: map[string]any{"target": "example.com"}}
}

// echoActions wires action.execute to return {"output": "<ref>-out"}.
func echoActions(env *fakeEnv) {
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, err := decodeAs[ExecuteActionInput](input)
		if err != nil {
			return nil, err
		}
		return ExecuteActionOutput{Output: map[string]any{"output": in.NodeRef + "-out"}}, nil
	})
}

func traceTypes(env *fakeEnv) []string {
	var types []string
	for _, c := range env.calls {
		if c.name != ActivityAppendTrace {
			continue
		}
		ev, _ := decodeAs[map[string]any](c.input)
		types = append(types, ev["type"].(string))
	}
	return types
}

func TestLinearPlanRunsToCompletion(t *testing.T) {
	env := newFakeEnv(t)
	echoActions(env)
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(linearPlan()))
	require.NoError(t, err)
	result, err := decodeAs[RunOutput](out)
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, result.Status)
	// Only the leaf carries run outputs.
	require.Contains(t, result.Outputs, "b")
	assert.Equal(t, "b-out", result.Outputs["b"]["output"])
	assert.NotContains(t, result.Outputs, "a")

	assert.Equal(t, []string{
		"NODE_STARTED", "NODE_COMPLETED",
		"NODE_STARTED", "NODE_COMPLETED",
		"NODE_STARTED", "NODE_COMPLETED",
	}, traceTypes(env))

	// Bindings flow upstream outputs into downstream inputs.
	for _, c := range env.calls {
		if c.name != ActivityExecuteAction {
			continue
		}
		in, _ := decodeAs[ExecuteActionInput](c.input)
		if in.NodeRef == "b" {
			assert.Equal(t, "a-out", in.Input["value"])
			// Parameter defaults apply.
			assert.Equal(t, float64(1), in.Input["depth"])
		}
		if in.NodeRef == "trigger" {
			// Run inputs reach the entry action.
			assert.Equal(t, "example.com", in.Input["target"])
		}
	}
}

func TestFailureStopsRun(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" {
			return nil, rferr.New(rferr.KindDependency, "upstream died")
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "ok"}}, nil
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(linearPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "upstream died")
	// b never ran.
	assert.Equal(t, 2, env.callCount(ActivityExecuteAction))
	assert.Contains(t, traceTypes(env), "NODE_FAILED")
}

func TestContinueOnErrorSkipsDependents(t *testing.T) {
	p := linearPlan()
	p.Actions[1].ContinueOnError = true
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" {
			return nil, rferr.New(rferr.KindDependency, "flaky tool")
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "ok"}}, nil
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(p))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCompleted, result.Status)
	assert.Contains(t, traceTypes(env), "NODE_SKIPPED")
	// b was skipped, not executed.
	assert.Equal(t, 2, env.callCount(ActivityExecuteAction))
}

func pendingPlan() plan.ActionPlan {
	p := linearPlan()
	return p
}

func TestHumanInputApprovalResumesAction(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-1",
				InputType: execctx.InputApproval,
				Title:     "Proceed with active scan?",
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": in.NodeRef + "-out"}}, nil
	})
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalHumanInputResolved, HumanInputResolution{
			RequestID:   "req-1",
			Approved:    true,
			RespondedBy: "analyst@example.com",
			RespondedAt: f.now,
		})
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCompleted, result.Status)

	assert.Equal(t, 1, env.callCount(ActivityRegisterApproval))
	assert.Contains(t, traceTypes(env), "AWAITING_INPUT")

	// b received the approval envelope through its binding source's outputs.
	for _, c := range env.calls {
		if c.name != ActivityExecuteAction {
			continue
		}
		in, _ := decodeAs[ExecuteActionInput](c.input)
		if in.NodeRef == "b" {
			// a produced the approval envelope, not a regular output port.
			assert.Nil(t, in.Input["value"])
		}
	}
}

func TestHumanInputRejectionStillCompletesAction(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "b" {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-2",
				InputType: execctx.InputApproval,
				Title:     "Exploit the finding?",
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "ok"}}, nil
	})
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalHumanInputResolved, HumanInputResolution{
			RequestID:    "req-2",
			Approved:     false,
			ResponseNote: "out of scope",
			RespondedAt:  f.now,
		})
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCompleted, result.Status)
	require.Contains(t, result.Outputs, "b")
	assert.Equal(t, false, result.Outputs["b"]["approved"])
	assert.Equal(t, true, result.Outputs["b"]["rejected"])
	assert.Equal(t, "out of scope", result.Outputs["b"]["responseNote"])
}

func TestHumanInputTimeoutExpiresApproval(t *testing.T) {
	env := newFakeEnv(t)
	deadline := env.now.Add(10 * time.Minute)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-3",
				InputType: execctx.InputApproval,
				Title:     "Proceed?",
				TimeoutAt: &deadline,
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "ok"}}, nil
	})
	// Nobody answers; the clock passes the deadline.
	env.onBlock(func(f *fakeEnv) { f.now = deadline.Add(time.Second) })
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusFailed, result.Status)
	assert.Contains(t, result.Error, "ApprovalExpired")
	assert.Equal(t, 1, env.callCount(ActivityExpireApproval))
}

func TestToolCallsServicedWhileSuspended(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" && in.Input["value"] == nil {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-4",
				InputType: execctx.InputSelection,
				Title:     "Pick targets",
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": in.Input["value"]}}, nil
	})
	callID := "run-1:b:1700000000000"
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalExecuteToolCall, ExecuteToolCallSignal{
			CallID:      callID,
			NodeID:      "b",
			ComponentID: "test.step",
			Arguments:   map[string]any{"value": "agent-supplied", "api_key": "evil-override"},
			Credentials: map[string]string{"api_key": "vault-secret"},
		})
	})
	env.onBlock(func(f *fakeEnv) {
		// Duplicate call id must be ignored.
		f.signal(SignalExecuteToolCall, ExecuteToolCallSignal{CallID: callID, NodeID: "b", ComponentID: "test.step"})
	})
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalHumanInputResolved, HumanInputResolution{
			RequestID: "req-4", Approved: true, Selection: "subnet-10", RespondedAt: f.now,
		})
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCompleted, result.Status)

	// One dispatch despite two signals for the same call id. The run itself
	// executed trigger, a (pending), and b; the tool call adds one more.
	var toolDispatch *ExecuteActionInput
	for _, c := range env.calls {
		if c.name != ActivityExecuteAction {
			continue
		}
		in, _ := decodeAs[ExecuteActionInput](c.input)
		if in.NodeRef == "b" && in.Input["value"] == "agent-supplied" {
			require.Nil(t, toolDispatch, "duplicate call id dispatched twice")
			inCopy := in
			toolDispatch = &inCopy
		}
	}
	require.NotNil(t, toolDispatch)
	// Agent arguments never reach credential ports; the vault value does.
	assert.Equal(t, "vault-secret", toolDispatch.Input["api_key"])
}

func TestToolCallResultQueryAndPruning(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" && in.Input["value"] == nil {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-5", InputType: execctx.InputApproval, Title: "hold",
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "tool-output"}}, nil
	})
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalExecuteToolCall, ExecuteToolCallSignal{
			CallID: "call-1", NodeID: "b", ComponentID: "test.step",
		})
	})
	env.onBlock(func(f *fakeEnv) {
		// The query is answered from inside the suspended workflow.
		handler := f.queries[QueryToolCallResult].(func(string) (ToolCallResult, error))
		res, err := handler("call-1")
		require.NoError(f.t, err)
		assert.True(f.t, res.Found)
		assert.True(f.t, res.Success)
		assert.Equal(f.t, "tool-output", res.Output["output"])

		missing, err := handler("call-unknown")
		require.NoError(f.t, err)
		assert.False(f.t, missing.Found)

		// Stale envelopes are pruned after the retention window.
		f.now = f.now.Add(toolResultRetention + time.Minute)
		f.signal(SignalHumanInputResolved, HumanInputResolution{
			RequestID: "req-5", Approved: true, RespondedAt: f.now,
		})
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCompleted, result.Status)

	handler := env.queries[QueryToolCallResult].(func(string) (ToolCallResult, error))
	res, err := handler("call-1")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestCancelSignalCancelsRunAndApprovals(t *testing.T) {
	env := newFakeEnv(t)
	env.handle(ActivityExecuteAction, func(_ context.Context, input any) (any, error) {
		in, _ := decodeAs[ExecuteActionInput](input)
		if in.NodeRef == "a" {
			return ExecuteActionOutput{Pending: &execctx.PendingHumanInput{
				RequestID: "req-6", InputType: execctx.InputApproval, Title: "hold",
			}}, nil
		}
		return ExecuteActionOutput{Output: map[string]any{"output": "ok"}}, nil
	})
	env.onBlock(func(f *fakeEnv) {
		f.signal(SignalCancelRun, map[string]any{"reason": "operator abort"})
	})
	e := New(Options{Registry: testRegistry(t)})

	out, err := e.Run(env, runInput(pendingPlan()))
	require.NoError(t, err)
	result, _ := decodeAs[RunOutput](out)
	assert.Equal(t, RunStatusCancelled, result.Status)
	assert.Equal(t, 1, env.callCount(ActivityCancelApprovals))

	stateHandler := env.queries[QueryRunState].(func() (RunState, error))
	state, err := stateHandler()
	require.NoError(t, err)
	assert.Equal(t, RunStatusCancelled, state.Status)
	assert.Equal(t, statusCancelled, state.Actions["a"].Status)
	assert.Equal(t, statusCancelled, state.Actions["b"].Status)
}

func TestSummarizeOutputsKeepsValidUTF8(t *testing.T) {
	// 3-byte runes put the byte cap mid-rune.
	long := strings.Repeat("世", 100)
	summary := summarizeOutputs(map[string]any{
		"report": long,
		"short":  "ok",
		"hosts":  []any{"a", "b"},
		"meta":   map[string]any{"k": 1},
	})

	got := summary["report"].(string)
	require.True(t, strings.HasSuffix(got, "..."))
	trimmed := strings.TrimSuffix(got, "...")
	assert.True(t, utf8.ValidString(trimmed))
	assert.LessOrEqual(t, len(trimmed), 256)
	assert.Equal(t, "ok", summary["short"])
	assert.Equal(t, map[string]any{"count": 2}, summary["hosts"])
	assert.Equal(t, map[string]any{"keys": 1}, summary["meta"])
}
