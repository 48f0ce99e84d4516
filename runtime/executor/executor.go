// Package executor drives a compiled ActionPlan inside the durable workflow
// runtime. Every state transition is journaled through the engine, so a run
// survives worker crashes and picks up exactly where it left off. The
// executor also services the agent tool-call protocol while a run is
// suspended on human input.
package executor

import (
	"time"
	"unicode/utf8"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/plan"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/execctx"
	"github.com/reconflow/reconflow/trace"
)

// WorkflowRun is the registered workflow name.
const WorkflowRun = "workflowRun"

// Activity names the executor schedules. Handlers live in Activities.
const (
	ActivityExecuteAction    = "action.execute"
	ActivityAppendTrace      = "trace.append"
	ActivityRegisterApproval = "approval.register"
	ActivityExpireApproval   = "approval.expire"
	ActivityCancelApprovals  = "approval.cancelRun"
	ActivitySetRunStatus     = "run.setStatus"
)

// Action status vocabulary inside a run.
const (
	statusPending       = "pending"
	statusRunning       = "running"
	statusCompleted     = "completed"
	statusFailed        = "failed"
	statusAwaitingInput = "awaiting_input"
	statusCancelled     = "cancelled"
	statusSkipped       = "skipped"
)

// Run status vocabulary reported to the run store.
const (
	RunStatusRunning       = "RUNNING"
	RunStatusAwaitingInput = "AWAITING_INPUT"
	RunStatusCompleted     = "COMPLETED"
	RunStatusFailed        = "FAILED"
	RunStatusCancelled     = "CANCELLED"
)

type (
	// RunInput starts a workflow run.
	RunInput struct {
		RunID          string          `json:"runId"`
		OrganizationID string          `json:"organizationId"`
		Plan           plan.ActionPlan `json:"plan"`
		Inputs         map[string]any  `json:"inputs,omitempty"`
	}

	// RunOutput is the workflow result. Outputs holds the outputs of leaf
	// actions keyed by ref.
	RunOutput struct {
		Status  string                    `json:"status"`
		Outputs map[string]map[string]any `json:"outputs,omitempty"`
		Error   string                    `json:"error,omitempty"`
	}

	// Options configure the executor.
	Options struct {
		Registry *component.Registry
		// TaskQueue routes the executor's activities. Empty uses the engine
		// default.
		TaskQueue string
		// ActivityTimeout bounds activities with no per-action timeout.
		// Defaults to ten minutes.
		ActivityTimeout time.Duration
	}

	// Executor owns the workflow function.
	Executor struct {
		registry        *component.Registry
		taskQueue       string
		activityTimeout time.Duration
	}
)

// New builds an executor.
func New(opts Options) *Executor {
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Executor{
		registry:        opts.Registry,
		taskQueue:       opts.TaskQueue,
		activityTimeout: timeout,
	}
}

// WorkflowDefinition returns the registration for the run workflow.
func (e *Executor) WorkflowDefinition() engine.WorkflowDefinition {
	return engine.WorkflowDefinition{
		Name:      WorkflowRun,
		TaskQueue: e.taskQueue,
		Handler:   e.Run,
	}
}

// Run is the workflow function.
func (e *Executor) Run(wfCtx engine.WorkflowContext, input any) (any, error) {
	in, err := decodeAs[RunInput](input)
	if err != nil {
		return nil, rferr.Wrap(rferr.KindValidation, err, "decode run input")
	}
	m := newMachine(e, wfCtx, in)
	if err := m.registerQueries(); err != nil {
		return nil, err
	}
	m.setRunStatus(RunStatusRunning, nil, "")

	for i := range in.Plan.Actions {
		act := &in.Plan.Actions[i]
		m.drain()
		m.processToolWork()
		if m.cancelled {
			break
		}
		if !m.depsCompleted(act) {
			m.skipAction(act)
			continue
		}
		m.runAction(act)
		if m.runFailed || m.cancelled {
			break
		}
	}

	out := m.finish()
	if out.Status == RunStatusFailed {
		m.setRunStatus(RunStatusFailed, nil, out.Error)
	} else {
		m.setRunStatus(out.Status, flattenOutputs(out.Outputs), out.Error)
	}
	return out, nil
}

// machine is the per-run execution state. It lives entirely inside the
// workflow function and is rebuilt deterministically on replay.
type machine struct {
	e     *Executor
	wfCtx engine.WorkflowContext
	in    RunInput

	states map[string]*actionRun

	// Signal intake queues, filled by drain and consumed by the main loop.
	cancelled   bool
	runFailed   bool
	runError    string
	resolutions map[string]HumanInputResolution
	dispatch    []ExecuteToolCallSignal
	reports     []ToolCallCompletedSignal

	inflight    []inflightToolCall
	toolResults map[string]storedToolResult
}

type actionRun struct {
	status  string
	outputs map[string]any
	err     string
}

type inflightToolCall struct {
	callID   string
	nodeID   string
	toolName string
	future   engine.Future
}

type storedToolResult struct {
	result   ToolCallResult
	storedAt time.Time
}

func newMachine(e *Executor, wfCtx engine.WorkflowContext, in RunInput) *machine {
	states := make(map[string]*actionRun, len(in.Plan.Actions))
	for _, act := range in.Plan.Actions {
		states[act.Ref] = &actionRun{status: statusPending}
	}
	return &machine{
		e:           e,
		wfCtx:       wfCtx,
		in:          in,
		states:      states,
		resolutions: make(map[string]HumanInputResolution),
		toolResults: make(map[string]storedToolResult),
	}
}

func (m *machine) registerQueries() error {
	err := m.wfCtx.SetQueryHandler(QueryToolCallResult, func(callID string) (ToolCallResult, error) {
		if stored, ok := m.toolResults[callID]; ok {
			return stored.result, nil
		}
		return ToolCallResult{}, nil
	})
	if err != nil {
		return err
	}
	return m.wfCtx.SetQueryHandler(QueryRunState, func() (RunState, error) {
		state := RunState{Status: m.runStatus(), Actions: make(map[string]ActionState, len(m.states))}
		for ref, s := range m.states {
			state.Actions[ref] = ActionState{Status: s.status, Error: s.err}
		}
		return state, nil
	})
}

func (m *machine) runStatus() string {
	switch {
	case m.cancelled:
		return RunStatusCancelled
	case m.runFailed:
		return RunStatusFailed
	default:
		for _, s := range m.states {
			if s.status == statusAwaitingInput {
				return RunStatusAwaitingInput
			}
		}
		return RunStatusRunning
	}
}

// drain moves buffered signals into the machine's queues. It performs no
// blocking calls so Await conditions may invoke it.
func (m *machine) drain() {
	var raw any
	cancelCh := m.wfCtx.SignalChannel(SignalCancelRun)
	for cancelCh.ReceiveAsync(&raw) {
		m.cancelled = true
	}

	resCh := m.wfCtx.SignalChannel(SignalHumanInputResolved)
	var res HumanInputResolution
	for resCh.ReceiveAsync(&res) {
		if _, dup := m.resolutions[res.RequestID]; !dup && res.RequestID != "" {
			m.resolutions[res.RequestID] = res
		}
		res = HumanInputResolution{}
	}

	callCh := m.wfCtx.SignalChannel(SignalExecuteToolCall)
	var call ExecuteToolCallSignal
	for callCh.ReceiveAsync(&call) {
		m.dispatch = append(m.dispatch, call)
		call = ExecuteToolCallSignal{}
	}

	repCh := m.wfCtx.SignalChannel(SignalToolCallCompleted)
	var rep ToolCallCompletedSignal
	for repCh.ReceiveAsync(&rep) {
		m.reports = append(m.reports, rep)
		rep = ToolCallCompletedSignal{}
	}
}

// hasToolWork reports whether processToolWork has something to do. Await
// conditions use it to wake the main loop without doing the work in place.
func (m *machine) hasToolWork() bool {
	if len(m.dispatch) > 0 || len(m.reports) > 0 {
		return true
	}
	for _, call := range m.inflight {
		if call.future.IsReady() {
			return true
		}
	}
	return false
}

// processToolWork dispatches queued tool calls, harvests finished ones and
// prunes stale envelopes. Only the main loop calls it; it may block on
// activity scheduling.
func (m *machine) processToolWork() {
	for _, rep := range m.reports {
		m.appendTrace(trace.Event{
			Type:    trace.NodeProgress,
			NodeRef: rep.NodeRef,
			Level:   levelForStatus(rep.Status),
			Message: "tool call " + rep.Status,
			Data: map[string]any{
				"toolName": rep.ToolName,
				"status":   rep.Status,
				"error":    rep.ErrorMessage,
			},
		})
	}
	m.reports = nil

	for _, call := range m.dispatch {
		m.dispatchToolCall(call)
	}
	m.dispatch = nil

	remaining := m.inflight[:0]
	for _, call := range m.inflight {
		if !call.future.IsReady() {
			remaining = append(remaining, call)
			continue
		}
		var out ExecuteActionOutput
		result := ToolCallResult{Found: true}
		if err := call.future.Get(m.wfCtx.Context(), &out); err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = out.Output
		}
		m.toolResults[call.callID] = storedToolResult{result: result, storedAt: m.wfCtx.Now()}
		m.appendTrace(trace.Event{
			Type:    trace.NodeProgress,
			NodeRef: call.nodeID,
			Level:   levelForSuccess(result.Success),
			Message: "agent tool call finished",
			Data:    map[string]any{"callId": call.callID, "success": result.Success},
		})
	}
	m.inflight = remaining

	now := m.wfCtx.Now()
	for id, stored := range m.toolResults {
		if now.Sub(stored.storedAt) > toolResultRetention {
			delete(m.toolResults, id)
		}
	}
}

// dispatchToolCall schedules an agent-requested execution of a plan node.
// Duplicate call ids are ignored.
func (m *machine) dispatchToolCall(call ExecuteToolCallSignal) {
	if call.CallID == "" {
		return
	}
	if _, done := m.toolResults[call.CallID]; done {
		return
	}
	for _, ic := range m.inflight {
		if ic.callID == call.CallID {
			return
		}
	}
	act, ok := m.in.Plan.Action(call.NodeID)
	if !ok {
		m.toolResults[call.CallID] = storedToolResult{
			result:   ToolCallResult{Found: true, Error: "unknown node " + call.NodeID},
			storedAt: m.wfCtx.Now(),
		}
		return
	}
	input := m.buildInput(act)
	m.overlayToolArguments(act, input, call)
	future, err := m.wfCtx.ExecuteActivityAsync(m.wfCtx.Context(), engine.ActivityRequest{
		Name: ActivityExecuteAction,
		Input: ExecuteActionInput{
			RunID:          m.in.RunID,
			OrganizationID: m.in.OrganizationID,
			NodeRef:        act.Ref,
			ComponentID:    act.ComponentID,
			Input:          input,
			TimeoutSeconds: act.TimeoutSeconds,
		},
		Options: m.activityOptions(act.TimeoutSeconds),
	})
	if err != nil {
		m.toolResults[call.CallID] = storedToolResult{
			result:   ToolCallResult{Found: true, Error: err.Error()},
			storedAt: m.wfCtx.Now(),
		}
		return
	}
	m.inflight = append(m.inflight, inflightToolCall{
		callID: call.CallID,
		nodeID: call.NodeID,
		future: future,
	})
}

// overlayToolArguments applies agent arguments to action-bound ports and
// credentials to credential-bound ports. Config-bound parameters accept
// overrides only when present in the call's Parameters (the gateway filters
// those against the component's exposed list).
func (m *machine) overlayToolArguments(act *plan.Action, input map[string]any, call ExecuteToolCallSignal) {
	def, ok := m.definition(act.ComponentID)
	if !ok {
		return
	}
	for key, val := range call.Arguments {
		if binding, ok := def.BindingFor(key); ok && binding == component.BindingAction {
			input[key] = val
		}
	}
	for key, val := range call.Parameters {
		if binding, ok := def.BindingFor(key); ok && binding == component.BindingConfig {
			input[key] = val
		}
	}
	for key, val := range call.Credentials {
		if binding, ok := def.BindingFor(key); ok && binding == component.BindingCredential {
			input[key] = val
		}
	}
}

func (m *machine) definition(componentID string) (*component.Definition, bool) {
	if m.e.registry == nil {
		return nil, false
	}
	return m.e.registry.Get(componentID)
}

// depsCompleted reports whether every dependency finished successfully.
func (m *machine) depsCompleted(act *plan.Action) bool {
	for _, dep := range act.DependsOn {
		if s, ok := m.states[dep]; !ok || s.status != statusCompleted {
			return false
		}
	}
	return true
}

func (m *machine) skipAction(act *plan.Action) {
	m.states[act.Ref].status = statusSkipped
	m.appendTrace(trace.Event{
		Type:    trace.NodeSkipped,
		NodeRef: act.Ref,
		Message: "dependencies did not complete",
	})
}

// buildInput merges, in increasing precedence: component defaults, plan
// params, run inputs (entry action only) and upstream binding values.
func (m *machine) buildInput(act *plan.Action) map[string]any {
	input := make(map[string]any)
	if def, ok := m.definition(act.ComponentID); ok {
		for _, p := range def.Inputs {
			if p.Default != nil {
				input[p.ID] = p.Default
			}
		}
		for _, p := range def.Parameters {
			if p.Default != nil {
				input[p.ID] = p.Default
			}
		}
	}
	for k, v := range act.Params {
		input[k] = v
	}
	if act.Ref == m.in.Plan.Entrypoint.Ref {
		for k, v := range m.in.Inputs {
			input[k] = v
		}
	}
	for _, b := range act.Bindings {
		dep, ok := m.states[b.SourceRef]
		if !ok || dep.outputs == nil {
			continue
		}
		if v, ok := dep.outputs[b.SourceOutput]; ok {
			input[b.TargetInput] = v
		}
	}
	return input
}

// runAction executes one action to a terminal state, suspending on human
// input when the component asks for it.
func (m *machine) runAction(act *plan.Action) {
	state := m.states[act.Ref]
	state.status = statusRunning
	input := m.buildInput(act)
	m.appendTrace(trace.Event{
		Type:    trace.NodeStarted,
		NodeRef: act.Ref,
		Message: "action started",
		Data:    map[string]any{"componentId": act.ComponentID},
	})

	var out ExecuteActionOutput
	err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
		Name: ActivityExecuteAction,
		Input: ExecuteActionInput{
			RunID:          m.in.RunID,
			OrganizationID: m.in.OrganizationID,
			NodeRef:        act.Ref,
			ComponentID:    act.ComponentID,
			Input:          input,
			TimeoutSeconds: act.TimeoutSeconds,
		},
		Options: m.activityOptions(act.TimeoutSeconds),
	}, &out)
	if err != nil {
		m.failAction(act, err.Error())
		return
	}
	if out.Pending != nil {
		m.awaitHumanInput(act, out.Output, *out.Pending)
		return
	}
	m.completeAction(act, out.Output)
}

func (m *machine) completeAction(act *plan.Action, outputs map[string]any) {
	state := m.states[act.Ref]
	state.status = statusCompleted
	state.outputs = outputs
	m.appendTrace(trace.Event{
		Type:          trace.NodeCompleted,
		NodeRef:       act.Ref,
		Message:       "action completed",
		OutputSummary: summarizeOutputs(outputs),
	})
}

func (m *machine) failAction(act *plan.Action, msg string) {
	state := m.states[act.Ref]
	state.status = statusFailed
	state.err = msg
	m.appendTrace(trace.Event{
		Type:    trace.NodeFailed,
		NodeRef: act.Ref,
		Level:   trace.LevelError,
		Error:   msg,
	})
	if !act.ContinueOnError {
		m.runFailed = true
		m.runError = "action " + act.Ref + " failed: " + msg
	}
}

// awaitHumanInput suspends the run until the request is resolved, the
// deadline passes or the run is cancelled. Tool calls keep being serviced
// while suspended.
func (m *machine) awaitHumanInput(act *plan.Action, partial map[string]any, req execctx.PendingHumanInput) {
	state := m.states[act.Ref]
	state.status = statusAwaitingInput
	m.appendTrace(trace.Event{
		Type:    trace.AwaitingInput,
		NodeRef: act.Ref,
		Message: req.Title,
		Data: map[string]any{
			"requestId": req.RequestID,
			"inputType": string(req.InputType),
		},
	})
	m.setRunStatus(RunStatusAwaitingInput, nil, "")

	if err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
		Name: ActivityRegisterApproval,
		Input: RegisterApprovalInput{
			RunID:          m.in.RunID,
			OrganizationID: m.in.OrganizationID,
			NodeRef:        act.Ref,
			WorkflowID:     m.wfCtx.WorkflowID(),
			EngineRunID:    m.wfCtx.RunID(),
			Request:        req,
		},
		Options: m.activityOptions(0),
	}, nil); err != nil {
		m.failAction(act, "register approval: "+err.Error())
		return
	}

	for {
		cond := func() bool {
			m.drain()
			_, resolved := m.resolutions[req.RequestID]
			return resolved || m.cancelled || m.hasToolWork()
		}
		if req.TimeoutAt != nil {
			remaining := req.TimeoutAt.Sub(m.wfCtx.Now())
			if remaining <= 0 {
				// One last drain: a resolution raced the deadline.
				m.drain()
				if _, ok := m.resolutions[req.RequestID]; !ok {
					m.expireApproval(act, req)
					return
				}
			} else if _, err := m.wfCtx.AwaitWithTimeout(m.wfCtx.Context(), remaining, cond); err != nil {
				m.cancelled = true
			}
		} else if err := m.wfCtx.Await(m.wfCtx.Context(), cond); err != nil {
			m.cancelled = true
		}

		m.drain()
		m.processToolWork()
		if res, ok := m.resolutions[req.RequestID]; ok {
			m.resumeFromHumanInput(act, partial, res)
			m.setRunStatus(RunStatusRunning, nil, "")
			return
		}
		if m.cancelled {
			state.status = statusCancelled
			return
		}
	}
}

func (m *machine) resumeFromHumanInput(act *plan.Action, partial map[string]any, res HumanInputResolution) {
	outputs := make(map[string]any, len(partial)+5)
	for k, v := range partial {
		outputs[k] = v
	}
	outputs["approved"] = res.Approved
	if !res.Approved {
		outputs["rejected"] = true
	}
	if res.Selection != "" {
		outputs["selection"] = res.Selection
	}
	outputs["respondedBy"] = res.RespondedBy
	outputs["respondedAt"] = res.RespondedAt
	if res.ResponseNote != "" {
		outputs["responseNote"] = res.ResponseNote
	}
	m.completeAction(act, outputs)
}

func (m *machine) expireApproval(act *plan.Action, req execctx.PendingHumanInput) {
	if err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
		Name:    ActivityExpireApproval,
		Input:   ExpireApprovalInput{RunID: m.in.RunID, RequestID: req.RequestID},
		Options: m.activityOptions(0),
	}, nil); err != nil {
		m.wfCtx.Logger().Warn(m.wfCtx.Context(), "approval expiry activity failed",
			"run_id", m.in.RunID, "request_id", req.RequestID, "err", err)
	}
	m.failAction(act, "ApprovalExpired: human input not received before deadline")
}

// finish computes the terminal run state and performs cancellation cleanup.
func (m *machine) finish() RunOutput {
	if m.cancelled {
		for _, s := range m.states {
			if s.status == statusPending || s.status == statusRunning || s.status == statusAwaitingInput {
				s.status = statusCancelled
			}
		}
		if err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
			Name:    ActivityCancelApprovals,
			Input:   CancelApprovalsInput{RunID: m.in.RunID},
			Options: m.activityOptions(0),
		}, nil); err != nil {
			m.wfCtx.Logger().Warn(m.wfCtx.Context(), "approval cascade cancel failed",
				"run_id", m.in.RunID, "err", err)
		}
		return RunOutput{Status: RunStatusCancelled}
	}
	if m.runFailed {
		return RunOutput{Status: RunStatusFailed, Error: m.runError}
	}
	return RunOutput{Status: RunStatusCompleted, Outputs: m.leafOutputs()}
}

// leafOutputs collects outputs of completed actions no other action depends
// on.
func (m *machine) leafOutputs() map[string]map[string]any {
	depended := make(map[string]bool)
	for _, act := range m.in.Plan.Actions {
		for _, dep := range act.DependsOn {
			depended[dep] = true
		}
	}
	out := make(map[string]map[string]any)
	for _, act := range m.in.Plan.Actions {
		s := m.states[act.Ref]
		if !depended[act.Ref] && s.status == statusCompleted {
			out[act.Ref] = s.outputs
		}
	}
	return out
}

func (m *machine) activityOptions(timeoutSeconds int) engine.ActivityOptions {
	timeout := m.e.activityTimeout
	if timeoutSeconds > 0 {
		// Slack covers retry backoff inside the runner.
		timeout = time.Duration(timeoutSeconds)*time.Second + 30*time.Second
	}
	return engine.ActivityOptions{
		Queue:   m.e.taskQueue,
		Timeout: timeout,
		// The runner owns retries; the engine schedules each attempt once.
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}
}

// appendTrace journals a trace event through the sink activity. Sequence
// assignment happens at the sink; failures are logged, never fatal.
func (m *machine) appendTrace(ev trace.Event) {
	ev.RunID = m.in.RunID
	ev.WorkflowID = m.wfCtx.WorkflowID()
	ev.Timestamp = m.wfCtx.Now()
	if ev.Level == "" {
		ev.Level = trace.LevelInfo
	}
	if err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
		Name:    ActivityAppendTrace,
		Input:   ev,
		Options: m.activityOptions(0),
	}, nil); err != nil {
		m.wfCtx.Logger().Warn(m.wfCtx.Context(), "trace append failed",
			"run_id", m.in.RunID, "type", string(ev.Type), "err", err)
	}
}

// setRunStatus mirrors the run state into the run store. Best effort; the
// workflow history remains the source of truth.
func (m *machine) setRunStatus(status string, outputs map[string]any, errMsg string) {
	if err := m.wfCtx.ExecuteActivity(m.wfCtx.Context(), engine.ActivityRequest{
		Name: ActivitySetRunStatus,
		Input: SetRunStatusInput{
			RunID:   m.in.RunID,
			Status:  status,
			Outputs: outputs,
			Error:   errMsg,
		},
		Options: m.activityOptions(0),
	}, nil); err != nil {
		m.wfCtx.Logger().Warn(m.wfCtx.Context(), "run status update failed",
			"run_id", m.in.RunID, "status", status, "err", err)
	}
}

// summarizeOutputs trims bulky values so NODE_COMPLETED events stay small
// enough for the stream. Full outputs remain available via the result API.
func summarizeOutputs(outputs map[string]any) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	summary := make(map[string]any, len(outputs))
	for k, v := range outputs {
		switch tv := v.(type) {
		case string:
			summary[k] = truncate(tv, 256)
		case []any:
			summary[k] = map[string]any{"count": len(tv)}
		case map[string]any:
			summary[k] = map[string]any{"keys": len(tv)}
		default:
			summary[k] = v
		}
	}
	return summary
}

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func flattenOutputs(outputs map[string]map[string]any) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	flat := make(map[string]any, len(outputs))
	for ref, out := range outputs {
		flat[ref] = out
	}
	return flat
}

func levelForStatus(status string) trace.Level {
	if status == "error" || status == "failed" {
		return trace.LevelError
	}
	return trace.LevelInfo
}

func levelForSuccess(ok bool) trace.Level {
	if ok {
		return trace.LevelInfo
	}
	return trace.LevelError
}
