package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/toolregistry"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 60 * time.Second
)

type (
	// RunInfo locates a run's workflow execution for signaling and scopes
	// access checks.
	RunInfo struct {
		RunID          string
		OrganizationID string
		WorkflowID     string
		EngineRunID    string
	}

	// DispatcherOptions configure component tool dispatch.
	DispatcherOptions struct {
		Engine     engine.Engine
		Registry   *toolregistry.Registry
		Components *component.Registry
		// PollInterval and PollTimeout bound the result poll loop.
		PollInterval time.Duration
		PollTimeout  time.Duration
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
		// Now is the clock, replaceable in tests.
		Now func() time.Time
	}

	// Dispatcher executes component tools by signaling the paused run and
	// polling for the stored result envelope.
	Dispatcher struct {
		eng          engine.Engine
		registry     *toolregistry.Registry
		components   *component.Registry
		pollInterval time.Duration
		pollTimeout  time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		now          func() time.Time

		mu         sync.Mutex
		lastCallMs int64
	}
)

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		eng:          opts.Engine,
		registry:     opts.Registry,
		components:   opts.Components,
		pollInterval: interval,
		pollTimeout:  timeout,
		logger:       logger,
		metrics:      metrics,
		now:          now,
	}
}

// CallComponentTool signals the run to execute the node with agent-supplied
// arguments and waits for the result envelope.
func (d *Dispatcher) CallComponentTool(ctx context.Context, info RunInfo, tool toolregistry.Tool, args map[string]any) (CallToolResult, error) {
	def, ok := d.components.Get(tool.ComponentID)
	if !ok {
		return ErrorResult("component " + tool.ComponentID + " is not registered"), nil
	}
	actionArgs, paramOverrides := partitionArguments(def, args)

	creds, _, err := d.registry.GetToolCredentials(ctx, info.RunID, tool.NodeID)
	if err != nil {
		return CallToolResult{}, err
	}

	callID := d.nextCallID(info.RunID, tool.NodeID)
	signal := executor.ExecuteToolCallSignal{
		CallID:      callID,
		NodeID:      tool.NodeID,
		ComponentID: tool.ComponentID,
		Arguments:   actionArgs,
		Parameters:  paramOverrides,
		Credentials: creds,
	}
	if err := d.eng.SignalByID(ctx, info.WorkflowID, info.EngineRunID, executor.SignalExecuteToolCall, signal); err != nil {
		return CallToolResult{}, rferr.Wrap(rferr.KindDependency, err, "signal workflow").
			WithField("runId", info.RunID).WithField("nodeId", tool.NodeID)
	}

	start := d.now()
	result, err := d.pollResult(ctx, info, callID)
	d.metrics.RecordTimer("mcp.tool_call.duration", d.now().Sub(start), "tool", tool.ToolName)
	d.reportCompletion(ctx, info, tool, result, err)
	if err != nil {
		return CallToolResult{}, err
	}
	if result.Error != "" {
		return ErrorResult(result.Error), nil
	}
	payload, merr := json.Marshal(result.Output)
	if merr != nil {
		return ErrorResult("tool output is not serializable"), nil
	}
	return TextResult(string(payload)), nil
}

func (d *Dispatcher) pollResult(ctx context.Context, info RunInfo, callID string) (executor.ToolCallResult, error) {
	deadline := d.now().Add(d.pollTimeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		var result executor.ToolCallResult
		err := d.eng.QueryByID(ctx, info.WorkflowID, info.EngineRunID, executor.QueryToolCallResult, &result, callID)
		if err != nil {
			d.logger.Warn(ctx, "tool result query failed", "run_id", info.RunID, "call_id", callID, "err", err)
		} else if result.Found {
			return result, nil
		}
		if d.now().After(deadline) {
			return executor.ToolCallResult{}, rferr.New(rferr.KindTimeout, "tool call did not complete within the poll window").
				WithField("runId", info.RunID).WithField("callId", callID)
		}
		select {
		case <-ctx.Done():
			return executor.ToolCallResult{}, rferr.Wrap(rferr.KindCancelled, ctx.Err(), "tool call abandoned")
		case <-ticker.C:
		}
	}
}

// reportCompletion fires the observational toolCallCompleted signal. Best
// effort.
func (d *Dispatcher) reportCompletion(ctx context.Context, info RunInfo, tool toolregistry.Tool, result executor.ToolCallResult, callErr error) {
	report := executor.ToolCallCompletedSignal{
		NodeRef:  tool.NodeID,
		ToolName: tool.ToolName,
		Status:   "completed",
	}
	switch {
	case callErr != nil:
		report.Status = "failed"
		report.ErrorMessage = callErr.Error()
	case result.Error != "":
		report.Status = "failed"
		report.ErrorMessage = result.Error
	default:
		report.Output = result.Output
	}
	if err := d.eng.SignalByID(ctx, info.WorkflowID, info.EngineRunID, executor.SignalToolCallCompleted, report); err != nil {
		d.logger.Warn(ctx, "tool completion report failed", "run_id", info.RunID, "err", err)
	}
}

// nextCallID derives runId:nodeId:timestamp with a strictly increasing
// millisecond component so bursts within one tick stay distinct.
func (d *Dispatcher) nextCallID(runID, nodeID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms := d.now().UnixMilli()
	if ms <= d.lastCallMs {
		ms = d.lastCallMs + 1
	}
	d.lastCallMs = ms
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, ms)
}

// partitionArguments splits agent arguments into action-bound values and
// exposed parameter overrides. Keys binding to credential ports are dropped
// outright; the vault is the only credential source.
func partitionArguments(def *component.Definition, args map[string]any) (actionArgs, paramOverrides map[string]any) {
	actionArgs = make(map[string]any)
	paramOverrides = make(map[string]any)
	exposed := make(map[string]bool)
	if def.AgentTool != nil {
		for _, id := range def.AgentTool.ExposeParams {
			exposed[id] = true
		}
	}
	for key, val := range args {
		binding, ok := def.BindingFor(key)
		if !ok {
			continue
		}
		switch binding {
		case component.BindingAction:
			actionArgs[key] = val
		case component.BindingConfig:
			if exposed[key] {
				paramOverrides[key] = val
			}
		}
	}
	return actionArgs, paramOverrides
}
