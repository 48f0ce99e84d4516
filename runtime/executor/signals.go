package executor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal and query names forming the workflow's external protocol. The
// approval coordinator and the MCP gateway address running workflows through
// these.
const (
	// SignalHumanInputResolved delivers a human decision to a suspended
	// action.
	SignalHumanInputResolved = "humanInputResolved"
	// SignalExecuteToolCall asks a paused run to execute one of its nodes
	// with agent-supplied arguments.
	SignalExecuteToolCall = "executeToolCall"
	// SignalToolCallCompleted is observational; the gateway reports dispatch
	// outcomes so they land in the run trace.
	SignalToolCallCompleted = "toolCallCompleted"
	// SignalCancelRun requests cooperative cancellation.
	SignalCancelRun = "cancelRun"

	// QueryToolCallResult returns the stored envelope for a call id.
	QueryToolCallResult = "getToolCallResult"
	// QueryRunState returns the run's current action states.
	QueryRunState = "getRunState"
)

// toolResultRetention keeps tool-call envelopes queryable for the longer of
// the gateway poll window and five minutes.
const toolResultRetention = 5 * time.Minute

type (
	// HumanInputResolution is the payload of SignalHumanInputResolved.
	HumanInputResolution struct {
		RequestID    string    `json:"requestId"`
		Approved     bool      `json:"approved"`
		Selection    string    `json:"selection,omitempty"`
		RespondedBy  string    `json:"respondedBy,omitempty"`
		ResponseNote string    `json:"responseNote,omitempty"`
		RespondedAt  time.Time `json:"respondedAt"`
	}

	// ExecuteToolCallSignal is the payload of SignalExecuteToolCall.
	// Arguments override action-bound inputs only; Credentials fill
	// credential-bound ports and are never overridable by Arguments.
	ExecuteToolCallSignal struct {
		CallID      string            `json:"callId"`
		NodeID      string            `json:"nodeId"`
		ComponentID string            `json:"componentId"`
		Arguments   map[string]any    `json:"arguments,omitempty"`
		Parameters  map[string]any    `json:"parameters,omitempty"`
		Credentials map[string]string `json:"credentials,omitempty"`
	}

	// ToolCallCompletedSignal is the payload of SignalToolCallCompleted.
	ToolCallCompletedSignal struct {
		NodeRef      string         `json:"nodeRef"`
		ToolName     string         `json:"toolName"`
		Status       string         `json:"status"`
		Output       map[string]any `json:"output,omitempty"`
		ErrorMessage string         `json:"errorMessage,omitempty"`
	}

	// ToolCallResult answers QueryToolCallResult. Found is false until the
	// dispatched activity finishes or after the envelope is pruned.
	ToolCallResult struct {
		Found   bool           `json:"found"`
		Success bool           `json:"success"`
		Output  map[string]any `json:"output,omitempty"`
		Error   string         `json:"error,omitempty"`
	}

	// RunState answers QueryRunState.
	RunState struct {
		Status  string                 `json:"status"`
		Actions map[string]ActionState `json:"actions"`
	}

	// ActionState is one action's view in RunState.
	ActionState struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
)

// decodeAs round-trips a loosely typed payload (map[string]any from the data
// converter) into a concrete struct.
func decodeAs[T any](input any) (T, error) {
	var out T
	raw, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
