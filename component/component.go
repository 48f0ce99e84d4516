// Package component defines component definitions and the process-wide
// registry the compiler and runner resolve them from. A component is the unit
// of work a workflow node refers to: a typed set of input/output ports, a
// runner strategy, and (for inline components) an execute function.
package component

import (
	"context"

	"github.com/reconflow/reconflow/runtime/execctx"
)

// BindingType classifies how an input port is bound at compile time.
type BindingType string

const (
	// BindingAction ports carry data produced by upstream actions and may be
	// overridden by agent-supplied arguments at tool-call time.
	BindingAction BindingType = "action"
	// BindingCredential ports carry secrets. Never exposed to or overridable
	// by agents.
	BindingCredential BindingType = "credential"
	// BindingConfig ports carry operator-chosen configuration from the node's
	// editor config.
	BindingConfig BindingType = "config"
)

// PrimitiveType enumerates the primitive connection types.
type PrimitiveType string

const (
	PrimitiveText    PrimitiveType = "text"
	PrimitiveNumber  PrimitiveType = "number"
	PrimitiveBoolean PrimitiveType = "boolean"
	PrimitiveSecret  PrimitiveType = "secret"
	PrimitiveJSON    PrimitiveType = "json"
	PrimitiveFile    PrimitiveType = "file"
)

// ConnectionKind discriminates the ConnectionType variant.
type ConnectionKind string

const (
	ConnectionPrimitive ConnectionKind = "primitive"
	ConnectionList      ConnectionKind = "list"
	ConnectionMap       ConnectionKind = "map"
	ConnectionContract  ConnectionKind = "contract"
	ConnectionAny       ConnectionKind = "any"
)

type (
	// ConnectionType describes the type carried by a port. Exactly the fields
	// relevant to Kind are set.
	ConnectionType struct {
		Kind      ConnectionKind  `json:"kind"`
		Primitive PrimitiveType   `json:"primitive,omitempty"`
		Elem      *ConnectionType `json:"elem,omitempty"`
		Key       *ConnectionType `json:"key,omitempty"`
		Value     *ConnectionType `json:"value,omitempty"`
		// Contract names a structured payload contract shared between
		// components (e.g. "HostList"). Credential marks credential-bearing
		// contracts.
		Contract   string `json:"contract,omitempty"`
		Credential bool   `json:"credential,omitempty"`
	}

	// Port describes one input, parameter or output of a component.
	Port struct {
		ID          string         `json:"id"`
		Label       string         `json:"label,omitempty"`
		Description string         `json:"description,omitempty"`
		Binding     BindingType    `json:"binding"`
		Type        ConnectionType `json:"type"`
		Required    bool           `json:"required,omitempty"`
		// Default satisfies the port when neither an edge nor a config value
		// binds it. Must be JSON serializable.
		Default any `json:"default,omitempty"`
	}

	// RunnerKind selects the execution strategy for a component.
	RunnerKind string

	// ContainerRunner describes a containerized execution.
	ContainerRunner struct {
		Image      string            `json:"image"`
		Entrypoint string            `json:"entrypoint,omitempty"`
		Command    []string          `json:"command,omitempty"`
		Env        map[string]string `json:"env,omitempty"`
		Network    string            `json:"network,omitempty"`
		TimeoutSec int               `json:"timeoutSec,omitempty"`
		// Shell wraps the command in a PTY-safe shell invocation for tools
		// that misbehave without a terminal.
		Shell bool `json:"shell,omitempty"`
	}

	// RemoteRunner describes an HTTP-invoked execution.
	RemoteRunner struct {
		Endpoint string `json:"endpoint"`
		// AuthSecretRef names the secret resolved through the execution
		// context at invocation time.
		AuthSecretRef string `json:"authSecretRef,omitempty"`
	}

	// Runner is a tagged variant: exactly one of Container or Remote is set
	// for the non-inline kinds.
	Runner struct {
		Kind      RunnerKind       `json:"kind"`
		Container *ContainerRunner `json:"container,omitempty"`
		Remote    *RemoteRunner    `json:"remote,omitempty"`
	}

	// RetryPolicy governs action retries. Delays follow
	// min(initial * coeff^(n-1), max).
	RetryPolicy struct {
		MaxAttempts            int      `json:"maxAttempts,omitempty"`
		InitialIntervalSeconds float64  `json:"initialIntervalSeconds,omitempty"`
		BackoffCoefficient     float64  `json:"backoffCoefficient,omitempty"`
		MaximumIntervalSeconds float64  `json:"maximumIntervalSeconds,omitempty"`
		NonRetryableErrorKinds []string `json:"nonRetryableErrorKinds,omitempty"`
	}

	// AgentTool marks a component as callable by agents through the MCP
	// gateway and controls how it is announced.
	AgentTool struct {
		ToolName    string   `json:"toolName"`
		Description string   `json:"description,omitempty"`
		// ExposeParams lists config-bound parameter ids agents may override.
		ExposeParams []string `json:"exposeParams,omitempty"`
	}

	// ExecuteFunc runs an inline component. Input holds the merged, bound
	// input values keyed by port id. A non-nil Pending in the result suspends
	// the owning workflow until a human resolves the request.
	ExecuteFunc func(ctx context.Context, ec *execctx.Context, input map[string]any) (*Result, error)

	// Result is the outcome of a component execution.
	Result struct {
		// Output maps output port ids to produced values.
		Output map[string]any `json:"output,omitempty"`
		// Pending, when set, suspends the action awaiting human input.
		Pending *execctx.PendingHumanInput `json:"pending,omitempty"`
	}

	// Definition is the immutable description of a component. Definitions are
	// registered once at process start and live for the process lifetime.
	Definition struct {
		ID          string      `json:"id"`
		Label       string      `json:"label"`
		Category    string      `json:"category"`
		Description string      `json:"description,omitempty"`
		Runner      Runner      `json:"runner"`
		Inputs      []Port      `json:"inputs,omitempty"`
		Parameters  []Port      `json:"parameters,omitempty"`
		Outputs     []Port      `json:"outputs,omitempty"`
		Retry       RetryPolicy `json:"retry,omitempty"`
		AgentTool   *AgentTool  `json:"agentTool,omitempty"`
		Execute     ExecuteFunc `json:"-"`
	}
)

const (
	RunnerInline    RunnerKind = "inline"
	RunnerContainer RunnerKind = "container"
	RunnerRemote    RunnerKind = "remote"
)

// CategoryTrigger is the category of workflow entry components. The compiler
// requires exactly one trigger node per graph.
const CategoryTrigger = "trigger"

// Primitive is a convenience constructor for primitive connection types.
func Primitive(p PrimitiveType) ConnectionType {
	return ConnectionType{Kind: ConnectionPrimitive, Primitive: p}
}

// List is a convenience constructor for list connection types.
func List(elem ConnectionType) ConnectionType {
	return ConnectionType{Kind: ConnectionList, Elem: &elem}
}

// Any is the unconstrained connection type.
func Any() ConnectionType { return ConnectionType{Kind: ConnectionAny} }

// InputPort finds an input port by id.
func (d *Definition) InputPort(id string) (Port, bool) {
	for _, p := range d.Inputs {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// ParameterPort finds a parameter port by id.
func (d *Definition) ParameterPort(id string) (Port, bool) {
	for _, p := range d.Parameters {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// BindingFor reports the binding type of the named input or parameter port.
// Used by the gateway to partition agent arguments.
func (d *Definition) BindingFor(id string) (BindingType, bool) {
	if p, ok := d.InputPort(id); ok {
		return p.Binding, true
	}
	if p, ok := d.ParameterPort(id); ok {
		return p.Binding, true
	}
	return "", false
}
