// Package plan holds the workflow data model: the user-authored node/edge
// graph and the compiled ActionPlan the executor drives. Both are plain data
// with id-keyed flat arrays; the graph is a reference structure and carries
// no owning cycles.
package plan

import (
	"bytes"
	"encoding/json"
)

type (
	// Position is the editor placement of a node.
	Position struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	// NodeData carries the editor-facing label and the operator config bound
	// to the node's parameter and input ports.
	NodeData struct {
		Label  string         `json:"label,omitempty"`
		Config map[string]any `json:"config,omitempty"`
	}

	// Node is one graph node referencing a registered component.
	Node struct {
		ID          string   `json:"id"`
		ComponentID string   `json:"componentId"`
		Position    Position `json:"position"`
		Data        NodeData `json:"data"`
	}

	// Edge wires a source node output to a target node input.
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle,omitempty"`
		TargetHandle string `json:"targetHandle,omitempty"`
	}

	// Viewport is the editor camera state, persisted verbatim.
	Viewport struct {
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		Zoom float64 `json:"zoom"`
	}

	// Graph is a user-authored workflow graph.
	Graph struct {
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		Nodes       []Node    `json:"nodes"`
		Edges       []Edge    `json:"edges"`
		Viewport    *Viewport `json:"viewport,omitempty"`
	}

	// Binding wires a producing action's output into a consuming action's
	// input at execution time.
	Binding struct {
		TargetInput  string `json:"targetInput"`
		SourceRef    string `json:"sourceRef"`
		SourceOutput string `json:"sourceOutput"`
	}

	// Action is one step of a compiled plan. Ref is the originating node id.
	Action struct {
		Ref         string         `json:"ref"`
		ComponentID string         `json:"componentId"`
		Params      map[string]any `json:"params,omitempty"`
		DependsOn   []string       `json:"dependsOn,omitempty"`
		Bindings    []Binding      `json:"bindings,omitempty"`
		// ContinueOnError lets the run proceed past a failure of this action.
		ContinueOnError bool `json:"continueOnError,omitempty"`
		// TimeoutSeconds bounds the action; zero means the plan default.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	}

	// Entrypoint names the plan's entry action.
	Entrypoint struct {
		Ref string `json:"ref"`
	}

	// Config carries plan-level execution settings.
	Config struct {
		Environment    string `json:"environment,omitempty"`
		TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	}

	// ActionPlan is the compiler output: actions in fixed topological order
	// with dependsOn inducing a DAG and the entrypoint carrying no deps.
	ActionPlan struct {
		Title       string     `json:"title"`
		Description string     `json:"description,omitempty"`
		Entrypoint  Entrypoint `json:"entrypoint"`
		Actions     []Action   `json:"actions"`
		Config      Config     `json:"config"`
	}
)

// Action returns the action with the given ref.
func (p *ActionPlan) Action(ref string) (*Action, bool) {
	for i := range p.Actions {
		if p.Actions[i].Ref == ref {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// MarshalCanonical serializes the plan to its canonical JSON form. The
// compiler sorts all slices before emission, so encoding/json's stable field
// order makes repeated compilations byte-identical.
func (p *ActionPlan) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
