// Package compiler translates a workflow graph into a deterministic
// ActionPlan. Compilation validates component references, detects the single
// trigger, orders nodes with Kahn's algorithm and resolves every required
// input binding. Two compilations of the same graph against the same
// component registry produce byte-identical plans.
package compiler

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/plan"
	"github.com/reconflow/reconflow/rferr"
)

// Compiler compiles graphs against a component registry.
type Compiler struct {
	registry *Registry
}

// Registry is the subset of the component registry the compiler needs.
type Registry = component.Registry

// New builds a Compiler over the given registry.
func New(registry *component.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile validates the graph and emits its ActionPlan.
func (c *Compiler) Compile(g *plan.Graph) (*plan.ActionPlan, error) {
	if len(g.Nodes) == 0 {
		return nil, rferr.New(rferr.KindValidation, "graph has no nodes")
	}
	nodes, err := c.indexNodes(g)
	if err != nil {
		return nil, err
	}
	incoming, outgoing, err := indexEdges(g, nodes)
	if err != nil {
		return nil, err
	}
	entry, err := c.findTrigger(g, nodes, incoming)
	if err != nil {
		return nil, err
	}
	order, err := topoSort(g, incoming, outgoing)
	if err != nil {
		return nil, err
	}
	actions := make([]plan.Action, 0, len(order))
	for _, nodeID := range order {
		node := nodes[nodeID]
		def, _ := c.registry.Get(node.ComponentID)
		action, err := c.emitAction(node, def, incoming[nodeID], nodeID == entry)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return &plan.ActionPlan{
		Title:       g.Name,
		Description: g.Description,
		Entrypoint:  plan.Entrypoint{Ref: entry},
		Actions:     actions,
		Config:      plan.Config{},
	}, nil
}

// indexNodes checks node id uniqueness and component resolution.
func (c *Compiler) indexNodes(g *plan.Graph) (map[string]*plan.Node, error) {
	nodes := make(map[string]*plan.Node, len(g.Nodes))
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.ID == "" {
			return nil, rferr.New(rferr.KindValidation, "node id is required")
		}
		if _, dup := nodes[node.ID]; dup {
			return nil, rferr.Newf(rferr.KindValidation, "duplicate node id %q", node.ID).
				WithField("nodeId", node.ID)
		}
		def, ok := c.registry.Get(node.ComponentID)
		if !ok {
			return nil, rferr.Newf(rferr.KindValidation, "node %q references unknown component %q", node.ID, node.ComponentID).
				WithField("kind", "UnknownComponent").
				WithField("nodeId", node.ID).
				WithField("componentId", node.ComponentID)
		}
		if err := validateConfig(node, def); err != nil {
			return nil, err
		}
		nodes[node.ID] = node
	}
	return nodes, nil
}

// indexEdges groups edges by endpoint and rejects dangling references.
func indexEdges(g *plan.Graph, nodes map[string]*plan.Node) (incoming, outgoing map[string][]plan.Edge, err error) {
	incoming = make(map[string][]plan.Edge)
	outgoing = make(map[string][]plan.Edge)
	for _, e := range g.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return nil, nil, rferr.Newf(rferr.KindValidation, "edge %q source %q does not exist", e.ID, e.Source).
				WithField("edgeId", e.ID)
		}
		if _, ok := nodes[e.Target]; !ok {
			return nil, nil, rferr.Newf(rferr.KindValidation, "edge %q target %q does not exist", e.ID, e.Target).
				WithField("edgeId", e.ID)
		}
		incoming[e.Target] = append(incoming[e.Target], e)
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}
	// Stable edge order regardless of authoring order.
	for _, edges := range incoming {
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	}
	for _, edges := range outgoing {
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	}
	return incoming, outgoing, nil
}

// findTrigger locates the single entry node: category trigger, no incoming
// edges.
func (c *Compiler) findTrigger(g *plan.Graph, nodes map[string]*plan.Node, incoming map[string][]plan.Edge) (string, error) {
	var triggers []string
	for _, node := range g.Nodes {
		def, _ := c.registry.Get(node.ComponentID)
		if def.Category == component.CategoryTrigger && len(incoming[node.ID]) == 0 {
			triggers = append(triggers, node.ID)
		}
	}
	switch len(triggers) {
	case 0:
		return "", rferr.New(rferr.KindValidation, "graph has no trigger node").
			WithField("kind", "MissingTrigger")
	case 1:
		return triggers[0], nil
	default:
		sort.Strings(triggers)
		return "", rferr.Newf(rferr.KindValidation, "graph has %d trigger nodes", len(triggers)).
			WithField("kind", "AmbiguousTrigger").
			WithField("nodeIds", triggers)
	}
}

// topoSort orders nodes with Kahn's algorithm. Ready nodes are consumed in
// lexicographic id order so the result is independent of authoring order.
// Leftover nodes after the frontier drains indicate a cycle.
func topoSort(g *plan.Graph, incoming, outgoing map[string][]plan.Edge) ([]string, error) {
	degree := make(map[string]int, len(g.Nodes))
	for _, node := range g.Nodes {
		degree[node.ID] = len(incoming[node.ID])
	}
	var ready []string
	for id, d := range degree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unlocked []string
		for _, e := range outgoing[id] {
			degree[e.Target]--
			if degree[e.Target] == 0 {
				unlocked = append(unlocked, e.Target)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}
	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, d := range degree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, rferr.New(rferr.KindValidation, "graph contains a cycle").
			WithField("kind", "CycleDetected").
			WithField("nodeIds", stuck)
	}
	return order, nil
}

// emitAction builds the plan action for one node: params from config,
// dependsOn from incoming edge sources, bindings from incoming edges, with
// every required input accounted for.
func (c *Compiler) emitAction(node *plan.Node, def *component.Definition, in []plan.Edge, isEntry bool) (plan.Action, error) {
	bound := make(map[string]bool)
	bindings := make([]plan.Binding, 0, len(in))
	depSet := make(map[string]bool)
	for _, e := range in {
		target := e.TargetHandle
		if target == "" && len(def.Inputs) > 0 {
			target = def.Inputs[0].ID
		}
		source := e.SourceHandle
		if source == "" {
			source = "output"
		}
		bindings = append(bindings, plan.Binding{
			TargetInput:  target,
			SourceRef:    e.Source,
			SourceOutput: source,
		})
		bound[target] = true
		depSet[e.Source] = true
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].TargetInput != bindings[j].TargetInput {
			return bindings[i].TargetInput < bindings[j].TargetInput
		}
		return bindings[i].SourceRef < bindings[j].SourceRef
	})
	deps := make([]string, 0, len(depSet))
	for d := range depSet {
		deps = append(deps, d)
	}
	sort.Strings(deps)

	if !isEntry {
		for _, port := range def.Inputs {
			if !port.Required || bound[port.ID] {
				continue
			}
			if _, inConfig := node.Data.Config[port.ID]; inConfig {
				continue
			}
			if port.Default != nil {
				continue
			}
			return plan.Action{}, rferr.Newf(rferr.KindValidation, "node %q input %q is unbound", node.ID, port.ID).
				WithField("kind", "MissingBinding").
				WithField("nodeId", node.ID).
				WithField("inputId", port.ID)
		}
	}

	return plan.Action{
		Ref:         node.ID,
		ComponentID: node.ComponentID,
		Params:      canonicalParams(node.Data.Config),
		DependsOn:   deps,
		Bindings:    bindings,
	}, nil
}

// canonicalParams copies the config map so later graph edits cannot mutate a
// compiled plan.
func canonicalParams(config map[string]any) map[string]any {
	if len(config) == 0 {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

// validateConfig checks node config values against the component's parameter
// schema. Config keys naming input ports carry inline input values and are
// excluded; the schema covers parameter ports only.
func validateConfig(node *plan.Node, def *component.Definition) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	raw, err := json.Marshal(def.ParameterJSONSchema())
	if err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "encode parameter schema")
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "decode parameter schema")
	}
	comp := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://components/%s/parameters", def.ID)
	if err := comp.AddResource(url, schemaDoc); err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "compile parameter schema")
	}
	schema, err := comp.Compile(url)
	if err != nil {
		return rferr.Wrap(rferr.KindConfiguration, err, "compile parameter schema")
	}
	config := make(map[string]any)
	for k, v := range node.Data.Config {
		if _, isInput := def.InputPort(k); isInput {
			continue
		}
		config[k] = v
	}
	if err := schema.Validate(toSchemaValue(config)); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, fmt.Sprintf("node %q config rejected", node.ID)).
			WithField("nodeId", node.ID)
	}
	return nil
}

// toSchemaValue normalizes config values into the shapes the jsonschema
// validator expects (maps, slices, primitives).
func toSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toSchemaValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toSchemaValue(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
