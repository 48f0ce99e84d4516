package compiler_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/compiler"
	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/plan"
	"github.com/reconflow/reconflow/rferr"
)

func testRegistry(t *testing.T) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	reg.MustRegister(component.Definition{
		ID:       "test.start",
		Label:    "Start",
		Category: component.CategoryTrigger,
		Runner:   component.Runner{Kind: component.RunnerInline},
		Outputs: []component.Port{
			{ID: "output", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
		},
	})
	reg.MustRegister(component.Definition{
		ID:       "test.step",
		Label:    "Step",
		Category: "task",
		Runner:   component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "in", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText), Required: true},
		},
		Outputs: []component.Port{
			{ID: "output", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText)},
		},
	})
	reg.MustRegister(component.Definition{
		ID:       "test.tuned",
		Label:    "Tuned",
		Category: "task",
		Runner:   component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "in", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText), Required: true},
		},
		Parameters: []component.Port{
			{ID: "depth", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveNumber), Required: true},
		},
	})
	reg.MustRegister(component.Definition{
		ID:       "test.defaulted",
		Label:    "Defaulted",
		Category: "task",
		Runner:   component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "in", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText), Required: true, Default: "fallback"},
		},
	})
	return reg
}

func node(id, componentID string, config map[string]any) plan.Node {
	return plan.Node{ID: id, ComponentID: componentID, Data: plan.NodeData{Config: config}}
}

func edge(id, source, target string) plan.Edge {
	return plan.Edge{ID: id, Source: source, Target: target, SourceHandle: "output", TargetHandle: "in"}
}

func fieldsOf(t *testing.T, err error) map[string]any {
	t.Helper()
	var rfe *rferr.Error
	require.True(t, errors.As(err, &rfe))
	return rfe.Fields
}

func TestCompileDiamondIsDeterministic(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{
		Name: "diamond",
		Nodes: []plan.Node{
			node("d", "test.step", nil),
			node("c", "test.step", nil),
			node("start", "test.start", nil),
			node("b", "test.step", nil),
		},
		Edges: []plan.Edge{
			edge("e4", "c", "d"),
			edge("e3", "b", "d"),
			edge("e1", "start", "b"),
			edge("e2", "start", "c"),
		},
	}

	p, err := c.Compile(g)
	require.NoError(t, err)
	assert.Equal(t, "start", p.Entrypoint.Ref)

	refs := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		refs[i] = a.Ref
	}
	assert.Equal(t, []string{"start", "b", "c", "d"}, refs)

	join, ok := p.Action("d")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, join.DependsOn)

	first, err := p.MarshalCanonical()
	require.NoError(t, err)

	// Reversing authoring order must not change the emitted plan.
	reversed := &plan.Graph{Name: g.Name}
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		reversed.Nodes = append(reversed.Nodes, g.Nodes[i])
	}
	for i := len(g.Edges) - 1; i >= 0; i-- {
		reversed.Edges = append(reversed.Edges, g.Edges[i])
	}
	p2, err := c.Compile(reversed)
	require.NoError(t, err)
	second, err := p2.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCompileDefaultsEdgeHandles(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{
		Name:  "bare-handles",
		Nodes: []plan.Node{node("start", "test.start", nil), node("b", "test.step", nil)},
		Edges: []plan.Edge{{ID: "e1", Source: "start", Target: "b"}},
	}

	p, err := c.Compile(g)
	require.NoError(t, err)
	a, ok := p.Action("b")
	require.True(t, ok)
	require.Len(t, a.Bindings, 1)
	assert.Equal(t, plan.Binding{TargetInput: "in", SourceRef: "start", SourceOutput: "output"}, a.Bindings[0])
}

func TestCompileRejectsUnknownComponent(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{Name: "bad", Nodes: []plan.Node{node("start", "test.missing", nil)}}

	_, err := c.Compile(g)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))
	assert.Equal(t, "UnknownComponent", fieldsOf(t, err)["kind"])
}

func TestCompileRejectsDuplicateNodeID(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{Name: "dup", Nodes: []plan.Node{
		node("start", "test.start", nil),
		node("start", "test.start", nil),
	}}

	_, err := c.Compile(g)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))
}

func TestCompileTriggerDetection(t *testing.T) {
	c := compiler.New(testRegistry(t))

	missing := &plan.Graph{Name: "no-trigger", Nodes: []plan.Node{node("b", "test.step", map[string]any{"in": "x"})}}
	_, err := c.Compile(missing)
	require.Error(t, err)
	assert.Equal(t, "MissingTrigger", fieldsOf(t, err)["kind"])

	ambiguous := &plan.Graph{Name: "two-triggers", Nodes: []plan.Node{
		node("t2", "test.start", nil),
		node("t1", "test.start", nil),
	}}
	_, err = c.Compile(ambiguous)
	require.Error(t, err)
	fields := fieldsOf(t, err)
	assert.Equal(t, "AmbiguousTrigger", fields["kind"])
	assert.Equal(t, []string{"t1", "t2"}, fields["nodeIds"])
}

func TestCompileRejectsCycle(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{
		Name: "cyclic",
		Nodes: []plan.Node{
			node("start", "test.start", nil),
			node("a", "test.step", nil),
			node("b", "test.step", nil),
		},
		Edges: []plan.Edge{
			edge("e1", "start", "a"),
			edge("e2", "a", "b"),
			edge("e3", "b", "a"),
		},
	}

	_, err := c.Compile(g)
	require.Error(t, err)
	fields := fieldsOf(t, err)
	assert.Equal(t, "CycleDetected", fields["kind"])
	assert.Equal(t, []string{"a", "b"}, fields["nodeIds"])
}

func TestCompileRequiredInputBinding(t *testing.T) {
	c := compiler.New(testRegistry(t))

	unbound := &plan.Graph{Name: "unbound", Nodes: []plan.Node{
		node("start", "test.start", nil),
		node("b", "test.step", nil),
	}}
	_, err := c.Compile(unbound)
	require.Error(t, err)
	fields := fieldsOf(t, err)
	assert.Equal(t, "MissingBinding", fields["kind"])
	assert.Equal(t, "in", fields["inputId"])

	// A config value or a port default satisfies the input without an edge.
	viaConfig := &plan.Graph{Name: "via-config", Nodes: []plan.Node{
		node("start", "test.start", nil),
		node("b", "test.step", map[string]any{"in": "literal"}),
	}}
	_, err = c.Compile(viaConfig)
	require.NoError(t, err)

	viaDefault := &plan.Graph{Name: "via-default", Nodes: []plan.Node{
		node("start", "test.start", nil),
		node("b", "test.defaulted", nil),
	}}
	_, err = c.Compile(viaDefault)
	require.NoError(t, err)
}

func TestCompileValidatesNodeConfig(t *testing.T) {
	c := compiler.New(testRegistry(t))
	base := func(config map[string]any) *plan.Graph {
		return &plan.Graph{
			Name: "tuned",
			Nodes: []plan.Node{
				node("start", "test.start", nil),
				node("b", "test.tuned", config),
			},
			Edges: []plan.Edge{edge("e1", "start", "b")},
		}
	}

	_, err := c.Compile(base(map[string]any{"depth": 3}))
	require.NoError(t, err)

	_, err = c.Compile(base(map[string]any{"depth": "three"}))
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))

	_, err = c.Compile(base(map[string]any{"depth": 3, "bogus": true}))
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindValidation))
}

func TestToGraphRoundTrips(t *testing.T) {
	c := compiler.New(testRegistry(t))
	g := &plan.Graph{
		Name:        "roundtrip",
		Description: "compile, decompile, compile",
		Nodes: []plan.Node{
			node("start", "test.start", nil),
			node("b", "test.tuned", map[string]any{"depth": 2, "in": "seed"}),
		},
		Edges: []plan.Edge{edge("e1", "start", "b")},
	}

	p, err := c.Compile(g)
	require.NoError(t, err)
	first, err := p.MarshalCanonical()
	require.NoError(t, err)

	p2, err := c.Compile(compiler.ToGraph(p))
	require.NoError(t, err)
	second, err := p2.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
