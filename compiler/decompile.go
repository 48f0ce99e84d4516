package compiler

import (
	"fmt"

	"github.com/reconflow/reconflow/plan"
)

// ToGraph reconstructs a graph from a compiled plan. Positions and viewport
// are editor state and cannot be recovered; everything the compiler consumes
// round-trips, so compiling the reconstructed graph yields the same plan.
func ToGraph(p *plan.ActionPlan) *plan.Graph {
	g := &plan.Graph{
		Name:        p.Title,
		Description: p.Description,
	}
	for _, a := range p.Actions {
		g.Nodes = append(g.Nodes, plan.Node{
			ID:          a.Ref,
			ComponentID: a.ComponentID,
			Data:        plan.NodeData{Config: a.Params},
		})
		for _, b := range a.Bindings {
			g.Edges = append(g.Edges, plan.Edge{
				ID:           fmt.Sprintf("%s/%s<-%s.%s", a.Ref, b.TargetInput, b.SourceRef, b.SourceOutput),
				Source:       b.SourceRef,
				Target:       a.Ref,
				SourceHandle: b.SourceOutput,
				TargetHandle: b.TargetInput,
			})
		}
	}
	return g
}
