package engine

import (
	"github.com/nexhub-ai/nexhub/pkg/graph"
)

// Plan is a compiled, validated graph ready for scheduling. Data edges form
// the forward dependency subgraph, control edges re-trigger their targets,
// and error edges define recovery paths taken only on node failure.
type Plan struct {
	nodes map[string]graph.Node

	// Incoming value-carrying edges per node; a node dispatches when all of
	// them are resolved and at least one carried a value.
	dataIn  map[string][]graph.Edge
	errorIn map[string][]graph.Edge
	// Outgoing edges by kind per node.
	dataOut    map[string][]graph.Edge
	controlOut map[string][]graph.Edge
	errorOut   map[string][]graph.Edge

	entries []string
}

// CompilePlan validates the graph for execution and indexes its edges.
// Beyond the structural invariants checked at save time, execution requires
// that every non-input node is reachable through a data edge or a control
// trigger, and that every terminal node other than outputs has somewhere to
// send its value.
func CompilePlan(g *graph.Graph) (*Plan, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{
		nodes:      make(map[string]graph.Node, len(g.Nodes)),
		dataIn:     make(map[string][]graph.Edge),
		errorIn:    make(map[string][]graph.Edge),
		dataOut:    make(map[string][]graph.Edge),
		controlOut: make(map[string][]graph.Edge),
		errorOut:   make(map[string][]graph.Edge),
	}
	controlIn := make(map[string]int)
	for _, n := range g.Nodes {
		p.nodes[n.ID] = n
	}
	for _, e := range g.Edges {
		switch e.Kind {
		case graph.EdgeData:
			p.dataIn[e.Target] = append(p.dataIn[e.Target], e)
			p.dataOut[e.Source] = append(p.dataOut[e.Source], e)
		case graph.EdgeControl:
			controlIn[e.Target]++
			p.controlOut[e.Source] = append(p.controlOut[e.Source], e)
		case graph.EdgeError:
			p.errorIn[e.Target] = append(p.errorIn[e.Target], e)
			p.errorOut[e.Source] = append(p.errorOut[e.Source], e)
		}
	}

	for _, n := range g.Nodes {
		incoming := len(p.dataIn[n.ID]) + len(p.errorIn[n.ID]) + controlIn[n.ID]
		if n.Type != graph.NodeInput && incoming == 0 {
			return nil, &graph.ValidationError{NodeID: n.ID,
				Reason: "unreachable: no incoming edge"}
		}
		outgoing := len(p.dataOut[n.ID]) + len(p.controlOut[n.ID]) + len(p.errorOut[n.ID])
		if n.Type != graph.NodeOutput && outgoing == 0 {
			return nil, &graph.ValidationError{NodeID: n.ID,
				Reason: "dead end: non-output node has no outgoing edge"}
		}
	}

	// Entry nodes start the run: inputs, plus anything with no incoming
	// edge at all (control and error targets fire later, if ever).
	for _, n := range g.Nodes {
		incoming := len(p.dataIn[n.ID]) + len(p.errorIn[n.ID]) + controlIn[n.ID]
		if n.Type == graph.NodeInput || incoming == 0 {
			p.entries = append(p.entries, n.ID)
		}
	}
	if len(p.entries) == 0 {
		return nil, &graph.ValidationError{Reason: "graph has no entry node"}
	}
	return p, nil
}

// Node returns the node by id.
func (p *Plan) Node(id string) (graph.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Entries returns the entry node ids.
func (p *Plan) Entries() []string {
	return p.entries
}

// HasErrorPath reports whether the node has an outgoing error edge.
func (p *Plan) HasErrorPath(nodeID string) bool {
	return len(p.errorOut[nodeID]) > 0
}
