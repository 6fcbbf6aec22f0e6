// Package graph defines the workflow graph model: typed nodes, kinded edges,
// structural validation, canonical serialization and diff computation.
//
// A graph is a directed graph whose nodes are tagged variants (input, llm,
// skill, transform, output) and whose edges carry a kind:
//   - data:    forward value dependency
//   - control: trigger edge, may close loops (write/test/rewrite cycles)
//   - error:   alternative path taken only when the source node fails
package graph

import "fmt"

// EdgeKind classifies an edge.
type EdgeKind string

const (
	EdgeData    EdgeKind = "data"
	EdgeControl EdgeKind = "control"
	EdgeError   EdgeKind = "error"
)

// Valid reports whether the kind is one of the known edge kinds.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeData, EdgeControl, EdgeError:
		return true
	}
	return false
}

// Edge is a directed connection between two nodes. Handles disambiguate
// multiple edges between the same node pair.
type Edge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	SourceHandle string   `json:"source_handle,omitempty"`
	TargetHandle string   `json:"target_handle,omitempty"`
	Kind         EdgeKind `json:"kind"`
}

// Position is the canvas placement of a node. Purely visual: it is excluded
// from canonical serialization and never affects execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Graph is a directed graph of typed nodes. Node IDs are unique within the
// graph; edges reference nodes by ID.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given ID, or false if absent.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// nodeIDs returns the set of node IDs.
func (g *Graph) nodeIDs() map[string]bool {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	return ids
}

// OutgoingEdges returns all edges whose source is the given node.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges whose target is the given node.
func (g *Graph) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// ValidationError localizes a broken invariant to a node or edge.
type ValidationError struct {
	NodeID string
	EdgeID string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Reason)
	case e.EdgeID != "":
		return fmt.Sprintf("edge %q: %s", e.EdgeID, e.Reason)
	}
	return e.Reason
}
