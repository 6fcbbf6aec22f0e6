package graph

import "sort"

// NodeChange pairs the two sides of a modified node.
type NodeChange struct {
	Before Node `json:"before"`
	After  Node `json:"after"`
}

// EdgeChange pairs the two sides of a modified edge.
type EdgeChange struct {
	Before Edge `json:"before"`
	After  Edge `json:"after"`
}

// Diff is the structural difference between two graphs. All slices are
// ordered by id ascending.
type Diff struct {
	NodesAdded    []Node       `json:"nodes_added"`
	NodesRemoved  []Node       `json:"nodes_removed"`
	NodesModified []NodeChange `json:"nodes_modified"`
	EdgesAdded    []Edge       `json:"edges_added"`
	EdgesRemoved  []Edge       `json:"edges_removed"`
	EdgesModified []EdgeChange `json:"edges_modified"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.NodesAdded) == 0 && len(d.NodesRemoved) == 0 && len(d.NodesModified) == 0 &&
		len(d.EdgesAdded) == 0 && len(d.EdgesRemoved) == 0 && len(d.EdgesModified) == 0
}

// Compare computes the diff from graph a to graph b. Nodes and edges are
// matched by id; a matched pair counts as modified when its canonical forms
// differ, so visual-only edits never show up.
func Compare(a, b *Graph) Diff {
	var d Diff

	aNodes := make(map[string]Node, len(a.Nodes))
	for _, n := range a.Nodes {
		aNodes[n.ID] = n
	}
	bNodes := make(map[string]Node, len(b.Nodes))
	for _, n := range b.Nodes {
		bNodes[n.ID] = n
	}
	for _, n := range b.Nodes {
		prev, ok := aNodes[n.ID]
		if !ok {
			d.NodesAdded = append(d.NodesAdded, n)
			continue
		}
		if CanonicalNode(prev) != CanonicalNode(n) {
			d.NodesModified = append(d.NodesModified, NodeChange{Before: prev, After: n})
		}
	}
	for _, n := range a.Nodes {
		if _, ok := bNodes[n.ID]; !ok {
			d.NodesRemoved = append(d.NodesRemoved, n)
		}
	}

	aEdges := make(map[string]Edge, len(a.Edges))
	for _, e := range a.Edges {
		aEdges[e.ID] = e
	}
	bEdges := make(map[string]Edge, len(b.Edges))
	for _, e := range b.Edges {
		bEdges[e.ID] = e
	}
	for _, e := range b.Edges {
		prev, ok := aEdges[e.ID]
		if !ok {
			d.EdgesAdded = append(d.EdgesAdded, e)
			continue
		}
		if CanonicalEdge(prev) != CanonicalEdge(e) {
			d.EdgesModified = append(d.EdgesModified, EdgeChange{Before: prev, After: e})
		}
	}
	for _, e := range a.Edges {
		if _, ok := bEdges[e.ID]; !ok {
			d.EdgesRemoved = append(d.EdgesRemoved, e)
		}
	}

	sort.Slice(d.NodesAdded, func(i, j int) bool { return d.NodesAdded[i].ID < d.NodesAdded[j].ID })
	sort.Slice(d.NodesRemoved, func(i, j int) bool { return d.NodesRemoved[i].ID < d.NodesRemoved[j].ID })
	sort.Slice(d.NodesModified, func(i, j int) bool { return d.NodesModified[i].After.ID < d.NodesModified[j].After.ID })
	sort.Slice(d.EdgesAdded, func(i, j int) bool { return d.EdgesAdded[i].ID < d.EdgesAdded[j].ID })
	sort.Slice(d.EdgesRemoved, func(i, j int) bool { return d.EdgesRemoved[i].ID < d.EdgesRemoved[j].ID })
	sort.Slice(d.EdgesModified, func(i, j int) bool { return d.EdgesModified[i].After.ID < d.EdgesModified[j].After.ID })
	return d
}
