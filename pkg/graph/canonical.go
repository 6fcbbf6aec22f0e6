package graph

import (
	"encoding/json"
	"sort"
)

// Visual-only payload keys stripped from canonical form. The UI stores styling
// alongside semantic fields in the node payload.
var visualDataKeys = map[string]bool{
	"color":     true,
	"icon":      true,
	"collapsed": true,
}

type canonicalNode struct {
	ID    string         `json:"id"`
	Type  NodeType       `json:"type"`
	Label string         `json:"label,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type canonicalEdge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	SourceHandle string   `json:"source_handle,omitempty"`
	TargetHandle string   `json:"target_handle,omitempty"`
	Kind         EdgeKind `json:"kind"`
}

// CanonicalNode returns a deterministic serialization of the node excluding
// visual attributes. Map keys are emitted in sorted order, so two nodes with
// the same semantic content always serialize identically.
func CanonicalNode(n Node) string {
	cn := canonicalNode{ID: n.ID, Type: n.Type, Label: n.Label}
	if len(n.Data) > 0 {
		cn.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			if visualDataKeys[k] {
				continue
			}
			cn.Data[k] = v
		}
		if len(cn.Data) == 0 {
			cn.Data = nil
		}
	}
	b, _ := json.Marshal(cn)
	return string(b)
}

// CanonicalEdge returns a deterministic serialization of the edge.
func CanonicalEdge(e Edge) string {
	b, _ := json.Marshal(canonicalEdge(e))
	return string(b)
}

// Canonical returns a deterministic serialization of the whole graph: nodes
// and edges sorted by id, visual attributes stripped. Two graphs with equal
// canonical bytes are semantically identical.
func (g *Graph) Canonical() []byte {
	nodes := make([]json.RawMessage, 0, len(g.Nodes))
	for _, n := range sortedNodes(g.Nodes) {
		nodes = append(nodes, json.RawMessage(CanonicalNode(n)))
	}
	edges := make([]json.RawMessage, 0, len(g.Edges))
	for _, e := range sortedEdges(g.Edges) {
		edges = append(edges, json.RawMessage(CanonicalEdge(e)))
	}
	b, _ := json.Marshal(struct {
		Nodes []json.RawMessage `json:"nodes"`
		Edges []json.RawMessage `json:"edges"`
	}{Nodes: nodes, Edges: edges})
	return b
}

// Equal reports whether two graphs are canonically identical.
func Equal(a, b *Graph) bool {
	return string(a.Canonical()) == string(b.Canonical())
}

func sortedNodes(in []Node) []Node {
	out := make([]Node, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedEdges(in []Edge) []Edge {
	out := make([]Edge, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
