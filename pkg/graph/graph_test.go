package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputNode(id string) Node {
	return Node{ID: id, Type: NodeInput, Data: map[string]any{"input_type": "text"}}
}

func outputNode(id string) Node {
	return Node{ID: id, Type: NodeOutput, Data: map[string]any{"format": "text"}}
}

func llmNode(id, prompt string) Node {
	return Node{ID: id, Type: NodeLLM, Data: map[string]any{"model": "gpt-4o-mini", "prompt": prompt}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		graph   Graph
		wantErr string
	}{
		{
			name: "valid linear graph",
			graph: Graph{
				Nodes: []Node{inputNode("in"), outputNode("out")},
				Edges: []Edge{{ID: "e1", Source: "in", Target: "out", Kind: EdgeData}},
			},
		},
		{
			name: "duplicate node id",
			graph: Graph{
				Nodes: []Node{inputNode("a"), inputNode("a")},
			},
			wantErr: "duplicate node id",
		},
		{
			name: "edge to missing node",
			graph: Graph{
				Nodes: []Node{inputNode("in")},
				Edges: []Edge{{ID: "e1", Source: "in", Target: "ghost", Kind: EdgeData}},
			},
			wantErr: "does not exist",
		},
		{
			name: "self loop",
			graph: Graph{
				Nodes: []Node{llmNode("m", "hi")},
				Edges: []Edge{{ID: "e1", Source: "m", Target: "m", Kind: EdgeData}},
			},
			wantErr: "self-loop",
		},
		{
			name: "parallel edges same handles",
			graph: Graph{
				Nodes: []Node{inputNode("in"), outputNode("out")},
				Edges: []Edge{
					{ID: "e1", Source: "in", Target: "out", Kind: EdgeData},
					{ID: "e2", Source: "in", Target: "out", Kind: EdgeData},
				},
			},
			wantErr: "duplicate edge",
		},
		{
			name: "parallel edges distinct handles",
			graph: Graph{
				Nodes: []Node{inputNode("in"), outputNode("out")},
				Edges: []Edge{
					{ID: "e1", Source: "in", Target: "out", SourceHandle: "a", Kind: EdgeData},
					{ID: "e2", Source: "in", Target: "out", SourceHandle: "b", Kind: EdgeData},
				},
			},
		},
		{
			name: "data cycle rejected",
			graph: Graph{
				Nodes: []Node{llmNode("a", "p"), llmNode("b", "p")},
				Edges: []Edge{
					{ID: "e1", Source: "a", Target: "b", Kind: EdgeData},
					{ID: "e2", Source: "b", Target: "a", Kind: EdgeData},
				},
			},
			wantErr: "cycle without a control edge",
		},
		{
			name: "cycle closed by control edge allowed",
			graph: Graph{
				Nodes: []Node{llmNode("a", "p"), llmNode("b", "p")},
				Edges: []Edge{
					{ID: "e1", Source: "a", Target: "b", Kind: EdgeData},
					{ID: "e2", Source: "b", Target: "a", Kind: EdgeControl},
				},
			},
		},
		{
			name: "temperature out of range",
			graph: Graph{
				Nodes: []Node{{ID: "m", Type: NodeLLM, Data: map[string]any{"prompt": "p", "temperature": 2.5}}},
			},
			wantErr: "temperature",
		},
		{
			name: "llm without prompt",
			graph: Graph{
				Nodes: []Node{{ID: "m", Type: NodeLLM, Data: map[string]any{"model": "x"}}},
			},
			wantErr: "requires a prompt",
		},
		{
			name: "skill without skill_id",
			graph: Graph{
				Nodes: []Node{{ID: "s", Type: NodeSkill}},
			},
			wantErr: "requires skill_id",
		},
		{
			name: "unknown node type",
			graph: Graph{
				Nodes: []Node{{ID: "x", Type: "loop"}},
			},
			wantErr: "unknown node type",
		},
		{
			name: "unknown edge kind",
			graph: Graph{
				Nodes: []Node{inputNode("in"), outputNode("out")},
				Edges: []Edge{{ID: "e1", Source: "in", Target: "out", Kind: "maybe"}},
			},
			wantErr: "unknown edge kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCanonicalIgnoresVisualAttributes(t *testing.T) {
	a := Node{ID: "n", Type: NodeLLM, Data: map[string]any{"prompt": "p", "color": "#fff"},
		Position: &Position{X: 10, Y: 20}, Width: 200, Height: 80}
	b := Node{ID: "n", Type: NodeLLM, Data: map[string]any{"prompt": "p"}}

	assert.Equal(t, CanonicalNode(b), CanonicalNode(a))
}

func TestCanonicalGraphOrderIndependent(t *testing.T) {
	g1 := &Graph{
		Nodes: []Node{inputNode("a"), outputNode("b")},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b", Kind: EdgeData}},
	}
	g2 := &Graph{
		Nodes: []Node{outputNode("b"), inputNode("a")},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b", Kind: EdgeData}},
	}
	assert.True(t, Equal(g1, g2))
}

func TestCompare(t *testing.T) {
	base := &Graph{
		Nodes: []Node{inputNode("in"), outputNode("out")},
		Edges: []Edge{{ID: "e1", Source: "in", Target: "out", Kind: EdgeData}},
	}
	next := &Graph{
		Nodes: []Node{inputNode("in"), llmNode("m", "p"), outputNode("out")},
		Edges: []Edge{
			{ID: "e1", Source: "in", Target: "m", Kind: EdgeData},
			{ID: "e2", Source: "m", Target: "out", Kind: EdgeData},
		},
	}

	d := Compare(base, next)
	require.Len(t, d.NodesAdded, 1)
	assert.Equal(t, "m", d.NodesAdded[0].ID)
	assert.Empty(t, d.NodesRemoved)
	require.Len(t, d.EdgesModified, 1)
	assert.Equal(t, "e1", d.EdgesModified[0].After.ID)
	require.Len(t, d.EdgesAdded, 1)
	assert.Equal(t, "e2", d.EdgesAdded[0].ID)
}

func TestCompareSymmetry(t *testing.T) {
	a := &Graph{Nodes: []Node{inputNode("in"), llmNode("m", "old")}}
	b := &Graph{Nodes: []Node{inputNode("in"), llmNode("m2", "x"), {ID: "m", Type: NodeLLM, Data: map[string]any{"model": "gpt-4o-mini", "prompt": "new"}}}}

	fwd := Compare(a, b)
	rev := Compare(b, a)

	require.Len(t, fwd.NodesAdded, 1)
	require.Len(t, rev.NodesRemoved, 1)
	assert.Equal(t, fwd.NodesAdded[0].ID, rev.NodesRemoved[0].ID)
	require.Len(t, fwd.NodesModified, 1)
	require.Len(t, rev.NodesModified, 1)
	assert.Equal(t, fwd.NodesModified[0].Before, rev.NodesModified[0].After)
	assert.Equal(t, fwd.NodesModified[0].After, rev.NodesModified[0].Before)
}

func TestCompareIdenticalGraphsEmpty(t *testing.T) {
	g := &Graph{
		Nodes: []Node{inputNode("in"), outputNode("out")},
		Edges: []Edge{{ID: "e1", Source: "in", Target: "out", Kind: EdgeData}},
	}
	// Same content with a different visual placement.
	moved := &Graph{
		Nodes: []Node{
			{ID: "in", Type: NodeInput, Data: map[string]any{"input_type": "text"}, Position: &Position{X: 5}},
			outputNode("out"),
		},
		Edges: []Edge{{ID: "e1", Source: "in", Target: "out", Kind: EdgeData}},
	}
	assert.True(t, Compare(g, moved).Empty())
}

func TestNodeKey(t *testing.T) {
	assert.Equal(t, "q", Node{ID: "n1", Label: "q"}.Key())
	assert.Equal(t, "n1", Node{ID: "n1"}.Key())
}

func TestTransformConfigDefaults(t *testing.T) {
	cfg, err := Node{ID: "t", Type: NodeTransform}.TransformConfig()
	require.NoError(t, err)
	assert.Equal(t, TransformPassthrough, cfg.Kind)
}
