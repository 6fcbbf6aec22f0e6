package graph

import "fmt"

// Validate checks the structural invariants of the graph and the per-type
// node payload schemas. It returns the first violation found as a
// *ValidationError.
//
// Invariants:
//   - node ids are unique
//   - edge ids are unique and endpoints reference existing nodes
//   - no self-loops
//   - parallel edges between the same pair require distinct handle pairs
//   - every cycle contains at least one control edge
func (g *Graph) Validate() error {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return &ValidationError{Reason: "node with empty id"}
		}
		if ids[n.ID] {
			return &ValidationError{NodeID: n.ID, Reason: "duplicate node id"}
		}
		ids[n.ID] = true
		if err := validateNode(n); err != nil {
			return err
		}
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	pairs := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return &ValidationError{Reason: "edge with empty id"}
		}
		if edgeIDs[e.ID] {
			return &ValidationError{EdgeID: e.ID, Reason: "duplicate edge id"}
		}
		edgeIDs[e.ID] = true
		if !e.Kind.Valid() {
			return &ValidationError{EdgeID: e.ID, Reason: fmt.Sprintf("unknown edge kind %q", e.Kind)}
		}
		if !ids[e.Source] {
			return &ValidationError{EdgeID: e.ID, Reason: fmt.Sprintf("source %q does not exist", e.Source)}
		}
		if !ids[e.Target] {
			return &ValidationError{EdgeID: e.ID, Reason: fmt.Sprintf("target %q does not exist", e.Target)}
		}
		if e.Source == e.Target {
			return &ValidationError{EdgeID: e.ID, Reason: "self-loop"}
		}
		pair := e.Source + "\x00" + e.Target + "\x00" + e.SourceHandle + "\x00" + e.TargetHandle
		if pairs[pair] {
			return &ValidationError{EdgeID: e.ID, Reason: "duplicate edge between same nodes and handles"}
		}
		pairs[pair] = true
	}

	if cycle := findUncontrolledCycle(g); cycle != "" {
		return &ValidationError{NodeID: cycle, Reason: "cycle without a control edge"}
	}
	return nil
}

func validateNode(n Node) error {
	if !n.Type.Valid() {
		return &ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown node type %q", n.Type)}
	}
	switch n.Type {
	case NodeInput:
		cfg, err := n.InputConfig()
		if err != nil {
			return &ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		switch cfg.InputType {
		case InputText, InputNumber, InputJSON, InputFile:
		default:
			return &ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown input_type %q", cfg.InputType)}
		}
	case NodeLLM:
		cfg, err := n.LLMConfig()
		if err != nil {
			return &ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		if cfg.Prompt == "" {
			return &ValidationError{NodeID: n.ID, Reason: "llm node requires a prompt"}
		}
		if cfg.Temperature < 0 || cfg.Temperature > 2 {
			return &ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("temperature %v out of range [0,2]", cfg.Temperature)}
		}
	case NodeSkill:
		cfg, err := n.SkillConfig()
		if err != nil {
			return &ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		if cfg.SkillID == "" {
			return &ValidationError{NodeID: n.ID, Reason: "skill node requires skill_id"}
		}
	case NodeTransform:
		cfg, err := n.TransformConfig()
		if err != nil {
			return &ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		switch cfg.Kind {
		case TransformPassthrough, TransformJSONParse, TransformJSONStringify:
		case TransformExtract:
			if cfg.Field == "" {
				return &ValidationError{NodeID: n.ID, Reason: "extract transform requires field"}
			}
		case TransformTemplate:
			if cfg.Template == "" {
				return &ValidationError{NodeID: n.ID, Reason: "template transform requires template"}
			}
		case TransformArrayJoin:
		default:
			return &ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown transform kind %q", cfg.Kind)}
		}
	case NodeOutput:
		cfg, err := n.OutputConfig()
		if err != nil {
			return &ValidationError{NodeID: n.ID, Reason: err.Error()}
		}
		switch cfg.Format {
		case OutputAuto, OutputText, OutputJSONFmt, OutputMarkdown:
		default:
			return &ValidationError{NodeID: n.ID, Reason: fmt.Sprintf("unknown output format %q", cfg.Format)}
		}
	}
	return nil
}

// findUncontrolledCycle runs Kahn's algorithm over the subgraph of non-control
// edges. Any node left with a positive in-degree sits on a cycle made entirely
// of data and error edges, which is forbidden. Returns one such node id, or ""
// when the subgraph is acyclic.
func findUncontrolledCycle(g *Graph) string {
	indeg := make(map[string]int, len(g.Nodes))
	out := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		if e.Kind == EdgeControl {
			continue
		}
		out[e.Source] = append(out[e.Source], e.Target)
		indeg[e.Target]++
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, t := range out[id] {
			indeg[t]--
			if indeg[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if seen == len(g.Nodes) {
		return ""
	}
	// Deterministic pick: iterate declared node order.
	for _, n := range g.Nodes {
		if indeg[n.ID] > 0 {
			return n.ID
		}
	}
	return ""
}
