package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/llm"
	"github.com/nexhub-ai/nexhub/pkg/skill"
)

func (r *run) evalNode(ctx context.Context, node graph.Node, inputs map[string]any) (any, *TokenUsage, *NodeError) {
	if ctx.Err() != nil {
		return nil, nil, &NodeError{Kind: FailCancelled, NodeID: node.ID, Message: "cancelled"}
	}
	switch node.Type {
	case graph.NodeInput:
		v, err := r.evalInput(node)
		return v, nil, err
	case graph.NodeLLM:
		return r.evalLLM(ctx, node, inputs)
	case graph.NodeSkill:
		v, err := r.evalSkill(ctx, node, inputs)
		return v, nil, err
	case graph.NodeTransform:
		cfg, cfgErr := node.TransformConfig()
		if cfgErr != nil {
			return nil, nil, &NodeError{Kind: FailTransformError, NodeID: node.ID, Message: cfgErr.Error()}
		}
		v, err := evalTransform(node, cfg, inputs)
		return v, nil, err
	case graph.NodeOutput:
		v, err := r.evalOutput(node, inputs)
		return v, nil, err
	}
	return nil, nil, &NodeError{Kind: FailInputError, NodeID: node.ID,
		Message: "unknown node type " + string(node.Type)}
}

// evalInput takes the value from the run's input envelope keyed by node id
// or label, falling back to the configured default.
func (r *run) evalInput(node graph.Node) (any, *NodeError) {
	cfg, err := node.InputConfig()
	if err != nil {
		return nil, &NodeError{Kind: FailInputError, NodeID: node.ID, Message: err.Error()}
	}
	if v, ok := r.exec.InputEnvelope[node.Key()]; ok {
		return v, nil
	}
	if v, ok := r.exec.InputEnvelope[node.ID]; ok {
		return v, nil
	}
	return cfg.Default, nil
}

func (r *run) evalLLM(ctx context.Context, node graph.Node, inputs map[string]any) (any, *TokenUsage, *NodeError) {
	cfg, err := node.LLMConfig()
	if err != nil {
		return nil, nil, &NodeError{Kind: FailLLMError, NodeID: node.ID, Message: err.Error()}
	}
	provider, err := r.engine.llms.ForModel(cfg.Model)
	if err != nil {
		return nil, nil, &NodeError{Kind: FailLLMError, NodeID: node.ID,
			Message: "no provider for model " + cfg.Model}
	}

	req := llm.Request{
		Model:        cfg.Model,
		SystemPrompt: renderTemplate(cfg.SystemPrompt, inputs),
		Prompt:       renderTemplate(cfg.Prompt, inputs),
		Temperature:  cfg.Temperature,
		JSONOutput:   cfg.JSONOutput,
	}
	ch, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, nil, r.classifyLLMError(ctx, node.ID, err)
	}

	var text strings.Builder
	var usage *TokenUsage
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, usage, r.classifyLLMError(ctx, node.ID, chunk.Err)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			r.emitToken(node.ID, chunk.Text)
		}
		if chunk.Usage != nil {
			usage = &TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}

	out := text.String()
	if !cfg.JSONOutput {
		return out, usage, nil
	}
	parsed, perr := parseJSONOutput(out)
	if perr != nil {
		return nil, usage, &NodeError{Kind: FailLLMFormatError, NodeID: node.ID,
			Message: "model output is not valid JSON after repair"}
	}
	return parsed, usage, nil
}

func (r *run) classifyLLMError(ctx context.Context, nodeID string, err error) *NodeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &NodeError{Kind: FailLLMTimeout, NodeID: nodeID, Message: "model call exceeded deadline"}
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return &NodeError{Kind: FailCancelled, NodeID: nodeID, Message: "cancelled"}
	}
	return &NodeError{Kind: FailLLMError, NodeID: nodeID, Message: err.Error()}
}

// parseJSONOutput accepts the text as-is, then makes one repair pass that
// strips any preamble or trailer around the outermost JSON value.
func parseJSONOutput(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, nil
	}
	repaired, ok := extractJSON(trimmed)
	if !ok {
		return nil, errors.New("no JSON value found")
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// extractJSON finds the first balanced {...} or [...] span, ignoring
// brackets inside string literals.
func extractJSON(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func (r *run) evalSkill(ctx context.Context, node graph.Node, inputs map[string]any) (any, *NodeError) {
	cfg, err := node.SkillConfig()
	if err != nil {
		return nil, &NodeError{Kind: FailSkillNotFound, NodeID: node.ID, Message: err.Error()}
	}
	sk, err := r.engine.skills.Get(ctx, cfg.SkillID)
	if err != nil {
		return nil, &NodeError{Kind: FailSkillNotFound, NodeID: node.ID,
			Message: "skill " + cfg.SkillID + " not found"}
	}

	bound := bindSkillInputs(inputs)
	out, err := r.engine.invoker.Invoke(ctx, sk, bound)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &NodeError{Kind: FailCancelled, NodeID: node.ID, Message: "cancelled"}
		}
		var serr *skill.Error
		if errors.As(err, &serr) {
			return nil, fromSkillError(node.ID, serr)
		}
		return nil, &NodeError{Kind: FailureKind(skill.KindTransportError), NodeID: node.ID, Message: err.Error()}
	}
	return out, nil
}

// bindSkillInputs flattens the upstream values into the request payload. A
// single map-valued input becomes the payload directly; anything else is
// passed keyed by source node.
func bindSkillInputs(inputs map[string]any) map[string]any {
	if len(inputs) == 1 {
		for _, v := range inputs {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	return inputs
}

func (r *run) evalOutput(node graph.Node, inputs map[string]any) (any, *NodeError) {
	cfg, err := node.OutputConfig()
	if err != nil {
		return nil, &NodeError{Kind: FailInputError, NodeID: node.ID, Message: err.Error()}
	}
	v := singleInput(inputs)
	switch cfg.Format {
	case graph.OutputText, graph.OutputMarkdown:
		return stringify(v), nil
	case graph.OutputJSONFmt:
		if s, ok := v.(string); ok {
			var parsed any
			if jerr := json.Unmarshal([]byte(s), &parsed); jerr == nil {
				return parsed, nil
			}
		}
		return v, nil
	}
	return v, nil
}
