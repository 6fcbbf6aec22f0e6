package graph

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// NodeType tags the node variant.
type NodeType string

const (
	NodeInput     NodeType = "input"
	NodeLLM       NodeType = "llm"
	NodeSkill     NodeType = "skill"
	NodeTransform NodeType = "transform"
	NodeOutput    NodeType = "output"
)

// Valid reports whether the type is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeInput, NodeLLM, NodeSkill, NodeTransform, NodeOutput:
		return true
	}
	return false
}

// Node is a tagged variant. Type selects which typed config the Data payload
// decodes into; unknown Data keys are preserved for forward compatibility.
// Position, Width and Height are canvas-only and carry no execution meaning.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Label    string         `json:"label,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Position *Position      `json:"position,omitempty"`
	Width    float64        `json:"width,omitempty"`
	Height   float64        `json:"height,omitempty"`
}

// Key returns the label if set, otherwise the id. Input envelopes and final
// outputs are keyed this way.
func (n Node) Key() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// InputType enumerates the accepted input payload shapes.
type InputType string

const (
	InputText   InputType = "text"
	InputNumber InputType = "number"
	InputJSON   InputType = "json"
	InputFile   InputType = "file"
)

// InputConfig is the payload of an input node.
type InputConfig struct {
	InputType InputType `mapstructure:"input_type"`
	Default   any       `mapstructure:"default"`
}

// LLMConfig is the payload of an llm node. Temperature must lie in [0, 2].
type LLMConfig struct {
	Model        string  `mapstructure:"model"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Prompt       string  `mapstructure:"prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	JSONOutput   bool    `mapstructure:"json_output"`
}

// SkillConfig is the payload of a skill node.
type SkillConfig struct {
	SkillID string `mapstructure:"skill_id"`
}

// TransformKind enumerates the pure transform operations.
type TransformKind string

const (
	TransformPassthrough   TransformKind = "passthrough"
	TransformExtract       TransformKind = "extract"
	TransformTemplate      TransformKind = "template"
	TransformJSONParse     TransformKind = "json_parse"
	TransformJSONStringify TransformKind = "json_stringify"
	TransformArrayJoin     TransformKind = "array_join"
)

// TransformConfig is the payload of a transform node.
type TransformConfig struct {
	Kind      TransformKind `mapstructure:"kind"`
	Field     string        `mapstructure:"field"`
	Template  string        `mapstructure:"template"`
	Separator string        `mapstructure:"separator"`
}

// OutputFormat enumerates output rendering hints.
type OutputFormat string

const (
	OutputAuto     OutputFormat = "auto"
	OutputText     OutputFormat = "text"
	OutputJSONFmt  OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
)

// OutputConfig is the payload of an output node.
type OutputConfig struct {
	Format OutputFormat `mapstructure:"format"`
}

func decodePayload(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// InputConfig decodes the node payload as an input config.
func (n Node) InputConfig() (InputConfig, error) {
	cfg := InputConfig{InputType: InputText}
	if err := decodePayload(n.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decoding input config: %w", n.ID, err)
	}
	return cfg, nil
}

// LLMConfig decodes the node payload as an llm config.
func (n Node) LLMConfig() (LLMConfig, error) {
	var cfg LLMConfig
	if err := decodePayload(n.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decoding llm config: %w", n.ID, err)
	}
	return cfg, nil
}

// SkillConfig decodes the node payload as a skill config.
func (n Node) SkillConfig() (SkillConfig, error) {
	var cfg SkillConfig
	if err := decodePayload(n.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decoding skill config: %w", n.ID, err)
	}
	return cfg, nil
}

// TransformConfig decodes the node payload as a transform config.
func (n Node) TransformConfig() (TransformConfig, error) {
	cfg := TransformConfig{Kind: TransformPassthrough}
	if err := decodePayload(n.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decoding transform config: %w", n.ID, err)
	}
	return cfg, nil
}

// OutputConfig decodes the node payload as an output config.
func (n Node) OutputConfig() (OutputConfig, error) {
	cfg := OutputConfig{Format: OutputAuto}
	if err := decodePayload(n.Data, &cfg); err != nil {
		return cfg, fmt.Errorf("node %q: decoding output config: %w", n.ID, err)
	}
	return cfg, nil
}
