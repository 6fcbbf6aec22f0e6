package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhub-ai/nexhub/pkg/graph"
)

func tnode(id string) graph.Node {
	return graph.Node{ID: id, Type: graph.NodeTransform}
}

func TestRenderTemplate(t *testing.T) {
	inputs := map[string]any{
		"q": "42",
		"s": map[string]any{"error": map[string]any{"kind": "SkillHttpError"}},
		"n": 7.0,
	}
	tests := []struct {
		tmpl, want string
	}{
		{"A: {{q}}", "A: 42"},
		{"fallback: {{s.error.kind}}", "fallback: SkillHttpError"},
		{"n={{n}}", "n=7"},
		{"missing: [{{ghost}}]", "missing: []"},
		{"spaced {{ q }}", "spaced 42"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, renderTemplate(tt.tmpl, inputs), "template %q", tt.tmpl)
	}
}

func TestEvalTransform(t *testing.T) {
	t.Run("passthrough single input", func(t *testing.T) {
		v, err := evalTransform(tnode("t"), graph.TransformConfig{Kind: graph.TransformPassthrough},
			map[string]any{"a": "x"})
		require.Nil(t, err)
		assert.Equal(t, "x", v)
	})

	t.Run("extract dotted path", func(t *testing.T) {
		v, err := evalTransform(tnode("t"),
			graph.TransformConfig{Kind: graph.TransformExtract, Field: "user.name"},
			map[string]any{"a": map[string]any{"user": map[string]any{"name": "ada"}}})
		require.Nil(t, err)
		assert.Equal(t, "ada", v)
	})

	t.Run("extract jq style path", func(t *testing.T) {
		v, err := evalTransform(tnode("t"),
			graph.TransformConfig{Kind: graph.TransformExtract, Field: ".items[0]"},
			map[string]any{"a": map[string]any{"items": []any{"first", "second"}}})
		require.Nil(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("template", func(t *testing.T) {
		v, err := evalTransform(tnode("t"),
			graph.TransformConfig{Kind: graph.TransformTemplate, Template: "hi {{a}}"},
			map[string]any{"a": "there"})
		require.Nil(t, err)
		assert.Equal(t, "hi there", v)
	})

	t.Run("json parse", func(t *testing.T) {
		v, err := evalTransform(tnode("t"), graph.TransformConfig{Kind: graph.TransformJSONParse},
			map[string]any{"a": `{"k":1}`})
		require.Nil(t, err)
		assert.Equal(t, map[string]any{"k": 1.0}, v)
	})

	t.Run("json parse rejects non string", func(t *testing.T) {
		_, err := evalTransform(tnode("t"), graph.TransformConfig{Kind: graph.TransformJSONParse},
			map[string]any{"a": 1})
		require.NotNil(t, err)
		assert.Equal(t, FailTransformError, err.Kind)
	})

	t.Run("json stringify", func(t *testing.T) {
		v, err := evalTransform(tnode("t"), graph.TransformConfig{Kind: graph.TransformJSONStringify},
			map[string]any{"a": map[string]any{"k": 1}})
		require.Nil(t, err)
		assert.JSONEq(t, `{"k":1}`, v.(string))
	})

	t.Run("array join", func(t *testing.T) {
		v, err := evalTransform(tnode("t"),
			graph.TransformConfig{Kind: graph.TransformArrayJoin, Separator: " | "},
			map[string]any{"a": []any{"x", "y", 3}})
		require.Nil(t, err)
		assert.Equal(t, "x | y | 3", v)
	})
}

func TestParseJSONOutput(t *testing.T) {
	t.Run("clean json with trailing newline", func(t *testing.T) {
		v, err := parseJSONOutput("{\"a\":1}\n")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1.0}, v)
	})

	t.Run("preamble repaired", func(t *testing.T) {
		v, err := parseJSONOutput("Sure, here is the JSON:\n{\"a\":1}")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1.0}, v)
	})

	t.Run("braces inside strings", func(t *testing.T) {
		v, err := parseJSONOutput(`noise {"a":"}{"} tail`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "}{"}, v)
	})

	t.Run("no json at all", func(t *testing.T) {
		_, err := parseJSONOutput("just prose")
		assert.Error(t, err)
	})
}
