package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/nexhub-ai/nexhub/pkg/graph"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// renderTemplate substitutes {{name}} placeholders from the inputs map.
// Dotted names traverse nested maps, so {{s.error.kind}} reaches into a
// structured failure value. Unknown names render empty.
func renderTemplate(tmpl string, inputs map[string]any) string {
	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		v, ok := lookupPath(inputs, name)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func lookupPath(inputs map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = inputs
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// evalTransform applies a pure transform to the node's inputs. Transforms
// never retry; any failure is a TransformError.
func evalTransform(node graph.Node, cfg graph.TransformConfig, inputs map[string]any) (any, *NodeError) {
	fail := func(format string, args ...any) (any, *NodeError) {
		return nil, &NodeError{
			Kind:    FailTransformError,
			NodeID:  node.ID,
			Message: fmt.Sprintf(format, args...),
		}
	}

	switch cfg.Kind {
	case graph.TransformPassthrough, "":
		return singleInput(inputs), nil

	case graph.TransformExtract:
		query, err := gojq.Parse(normalizeExtractPath(cfg.Field))
		if err != nil {
			return fail("invalid extract path %q: %v", cfg.Field, err)
		}
		iter := query.Run(singleInput(inputs))
		v, ok := iter.Next()
		if !ok {
			return fail("extract path %q produced no value", cfg.Field)
		}
		if err, isErr := v.(error); isErr {
			return fail("extract path %q: %v", cfg.Field, err)
		}
		return v, nil

	case graph.TransformTemplate:
		return renderTemplate(cfg.Template, inputs), nil

	case graph.TransformJSONParse:
		s, ok := singleInput(inputs).(string)
		if !ok {
			return fail("json_parse expects a string input")
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return fail("json_parse: %v", err)
		}
		return v, nil

	case graph.TransformJSONStringify:
		b, err := json.Marshal(singleInput(inputs))
		if err != nil {
			return fail("json_stringify: %v", err)
		}
		return string(b), nil

	case graph.TransformArrayJoin:
		arr, ok := singleInput(inputs).([]any)
		if !ok {
			return fail("array_join expects an array input")
		}
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = stringify(v)
		}
		sep := cfg.Separator
		if sep == "" {
			sep = ","
		}
		return strings.Join(parts, sep), nil
	}
	return fail("unknown transform kind %q", cfg.Kind)
}

// singleInput unwraps the common one-upstream case; multi-input nodes see
// the whole map keyed by source node.
func singleInput(inputs map[string]any) any {
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v
		}
	}
	return inputs
}

// normalizeExtractPath accepts both jq-style ".a.b" and bare dotted "a.b"
// field paths.
func normalizeExtractPath(field string) string {
	if field == "" {
		return "."
	}
	if strings.HasPrefix(field, ".") {
		return field
	}
	return "." + field
}
