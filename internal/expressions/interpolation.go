package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// Interpolator resolves ${{...}} references in prompt templates and
// transform arguments against a Scope.
//
// Supported namespaces:
//   - nodes.<id>[.<field>...]  — upstream node output
//   - inputs.<key>             — run input parameter
//   - context.<key>            — shared context bag
//   - run.<field>              — run metadata (run_id, workflow_id, ...)
//   - iter.item / iter.index   — loop iteration variables
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render resolves every ${{...}} reference in a plain-text template.
// Agent prompts route through here.
func (interp *Interpolator) Render(template string, scope *Scope) (string, error) {
	return interp.resolveString(template, scope)
}

// Resolve performs interpolation on raw JSON, returning the interpolated
// bytes. Transform args route through here.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	resolved, err := interp.resolveString(string(raw), scope)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

// resolveString scans for ${{...}} tokens and resolves them.
func (interp *Interpolator) resolveString(input string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// resolveExpr resolves a single expression path like "nodes.fetch.text".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "nodes":
		return interp.resolveNodes(expr, scope)
	case "inputs":
		return interp.resolveNamespace(scope.Inputs, expr, "inputs")
	case "context":
		return interp.resolveNamespace(scope.Context, expr, "context")
	case "run":
		return interp.resolveNamespace(scope.Run, expr, "run")
	case "iter":
		return interp.resolveIter(expr, scope)
	default:
		available := []string{"nodes", "inputs", "context", "run", "iter"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveNodes resolves nodes.<id>[.<field>...] references.
func (interp *Interpolator) resolveNodes(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 3) // [nodes, id, rest...]
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid node reference %q: expected nodes.<id>[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	nodeID := parts[1]

	value, ok := scope.Nodes[nodeID]
	if !ok {
		available := mapKeys(scope.Nodes)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"node %q not found in ${{%s}}; available nodes: [%s]", nodeID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_nodes": available})
	}

	// nodes.<id> — return the whole output.
	if len(parts) == 2 {
		return value, nil
	}

	return interp.traversePath(value, parts[2], expr)
}

// resolveNamespace resolves <namespace>.<field>[.<subfield>...] references.
func (interp *Interpolator) resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected %s.<field>", namespace, expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return interp.traversePath(data, fieldPath, expr)
}

// resolveIter resolves iter.item and iter.index references.
func (interp *Interpolator) resolveIter(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid iter reference %q: expected iter.item or iter.index", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Iter == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"iteration variable %q referenced outside of a loop", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	field := parts[1]
	switch {
	case field == "item":
		return scope.Iter.Item, nil
	case field == "index":
		return scope.Iter.Index, nil
	case strings.HasPrefix(field, "item."):
		// Nested field access on iter.item: iter.item.name
		subpath := strings.TrimPrefix(field, "item.")
		return interp.traversePath(scope.Iter.Item, subpath, expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown iter field %q in ${{%s}}; available: item, index", field, expr).
			WithDetails(map[string]any{"expression": expr, "available_fields": []string{"item", "index"}})
	}
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed without extra quotes; complex types JSON-encode inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if text contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
