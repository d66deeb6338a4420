package transforms

import (
	"context"
	"fmt"
	"strings"

	"dario.cat/mergo"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// RegisterBuiltins registers all built-in transforms in the given registry.
func RegisterBuiltins(reg *Registry) error {
	all := []Transform{
		&identityTransform{},
		&caseTransform{name: "uppercase", apply: strings.ToUpper},
		&caseTransform{name: "lowercase", apply: strings.ToLower},
		&concatTransform{},
		&pickTransform{},
		&mergeTransform{},
		&templateTransform{interp: expressions.NewInterpolator()},
		&jqTransform{engine: expressions.NewGoJQEngine()},
		&exprTransform{engine: expressions.NewExprEngine()},
	}

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- identity ---

type identityTransform struct{}

func (t *identityTransform) Name() string     { return "identity" }
func (t *identityTransform) Describe() string { return "Pass the inbound value through unchanged" }

func (t *identityTransform) Apply(_ context.Context, in Input) (any, error) {
	return in.Value, nil
}

// --- uppercase / lowercase ---

type caseTransform struct {
	name  string
	apply func(string) string
}

func (t *caseTransform) Name() string { return t.name }

func (t *caseTransform) Describe() string {
	return "Convert the inbound string to " + t.name
}

func (t *caseTransform) Apply(_ context.Context, in Input) (any, error) {
	s, ok := in.Value.(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"%s requires a string value, got %T", t.name, in.Value)
	}
	return t.apply(s), nil
}

// --- concat ---

type concatTransform struct{}

func (t *concatTransform) Name() string { return "concat" }

func (t *concatTransform) Describe() string {
	return "Join the elements of the inbound array with a separator"
}

func (t *concatTransform) Apply(_ context.Context, in Input) (any, error) {
	items, ok := in.Value.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"concat requires an array value, got %T", in.Value)
	}

	sep := ""
	if s, ok := stringArg(in.Args, "separator"); ok {
		sep = s
	}

	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep), nil
}

// --- pick ---

type pickTransform struct{}

func (t *pickTransform) Name() string { return "pick" }

func (t *pickTransform) Describe() string {
	return "Keep only the listed keys of the inbound object"
}

func (t *pickTransform) Apply(_ context.Context, in Input) (any, error) {
	obj, ok := in.Value.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"pick requires an object value, got %T", in.Value)
	}

	keys, err := stringSliceArg(in.Args, "keys")
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, exists := obj[k]; exists {
			out[k] = v
		}
	}
	return out, nil
}

// --- merge ---

type mergeTransform struct{}

func (t *mergeTransform) Name() string { return "merge" }

func (t *mergeTransform) Describe() string {
	return "Deep-merge an object argument over the inbound object"
}

func (t *mergeTransform) Apply(_ context.Context, in Input) (any, error) {
	obj, ok := in.Value.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"merge requires an object value, got %T", in.Value)
	}
	with, ok := in.Args["with"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeFatal,
			"merge requires an object 'with' argument")
	}

	// Deep-copy before merging: a shallow copy shares nested maps with the
	// frozen run scope, and mergo would mutate those in place.
	dst := deepCopyObject(obj)
	if err := mergo.Merge(&dst, with, mergo.WithOverride); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal, "merge failed: %s", err.Error()).WithCause(err)
	}
	return dst, nil
}

func deepCopyObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyObject(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// --- template ---

type templateTransform struct {
	interp *expressions.Interpolator
}

func (t *templateTransform) Name() string { return "template" }

func (t *templateTransform) Describe() string {
	return "Render a template string against the run scope"
}

func (t *templateTransform) Apply(_ context.Context, in Input) (any, error) {
	tmpl, ok := stringArg(in.Args, "template")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeFatal,
			"template requires a string 'template' argument")
	}
	return t.interp.Render(tmpl, in.Scope)
}

// --- jq ---

type jqTransform struct {
	engine *expressions.GoJQEngine
}

func (t *jqTransform) Name() string { return "jq" }

func (t *jqTransform) Describe() string {
	return "Apply a jq query to the inbound value"
}

func (t *jqTransform) Apply(ctx context.Context, in Input) (any, error) {
	query, ok := stringArg(in.Args, "query")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeFatal,
			"jq requires a string 'query' argument")
	}
	return t.engine.EvaluateValue(ctx, query, in.Value)
}

// --- expr ---

type exprTransform struct {
	engine *expressions.ExprEngine
}

func (t *exprTransform) Name() string { return "expr" }

func (t *exprTransform) Describe() string {
	return "Evaluate an Expr expression over the run scope and inbound value"
}

func (t *exprTransform) Apply(ctx context.Context, in Input) (any, error) {
	expression, ok := stringArg(in.Args, "expression")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeFatal,
			"expr requires a string 'expression' argument")
	}

	env := map[string]any{"value": in.Value}
	if in.Scope != nil {
		env = in.Scope.Map()
		env["value"] = in.Value
	}
	return t.engine.Evaluate(ctx, expression, env)
}

// stringSliceArg extracts a required []string argument. JSON decoding yields
// []any, so elements are checked individually.
func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal, "missing %q argument", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal, "%q argument must be an array of strings", key)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeFatal, "%q argument must be an array of strings", key)
		}
		out[i] = s
	}
	return out, nil
}

// stringify renders a value for concat. Strings pass through; everything
// else uses its default formatting.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
