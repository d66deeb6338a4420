package graph

import "github.com/loomworks/loom/pkg/schema"

// TransformLookup reports whether a named transform is registered.
// nil skips transform existence checks.
type TransformLookup interface {
	Has(name string) bool
}

// AgentLookup reports whether an agent ID resolves in the directory.
// nil skips agent existence checks.
type AgentLookup interface {
	Has(agentID string) bool
}

// Validator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node configs, edge refs, branch ports, loop bodies)
// 3. Graph analysis (cycles, dead ends)
type Validator struct {
	jsonSchema *JSONSchemaValidator
	transforms TransformLookup
	agents     AgentLookup
}

// NewValidator creates a Validator. transforms and agents may be nil to
// skip the corresponding existence checks.
func NewValidator(transforms TransformLookup, agents AgentLookup) (*Validator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		jsonSchema: jsv,
		transforms: transforms,
		agents:     agents,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (v *Validator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := v.validateStructural(wf)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(wf, v.transforms, v.agents))

	// Stage 3: Graph analysis (skip if semantic errors left the graph unbuildable).
	if result.Valid() {
		result.Merge(validateTopology(wf))
	}

	return result
}

// ValidateWorkflow returns an EngineError when the workflow is invalid,
// nil otherwise.
func (v *Validator) ValidateWorkflow(wf *schema.Workflow) error {
	return v.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (v *Validator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps ValidateDocument, converting its error output
// into a ValidationResult.
func (v *Validator) validateStructural(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.jsonSchema.ValidateDocument(wf)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, violation := range violations {
				result.AddError("/", schema.ErrCodeValidation, violation)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
