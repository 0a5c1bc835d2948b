package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sablewood/reverie/pkg/types"
)

// FieldView is the result of viewing one agent configuration field.
type FieldView struct {
	Field     types.AgentField `json:"field"`
	Value     string           `json:"value"`
	IsDefault bool             `json:"is_default"`
}

// FieldNames returns the closed mutable field set as strings.
func FieldNames() []string {
	names := make([]string, len(types.AgentFields))
	for i, f := range types.AgentFields {
		names[i] = string(f)
	}
	return names
}

func unknownFieldError(field types.AgentField) error {
	return &types.ValidationError{
		Field: "field",
		Reason: fmt.Sprintf("unknown field %q; editable fields are: %s",
			field, strings.Join(FieldNames(), ", ")),
	}
}

// ViewField returns the current value of one configuration field. An unset
// field with a system default returns the default annotated is_default.
func (p *Protocol) ViewField(ctx context.Context, agentID string, field types.AgentField) (*FieldView, error) {
	if agentID == "" {
		return nil, &types.ContextError{Missing: "agent"}
	}
	if !types.KnownField(field) {
		return nil, unknownFieldError(field)
	}

	agent, err := p.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	value, isDefault := agent.FieldValue(field)
	return &FieldView{Field: field, Value: value, IsDefault: isDefault}, nil
}

// UpdateField changes one configuration field. Prompt-bearing fields pass a
// synchronous safety check first: an unsafe verdict rejects the update
// wholesale with a SafetyRejectionError and the field is untouched. Name and
// refinement_threshold bypass the check but carry their own validation, and
// name uniqueness surfaces as a field-scoped ValidationError from the store.
func (p *Protocol) UpdateField(ctx context.Context, agentID string, actor types.Actor, field types.AgentField, value string) (*FieldView, error) {
	if agentID == "" {
		return nil, &types.ContextError{Missing: "agent"}
	}
	if !types.KnownField(field) {
		return nil, unknownFieldError(field)
	}

	agent, err := p.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	before, _ := agent.FieldValue(field)

	if field.PromptField() {
		verdict, err := p.safety.Classify(ctx, value)
		if err != nil {
			// The gate could not run; the update must not slip through.
			return nil, err
		}
		if !verdict.Safe {
			return nil, &types.SafetyRejectionError{Field: string(field), Reason: verdict.Reason}
		}
	}

	switch field {
	case types.FieldName:
		if err := types.ValidateAgentName(value); err != nil {
			return nil, err
		}
		agent.Name = value
	case types.FieldSystemPrompt:
		agent.SystemPrompt = value
	case types.FieldReflectionPrompt:
		agent.ReflectionPrompt = value
	case types.FieldMemoryReflectionPrompt:
		agent.MemoryReflectionPrompt = value
	case types.FieldRefinementPrompt:
		agent.RefinementPrompt = value
	case types.FieldRefinementThreshold:
		threshold, err := types.ParseRefinementThreshold(value)
		if err != nil {
			return nil, err
		}
		agent.RefinementThreshold = &threshold
	}

	if err := p.agents.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "update_field", actor, map[string]any{
		"field":  string(field),
		"before": before,
		"after":  value,
	})

	after, isDefault := agent.FieldValue(field)
	return &FieldView{Field: field, Value: after, IsDefault: isDefault}, nil
}
