package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultRefinementThreshold is used when an agent has no explicit threshold.
const DefaultRefinementThreshold = 0.7

// Agent is an AI persona owned by an account. Its prompts and threshold form
// a configuration aggregate that is only mutated through the refinement
// protocol, so the safety gate and audit emission stay enforceable in one
// place.
type Agent struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`

	SystemPrompt           string `json:"system_prompt,omitempty"`
	ReflectionPrompt       string `json:"reflection_prompt,omitempty"`
	MemoryReflectionPrompt string `json:"memory_reflection_prompt,omitempty"`
	RefinementPrompt       string `json:"refinement_prompt,omitempty"`

	// RefinementThreshold is in [0, 1]; nil means the system default applies.
	RefinementThreshold *float64   `json:"refinement_threshold,omitempty"`
	LastRefinementAt    *time.Time `json:"last_refinement_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentField names a mutable agent configuration field. The set is closed:
// the refinement protocol refuses any field not listed here.
type AgentField string

const (
	FieldName                   AgentField = "name"
	FieldSystemPrompt           AgentField = "system_prompt"
	FieldReflectionPrompt       AgentField = "reflection_prompt"
	FieldMemoryReflectionPrompt AgentField = "memory_reflection_prompt"
	FieldRefinementPrompt       AgentField = "refinement_prompt"
	FieldRefinementThreshold    AgentField = "refinement_threshold"
)

// AgentFields is the closed set of fields the self-authoring protocol may
// view or update, in a stable order for error messages.
var AgentFields = []AgentField{
	FieldName,
	FieldSystemPrompt,
	FieldReflectionPrompt,
	FieldMemoryReflectionPrompt,
	FieldRefinementPrompt,
	FieldRefinementThreshold,
}

// KnownField reports whether f is in the closed mutable field set.
func KnownField(f AgentField) bool {
	for _, known := range AgentFields {
		if f == known {
			return true
		}
	}
	return false
}

// PromptField reports whether f carries prompt text and therefore requires a
// safety check before any update is applied.
func (f AgentField) PromptField() bool {
	switch f {
	case FieldSystemPrompt, FieldReflectionPrompt, FieldMemoryReflectionPrompt, FieldRefinementPrompt:
		return true
	}
	return false
}

// FieldValue returns the current value of field f as a string, plus whether
// the value is the system default (field unset).
func (a *Agent) FieldValue(f AgentField) (value string, isDefault bool) {
	switch f {
	case FieldName:
		return a.Name, false
	case FieldSystemPrompt:
		return a.SystemPrompt, a.SystemPrompt == ""
	case FieldReflectionPrompt:
		return a.ReflectionPrompt, a.ReflectionPrompt == ""
	case FieldMemoryReflectionPrompt:
		return a.MemoryReflectionPrompt, a.MemoryReflectionPrompt == ""
	case FieldRefinementPrompt:
		return a.RefinementPrompt, a.RefinementPrompt == ""
	case FieldRefinementThreshold:
		if a.RefinementThreshold == nil {
			return strconv.FormatFloat(DefaultRefinementThreshold, 'f', -1, 64), true
		}
		return strconv.FormatFloat(*a.RefinementThreshold, 'f', -1, 64), false
	}
	return "", false
}

// MaxAgentNameLen is the maximum allowed length of an agent name.
const MaxAgentNameLen = 100

// ValidateAgentName checks presence and length of an agent name.
func ValidateAgentName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "name cannot be blank"}
	}
	if utf8.RuneCountInString(name) > MaxAgentNameLen {
		return &ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("name exceeds maximum length of %d characters", MaxAgentNameLen),
		}
	}
	return nil
}

// ParseRefinementThreshold coerces raw to a float and validates the range.
func ParseRefinementThreshold(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ValidationError{
			Field:  string(FieldRefinementThreshold),
			Reason: fmt.Sprintf("refinement_threshold must be a number, got %q", raw),
		}
	}
	if v < 0 || v > 1 {
		return 0, &ValidationError{
			Field:  string(FieldRefinementThreshold),
			Reason: fmt.Sprintf("refinement_threshold must be between 0 and 1, got %g", v),
		}
	}
	return v, nil
}
