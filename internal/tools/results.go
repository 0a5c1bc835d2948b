// Package tools exposes the refinement protocol, memory store, and
// whiteboard operations as individually invocable tools for an LLM-driven
// agent runtime. Every tool returns a discriminated JSON object: a "type"
// field distinguishes the success shapes from the uniform "error" shape, and
// error payloads carry a recovery hint (allowed_actions, allowed_fields, or
// required_param) so the caller can self-correct without documentation.
package tools

import (
	"errors"
	"strings"

	"github.com/sablewood/reverie/internal/refine"
	"github.com/sablewood/reverie/pkg/types"
)

// Result type discriminators.
const (
	TypeMemoryCreated    = "memory_created"
	TypeSearchResults    = "search_results"
	TypeMemoryMerged     = "memory_merged"
	TypeMemoryUpdated    = "memory_updated"
	TypeMemoryDeleted    = "memory_deleted"
	TypeMemoryProtected  = "memory_protected"
	TypeSessionCompleted = "session_completed"
	TypeFieldView        = "field_view"
	TypeFieldUpdated     = "field_updated"
	TypeBoardCreated     = "board_created"
	TypeBoardUpdated     = "board_updated"
	TypeBoardConflict    = "board_conflict"
	TypeBoardDeleted     = "board_deleted"
	TypeBoardRestored    = "board_restored"
	TypeBoardActivated   = "board_activated"
	TypeBoardList        = "board_list"
	TypeMessageNoted     = "message_noted"
	TypeError            = "error"
)

// MemoryResult describes one memory in a tool result.
type MemoryResult struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	MemoryType     string `json:"memory_type"`
	Constitutional bool   `json:"constitutional"`
	AgeDays        int    `json:"age_days"`
}

// BoardResult describes one whiteboard in a tool result.
type BoardResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Summary  string `json:"summary,omitempty"`
	Content  string `json:"content,omitempty"`
	Revision int    `json:"revision"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// ErrorResult is the uniform error shape. Kind mirrors the error taxonomy;
// exactly one recovery hint is populated.
type ErrorResult struct {
	Type           string   `json:"type"`
	Kind           string   `json:"kind"`
	Error          string   `json:"error"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
	AllowedFields  []string `json:"allowed_fields,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	RequiredParam  string   `json:"required_param,omitempty"`
}

// ConflictResult is the board_conflict shape: the caller lost an optimistic
// write and receives the server's current state to re-decide with.
type ConflictResult struct {
	Type            string `json:"type"`
	Error           string `json:"error"`
	CurrentRevision int    `json:"current_revision"`
	CurrentContent  string `json:"current_content"`
}

// resultFromError maps the error taxonomy onto the discriminated error
// shapes. Whiteboard revision conflicts become board_conflict instead of a
// plain error since they carry resolution state.
func resultFromError(err error) any {
	var conflict *types.ConflictError
	if errors.As(err, &conflict) && conflict.CurrentRevision > 0 {
		return &ConflictResult{
			Type:            TypeBoardConflict,
			Error:           conflict.Error(),
			CurrentRevision: conflict.CurrentRevision,
			CurrentContent:  conflict.CurrentContent,
		}
	}

	out := &ErrorResult{Type: TypeError, Error: err.Error()}

	var validation *types.ValidationError
	var protected *types.ProtectedMemoryError
	var notFound *types.NotFoundError
	var ctxErr *types.ContextError
	var safety *types.SafetyRejectionError

	switch {
	case errors.As(err, &validation):
		out.Kind = "validation"
		switch validation.Field {
		case "action":
			out.AllowedActions = refine.ActionNames()
		case "field":
			out.AllowedFields = refine.FieldNames()
		default:
			out.RequiredParam = validation.Field
		}
	case errors.As(err, &protected):
		out.Kind = "protected_memory"
		out.RequiredParam = "id"
	case errors.As(err, &conflict):
		out.Kind = "conflict"
		out.RequiredParam = "name"
	case errors.As(err, &notFound):
		out.Kind = "not_found"
		out.RequiredParam = "id"
	case errors.As(err, &ctxErr):
		out.Kind = "context"
		out.RequiredParam = ctxErr.Missing + "_id"
	case errors.As(err, &safety):
		out.Kind = "safety_rejection"
		out.RequiredParam = "value"
	default:
		out.Kind = "internal"
		out.RequiredParam = "none"
	}
	return out
}

func memoryResult(mem *types.Memory, ageDays int) MemoryResult {
	return MemoryResult{
		ID:             mem.ID,
		Content:        mem.Content,
		MemoryType:     string(mem.Type),
		Constitutional: mem.Constitutional,
		AgeDays:        ageDays,
	}
}

func boardResult(board *types.Whiteboard, includeContent bool) BoardResult {
	out := BoardResult{
		ID:       board.ID,
		Name:     board.Name,
		Summary:  board.Summary,
		Revision: board.Revision,
		Deleted:  board.Deleted(),
	}
	if includeContent {
		out.Content = board.Content
	}
	return out
}

// parseActor reads an "kind:id" actor reference. Blank defaults to the
// acting agent.
func parseActor(raw, agentID string) (types.Actor, error) {
	if strings.TrimSpace(raw) == "" {
		return types.AgentActor(agentID), nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return types.Actor{}, &types.ValidationError{
			Field:  "actor",
			Reason: `actor must be "user:<id>" or "agent:<id>"`,
		}
	}
	switch types.ActorKind(kind) {
	case types.ActorUser:
		return types.UserActor(id), nil
	case types.ActorAgent:
		return types.AgentActor(id), nil
	default:
		return types.Actor{}, &types.ValidationError{
			Field:  "actor",
			Reason: `actor kind must be "user" or "agent"`,
		}
	}
}
