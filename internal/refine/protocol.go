// Package refine implements the tool-callable refinement protocol: a single
// dispatch surface over an agent's memory set (search, consolidate, update,
// delete, protect, complete) plus the self-authoring sub-protocol over the
// agent's configuration fields. Every mutating action emits one audit record.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sablewood/reverie/internal/llm"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// Action names the memory-refinement operations. The set is closed; an
// unknown action error enumerates it so an LLM caller can recover without
// external documentation.
type Action string

const (
	ActionSearch      Action = "search"
	ActionConsolidate Action = "consolidate"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionProtect     Action = "protect"
	ActionComplete    Action = "complete"
)

// Actions is the legal action set, in a stable order for error messages.
var Actions = []Action{
	ActionSearch,
	ActionConsolidate,
	ActionUpdate,
	ActionDelete,
	ActionProtect,
	ActionComplete,
}

// ActionNames returns the legal actions as strings.
func ActionNames() []string {
	names := make([]string, len(Actions))
	for i, a := range Actions {
		names[i] = string(a)
	}
	return names
}

// Request is one refinement call. Which fields are required depends on the
// action; a missing required field returns a ValidationError naming it.
type Request struct {
	Action  Action   `json:"action"`
	Query   string   `json:"query,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	ID      string   `json:"id,omitempty"`
	Content string   `json:"content,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// Outcome is the success shape of one refinement call. Exactly one of the
// payload fields is populated, matching the action.
type Outcome struct {
	Action   Action          `json:"action"`
	Matches  []*types.Memory `json:"matches,omitempty"`
	Memory   *types.Memory   `json:"memory,omitempty"`
	Before   string          `json:"before,omitempty"`
	After    string          `json:"after,omitempty"`
	Summary  string          `json:"summary,omitempty"`
	MemoryID string          `json:"memory_id,omitempty"`
}

// Protocol is the refinement dispatch surface for one deployment. It is
// stateless between calls; the acting agent and actor arrive per call.
type Protocol struct {
	agents   storage.AgentStore
	memories storage.MemoryStore
	audit    storage.AuditLog
	safety   llm.SafetyClassifier

	searchLimit int

	onAudit func(agentID, action string, actor types.Actor)
}

// SetAuditObserver registers a callback invoked after each audit record is
// appended. Used to surface refinement activity on the operator event hub.
func (p *Protocol) SetAuditObserver(fn func(agentID, action string, actor types.Actor)) {
	p.onAudit = fn
}

// NewProtocol creates a refinement protocol over the given stores. The
// safety classifier gates prompt-field updates in the self-authoring
// sub-protocol.
func NewProtocol(agents storage.AgentStore, memories storage.MemoryStore, audit storage.AuditLog, safety llm.SafetyClassifier) *Protocol {
	return &Protocol{
		agents:      agents,
		memories:    memories,
		audit:       audit,
		safety:      safety,
		searchLimit: 25,
	}
}

// Execute dispatches one refinement call for the acting agent. agentID is
// required context: without it the call fails with a ContextError, distinct
// from a lookup miss.
func (p *Protocol) Execute(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if agentID == "" {
		return nil, &types.ContextError{Missing: "agent"}
	}

	switch req.Action {
	case ActionSearch:
		return p.search(ctx, agentID, req)
	case ActionConsolidate:
		return p.consolidate(ctx, agentID, actor, req)
	case ActionUpdate:
		return p.update(ctx, agentID, actor, req)
	case ActionDelete:
		return p.delete(ctx, agentID, actor, req)
	case ActionProtect:
		return p.protect(ctx, agentID, actor, req)
	case ActionComplete:
		return p.complete(ctx, agentID, actor, req)
	default:
		return nil, &types.ValidationError{
			Field: "action",
			Reason: fmt.Sprintf("unknown action %q; legal actions are: %s",
				req.Action, strings.Join(ActionNames(), ", ")),
		}
	}
}

func (p *Protocol) search(ctx context.Context, agentID string, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &types.ValidationError{Field: "query", Reason: "search requires a query"}
	}
	matches, err := p.memories.SearchMemories(ctx, agentID, req.Query, p.searchLimit)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionSearch, Matches: matches}, nil
}

func (p *Protocol) consolidate(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if len(req.IDs) < 2 {
		return nil, &types.ValidationError{Field: "ids", Reason: "consolidate requires at least 2 memory ids"}
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, &types.ValidationError{Field: "content", Reason: "consolidate requires replacement content"}
	}

	merged, err := p.memories.ConsolidateMemories(ctx, agentID, req.IDs, req.Content)
	if err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "consolidate", actor, map[string]any{
		"merged": req.IDs,
		"result": map[string]any{"id": merged.ID, "content": merged.Content},
	})
	return &Outcome{Action: ActionConsolidate, Memory: merged}, nil
}

func (p *Protocol) update(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if req.ID == "" {
		return nil, &types.ValidationError{Field: "id", Reason: "update requires a memory id"}
	}

	before, err := p.memories.GetMemory(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if before.AgentID != agentID {
		return nil, &types.NotFoundError{Resource: "memory", ID: req.ID}
	}
	if err := p.memories.UpdateMemoryContent(ctx, req.ID, req.Content); err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "update", actor, map[string]any{
		"id":     req.ID,
		"before": before.Content,
		"after":  req.Content,
	})
	return &Outcome{Action: ActionUpdate, MemoryID: req.ID, Before: before.Content, After: req.Content}, nil
}

func (p *Protocol) delete(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if req.ID == "" {
		return nil, &types.ValidationError{Field: "id", Reason: "delete requires a memory id"}
	}

	mem, err := p.memories.GetMemory(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if mem.AgentID != agentID {
		return nil, &types.NotFoundError{Resource: "memory", ID: req.ID}
	}
	if err := p.memories.DiscardMemory(ctx, req.ID); err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "delete", actor, map[string]any{"id": req.ID})
	return &Outcome{Action: ActionDelete, MemoryID: req.ID}, nil
}

func (p *Protocol) protect(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if req.ID == "" {
		return nil, &types.ValidationError{Field: "id", Reason: "protect requires a memory id"}
	}

	mem, err := p.memories.GetMemory(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if mem.AgentID != agentID {
		return nil, &types.NotFoundError{Resource: "memory", ID: req.ID}
	}
	if err := p.memories.ProtectMemory(ctx, req.ID); err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "protect", actor, map[string]any{"id": req.ID})
	return &Outcome{Action: ActionProtect, MemoryID: req.ID}, nil
}

// complete ends a refinement session: it stamps last_refinement_at, writes a
// journal memory summarizing the session, and emits an audit record.
func (p *Protocol) complete(ctx context.Context, agentID string, actor types.Actor, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Summary) == "" {
		return nil, &types.ValidationError{Field: "summary", Reason: "complete requires a session summary"}
	}

	mem := &types.Memory{
		AgentID: agentID,
		Content: "Refinement session: " + req.Summary,
		Type:    types.MemoryJournal,
	}
	if err := p.memories.CreateMemory(ctx, mem); err != nil {
		return nil, err
	}
	if err := p.agents.TouchRefinement(ctx, agentID, time.Now().UTC()); err != nil {
		return nil, err
	}

	p.emitAudit(ctx, agentID, "complete", actor, map[string]any{"summary": req.Summary})
	return &Outcome{Action: ActionComplete, Summary: req.Summary, MemoryID: mem.ID}, nil
}

// emitAudit appends one audit record. Audit failures are logged, not
// propagated: the mutation they describe has already committed.
func (p *Protocol) emitAudit(ctx context.Context, agentID, action string, actor types.Actor, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: marshaling audit payload for %s: %v", action, err)
		return
	}
	rec := &storage.AuditRecord{
		AgentID: agentID,
		Action:  action,
		Actor:   actor,
		Payload: data,
	}
	if err := p.audit.Append(ctx, rec); err != nil {
		log.Printf("ERROR: appending audit record for %s: %v", action, err)
		return
	}
	if p.onAudit != nil {
		p.onAudit(agentID, action, actor)
	}
}
