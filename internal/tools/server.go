package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sablewood/reverie/internal/engine"
	"github.com/sablewood/reverie/internal/refine"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/internal/whiteboard"
	"github.com/sablewood/reverie/pkg/types"
)

// Request is one tool invocation. AgentID, AccountID, and ChatID are the
// caller's context; a tool missing required context fails with a context
// error, distinct from a lookup miss.
type Request struct {
	ID        string          `json:"id,omitempty"`
	Tool      string          `json:"tool"`
	AgentID   string          `json:"agent_id,omitempty"`
	AccountID string          `json:"account_id,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response wraps the discriminated result with the request id for
// correlation.
type Response struct {
	ID     string `json:"id,omitempty"`
	Result any    `json:"result"`
}

// Tool names.
const (
	ToolCreateMemory   = "create_memory"
	ToolSearchMemories = "search_memories"
	ToolRefine         = "refine"
	ToolViewField      = "view_field"
	ToolUpdateField    = "update_field"
	ToolCreateBoard    = "create_board"
	ToolUpdateBoard    = "update_board"
	ToolDeleteBoard    = "delete_board"
	ToolRestoreBoard   = "restore_board"
	ToolSetActiveBoard = "set_active_board"
	ToolGetActiveBoard = "get_active_board"
	ToolListBoards     = "list_boards"
	ToolNoteMessage    = "note_message"
)

// ToolNames is the legal tool set, in a stable order for error messages.
var ToolNames = []string{
	ToolCreateMemory,
	ToolSearchMemories,
	ToolRefine,
	ToolViewField,
	ToolUpdateField,
	ToolCreateBoard,
	ToolUpdateBoard,
	ToolDeleteBoard,
	ToolRestoreBoard,
	ToolSetActiveBoard,
	ToolGetActiveBoard,
	ToolListBoards,
	ToolNoteMessage,
}

// Server dispatches tool calls to the refinement protocol, memory store, and
// whiteboard service. It never returns a Go error across the tool boundary:
// every failure becomes a discriminated error result.
type Server struct {
	memories storage.MemoryStore
	protocol *refine.Protocol
	boards   *whiteboard.Service

	engine   *engine.Engine
	messages *engine.MessageLog

	searchLimit int
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithEngine enables the note_message intake tool: each noted message is
// retained in log (the engine's MessageSource) and forwarded to the
// reflection engine's trigger path.
func WithEngine(eng *engine.Engine, log *engine.MessageLog) ServerOption {
	return func(s *Server) {
		s.engine = eng
		s.messages = log
	}
}

// NewServer creates a tool server.
func NewServer(memories storage.MemoryStore, protocol *refine.Protocol, boards *whiteboard.Service, opts ...ServerOption) *Server {
	s := &Server{
		memories:    memories,
		protocol:    protocol,
		boards:      boards,
		searchLimit: 25,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch executes one tool call and returns the discriminated result.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	result := s.dispatch(ctx, req)
	return Response{ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req Request) any {
	actor, err := parseActor(req.Actor, req.AgentID)
	if err != nil {
		return resultFromError(err)
	}

	switch req.Tool {
	case ToolCreateMemory:
		return s.createMemory(ctx, req)
	case ToolSearchMemories:
		return s.searchMemories(ctx, req)
	case ToolRefine:
		return s.refine(ctx, req, actor)
	case ToolViewField:
		return s.viewField(ctx, req)
	case ToolUpdateField:
		return s.updateField(ctx, req, actor)
	case ToolCreateBoard:
		return s.createBoard(ctx, req)
	case ToolUpdateBoard:
		return s.updateBoard(ctx, req, actor)
	case ToolDeleteBoard:
		return s.deleteBoard(ctx, req)
	case ToolRestoreBoard:
		return s.restoreBoard(ctx, req)
	case ToolSetActiveBoard:
		return s.setActiveBoard(ctx, req)
	case ToolGetActiveBoard:
		return s.getActiveBoard(ctx, req)
	case ToolListBoards:
		return s.listBoards(ctx, req)
	case ToolNoteMessage:
		return s.noteMessage(ctx, req)
	default:
		return &ErrorResult{
			Type:         TypeError,
			Kind:         "validation",
			Error:        fmt.Sprintf("unknown tool %q", req.Tool),
			AllowedTools: ToolNames,
		}
	}
}

func (s *Server) createMemory(ctx context.Context, req Request) any {
	if req.AgentID == "" {
		return resultFromError(&types.ContextError{Missing: "agent"})
	}
	var params struct {
		Content    string `json:"content"`
		MemoryType string `json:"memory_type"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	mem := &types.Memory{
		AgentID: req.AgentID,
		Content: params.Content,
		Type:    types.MemoryType(params.MemoryType),
	}
	if err := s.memories.CreateMemory(ctx, mem); err != nil {
		return resultFromError(err)
	}
	return map[string]any{
		"type":   TypeMemoryCreated,
		"memory": memoryResult(mem, 0),
	}
}

func (s *Server) searchMemories(ctx context.Context, req Request) any {
	if req.AgentID == "" {
		return resultFromError(&types.ContextError{Missing: "agent"})
	}
	var params struct {
		Query string `json:"query"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return resultFromError(&types.ValidationError{Field: "query", Reason: "search requires a query"})
	}

	matches, err := s.memories.SearchMemories(ctx, req.AgentID, params.Query, s.searchLimit)
	if err != nil {
		return resultFromError(err)
	}

	now := time.Now().UTC()
	results := make([]MemoryResult, len(matches))
	for i, mem := range matches {
		results[i] = memoryResult(mem, mem.AgeDays(now))
	}
	return map[string]any{
		"type":    TypeSearchResults,
		"query":   params.Query,
		"matches": results,
	}
}

func (s *Server) refine(ctx context.Context, req Request, actor types.Actor) any {
	var params refine.Request
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	out, err := s.protocol.Execute(ctx, req.AgentID, actor, params)
	if err != nil {
		return resultFromError(err)
	}

	now := time.Now().UTC()
	switch out.Action {
	case refine.ActionSearch:
		results := make([]MemoryResult, len(out.Matches))
		for i, mem := range out.Matches {
			results[i] = memoryResult(mem, mem.AgeDays(now))
		}
		return map[string]any{"type": TypeSearchResults, "matches": results}
	case refine.ActionConsolidate:
		return map[string]any{"type": TypeMemoryMerged, "memory": memoryResult(out.Memory, out.Memory.AgeDays(now))}
	case refine.ActionUpdate:
		return map[string]any{"type": TypeMemoryUpdated, "id": out.MemoryID, "before": out.Before, "after": out.After}
	case refine.ActionDelete:
		return map[string]any{"type": TypeMemoryDeleted, "id": out.MemoryID}
	case refine.ActionProtect:
		return map[string]any{"type": TypeMemoryProtected, "id": out.MemoryID}
	case refine.ActionComplete:
		return map[string]any{"type": TypeSessionCompleted, "summary": out.Summary, "memory_id": out.MemoryID}
	default:
		return resultFromError(fmt.Errorf("unhandled refine outcome %q", out.Action))
	}
}

func (s *Server) viewField(ctx context.Context, req Request) any {
	var params struct {
		Field string `json:"field"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	view, err := s.protocol.ViewField(ctx, req.AgentID, types.AgentField(params.Field))
	if err != nil {
		return resultFromError(err)
	}
	return map[string]any{
		"type":       TypeFieldView,
		"field":      view.Field,
		"value":      view.Value,
		"is_default": view.IsDefault,
	}
}

func (s *Server) updateField(ctx context.Context, req Request, actor types.Actor) any {
	var params struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	view, err := s.protocol.UpdateField(ctx, req.AgentID, actor, types.AgentField(params.Field), params.Value)
	if err != nil {
		return resultFromError(err)
	}
	return map[string]any{
		"type":  TypeFieldUpdated,
		"field": view.Field,
		"value": view.Value,
	}
}

func (s *Server) createBoard(ctx context.Context, req Request) any {
	if req.AccountID == "" {
		return resultFromError(&types.ContextError{Missing: "account"})
	}
	var params struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
		Content string `json:"content"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	board, err := s.boards.Create(ctx, req.AccountID, params.Name, params.Summary, params.Content)
	if err != nil {
		return resultFromError(err)
	}
	return map[string]any{
		"type":  TypeBoardCreated,
		"board": boardResult(board, true),
	}
}

func (s *Server) updateBoard(ctx context.Context, req Request, actor types.Actor) any {
	var params struct {
		Board            string `json:"board"`
		Content          string `json:"content"`
		ExpectedRevision int    `json:"expected_revision"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	board, err := s.resolveBoard(ctx, req, params.Board)
	if err != nil {
		return resultFromError(err)
	}
	updated, err := s.boards.Update(ctx, board.ID, params.Content, params.ExpectedRevision, actor)
	if err != nil {
		return resultFromError(err)
	}
	return map[string]any{
		"type":  TypeBoardUpdated,
		"board": boardResult(updated, true),
	}
}

func (s *Server) deleteBoard(ctx context.Context, req Request) any {
	var params struct {
		Board string `json:"board"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	board, err := s.resolveBoard(ctx, req, params.Board)
	if err != nil {
		return resultFromError(err)
	}
	if err := s.boards.SoftDelete(ctx, board.ID); err != nil {
		return resultFromError(err)
	}
	return map[string]any{"type": TypeBoardDeleted, "id": board.ID, "name": board.Name}
}

func (s *Server) restoreBoard(ctx context.Context, req Request) any {
	var params struct {
		Board string `json:"board"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	// Restore must address deleted boards, so resolution is by id only.
	if err := s.boards.Restore(ctx, params.Board); err != nil {
		return resultFromError(err)
	}
	board, err := s.boards.Get(ctx, params.Board)
	if err != nil {
		return resultFromError(err)
	}
	return map[string]any{"type": TypeBoardRestored, "board": boardResult(board, false)}
}

func (s *Server) setActiveBoard(ctx context.Context, req Request) any {
	var params struct {
		Board string `json:"board"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	board, err := s.boards.SetActive(ctx, req.ChatID, req.AccountID, params.Board)
	if err != nil {
		return resultFromError(err)
	}
	if board == nil {
		return map[string]any{"type": TypeBoardActivated, "board": nil}
	}
	return map[string]any{"type": TypeBoardActivated, "board": boardResult(board, false)}
}

func (s *Server) getActiveBoard(ctx context.Context, req Request) any {
	if req.ChatID == "" {
		return resultFromError(&types.ContextError{Missing: "chat"})
	}
	board, err := s.boards.GetActive(ctx, req.ChatID)
	if err != nil {
		var notFound *types.NotFoundError
		if errors.As(err, &notFound) {
			// No active board is an answer, not an error.
			return map[string]any{"type": TypeBoardActivated, "board": nil}
		}
		return resultFromError(err)
	}
	return map[string]any{"type": TypeBoardActivated, "board": boardResult(board, true)}
}

func (s *Server) listBoards(ctx context.Context, req Request) any {
	if req.AccountID == "" {
		return resultFromError(&types.ContextError{Missing: "account"})
	}
	var params struct {
		IncludeDeleted bool `json:"include_deleted"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}

	boards, err := s.boards.List(ctx, req.AccountID, params.IncludeDeleted)
	if err != nil {
		return resultFromError(err)
	}
	results := make([]BoardResult, len(boards))
	for i, board := range boards {
		results[i] = boardResult(board, false)
	}
	return map[string]any{"type": TypeBoardList, "boards": results}
}

func (s *Server) noteMessage(ctx context.Context, req Request) any {
	if s.engine == nil || s.messages == nil {
		return resultFromError(&types.ValidationError{Field: "tool", Reason: "message intake is not enabled in this deployment"})
	}
	if req.ChatID == "" {
		return resultFromError(&types.ContextError{Missing: "chat"})
	}
	if req.AgentID == "" {
		return resultFromError(&types.ContextError{Missing: "agent"})
	}
	var params struct {
		MessageID string `json:"message_id"`
		Author    string `json:"author"`
		Content   string `json:"content"`
		Tokens    int    `json:"tokens"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return resultFromError(err)
	}
	if params.MessageID == "" {
		return resultFromError(&types.ValidationError{Field: "message_id", Reason: "message_id is required"})
	}

	s.messages.Append(&types.Message{
		ID:      params.MessageID,
		ChatID:  req.ChatID,
		Author:  params.Author,
		Content: params.Content,
		Tokens:  params.Tokens,
	})
	if err := s.engine.NoteMessage(ctx, req.ChatID, req.AgentID, params.MessageID, params.Tokens); err != nil {
		return resultFromError(err)
	}
	return map[string]any{"type": TypeMessageNoted, "message_id": params.MessageID}
}

func (s *Server) resolveBoard(ctx context.Context, req Request, ref string) (*types.Whiteboard, error) {
	if req.AccountID == "" {
		return nil, &types.ContextError{Missing: "account"}
	}
	return s.boards.Resolve(ctx, req.AccountID, ref)
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &types.ValidationError{Field: "params", Reason: fmt.Sprintf("malformed params: %v", err)}
	}
	return nil
}
