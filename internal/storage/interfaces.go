// Package storage provides composable storage interfaces for the Reverie
// memory system.
//
// The layer is split into small, focused interfaces that can be implemented
// independently and composed as needed. Both backends (SQLite and Postgres)
// implement every interface; callers depend only on the slice they use.
//
// All queries filter soft-deleted rows explicitly; there is no implicit
// default scope. A memory with discarded_at set, or a board with deleted_at
// set, is invisible to "kept"/"active" queries but remains recoverable.
package storage

import (
	"context"
	"time"

	"github.com/sablewood/reverie/pkg/types"
)

// AgentStore persists agents and their configuration aggregate.
type AgentStore interface {
	// CreateAgent persists a new agent. The agent name must be unique per
	// account; a collision returns a field-scoped ValidationError.
	CreateAgent(ctx context.Context, agent *types.Agent) error

	// GetAgent returns the agent with the given ID, or NotFoundError.
	GetAgent(ctx context.Context, id string) (*types.Agent, error)

	// GetAgentByName returns the account's agent with the given name
	// (exact, case-insensitive), or NotFoundError.
	GetAgentByName(ctx context.Context, accountID, name string) (*types.Agent, error)

	// ListAgents returns all agents, ordered by account then name.
	ListAgents(ctx context.Context) ([]*types.Agent, error)

	// UpdateAgent writes the agent's mutable fields back. Name uniqueness
	// is re-checked; a collision returns a field-scoped ValidationError.
	UpdateAgent(ctx context.Context, agent *types.Agent) error

	// TouchRefinement records the end of a refinement session.
	TouchRefinement(ctx context.Context, agentID string, at time.Time) error
}

// MemoryListOptions filters ListMemories.
type MemoryListOptions struct {
	// Type restricts to one tier when set.
	Type types.MemoryType

	// IncludeDiscarded also returns soft-deleted memories.
	IncludeDiscarded bool

	// Limit caps the result set; 0 means no limit.
	Limit int
}

// MemoryStore provides lifecycle operations for agent memories.
type MemoryStore interface {
	// CreateMemory validates and persists a new memory. An empty ID is
	// assigned by the store.
	CreateMemory(ctx context.Context, mem *types.Memory) error

	// GetMemory returns the memory with the given ID (discarded included),
	// or NotFoundError.
	GetMemory(ctx context.Context, id string) (*types.Memory, error)

	// ListMemories returns an agent's memories, newest first.
	ListMemories(ctx context.Context, agentID string, opts MemoryListOptions) ([]*types.Memory, error)

	// SearchMemories performs a literal substring match over kept memories
	// only. The query is escaped against LIKE metacharacters before it
	// reaches the database, so a search for "100%" does not become a
	// wildcard scan.
	SearchMemories(ctx context.Context, agentID, query string, limit int) ([]*types.Memory, error)

	// UpdateMemoryContent replaces a memory's content.
	UpdateMemoryContent(ctx context.Context, id, content string) error

	// DiscardMemory soft-deletes a memory. Returns ProtectedMemoryError if
	// the memory is constitutional; the row is untouched in that case.
	DiscardMemory(ctx context.Context, id string) error

	// RestoreMemory clears a memory's discarded_at timestamp.
	RestoreMemory(ctx context.Context, id string) error

	// ProtectMemory marks a memory constitutional. Idempotent.
	ProtectMemory(ctx context.Context, id string) error

	// ConsolidateMemories atomically discards all source memories and
	// creates one replacement with the given content. The replacement keeps
	// the source type when all sources agree, and is backdated to the
	// earliest source's created_at. If any source is constitutional the
	// whole call fails with ProtectedMemoryError and nothing changes.
	ConsolidateMemories(ctx context.Context, agentID string, ids []string, content string) (*types.Memory, error)

	// PromoteMemory atomically copies a journal memory to a new core memory
	// (keeping the original created_at) and discards the journal original.
	PromoteMemory(ctx context.Context, journalID string) (*types.Memory, error)
}

// ConsolidationStore tracks per-(chat, agent) reflection watermarks and the
// idle/pending/running claim used to keep at most one job in flight per key.
type ConsolidationStore interface {
	// GetState returns the pairing's state, or NotFoundError if no message
	// has ever been recorded for it.
	GetState(ctx context.Context, chatID, agentID string) (*types.ConsolidationState, error)

	// RecordMessage accumulates one message against the pairing's counters,
	// creating the state row on first use, and returns the updated state.
	RecordMessage(ctx context.Context, chatID, agentID, messageID string, tokens int) (*types.ConsolidationState, error)

	// ClaimPending atomically moves the pairing from idle to pending.
	// Returns false without error when the pairing is already pending or
	// running; the caller must not enqueue a duplicate job.
	ClaimPending(ctx context.Context, chatID, agentID string) (bool, error)

	// MarkRunning atomically moves the pairing from pending to running.
	MarkRunning(ctx context.Context, chatID, agentID string) (bool, error)

	// CompleteReflection persists the extracted memories, advances the
	// watermark to messageID, zeroes the accumulated counters, and returns
	// the pairing to idle, all in one transaction. Either every memory row
	// and the watermark land together, or none do.
	CompleteReflection(ctx context.Context, chatID, agentID, messageID string, memories []*types.Memory) error

	// ReleaseClaim returns the pairing to idle without advancing the
	// watermark, so the next trigger retries the same window.
	ReleaseClaim(ctx context.Context, chatID, agentID string) error
}

// WhiteboardStore persists collaboratively edited boards.
type WhiteboardStore interface {
	// CreateWhiteboard persists a new board at revision 1. The name must be
	// unique among the account's non-deleted boards.
	CreateWhiteboard(ctx context.Context, board *types.Whiteboard) error

	// GetWhiteboard returns the board with the given ID (deleted included),
	// or NotFoundError.
	GetWhiteboard(ctx context.Context, id string) (*types.Whiteboard, error)

	// FindWhiteboardByName returns the account's active board with the
	// given name (exact, case-insensitive), or NotFoundError.
	FindWhiteboardByName(ctx context.Context, accountID, name string) (*types.Whiteboard, error)

	// MatchWhiteboards returns active boards whose names contain the given
	// fragments in order, case-insensitively. Fragments are matched
	// literally (LIKE metacharacters escaped) with wildcard gaps between
	// them.
	MatchWhiteboards(ctx context.Context, accountID string, fragments []string) ([]*types.Whiteboard, error)

	// ListWhiteboards returns the account's boards, active only unless
	// includeDeleted is set.
	ListWhiteboards(ctx context.Context, accountID string, includeDeleted bool) ([]*types.Whiteboard, error)

	// UpdateWhiteboardContent applies an optimistic-concurrency update: the
	// write succeeds only when expectedRevision matches the stored
	// revision, in which case the revision increments by exactly one and
	// the editor is stamped. On a mismatch it returns ConflictError
	// carrying the board's current content and revision. On a deleted
	// board it returns ValidationError.
	UpdateWhiteboardContent(ctx context.Context, id, content string, expectedRevision int, editor types.Actor, at time.Time) (*types.Whiteboard, error)

	// SoftDeleteWhiteboard sets deleted_at, freeing the name for reuse.
	SoftDeleteWhiteboard(ctx context.Context, id string) error

	// RestoreWhiteboard clears deleted_at after re-validating name
	// uniqueness against currently-active boards. On a collision it returns
	// ConflictError and the board stays deleted.
	RestoreWhiteboard(ctx context.Context, id string) error

	// SetActiveWhiteboard associates a board with a chat, or clears the
	// association when boardID is empty.
	SetActiveWhiteboard(ctx context.Context, chatID, boardID string) error

	// GetActiveWhiteboard returns the chat's active board, or NotFoundError
	// when none is set.
	GetActiveWhiteboard(ctx context.Context, chatID string) (*types.Whiteboard, error)
}

// AuditLog is an append-only sink for refinement-protocol events.
type AuditLog interface {
	// Append writes one record. An empty ID is assigned by the store.
	Append(ctx context.Context, rec *AuditRecord) error

	// ListByAgent returns an agent's records, newest first.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*AuditRecord, error)
}

// Store is the composed interface implemented by both backends.
type Store interface {
	AgentStore
	MemoryStore
	ConsolidationStore
	WhiteboardStore
	AuditLog

	Close() error
}
