// Package postgres implements the storage interfaces on PostgreSQL via
// lib/pq. It is the backend for multi-process deployments: the conditional
// updates that carry the consolidation claim and whiteboard revisions work
// across processes, and the pgvector extension adds similarity-assisted
// memory search on top of the portable substring path.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// Ensure *Store satisfies the composed storage interface at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB

	// embedder, when attached via SetEmbedder, feeds the pgvector column.
	embedder Embedder
}

// Open connects to Postgres with the given DSN and applies the schema.
// The pgvector extension must be installable by the connecting role.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ---- AgentStore ----

const agentColumns = `id, account_id, name, system_prompt, reflection_prompt,
	memory_reflection_prompt, refinement_prompt, refinement_threshold,
	last_refinement_at, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil {
		return storage.ErrInvalidInput
	}
	if agent.AccountID == "" {
		return fmt.Errorf("%w: agent account_id is required", storage.ErrInvalidInput)
	}
	if err := types.ValidateAgentName(agent.Name); err != nil {
		return err
	}

	if agent.ID == "" {
		agent.ID = storage.NewID()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.AccountID, agent.Name,
		agent.SystemPrompt, agent.ReflectionPrompt,
		agent.MemoryReflectionPrompt, agent.RefinementPrompt,
		agent.RefinementThreshold, agent.LastRefinementAt,
		agent.CreatedAt, agent.UpdatedAt)
	if isUniqueViolation(err) {
		return &types.ValidationError{Field: "name", Reason: fmt.Sprintf("an agent named %q already exists in this account", agent.Name)}
	}
	if err != nil {
		return fmt.Errorf("postgres: insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "agent", ID: id}
	}
	return agent, err
}

func (s *Store) GetAgentByName(ctx context.Context, accountID, name string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE account_id = $1 AND lower(name) = lower($2)`, accountID, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "agent", ID: name}
	}
	return agent, err
}

// ListAgents returns all agents, ordered by account then name.
func (s *Store) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY account_id, lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil || agent.ID == "" {
		return storage.ErrInvalidInput
	}
	agent.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			name = $1, system_prompt = $2, reflection_prompt = $3,
			memory_reflection_prompt = $4, refinement_prompt = $5,
			refinement_threshold = $6, last_refinement_at = $7, updated_at = $8
		WHERE id = $9`,
		agent.Name, agent.SystemPrompt, agent.ReflectionPrompt,
		agent.MemoryReflectionPrompt, agent.RefinementPrompt,
		agent.RefinementThreshold, agent.LastRefinementAt, agent.UpdatedAt,
		agent.ID)
	if isUniqueViolation(err) {
		return &types.ValidationError{Field: "name", Reason: fmt.Sprintf("an agent named %q already exists in this account", agent.Name)}
	}
	if err != nil {
		return fmt.Errorf("postgres: update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "agent", ID: agent.ID}
	}
	return nil
}

func (s *Store) TouchRefinement(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_refinement_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("postgres: touch refinement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "agent", ID: agentID}
	}
	return nil
}

// ---- MemoryStore ----

const memoryColumns = `id, agent_id, content, memory_type, constitutional,
	discarded_at, created_at, updated_at`

func (s *Store) CreateMemory(ctx context.Context, mem *types.Memory) error {
	if mem == nil {
		return storage.ErrInvalidInput
	}
	if mem.AgentID == "" {
		return fmt.Errorf("%w: memory agent_id is required", storage.ErrInvalidInput)
	}
	if err := types.ValidateMemoryContent(mem.Content); err != nil {
		return err
	}
	if err := types.ValidateMemoryType(mem.Type); err != nil {
		return err
	}

	if mem.ID == "" {
		mem.ID = storage.NewID()
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		mem.ID, mem.AgentID, mem.Content, string(mem.Type),
		mem.Constitutional, mem.DiscardedAt, mem.CreatedAt, mem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert memory: %w", err)
	}
	s.scheduleEmbed(mem.ID, mem.Content)
	return nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "memory", ID: id}
	}
	return mem, err
}

func (s *Store) ListMemories(ctx context.Context, agentID string, opts storage.MemoryListOptions) ([]*types.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE agent_id = $1`
	args := []any{agentID}

	if !opts.IncludeDiscarded {
		query += ` AND discarded_at IS NULL`
	}
	if opts.Type != "" {
		args = append(args, string(opts.Type))
		query += fmt.Sprintf(` AND memory_type = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) SearchMemories(ctx context.Context, agentID, query string, limit int) ([]*types.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &types.ValidationError{Field: "query", Reason: "query cannot be blank"}
	}
	if limit <= 0 {
		limit = 50
	}

	pattern := "%" + storage.EscapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1 AND discarded_at IS NULL
		  AND content ILIKE $2 ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, agentID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memories: %w", err)
	}
	defer rows.Close()
	matches, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return s.augmentWithSimilar(ctx, agentID, query, matches, limit), nil
}

// SetMemoryEmbedding stores an embedding vector for similarity search.
// Embeddings are an enrichment: memory semantics never depend on them.
func (s *Store) SetMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET embedding = $1, updated_at = $2 WHERE id = $3`,
		pgvector.NewVector(embedding), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: set embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

// SearchMemoriesSimilar returns kept memories ordered by cosine distance to
// the query embedding. Rows without embeddings are skipped.
func (s *Store) SearchMemoriesSimilar(ctx context.Context, agentID string, embedding []float32, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE agent_id = $1 AND discarded_at IS NULL AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, agentID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) UpdateMemoryContent(ctx context.Context, id, content string) error {
	if err := types.ValidateMemoryContent(content); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = $1, updated_at = $2 WHERE id = $3`,
		content, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: update memory content: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	s.scheduleEmbed(id, content)
	return nil
}

func (s *Store) DiscardMemory(ctx context.Context, id string) error {
	now := time.Now().UTC()
	// Constitutional rows are excluded from the UPDATE predicate, so the
	// protection check and the write are one atomic statement.
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET discarded_at = $1, updated_at = $1
		WHERE id = $2 AND constitutional = FALSE`, now, id)
	if err != nil {
		return fmt.Errorf("postgres: discard memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	mem, err := s.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if mem.Constitutional {
		return &types.ProtectedMemoryError{MemoryID: id}
	}
	return nil // already discarded
}

func (s *Store) RestoreMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET discarded_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: restore memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

func (s *Store) ProtectMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET constitutional = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: protect memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

func (s *Store) ConsolidateMemories(ctx context.Context, agentID string, ids []string, content string) (*types.Memory, error) {
	if len(ids) < 2 {
		return nil, &types.ValidationError{Field: "ids", Reason: "consolidation requires at least 2 memory ids"}
	}
	if err := types.ValidateMemoryContent(content); err != nil {
		return nil, err
	}

	var merged *types.Memory
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sources := make([]*types.Memory, 0, len(ids))
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, `
				SELECT `+memoryColumns+` FROM memories
				WHERE id = $1 AND agent_id = $2 FOR UPDATE`, id, agentID)
			mem, err := scanMemory(row)
			if errors.Is(err, sql.ErrNoRows) {
				return &types.NotFoundError{Resource: "memory", ID: id}
			}
			if err != nil {
				return err
			}
			if mem.Constitutional {
				return &types.ProtectedMemoryError{MemoryID: id}
			}
			sources = append(sources, mem)
		}

		earliest := sources[0].CreatedAt
		mergedType := sources[0].Type
		for _, src := range sources[1:] {
			if src.CreatedAt.Before(earliest) {
				earliest = src.CreatedAt
			}
			if src.Type != mergedType {
				mergedType = types.MemoryCore
			}
		}

		now := time.Now().UTC()
		for _, src := range sources {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories SET discarded_at = $1, updated_at = $1 WHERE id = $2`,
				now, src.ID); err != nil {
				return fmt.Errorf("postgres: discard consolidated source: %w", err)
			}
		}

		merged = &types.Memory{
			ID:        storage.NewID(),
			AgentID:   agentID,
			Content:   content,
			Type:      mergedType,
			CreatedAt: earliest,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			merged.ID, merged.AgentID, merged.Content, string(merged.Type),
			merged.Constitutional, merged.DiscardedAt, merged.CreatedAt, merged.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert merged memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleEmbed(merged.ID, merged.Content)
	return merged, nil
}

func (s *Store) PromoteMemory(ctx context.Context, journalID string) (*types.Memory, error) {
	var promoted *types.Memory
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+memoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, journalID)
		src, err := scanMemory(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.NotFoundError{Resource: "memory", ID: journalID}
		}
		if err != nil {
			return err
		}
		if src.Type != types.MemoryJournal {
			return &types.ValidationError{Field: "id", Reason: fmt.Sprintf("memory %s is not a journal memory", journalID)}
		}
		if !src.Kept() {
			return &types.ValidationError{Field: "id", Reason: fmt.Sprintf("memory %s is discarded and cannot be promoted", journalID)}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET discarded_at = $1, updated_at = $1 WHERE id = $2`,
			now, src.ID); err != nil {
			return fmt.Errorf("postgres: discard promoted journal: %w", err)
		}

		promoted = &types.Memory{
			ID:        storage.NewID(),
			AgentID:   src.AgentID,
			Content:   src.Content,
			Type:      types.MemoryCore,
			CreatedAt: src.CreatedAt,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			promoted.ID, promoted.AgentID, promoted.Content, string(promoted.Type),
			promoted.Constitutional, promoted.DiscardedAt, promoted.CreatedAt, promoted.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert promoted memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleEmbed(promoted.ID, promoted.Content)
	return promoted, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505). lib/pq exposes the code in the error string; matching
// on the class avoids importing pq's error type into every call site.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key value")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var threshold sql.NullFloat64
	var lastRefinement sql.NullTime

	err := row.Scan(
		&a.ID, &a.AccountID, &a.Name,
		&a.SystemPrompt, &a.ReflectionPrompt,
		&a.MemoryReflectionPrompt, &a.RefinementPrompt,
		&threshold, &lastRefinement,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if threshold.Valid {
		a.RefinementThreshold = &threshold.Float64
	}
	if lastRefinement.Valid {
		a.LastRefinementAt = &lastRefinement.Time
	}
	return &a, nil
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var memType string
	var discardedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.AgentID, &m.Content, &memType,
		&m.Constitutional, &discardedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = types.MemoryType(memType)
	if discardedAt.Valid {
		m.DiscardedAt = &discardedAt.Time
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate memories: %w", err)
	}
	return out, nil
}
