package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

const memoryColumns = `id, agent_id, content, memory_type, constitutional,
	discarded_at, created_at, updated_at`

// CreateMemory validates and persists a new memory.
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.AgentID, mem.Content, string(mem.Type),
		mem.Constitutional, mem.DiscardedAt, mem.CreatedAt, mem.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert memory: %w", err)
	}
	return nil
}

// GetMemory returns a memory by ID, discarded included.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	mem, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "memory", ID: id}
	}
	return mem, err
}

// ListMemories returns an agent's memories, newest first.
func (s *Store) ListMemories(ctx context.Context, agentID string, opts storage.MemoryListOptions) ([]*types.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE agent_id = ?`
	args := []any{agentID}

	if !opts.IncludeDiscarded {
		query += ` AND discarded_at IS NULL`
	}
	if opts.Type != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(opts.Type))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemories performs a literal substring match over kept memories only.
// LIKE metacharacters in the query are escaped so that "100%" matches the
// literal string, never acting as a wildcard.
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
		WHERE agent_id = ? AND discarded_at IS NULL
		  AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		agentID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// UpdateMemoryContent replaces a memory's content.
func (s *Store) UpdateMemoryContent(ctx context.Context, id, content string) error {
	if err := types.ValidateMemoryContent(content); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update memory content: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

// DiscardMemory soft-deletes a memory unless it is constitutional.
func (s *Store) DiscardMemory(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		constitutional, err := memoryConstitutional(ctx, tx, id)
		if err != nil {
			return err
		}
		if constitutional {
			return &types.ProtectedMemoryError{MemoryID: id}
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE memories SET discarded_at = ?, updated_at = ? WHERE id = ?`,
			now, now, id)
		if err != nil {
			return fmt.Errorf("sqlite: discard memory: %w", err)
		}
		return nil
	})
}

// RestoreMemory clears a memory's discarded_at timestamp.
func (s *Store) RestoreMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET discarded_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: restore memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

// ProtectMemory marks a memory constitutional. Idempotent; there is no
// unprotect on this surface.
func (s *Store) ProtectMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET constitutional = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: protect memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "memory", ID: id}
	}
	return nil
}

// ConsolidateMemories atomically replaces the source memories with one merged
// memory backdated to the earliest source created_at. All-or-nothing: a
// constitutional source, a missing ID, or a validation failure leaves every
// row untouched.
func (s *Store) ConsolidateMemories(ctx context.Context, agentID string, ids []string, content string) (*types.Memory, error) {
	if len(ids) < 2 {
		return nil, &types.ValidationError{Field: "ids", Reason: "consolidation requires at least 2 memory ids"}
	}
	if err := types.ValidateMemoryContent(content); err != nil {
		return nil, err
	}

	var merged *types.Memory
	err := s.inTx(func(tx *sql.Tx) error {
		sources := make([]*types.Memory, 0, len(ids))
		for _, id := range ids {
			row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? AND agent_id = ?`, id, agentID)
			mem, err := scanMemoryRow(row)
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

		// The merged memory inherits the earliest created_at so future
		// decay calculations keep the historical provenance. Type follows
		// the sources when they agree; mixed sets merge into core.
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
				UPDATE memories SET discarded_at = ?, updated_at = ? WHERE id = ?`,
				now, now, src.ID); err != nil {
				return fmt.Errorf("sqlite: discard consolidated source: %w", err)
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.ID, merged.AgentID, merged.Content, string(merged.Type),
			merged.Constitutional, merged.DiscardedAt, merged.CreatedAt, merged.UpdatedAt,
		); err != nil {
			return fmt.Errorf("sqlite: insert merged memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// PromoteMemory copies a journal memory to a new core memory and discards
// the journal original, atomically. The core copy keeps the journal's
// created_at.
func (s *Store) PromoteMemory(ctx context.Context, journalID string) (*types.Memory, error) {
	var promoted *types.Memory
	err := s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, journalID)
		src, err := scanMemoryRow(row)
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
			UPDATE memories SET discarded_at = ?, updated_at = ? WHERE id = ?`,
			now, now, src.ID); err != nil {
			return fmt.Errorf("sqlite: discard promoted journal: %w", err)
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			promoted.ID, promoted.AgentID, promoted.Content, string(promoted.Type),
			promoted.Constitutional, promoted.DiscardedAt, promoted.CreatedAt, promoted.UpdatedAt,
		); err != nil {
			return fmt.Errorf("sqlite: insert promoted memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func memoryConstitutional(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var constitutional bool
	err := tx.QueryRowContext(ctx, `SELECT constitutional FROM memories WHERE id = ?`, id).Scan(&constitutional)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &types.NotFoundError{Resource: "memory", ID: id}
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: check constitutional: %w", err)
	}
	return constitutional, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var memType string
	var discardedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.AgentID, &m.Content, &memType,
		&m.Constitutional, &discardedAt, &m.CreatedAt, &m.UpdatedAt,
	)
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
		mem, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate memories: %w", err)
	}
	return out, nil
}
