package postgres

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

// ---- ConsolidationStore ----

const consolidationColumns = `chat_id, agent_id, state, last_consolidated_at,
	last_consolidated_message_id, first_pending_at, pending_messages,
	pending_tokens, updated_at`

func (s *Store) GetState(ctx context.Context, chatID, agentID string) (*types.ConsolidationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+consolidationColumns+` FROM consolidation_states
		WHERE chat_id = $1 AND agent_id = $2`, chatID, agentID)
	state, err := scanConsolidationState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "consolidation state", ID: chatID + "/" + agentID}
	}
	return state, err
}

func (s *Store) RecordMessage(ctx context.Context, chatID, agentID, messageID string, tokens int) (*types.ConsolidationState, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO consolidation_states
			(chat_id, agent_id, state, first_pending_at, pending_messages, pending_tokens, updated_at)
		VALUES ($1, $2, 'idle', $3, 1, $4, $3)
		ON CONFLICT (chat_id, agent_id) DO UPDATE SET
			first_pending_at = COALESCE(consolidation_states.first_pending_at, EXCLUDED.first_pending_at),
			pending_messages = consolidation_states.pending_messages + 1,
			pending_tokens = consolidation_states.pending_tokens + EXCLUDED.pending_tokens,
			updated_at = EXCLUDED.updated_at
		RETURNING `+consolidationColumns,
		chatID, agentID, now, tokens)
	state, err := scanConsolidationState(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: record message: %w", err)
	}
	return state, nil
}

func (s *Store) ClaimPending(ctx context.Context, chatID, agentID string) (bool, error) {
	return s.transitionState(ctx, chatID, agentID, types.TriggerIdle, types.TriggerPending)
}

func (s *Store) MarkRunning(ctx context.Context, chatID, agentID string) (bool, error) {
	return s.transitionState(ctx, chatID, agentID, types.TriggerPending, types.TriggerRunning)
}

func (s *Store) transitionState(ctx context.Context, chatID, agentID string, from, to types.TriggerState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_states SET state = $1, updated_at = $2
		WHERE chat_id = $3 AND agent_id = $4 AND state = $5`,
		string(to), time.Now().UTC(), chatID, agentID, string(from))
	if err != nil {
		return false, fmt.Errorf("postgres: transition %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: transition rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) CompleteReflection(ctx context.Context, chatID, agentID, messageID string, memories []*types.Memory) error {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, mem := range memories {
			if err := types.ValidateMemoryContent(mem.Content); err != nil {
				return err
			}
			if err := types.ValidateMemoryType(mem.Type); err != nil {
				return err
			}
			if mem.ID == "" {
				mem.ID = storage.NewID()
			}
			if mem.CreatedAt.IsZero() {
				mem.CreatedAt = now
			}
			mem.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memories (`+memoryColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				mem.ID, mem.AgentID, mem.Content, string(mem.Type),
				mem.Constitutional, mem.DiscardedAt, mem.CreatedAt, mem.UpdatedAt,
			); err != nil {
				return fmt.Errorf("postgres: insert reflected memory: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE consolidation_states SET
				state = 'idle',
				last_consolidated_at = $1,
				last_consolidated_message_id = $2,
				first_pending_at = NULL,
				pending_messages = 0,
				pending_tokens = 0,
				updated_at = $1
			WHERE chat_id = $3 AND agent_id = $4 AND state = 'running'`,
			now, messageID, chatID, agentID)
		if err != nil {
			return fmt.Errorf("postgres: advance watermark: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("postgres: complete reflection: no running claim for %s/%s", chatID, agentID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, mem := range memories {
		s.scheduleEmbed(mem.ID, mem.Content)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, chatID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_states SET state = 'idle', updated_at = $1
		WHERE chat_id = $2 AND agent_id = $3 AND state != 'idle'`,
		time.Now().UTC(), chatID, agentID)
	if err != nil {
		return fmt.Errorf("postgres: release claim: %w", err)
	}
	return nil
}

func scanConsolidationState(row rowScanner) (*types.ConsolidationState, error) {
	var cs types.ConsolidationState
	var state string
	var lastAt, firstPending sql.NullTime

	err := row.Scan(
		&cs.ChatID, &cs.AgentID, &state, &lastAt,
		&cs.LastConsolidatedMessageID, &firstPending,
		&cs.PendingMessages, &cs.PendingTokens, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cs.State = types.TriggerState(state)
	if lastAt.Valid {
		cs.LastConsolidatedAt = &lastAt.Time
	}
	if firstPending.Valid {
		cs.FirstPendingAt = &firstPending.Time
	}
	return &cs, nil
}

// ---- WhiteboardStore ----

const whiteboardColumns = `id, account_id, name, summary, content, revision,
	deleted_at, last_edited_at, last_edited_by_kind, last_edited_by_id,
	created_at, updated_at`

func (s *Store) CreateWhiteboard(ctx context.Context, board *types.Whiteboard) error {
	if board == nil {
		return storage.ErrInvalidInput
	}
	if board.AccountID == "" {
		return fmt.Errorf("%w: whiteboard account_id is required", storage.ErrInvalidInput)
	}
	if err := types.ValidateWhiteboardName(board.Name); err != nil {
		return err
	}
	if err := types.ValidateWhiteboardSummary(board.Summary); err != nil {
		return err
	}

	if board.ID == "" {
		board.ID = storage.NewID()
	}
	board.Revision = 1
	now := time.Now().UTC()
	board.CreatedAt = now
	board.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whiteboards (`+whiteboardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		board.ID, board.AccountID, board.Name, board.Summary, board.Content,
		board.Revision, board.DeletedAt, board.LastEditedAt,
		actorKind(board.LastEditedBy), actorID(board.LastEditedBy),
		board.CreatedAt, board.UpdatedAt)
	if isUniqueViolation(err) {
		return &types.ConflictError{
			Resource: "whiteboard",
			Reason:   fmt.Sprintf("a board named %q already exists", board.Name),
		}
	}
	if err != nil {
		return fmt.Errorf("postgres: insert whiteboard: %w", err)
	}
	return nil
}

func (s *Store) GetWhiteboard(ctx context.Context, id string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = $1`, id)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "whiteboard", ID: id}
	}
	return board, err
}

func (s *Store) FindWhiteboardByName(ctx context.Context, accountID, name string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+whiteboardColumns+` FROM whiteboards
		WHERE account_id = $1 AND lower(name) = lower($2) AND deleted_at IS NULL`,
		accountID, name)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "whiteboard", ID: name}
	}
	return board, err
}

func (s *Store) MatchWhiteboards(ctx context.Context, accountID string, fragments []string) ([]*types.Whiteboard, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(fragments))
	for i, f := range fragments {
		escaped[i] = storage.EscapeLike(strings.ToLower(f))
	}
	pattern := "%" + strings.Join(escaped, "%") + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+whiteboardColumns+` FROM whiteboards
		WHERE account_id = $1 AND deleted_at IS NULL
		  AND lower(name) LIKE $2 ESCAPE '\'
		ORDER BY name`, accountID, pattern)
	if err != nil {
		return nil, fmt.Errorf("postgres: match whiteboards: %w", err)
	}
	defer rows.Close()
	return scanWhiteboards(rows)
}

func (s *Store) ListWhiteboards(ctx context.Context, accountID string, includeDeleted bool) ([]*types.Whiteboard, error) {
	query := `SELECT ` + whiteboardColumns + ` FROM whiteboards WHERE account_id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list whiteboards: %w", err)
	}
	defer rows.Close()
	return scanWhiteboards(rows)
}

func (s *Store) UpdateWhiteboardContent(ctx context.Context, id, content string, expectedRevision int, editor types.Actor, at time.Time) (*types.Whiteboard, error) {
	var updated *types.Whiteboard
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE whiteboards SET
				content = $1, revision = revision + 1,
				last_edited_at = $2, last_edited_by_kind = $3, last_edited_by_id = $4,
				updated_at = $2
			WHERE id = $5 AND revision = $6 AND deleted_at IS NULL`,
			content, at.UTC(), string(editor.Kind), editor.ID,
			id, expectedRevision)
		if err != nil {
			return fmt.Errorf("postgres: update whiteboard: %w", err)
		}
		n, _ := res.RowsAffected()

		row := tx.QueryRowContext(ctx, `SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = $1`, id)
		current, scanErr := scanWhiteboard(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return &types.NotFoundError{Resource: "whiteboard", ID: id}
		}
		if scanErr != nil {
			return scanErr
		}

		if n == 1 {
			updated = current
			return nil
		}
		if current.Deleted() {
			return &types.ValidationError{Field: "id", Reason: fmt.Sprintf("whiteboard %s is deleted and cannot be updated", id)}
		}
		return &types.ConflictError{
			Resource:        "whiteboard",
			Reason:          fmt.Sprintf("revision mismatch: expected %d, current is %d", expectedRevision, current.Revision),
			CurrentRevision: current.Revision,
			CurrentContent:  current.Content,
		}
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) SoftDeleteWhiteboard(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE whiteboards SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("postgres: soft delete whiteboard: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetWhiteboard(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) RestoreWhiteboard(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = $1 FOR UPDATE`, id)
		board, err := scanWhiteboard(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.NotFoundError{Resource: "whiteboard", ID: id}
		}
		if err != nil {
			return err
		}
		if !board.Deleted() {
			return nil
		}

		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM whiteboards
			WHERE account_id = $1 AND lower(name) = lower($2)
			  AND deleted_at IS NULL AND id != $3`,
			board.AccountID, board.Name, board.ID).Scan(&count); err != nil {
			return fmt.Errorf("postgres: check board name: %w", err)
		}
		if count > 0 {
			return &types.ConflictError{
				Resource: "whiteboard",
				Reason:   fmt.Sprintf("cannot restore: an active board named %q already exists", board.Name),
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE whiteboards SET deleted_at = NULL, updated_at = $1 WHERE id = $2`,
			time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: restore whiteboard: %w", err)
		}
		return nil
	})
}

func (s *Store) SetActiveWhiteboard(ctx context.Context, chatID, boardID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat_id is required", storage.ErrInvalidInput)
	}
	if boardID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_whiteboards WHERE chat_id = $1`, chatID)
		if err != nil {
			return fmt.Errorf("postgres: clear active whiteboard: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_whiteboards (chat_id, whiteboard_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO UPDATE SET
			whiteboard_id = EXCLUDED.whiteboard_id,
			updated_at = EXCLUDED.updated_at`,
		chatID, boardID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set active whiteboard: %w", err)
	}
	return nil
}

func (s *Store) GetActiveWhiteboard(ctx context.Context, chatID string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT w.id, w.account_id, w.name, w.summary, w.content, w.revision,
			w.deleted_at, w.last_edited_at, w.last_edited_by_kind, w.last_edited_by_id,
			w.created_at, w.updated_at FROM whiteboards w
		JOIN chat_whiteboards cw ON cw.whiteboard_id = w.id
		WHERE cw.chat_id = $1`, chatID)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "active whiteboard", ID: chatID}
	}
	return board, err
}

func actorKind(a *types.Actor) any {
	if a == nil {
		return nil
	}
	return string(a.Kind)
}

func actorID(a *types.Actor) any {
	if a == nil {
		return nil
	}
	return a.ID
}

func scanWhiteboard(row rowScanner) (*types.Whiteboard, error) {
	var w types.Whiteboard
	var deletedAt, lastEditedAt sql.NullTime
	var editorKind, editorID sql.NullString

	err := row.Scan(
		&w.ID, &w.AccountID, &w.Name, &w.Summary, &w.Content, &w.Revision,
		&deletedAt, &lastEditedAt, &editorKind, &editorID,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		w.DeletedAt = &deletedAt.Time
	}
	if lastEditedAt.Valid {
		w.LastEditedAt = &lastEditedAt.Time
	}
	if editorKind.Valid && editorID.Valid {
		actor := types.Actor{Kind: types.ActorKind(editorKind.String), ID: editorID.String}
		w.LastEditedBy = &actor
	}
	return &w, nil
}

func scanWhiteboards(rows *sql.Rows) ([]*types.Whiteboard, error) {
	var out []*types.Whiteboard
	for rows.Next() {
		board, err := scanWhiteboard(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan whiteboard: %w", err)
		}
		out = append(out, board)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate whiteboards: %w", err)
	}
	return out, nil
}

// ---- AuditLog ----

func (s *Store) Append(ctx context.Context, rec *storage.AuditRecord) error {
	if rec == nil {
		return storage.ErrInvalidInput
	}
	if rec.AgentID == "" || rec.Action == "" {
		return fmt.Errorf("%w: audit record requires agent_id and action", storage.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = storage.NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, agent_id, action, actor_kind, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.AgentID, rec.Action, string(rec.Actor.Kind), rec.Actor.ID,
		payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append audit record: %w", err)
	}
	return nil
}

func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]*storage.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action, actor_kind, actor_id, payload, created_at
		FROM audit_records
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit records: %w", err)
	}
	defer rows.Close()

	var out []*storage.AuditRecord
	for rows.Next() {
		var rec storage.AuditRecord
		var kind string
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Action, &kind, &rec.Actor.ID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit record: %w", err)
		}
		rec.Actor.Kind = types.ActorKind(kind)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit records: %w", err)
	}
	return out, nil
}
