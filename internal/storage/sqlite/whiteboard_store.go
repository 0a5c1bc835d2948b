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

const whiteboardColumns = `id, account_id, name, summary, content, revision,
	deleted_at, last_edited_at, last_edited_by_kind, last_edited_by_id,
	created_at, updated_at`

// CreateWhiteboard persists a new board at revision 1.
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

	return s.inTx(func(tx *sql.Tx) error {
		taken, err := boardNameTaken(ctx, tx, board.AccountID, board.Name, board.ID)
		if err != nil {
			return err
		}
		if taken {
			return &types.ConflictError{
				Resource: "whiteboard",
				Reason:   fmt.Sprintf("a board named %q already exists", board.Name),
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO whiteboards (`+whiteboardColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			board.ID, board.AccountID, board.Name, board.Summary, board.Content,
			board.Revision, board.DeletedAt, board.LastEditedAt,
			actorKind(board.LastEditedBy), actorID(board.LastEditedBy),
			board.CreatedAt, board.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert whiteboard: %w", err)
		}
		return nil
	})
}

// GetWhiteboard returns a board by ID, deleted included.
func (s *Store) GetWhiteboard(ctx context.Context, id string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = ?`, id)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "whiteboard", ID: id}
	}
	return board, err
}

// FindWhiteboardByName returns the account's active board with the given
// name, case-insensitively.
func (s *Store) FindWhiteboardByName(ctx context.Context, accountID, name string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+whiteboardColumns+` FROM whiteboards
		WHERE account_id = ? AND lower(name) = lower(?) AND deleted_at IS NULL`,
		accountID, name)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "whiteboard", ID: name}
	}
	return board, err
}

// MatchWhiteboards returns active boards whose names contain the given
// fragments in order with arbitrary gaps between them. Fragments themselves
// are matched literally.
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
		WHERE account_id = ? AND deleted_at IS NULL
		  AND lower(name) LIKE ? ESCAPE '\'
		ORDER BY name`, accountID, pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlite: match whiteboards: %w", err)
	}
	defer rows.Close()
	return scanWhiteboards(rows)
}

// ListWhiteboards returns the account's boards.
func (s *Store) ListWhiteboards(ctx context.Context, accountID string, includeDeleted bool) ([]*types.Whiteboard, error) {
	query := `SELECT ` + whiteboardColumns + ` FROM whiteboards WHERE account_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list whiteboards: %w", err)
	}
	defer rows.Close()
	return scanWhiteboards(rows)
}

// UpdateWhiteboardContent applies an optimistic-concurrency update. The
// conditional UPDATE carries the revision check, so two racing writers can
// never both succeed against the same expected revision.
func (s *Store) UpdateWhiteboardContent(ctx context.Context, id, content string, expectedRevision int, editor types.Actor, at time.Time) (*types.Whiteboard, error) {
	var updated *types.Whiteboard
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE whiteboards SET
				content = ?, revision = revision + 1,
				last_edited_at = ?, last_edited_by_kind = ?, last_edited_by_id = ?,
				updated_at = ?
			WHERE id = ? AND revision = ? AND deleted_at IS NULL`,
			content, at.UTC(), string(editor.Kind), editor.ID, at.UTC(),
			id, expectedRevision)
		if err != nil {
			return fmt.Errorf("sqlite: update whiteboard: %w", err)
		}
		n, _ := res.RowsAffected()

		row := tx.QueryRowContext(ctx, `SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = ?`, id)
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
		// Revision mismatch: hand back the server's state so the caller
		// can re-decide without another fetch.
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

// SoftDeleteWhiteboard sets deleted_at, freeing the name for reuse.
func (s *Store) SoftDeleteWhiteboard(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE whiteboards SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: soft delete whiteboard: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either missing or already deleted; distinguish for the caller.
		if _, getErr := s.GetWhiteboard(ctx, id); getErr != nil {
			return getErr
		}
		return nil // already deleted: idempotent
	}
	return nil
}

// RestoreWhiteboard clears deleted_at after re-checking that no active board
// has since taken the name. On a collision the board stays deleted.
func (s *Store) RestoreWhiteboard(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+whiteboardColumns+` FROM whiteboards WHERE id = ?`, id)
		board, err := scanWhiteboard(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.NotFoundError{Resource: "whiteboard", ID: id}
		}
		if err != nil {
			return err
		}
		if !board.Deleted() {
			return nil // already active: idempotent
		}

		taken, err := boardNameTaken(ctx, tx, board.AccountID, board.Name, board.ID)
		if err != nil {
			return err
		}
		if taken {
			return &types.ConflictError{
				Resource: "whiteboard",
				Reason:   fmt.Sprintf("cannot restore: an active board named %q already exists", board.Name),
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE whiteboards SET deleted_at = NULL, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("sqlite: restore whiteboard: %w", err)
		}
		return nil
	})
}

// SetActiveWhiteboard associates a board with a chat; empty boardID clears.
func (s *Store) SetActiveWhiteboard(ctx context.Context, chatID, boardID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat_id is required", storage.ErrInvalidInput)
	}
	if boardID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_whiteboards WHERE chat_id = ?`, chatID)
		if err != nil {
			return fmt.Errorf("sqlite: clear active whiteboard: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_whiteboards (chat_id, whiteboard_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			whiteboard_id = excluded.whiteboard_id,
			updated_at = excluded.updated_at`,
		chatID, boardID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: set active whiteboard: %w", err)
	}
	return nil
}

// GetActiveWhiteboard returns the chat's active board.
func (s *Store) GetActiveWhiteboard(ctx context.Context, chatID string) (*types.Whiteboard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT w.id, w.account_id, w.name, w.summary, w.content, w.revision,
			w.deleted_at, w.last_edited_at, w.last_edited_by_kind, w.last_edited_by_id,
			w.created_at, w.updated_at FROM whiteboards w
		JOIN chat_whiteboards cw ON cw.whiteboard_id = w.id
		WHERE cw.chat_id = ?`, chatID)
	board, err := scanWhiteboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "active whiteboard", ID: chatID}
	}
	return board, err
}

func boardNameTaken(ctx context.Context, tx *sql.Tx, accountID, name, excludeID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM whiteboards
		WHERE account_id = ? AND lower(name) = lower(?)
		  AND deleted_at IS NULL AND id != ?`,
		accountID, name, excludeID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: check board name: %w", err)
	}
	return count > 0, nil
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
		&w.CreatedAt, &w.UpdatedAt,
	)
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
			return nil, fmt.Errorf("sqlite: scan whiteboard: %w", err)
		}
		out = append(out, board)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate whiteboards: %w", err)
	}
	return out, nil
}
