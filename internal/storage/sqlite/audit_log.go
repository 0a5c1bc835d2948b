package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// Append writes one audit record. The log is append-only: there is no
// update or delete surface.
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.Action, string(rec.Actor.Kind), rec.Actor.ID,
		payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append audit record: %w", err)
	}
	return nil
}

// ListByAgent returns an agent's audit records, newest first.
func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]*storage.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action, actor_kind, actor_id, payload, created_at
		FROM audit_records
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit records: %w", err)
	}
	defer rows.Close()

	var out []*storage.AuditRecord
	for rows.Next() {
		var rec storage.AuditRecord
		var actorKind string
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Action, &actorKind, &rec.Actor.ID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit record: %w", err)
		}
		rec.Actor.Kind = types.ActorKind(actorKind)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate audit records: %w", err)
	}
	return out, nil
}
