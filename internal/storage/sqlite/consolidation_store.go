package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

const consolidationColumns = `chat_id, agent_id, state, last_consolidated_at,
	last_consolidated_message_id, first_pending_at, pending_messages,
	pending_tokens, updated_at`

// GetState returns the consolidation state for a (chat, agent) pairing.
func (s *Store) GetState(ctx context.Context, chatID, agentID string) (*types.ConsolidationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+consolidationColumns+` FROM consolidation_states
		WHERE chat_id = ? AND agent_id = ?`, chatID, agentID)
	state, err := scanConsolidationState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "consolidation state", ID: chatID + "/" + agentID}
	}
	return state, err
}

// RecordMessage accumulates one message against the pairing's counters,
// creating the row on first use.
func (s *Store) RecordMessage(ctx context.Context, chatID, agentID, messageID string, tokens int) (*types.ConsolidationState, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_states
			(chat_id, agent_id, state, first_pending_at, pending_messages, pending_tokens, updated_at)
		VALUES (?, ?, 'idle', ?, 1, ?, ?)
		ON CONFLICT (chat_id, agent_id) DO UPDATE SET
			first_pending_at = COALESCE(first_pending_at, excluded.first_pending_at),
			pending_messages = pending_messages + 1,
			pending_tokens = pending_tokens + excluded.pending_tokens,
			updated_at = excluded.updated_at`,
		chatID, agentID, now, tokens, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: record message: %w", err)
	}
	return s.GetState(ctx, chatID, agentID)
}

// ClaimPending atomically moves idle → pending. The conditional UPDATE is
// the claim: of any number of concurrent callers, exactly one sees a row
// change and wins the right to enqueue a job.
func (s *Store) ClaimPending(ctx context.Context, chatID, agentID string) (bool, error) {
	return s.transitionState(ctx, chatID, agentID, types.TriggerIdle, types.TriggerPending)
}

// MarkRunning atomically moves pending → running when a worker picks the
// job up.
func (s *Store) MarkRunning(ctx context.Context, chatID, agentID string) (bool, error) {
	return s.transitionState(ctx, chatID, agentID, types.TriggerPending, types.TriggerRunning)
}

func (s *Store) transitionState(ctx context.Context, chatID, agentID string, from, to types.TriggerState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_states SET state = ?, updated_at = ?
		WHERE chat_id = ? AND agent_id = ? AND state = ?`,
		string(to), time.Now().UTC(), chatID, agentID, string(from))
	if err != nil {
		return false, fmt.Errorf("sqlite: transition %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: transition rows: %w", err)
	}
	return n == 1, nil
}

// CompleteReflection persists extracted memories, advances the watermark,
// zeroes the counters, and returns the pairing to idle in one transaction.
func (s *Store) CompleteReflection(ctx context.Context, chatID, agentID, messageID string, memories []*types.Memory) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sql.Tx) error {
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
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				mem.ID, mem.AgentID, mem.Content, string(mem.Type),
				mem.Constitutional, mem.DiscardedAt, mem.CreatedAt, mem.UpdatedAt,
			); err != nil {
				return fmt.Errorf("sqlite: insert reflected memory: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE consolidation_states SET
				state = 'idle',
				last_consolidated_at = ?,
				last_consolidated_message_id = ?,
				first_pending_at = NULL,
				pending_messages = 0,
				pending_tokens = 0,
				updated_at = ?
			WHERE chat_id = ? AND agent_id = ? AND state = 'running'`,
			now, messageID, now, chatID, agentID)
		if err != nil {
			return fmt.Errorf("sqlite: advance watermark: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// The claim was lost or never taken; refuse to advance.
			return fmt.Errorf("sqlite: complete reflection: no running claim for %s/%s", chatID, agentID)
		}
		return nil
	})
}

// ReleaseClaim returns the pairing to idle without touching the watermark,
// so a failed job retries from the same window on the next trigger.
func (s *Store) ReleaseClaim(ctx context.Context, chatID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_states SET state = 'idle', updated_at = ?
		WHERE chat_id = ? AND agent_id = ? AND state != 'idle'`,
		time.Now().UTC(), chatID, agentID)
	if err != nil {
		return fmt.Errorf("sqlite: release claim: %w", err)
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
		&cs.PendingMessages, &cs.PendingTokens, &cs.UpdatedAt,
	)
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
