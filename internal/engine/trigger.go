package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sablewood/reverie/pkg/types"
)

// NoteMessage records one appended message against the (chat, agent) pairing
// and enqueues a reflection job when a threshold is crossed. The call is
// cheap and non-blocking: the message path returns immediately and reflection
// runs on the worker pool.
//
// Enqueue is idempotent. The idle-to-pending transition is an atomic
// conditional update in the store, so two concurrent triggers for the same
// pairing produce exactly one job.
func (e *Engine) NoteMessage(ctx context.Context, chatID, agentID, messageID string, tokens int) error {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return fmt.Errorf("engine not started")
	}

	state, err := e.consolidation.RecordMessage(ctx, chatID, agentID, messageID, tokens)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}

	if !e.thresholdCrossed(state, time.Now().UTC()) {
		return nil
	}

	claimed, err := e.consolidation.ClaimPending(ctx, chatID, agentID)
	if err != nil {
		return fmt.Errorf("claim pending: %w", err)
	}
	if !claimed {
		// A job is already pending or running for this pairing.
		return nil
	}

	job := &ReflectionJob{ChatID: chatID, AgentID: agentID, Timestamp: time.Now().UTC()}
	if !e.enqueue(job) {
		if relErr := e.consolidation.ReleaseClaim(ctx, chatID, agentID); relErr != nil {
			return fmt.Errorf("release claim after full queue: %w", relErr)
		}
	}
	return nil
}

// thresholdCrossed evaluates the trigger predicate: elapsed interval OR
// message count OR token budget. Any one suffices. The interval arm is
// measured from the last consolidation, or from the oldest unreflected
// message when the pairing has never consolidated, so a quiet trickle of
// messages still reflects eventually.
func (e *Engine) thresholdCrossed(state *types.ConsolidationState, now time.Time) bool {
	t := e.config.Thresholds

	if t.ConsolidationInterval > 0 {
		since := state.LastConsolidatedAt
		if since == nil {
			since = state.FirstPendingAt
		}
		if since != nil && now.Sub(*since) >= t.ConsolidationInterval {
			return true
		}
	}
	if t.MaxPendingMessages > 0 && state.PendingMessages >= t.MaxPendingMessages {
		return true
	}
	if t.MaxPendingTokens > 0 && state.PendingTokens >= t.MaxPendingTokens {
		return true
	}
	return false
}
