package types

import "time"

// TriggerState is the per-(chat, agent) consolidation state machine column.
// Transitions: idle → pending (threshold crossed, job enqueued) → running
// (worker claimed the job) → idle. The pending/running claim is taken with a
// conditional update so that concurrent triggers cannot both enqueue work.
type TriggerState string

const (
	TriggerIdle    TriggerState = "idle"
	TriggerPending TriggerState = "pending"
	TriggerRunning TriggerState = "running"
)

// ConsolidationState tracks how far reflection has progressed for one
// (chat, agent) pairing and how much unprocessed conversation has accrued
// since the watermark.
type ConsolidationState struct {
	ChatID  string `json:"chat_id"`
	AgentID string `json:"agent_id"`

	State TriggerState `json:"state"`

	// Watermark: the last message whose window has been reflected upon.
	LastConsolidatedAt        *time.Time `json:"last_consolidated_at,omitempty"`
	LastConsolidatedMessageID string     `json:"last_consolidated_message_id,omitempty"`

	// Accumulated since the watermark. FirstPendingAt is the arrival time
	// of the oldest unreflected message; it backs the elapsed-interval
	// trigger before the pairing has ever consolidated.
	FirstPendingAt  *time.Time `json:"first_pending_at,omitempty"`
	PendingMessages int        `json:"pending_messages"`
	PendingTokens   int        `json:"pending_tokens"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single conversation message as supplied by the chat system.
// Reverie does not own message storage; it consumes messages through the
// engine's MessageSource contract.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}
