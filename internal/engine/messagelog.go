package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sablewood/reverie/pkg/types"
)

// DefaultMessageLogCapacity bounds the per-chat retention of the in-memory
// message log. Reflection windows are far smaller than this in practice.
const DefaultMessageLogCapacity = 512

// MessageLog is an in-memory MessageSource for deployments where the host
// chat system streams messages through the tool surface instead of exposing
// its own message store. Retention is bounded per chat; once a message falls
// out of the window it can no longer seed a reflection, which is acceptable
// because the consolidation watermark always trails recent traffic.
type MessageLog struct {
	mu       sync.RWMutex
	capacity int
	chats    map[string][]*types.Message
}

// NewMessageLog creates a log retaining up to capacity messages per chat.
// A non-positive capacity falls back to DefaultMessageLogCapacity.
func NewMessageLog(capacity int) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultMessageLogCapacity
	}
	return &MessageLog{
		capacity: capacity,
		chats:    make(map[string][]*types.Message),
	}
}

// Append records one message. Messages are assumed to arrive in order per
// chat; the oldest entries are evicted once the chat exceeds capacity.
func (l *MessageLog) Append(msg *types.Message) {
	if msg == nil || msg.ChatID == "" {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.chats[msg.ChatID], msg)
	if overflow := len(entries) - l.capacity; overflow > 0 {
		entries = entries[overflow:]
	}
	l.chats[msg.ChatID] = entries
}

// MessagesSince returns the chat's messages after sinceMessageID, oldest
// first. An empty or unknown sinceMessageID returns everything retained:
// an evicted watermark means the window start is gone, and the retained
// suffix is the best available approximation.
func (l *MessageLog) MessagesSince(ctx context.Context, chatID, sinceMessageID string) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.chats[chatID]

	start := 0
	if sinceMessageID != "" {
		for i, msg := range entries {
			if msg.ID == sinceMessageID {
				start = i + 1
				break
			}
		}
	}

	out := make([]*types.Message, len(entries)-start)
	copy(out, entries[start:])
	return out, nil
}

var _ MessageSource = (*MessageLog)(nil)
