// Package types defines the core domain types for the Reverie agent memory
// system: agents, their two-tier memories, consolidation watermarks,
// whiteboards, and the error taxonomy shared by every layer.
package types

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MemoryType distinguishes the two memory tiers.
type MemoryType string

const (
	// MemoryCore is a permanent, non-decaying memory.
	MemoryCore MemoryType = "core"

	// MemoryJournal is a provisional memory that decays unless promoted.
	MemoryJournal MemoryType = "journal"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	return t == MemoryCore || t == MemoryJournal
}

// MaxMemoryContentLen is the maximum allowed length of memory content in characters.
const MaxMemoryContentLen = 10000

// Memory is a single fact an agent retains. Journal memories age out after a
// configurable window; core memories persist until discarded. A memory marked
// constitutional can never be discarded or consolidated.
type Memory struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Content        string     `json:"content"`
	Type           MemoryType `json:"memory_type"`
	Constitutional bool       `json:"constitutional"`
	DiscardedAt    *time.Time `json:"discarded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Kept reports whether the memory has not been soft-deleted.
func (m *Memory) Kept() bool {
	return m.DiscardedAt == nil
}

// AgeDays returns the age of the memory in whole days at the given instant.
func (m *Memory) AgeDays(now time.Time) int {
	if now.Before(m.CreatedAt) {
		return 0
	}
	return int(now.Sub(m.CreatedAt).Hours() / 24)
}

// Expired reports whether a journal memory has passed the expiry window.
// Core memories never expire, regardless of age. Expiry does not delete the
// memory; it only excludes it from "active" consideration.
func (m *Memory) Expired(now time.Time, windowDays int) bool {
	if m.Type != MemoryJournal {
		return false
	}
	return m.AgeDays(now) >= windowDays
}

// ValidateMemoryContent checks content against the length bounds. The
// returned error distinguishes blank from too-long so that an LLM caller can
// self-correct.
func ValidateMemoryContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "content cannot be blank"}
	}
	if n := utf8.RuneCountInString(content); n > MaxMemoryContentLen {
		return &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("content exceeds maximum length of %d characters (got %d)", MaxMemoryContentLen, n),
		}
	}
	return nil
}

// ValidateMemoryType checks that t names a known memory tier.
func ValidateMemoryType(t MemoryType) error {
	if !t.Valid() {
		return &ValidationError{
			Field:  "memory_type",
			Reason: fmt.Sprintf("invalid memory_type %q: must be %q or %q", t, MemoryCore, MemoryJournal),
		}
	}
	return nil
}
