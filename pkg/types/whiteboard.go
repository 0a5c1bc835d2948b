package types

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ActorKind distinguishes who performed an edit.
type ActorKind string

const (
	ActorUser  ActorKind = "user"
	ActorAgent ActorKind = "agent"
)

// Actor is a tagged union over human users and agents. Consumers switch on
// Kind and must handle both arms.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// UserActor returns an Actor for a human user.
func UserActor(userID string) Actor { return Actor{Kind: ActorUser, ID: userID} }

// AgentActor returns an Actor for an agent.
func AgentActor(agentID string) Actor { return Actor{Kind: ActorAgent, ID: agentID} }

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// Whiteboard length limits.
const (
	MaxWhiteboardNameLen    = 100
	MaxWhiteboardSummaryLen = 250
)

// Whiteboard is a collaboratively edited document guarded by optimistic
// concurrency: every successful content update increments Revision by
// exactly one, and writers must present the revision they last saw.
type Whiteboard struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	Summary   string     `json:"summary,omitempty"`
	Content   string     `json:"content,omitempty"`
	Revision  int        `json:"revision"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	LastEditedAt *time.Time `json:"last_edited_at,omitempty"`
	LastEditedBy *Actor     `json:"last_edited_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deleted reports whether the board has been soft-deleted.
func (w *Whiteboard) Deleted() bool { return w.DeletedAt != nil }

// ValidateWhiteboardName checks presence and length of a board name.
func ValidateWhiteboardName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "name cannot be blank"}
	}
	if utf8.RuneCountInString(name) > MaxWhiteboardNameLen {
		return &ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("name exceeds maximum length of %d characters", MaxWhiteboardNameLen),
		}
	}
	return nil
}

// ValidateWhiteboardSummary checks the summary length. A blank summary is
// allowed.
func ValidateWhiteboardSummary(summary string) error {
	if utf8.RuneCountInString(summary) > MaxWhiteboardSummaryLen {
		return &ValidationError{
			Field:  "summary",
			Reason: fmt.Sprintf("summary exceeds maximum length of %d characters", MaxWhiteboardSummaryLen),
		}
	}
	return nil
}
