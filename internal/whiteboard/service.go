// Package whiteboard provides the collaborative document service: optimistic
// revision-checked boards shared by humans and agents. The service wraps the
// store with name resolution and the per-chat active-board association.
package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// NoneSentinel clears the active-board association for a chat.
const NoneSentinel = "none"

// Service exposes whiteboard operations over a WhiteboardStore.
type Service struct {
	boards storage.WhiteboardStore
}

// NewService creates a whiteboard service.
func NewService(boards storage.WhiteboardStore) *Service {
	return &Service{boards: boards}
}

// Create validates and persists a new board at revision 1.
func (s *Service) Create(ctx context.Context, accountID, name, summary, content string) (*types.Whiteboard, error) {
	board := &types.Whiteboard{
		AccountID: accountID,
		Name:      name,
		Summary:   summary,
		Content:   content,
	}
	if err := s.boards.CreateWhiteboard(ctx, board); err != nil {
		return nil, err
	}
	return board, nil
}

// Get returns a board by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Whiteboard, error) {
	return s.boards.GetWhiteboard(ctx, id)
}

// List returns an account's boards.
func (s *Service) List(ctx context.Context, accountID string, includeDeleted bool) ([]*types.Whiteboard, error) {
	return s.boards.ListWhiteboards(ctx, accountID, includeDeleted)
}

// Update applies new content when expectedRevision matches the board's
// current revision, incrementing it by exactly one and stamping the editor.
// A mismatch returns a ConflictError carrying the server's current content
// and revision; the caller re-decides, nothing is merged or overwritten.
func (s *Service) Update(ctx context.Context, boardID, content string, expectedRevision int, editor types.Actor) (*types.Whiteboard, error) {
	return s.boards.UpdateWhiteboardContent(ctx, boardID, content, expectedRevision, editor, time.Now().UTC())
}

// SoftDelete removes a board from the active namespace; its name becomes
// available for reuse.
func (s *Service) SoftDelete(ctx context.Context, boardID string) error {
	return s.boards.SoftDeleteWhiteboard(ctx, boardID)
}

// Restore brings a soft-deleted board back, re-checking name uniqueness
// against currently active boards. On collision the restore fails and the
// board stays deleted; it is never renamed.
func (s *Service) Restore(ctx context.Context, boardID string) error {
	return s.boards.RestoreWhiteboard(ctx, boardID)
}

// SetActive associates a board with a chat. ref may be a board id or name
// (resolved like Resolve), or the "none"/blank sentinel to clear the
// association. A soft-deleted board cannot be made active.
func (s *Service) SetActive(ctx context.Context, chatID, accountID, ref string) (*types.Whiteboard, error) {
	if chatID == "" {
		return nil, &types.ContextError{Missing: "chat"}
	}
	if ref == "" || strings.EqualFold(ref, NoneSentinel) {
		if err := s.boards.SetActiveWhiteboard(ctx, chatID, ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	board, err := s.Resolve(ctx, accountID, ref)
	if err != nil {
		return nil, err
	}
	if board.Deleted() {
		return nil, &types.ValidationError{
			Field:  "board",
			Reason: fmt.Sprintf("board %q is deleted and cannot be made active", board.Name),
		}
	}
	if err := s.boards.SetActiveWhiteboard(ctx, chatID, board.ID); err != nil {
		return nil, err
	}
	return board, nil
}

// GetActive returns the chat's active board, or NotFoundError when none is
// set.
func (s *Service) GetActive(ctx context.Context, chatID string) (*types.Whiteboard, error) {
	return s.boards.GetActiveWhiteboard(ctx, chatID)
}

// Resolve addresses a board by exact id, then exact case-insensitive name,
// then partial name match where separator characters in ref act as wildcard
// gaps ("proj-notes" matches "Project Notes"). Exact beats partial; an
// ambiguous partial match is an error listing the candidates.
func (s *Service) Resolve(ctx context.Context, accountID, ref string) (*types.Whiteboard, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, &types.ValidationError{Field: "board", Reason: "board reference cannot be blank"}
	}

	if board, err := s.boards.GetWhiteboard(ctx, ref); err == nil {
		return board, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	if board, err := s.boards.FindWhiteboardByName(ctx, accountID, ref); err == nil {
		return board, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	matches, err := s.boards.MatchWhiteboards(ctx, accountID, splitFragments(ref))
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &types.NotFoundError{Resource: "whiteboard", ID: ref}
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return nil, &types.ValidationError{
			Field:  "board",
			Reason: fmt.Sprintf("%q matches multiple boards: %s", ref, strings.Join(names, ", ")),
		}
	}
}

// splitFragments breaks a partial reference on separator characters. Each
// fragment must appear in order in the board name, with anything in between.
func splitFragments(ref string) []string {
	fields := strings.FieldsFunc(ref, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '/'
	})
	var fragments []string
	for _, f := range fields {
		if f != "" {
			fragments = append(fragments, f)
		}
	}
	return fragments
}

func isNotFound(err error) bool {
	var notFound *types.NotFoundError
	return errors.As(err, &notFound)
}
