package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sablewood/reverie/internal/llm"
	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// runExtraction performs extraction-mode reflection: the conversation window
// since the watermark, plus the agent's existing memories for deduplication
// context, is turned into zero or more provisional journal memories.
//
// All resulting rows and the watermark advance land in one transaction via
// CompleteReflection; a generation or parse failure returns an error and the
// caller releases the claim without advancing anything.
func (e *Engine) runExtraction(ctx context.Context, chatID, agentID string) (int, error) {
	state, err := e.consolidation.GetState(ctx, chatID, agentID)
	if err != nil {
		return 0, fmt.Errorf("load state: %w", err)
	}

	window, err := e.messages.MessagesSince(ctx, chatID, state.LastConsolidatedMessageID)
	if err != nil {
		return 0, fmt.Errorf("load conversation window: %w", err)
	}
	if len(window) == 0 {
		// Nothing new behind the watermark; complete with no memories so the
		// counters reset instead of re-triggering forever.
		last := state.LastConsolidatedMessageID
		if err := e.consolidation.CompleteReflection(ctx, chatID, agentID, last, nil); err != nil {
			return 0, fmt.Errorf("complete empty window: %w", err)
		}
		return 0, nil
	}

	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("load agent: %w", err)
	}

	vars, err := e.promptVars(ctx, agent)
	if err != nil {
		return 0, err
	}
	vars[llm.PlaceholderConversation] = formatConversation(window)

	template := agent.ReflectionPrompt
	if strings.TrimSpace(template) == "" {
		template = llm.DefaultExtractionTemplate
	}
	prompt, err := llm.RenderTemplate(template, vars)
	if err != nil {
		return 0, fmt.Errorf("render extraction prompt: %w", err)
	}

	raw, err := e.generator.Complete(ctx, prompt)
	if err != nil {
		return 0, fmt.Errorf("extraction generation: %w", err)
	}
	contents, err := llm.ParseMemoryList(raw)
	if err != nil {
		return 0, &types.GenerationError{Op: "extraction parse", Err: err}
	}

	memories := make([]*types.Memory, 0, len(contents))
	for _, content := range contents {
		memories = append(memories, &types.Memory{
			AgentID: agentID,
			Content: content,
			Type:    types.MemoryJournal,
		})
	}

	lastID := window[len(window)-1].ID
	if err := e.consolidation.CompleteReflection(ctx, chatID, agentID, lastID, memories); err != nil {
		return 0, fmt.Errorf("complete reflection: %w", err)
	}
	return len(memories), nil
}

// RunPromotion performs promotion-mode reflection for one agent: active
// journal entries are reviewed against existing core memories, and the ones
// judged durable are copied to core with the journal original discarded.
// Entries not selected are left to expire. Returns the number promoted.
//
// Promotion is an explicit operation, invoked periodically by an operator or
// scheduler, never as a side effect of conversation triggers.
func (e *Engine) RunPromotion(ctx context.Context, agentID string) (int, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("load agent: %w", err)
	}

	journal, err := e.memories.ListMemories(ctx, agentID, storage.MemoryListOptions{Type: types.MemoryJournal})
	if err != nil {
		return 0, fmt.Errorf("list journal: %w", err)
	}
	active := ActiveJournal(journal, time.Now().UTC(), e.config.JournalExpiryDays)
	if len(active) == 0 {
		return 0, nil
	}

	vars, err := e.promptVars(ctx, agent)
	if err != nil {
		return 0, err
	}
	vars[llm.PlaceholderJournalEntries] = formatJournalEntries(active)

	template := agent.MemoryReflectionPrompt
	if strings.TrimSpace(template) == "" {
		template = llm.DefaultPromotionTemplate
	}
	prompt, err := llm.RenderTemplate(template, vars)
	if err != nil {
		return 0, fmt.Errorf("render promotion prompt: %w", err)
	}

	raw, err := e.generator.Complete(ctx, prompt)
	if err != nil {
		return 0, fmt.Errorf("promotion generation: %w", err)
	}

	knownIDs := make([]string, len(active))
	for i, mem := range active {
		knownIDs[i] = mem.ID
	}
	ids, err := llm.ParsePromotionList(raw, knownIDs)
	if err != nil {
		return 0, &types.GenerationError{Op: "promotion parse", Err: err}
	}

	promoted := 0
	for _, id := range ids {
		if _, err := e.memories.PromoteMemory(ctx, id); err != nil {
			// A journal entry consolidated or discarded mid-run is fine to
			// skip; anything else aborts.
			var notFound *types.NotFoundError
			var validation *types.ValidationError
			if errors.As(err, &notFound) || errors.As(err, &validation) {
				continue
			}
			return promoted, fmt.Errorf("promote %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// promptVars builds the fixed placeholder vocabulary for an agent's prompt
// templates. Every supported name is present, so an agent's template override
// may use any subset; a name outside the vocabulary fails the render.
func (e *Engine) promptVars(ctx context.Context, agent *types.Agent) (map[string]string, error) {
	core, err := e.memories.ListMemories(ctx, agent.ID, storage.MemoryListOptions{Type: types.MemoryCore})
	if err != nil {
		return nil, fmt.Errorf("list core memories: %w", err)
	}
	journal, err := e.memories.ListMemories(ctx, agent.ID, storage.MemoryListOptions{Type: types.MemoryJournal})
	if err != nil {
		return nil, fmt.Errorf("list journal memories: %w", err)
	}
	active := ActiveJournal(journal, time.Now().UTC(), e.config.JournalExpiryDays)

	all := make([]*types.Memory, 0, len(core)+len(active))
	all = append(all, core...)
	all = append(all, active...)

	return map[string]string{
		llm.PlaceholderSystemPrompt:     agent.SystemPrompt,
		llm.PlaceholderExistingMemories: formatMemories(all),
		llm.PlaceholderCoreMemories:     formatMemories(core),
		llm.PlaceholderJournalEntries:   formatJournalEntries(active),
		llm.PlaceholderConversation:     "",
	}, nil
}

func formatMemories(memories []*types.Memory) string {
	if len(memories) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, mem := range memories {
		b.WriteString("- ")
		b.WriteString(mem.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatJournalEntries(memories []*types.Memory) string {
	if len(memories) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, mem := range memories {
		b.WriteString(mem.ID)
		b.WriteString(": ")
		b.WriteString(mem.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatConversation(messages []*types.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Author)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
