package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

func createTestMemory(t *testing.T, store storage.MemoryStore, agentID, content string, memType types.MemoryType) *types.Memory {
	t.Helper()
	mem := &types.Memory{AgentID: agentID, Content: content, Type: memType}
	require.NoError(t, store.CreateMemory(context.Background(), mem))
	return mem
}

func TestRunPromotionCopiesDurableEntries(t *testing.T) {
	source := &memorySource{}
	gen := &fakeGenerator{}
	eng, store, agent := newTestEngine(t, gen, source, DefaultConfig())

	keep := createTestMemory(t, store, agent.ID, "Alice works at the observatory", types.MemoryJournal)
	expire := createTestMemory(t, store, agent.ID, "It rained on Tuesday", types.MemoryJournal)

	gen.mu.Lock()
	gen.responses = []string{`{"promote":["` + keep.ID + `"]}`}
	gen.mu.Unlock()

	promoted, err := eng.RunPromotion(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	// The promoted entry now exists as a kept core copy; the journal
	// original is discarded. The unselected entry is untouched.
	all, err := store.ListMemories(context.Background(), agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	var coreCopy *types.Memory
	for _, mem := range all {
		if mem.Type == types.MemoryCore {
			coreCopy = mem
		}
	}
	require.NotNil(t, coreCopy)
	assert.Equal(t, "Alice works at the observatory", coreCopy.Content)
	assert.True(t, coreCopy.Kept())

	original, err := store.GetMemory(context.Background(), keep.ID)
	require.NoError(t, err)
	assert.False(t, original.Kept())

	leftover, err := store.GetMemory(context.Background(), expire.ID)
	require.NoError(t, err)
	assert.True(t, leftover.Kept())
	assert.Equal(t, types.MemoryJournal, leftover.Type)
}

func TestRunPromotionNothingActive(t *testing.T) {
	source := &memorySource{}
	gen := &fakeGenerator{responses: []string{`{"promote":[]}`}}
	eng, _, agent := newTestEngine(t, gen, source, DefaultConfig())

	promoted, err := eng.RunPromotion(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
	assert.Equal(t, 0, gen.calls, "no generation call when there is nothing to review")
}

func TestRunPromotionUnknownAgent(t *testing.T) {
	source := &memorySource{}
	gen := &fakeGenerator{responses: []string{`{"promote":[]}`}}
	eng, _, _ := newTestEngine(t, gen, source, DefaultConfig())

	_, err := eng.RunPromotion(context.Background(), "no-such-agent")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestActiveJournalFiltering(t *testing.T) {
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -8)
	fresh := now.AddDate(0, 0, -2)
	discarded := now

	memories := []*types.Memory{
		{ID: "a", Type: types.MemoryJournal, CreatedAt: fresh},
		{ID: "b", Type: types.MemoryJournal, CreatedAt: old},
		{ID: "c", Type: types.MemoryCore, CreatedAt: old},
		{ID: "d", Type: types.MemoryJournal, CreatedAt: fresh, DiscardedAt: &discarded},
	}

	active := ActiveJournal(memories, now, DefaultJournalExpiryDays)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	expired := ExpiredJournal(memories, now, DefaultJournalExpiryDays)
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].ID)
}

func TestExtractionPromptCarriesContext(t *testing.T) {
	source := &memorySource{}
	gen := &fakeGenerator{responses: []string{`{"memories":[]}`}}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}

	eng, store, agent := newTestEngine(t, gen, source, config)
	createTestMemory(t, store, agent.ID, "Already knows Alice is an astronomer", types.MemoryCore)

	source.add("chat-1", "m1", "user", "Tell me about telescopes", 5)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 5))
	waitForIdle(t, store, "chat-1", agent.ID)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.NotEmpty(t, gen.prompts)
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "Already knows Alice is an astronomer")
	assert.Contains(t, prompt, "user: Tell me about telescopes")
}

func TestMessageToPromotedCoreLifecycle(t *testing.T) {
	source := &memorySource{}
	gen := &fakeGenerator{responses: []string{`{"memories":[{"content":"Alice funds telescope research"}]}`}}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingTokens: 10}

	eng, store, agent := newTestEngine(t, gen, source, config)
	ctx := context.Background()

	// A message crosses the token budget and triggers extraction.
	source.add("chat-1", "m1", "user", "I fund telescope research", 12)
	require.NoError(t, eng.NoteMessage(ctx, "chat-1", agent.ID, "m1", 12))
	waitForIdle(t, store, "chat-1", agent.ID)

	journal, err := store.ListMemories(ctx, agent.ID, storage.MemoryListOptions{Type: types.MemoryJournal})
	require.Len(t, journal, 1)
	require.NoError(t, err)

	// A later promotion pass copies the entry to core.
	gen.mu.Lock()
	gen.responses = []string{`{"promote":["` + journal[0].ID + `"]}`}
	gen.calls = 0
	gen.mu.Unlock()

	promoted, err := eng.RunPromotion(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	// Search finds the kept core copy, not the discarded journal original.
	matches, err := store.SearchMemories(ctx, agent.ID, "telescope", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.MemoryCore, matches[0].Type)
	assert.NotEqual(t, journal[0].ID, matches[0].ID)

	original, err := store.GetMemory(ctx, journal[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, original.DiscardedAt)
}
