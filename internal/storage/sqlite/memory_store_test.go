package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestAgent creates an agent row to satisfy the memories foreign key.
func newTestAgent(t *testing.T, store *Store) *types.Agent {
	t.Helper()
	agent := &types.Agent{AccountID: "acct-1", Name: "Archivist-" + storage.NewID()}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to create test agent: %v", err)
	}
	return agent
}

func createMemory(t *testing.T, store *Store, agentID, content string, typ types.MemoryType) *types.Memory {
	t.Helper()
	mem := &types.Memory{AgentID: agentID, Content: content, Type: typ}
	if err := store.CreateMemory(context.Background(), mem); err != nil {
		t.Fatalf("failed to create memory: %v", err)
	}
	return mem
}

func TestCreateMemoryValidation(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	var verr *types.ValidationError

	err := store.CreateMemory(ctx, &types.Memory{AgentID: agent.ID, Content: "", Type: types.MemoryCore})
	require.True(t, errors.As(err, &verr), "blank content should be a ValidationError")

	err = store.CreateMemory(ctx, &types.Memory{AgentID: agent.ID, Content: "ok", Type: "scratch"})
	require.True(t, errors.As(err, &verr), "invalid type should be a ValidationError")
	assert.Equal(t, "memory_type", verr.Field)
}

// TestSearchLiteralPercent verifies that LIKE metacharacters in the query
// are treated literally: searching "100%" must match only the memory that
// contains the literal substring.
func TestSearchLiteralPercent(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	target := createMemory(t, store, agent.ID, "Alice always gives 100% effort", types.MemoryCore)
	createMemory(t, store, agent.ID, "Bob gives 75% effort on Mondays", types.MemoryCore)
	createMemory(t, store, agent.ID, "The 1000th run finished", types.MemoryCore)

	results, err := store.SearchMemories(ctx, agent.ID, "100%", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, target.ID, results[0].ID)
}

func TestSearchExcludesDiscarded(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	kept := createMemory(t, store, agent.ID, "kept fact about sailing", types.MemoryJournal)
	gone := createMemory(t, store, agent.ID, "discarded fact about sailing", types.MemoryJournal)
	require.NoError(t, store.DiscardMemory(ctx, gone.ID))

	results, err := store.SearchMemories(ctx, agent.ID, "sailing", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, kept.ID, results[0].ID)
}

func TestDiscardConstitutionalMemory(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	mem := createMemory(t, store, agent.ID, "never forget this", types.MemoryCore)
	require.NoError(t, store.ProtectMemory(ctx, mem.ID))

	err := store.DiscardMemory(ctx, mem.ID)
	var perr *types.ProtectedMemoryError
	require.True(t, errors.As(err, &perr), "expected ProtectedMemoryError, got %v", err)
	assert.Equal(t, mem.ID, perr.MemoryID)

	// The row must be untouched.
	got, err := store.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.True(t, got.Kept())
}

func TestDiscardAndRestore(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	mem := createMemory(t, store, agent.ID, "reversible", types.MemoryJournal)
	require.NoError(t, store.DiscardMemory(ctx, mem.ID))

	got, err := store.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	require.False(t, got.Kept())

	require.NoError(t, store.RestoreMemory(ctx, mem.ID))
	got, err = store.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.True(t, got.Kept())
}

// TestConsolidateProvenance verifies that the merged memory is backdated to
// the earliest source created_at and that all sources end up discarded.
func TestConsolidateProvenance(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	early := &types.Memory{
		AgentID:   agent.ID,
		Content:   "day zero observation",
		Type:      types.MemoryCore,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -10),
	}
	require.NoError(t, store.CreateMemory(ctx, early))
	late := createMemory(t, store, agent.ID, "day ten observation", types.MemoryCore)

	merged, err := store.ConsolidateMemories(ctx, agent.ID, []string{early.ID, late.ID}, "merged observation")
	require.NoError(t, err)

	assert.True(t, merged.CreatedAt.Equal(early.CreatedAt),
		"merged created_at %v should equal earliest source %v", merged.CreatedAt, early.CreatedAt)
	assert.Equal(t, types.MemoryCore, merged.Type)

	for _, id := range []string{early.ID, late.ID} {
		src, err := store.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.False(t, src.Kept(), "source %s should be discarded", id)
	}
}

// TestConsolidateConstitutionalAllOrNothing verifies zero mutation when any
// source is protected.
func TestConsolidateConstitutionalAllOrNothing(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	plain := createMemory(t, store, agent.ID, "plain", types.MemoryCore)
	protected := createMemory(t, store, agent.ID, "protected", types.MemoryCore)
	require.NoError(t, store.ProtectMemory(ctx, protected.ID))

	_, err := store.ConsolidateMemories(ctx, agent.ID, []string{plain.ID, protected.ID}, "merged")
	var perr *types.ProtectedMemoryError
	require.True(t, errors.As(err, &perr))

	// Neither source changed, and no merged row was created.
	for _, id := range []string{plain.ID, protected.ID} {
		src, err := store.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.True(t, src.Kept())
	}
	all, err := store.ListMemories(ctx, agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConsolidateRequiresTwoIDs(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)

	mem := createMemory(t, store, agent.ID, "solo", types.MemoryCore)
	_, err := store.ConsolidateMemories(context.Background(), agent.ID, []string{mem.ID}, "merged")
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestPromoteMemory(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	journal := &types.Memory{
		AgentID:   agent.ID,
		Content:   "durable enough to keep",
		Type:      types.MemoryJournal,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -5),
	}
	require.NoError(t, store.CreateMemory(ctx, journal))

	promoted, err := store.PromoteMemory(ctx, journal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MemoryCore, promoted.Type)
	assert.Equal(t, journal.Content, promoted.Content)
	assert.True(t, promoted.CreatedAt.Equal(journal.CreatedAt))

	original, err := store.GetMemory(ctx, journal.ID)
	require.NoError(t, err)
	assert.False(t, original.Kept())
}

func TestPromoteRejectsCore(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)

	core := createMemory(t, store, agent.ID, "already core", types.MemoryCore)
	_, err := store.PromoteMemory(context.Background(), core.ID)
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestGetMemoryNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMemory(context.Background(), "missing")
	var nferr *types.NotFoundError
	require.True(t, errors.As(err, &nferr))
}
