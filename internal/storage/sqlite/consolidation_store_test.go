package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

func TestRecordMessageAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.RecordMessage(ctx, "chat-1", "agent-1", "msg-1", 120)
	require.NoError(t, err)
	assert.Equal(t, 1, state.PendingMessages)
	assert.Equal(t, 120, state.PendingTokens)
	assert.Equal(t, types.TriggerIdle, state.State)

	state, err = store.RecordMessage(ctx, "chat-1", "agent-1", "msg-2", 80)
	require.NoError(t, err)
	assert.Equal(t, 2, state.PendingMessages)
	assert.Equal(t, 200, state.PendingTokens)

	// A second pairing accumulates independently.
	other, err := store.RecordMessage(ctx, "chat-1", "agent-2", "msg-2", 80)
	require.NoError(t, err)
	assert.Equal(t, 1, other.PendingMessages)
}

// TestClaimPendingExactlyOnce: the idle→pending transition is a CAS; only
// the first claim wins until the claim is released or completed.
func TestClaimPendingExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordMessage(ctx, "chat-1", "agent-1", "msg-1", 10)
	require.NoError(t, err)

	won, err := store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.True(t, won)

	again, err := store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.False(t, again, "a second claim must not win while the first is unresolved")

	// Still blocked while the job is running.
	running, err := store.MarkRunning(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.True(t, running)

	again, err = store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestCompleteReflectionAdvancesWatermark(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	_, err := store.RecordMessage(ctx, "chat-1", agent.ID, "msg-5", 10)
	require.NoError(t, err)

	won, err := store.ClaimPending(ctx, "chat-1", agent.ID)
	require.NoError(t, err)
	require.True(t, won)
	running, err := store.MarkRunning(ctx, "chat-1", agent.ID)
	require.NoError(t, err)
	require.True(t, running)

	memories := []*types.Memory{
		{AgentID: agent.ID, Content: "extracted fact", Type: types.MemoryJournal},
	}
	require.NoError(t, store.CompleteReflection(ctx, "chat-1", agent.ID, "msg-5", memories))

	state, err := store.GetState(ctx, "chat-1", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerIdle, state.State)
	assert.Equal(t, "msg-5", state.LastConsolidatedMessageID)
	assert.NotNil(t, state.LastConsolidatedAt)
	assert.Zero(t, state.PendingMessages)
	assert.Zero(t, state.PendingTokens)

	stored, err := store.ListMemories(ctx, agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "extracted fact", stored[0].Content)
}

// TestCompleteReflectionRejectsInvalidBatch: a bad memory in the batch must
// abort the whole transaction, leaving no partial rows and no watermark
// movement.
func TestCompleteReflectionRejectsInvalidBatch(t *testing.T) {
	store := newTestStore(t)
	agent := newTestAgent(t, store)
	ctx := context.Background()

	_, err := store.RecordMessage(ctx, "chat-1", agent.ID, "msg-3", 10)
	require.NoError(t, err)
	won, _ := store.ClaimPending(ctx, "chat-1", agent.ID)
	require.True(t, won)
	running, _ := store.MarkRunning(ctx, "chat-1", agent.ID)
	require.True(t, running)

	memories := []*types.Memory{
		{AgentID: agent.ID, Content: "good fact", Type: types.MemoryJournal},
		{AgentID: agent.ID, Content: "", Type: types.MemoryJournal}, // invalid
	}
	err = store.CompleteReflection(ctx, "chat-1", agent.ID, "msg-3", memories)
	require.Error(t, err)

	stored, err := store.ListMemories(ctx, agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	assert.Empty(t, stored, "no partial rows may survive an aborted batch")

	state, err := store.GetState(ctx, "chat-1", agent.ID)
	require.NoError(t, err)
	assert.Empty(t, state.LastConsolidatedMessageID, "watermark must not advance on failure")
}

func TestReleaseClaimKeepsWatermark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordMessage(ctx, "chat-1", "agent-1", "msg-1", 10)
	require.NoError(t, err)
	won, _ := store.ClaimPending(ctx, "chat-1", "agent-1")
	require.True(t, won)

	require.NoError(t, store.ReleaseClaim(ctx, "chat-1", "agent-1"))

	state, err := store.GetState(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.TriggerIdle, state.State)
	assert.Equal(t, 1, state.PendingMessages, "counters survive a failed run")

	// The pairing can be claimed again for the retry.
	won, err = store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.True(t, won)
}

// The first-pending timestamp pins the interval trigger for pairings that
// have never consolidated: set once on the first accumulated message, held
// across further messages, cleared when the window completes.
func TestRecordMessageTracksFirstPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.RecordMessage(ctx, "chat-1", "agent-1", "msg-1", 10)
	require.NoError(t, err)
	require.NotNil(t, state.FirstPendingAt)
	first := *state.FirstPendingAt

	state, err = store.RecordMessage(ctx, "chat-1", "agent-1", "msg-2", 10)
	require.NoError(t, err)
	require.NotNil(t, state.FirstPendingAt)
	assert.True(t, state.FirstPendingAt.Equal(first), "later messages must not move the first-pending mark")

	claimed, err := store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.MarkRunning(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.CompleteReflection(ctx, "chat-1", "agent-1", "msg-2", nil))

	state, err = store.GetState(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.Nil(t, state.FirstPendingAt, "a completed window starts a fresh interval")

	state, err = store.RecordMessage(ctx, "chat-1", "agent-1", "msg-3", 10)
	require.NoError(t, err)
	require.NotNil(t, state.FirstPendingAt)
	assert.True(t, state.FirstPendingAt.After(first) || state.FirstPendingAt.Equal(first))
}

// A failed job releases its claim without consuming the first-pending mark,
// so the interval trigger still fires for the same window.
func TestReleaseClaimKeepsFirstPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.RecordMessage(ctx, "chat-1", "agent-1", "msg-1", 10)
	require.NoError(t, err)
	require.NotNil(t, state.FirstPendingAt)

	claimed, err := store.ClaimPending(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.ReleaseClaim(ctx, "chat-1", "agent-1"))

	state, err = store.GetState(ctx, "chat-1", "agent-1")
	require.NoError(t, err)
	assert.NotNil(t, state.FirstPendingAt)
}
