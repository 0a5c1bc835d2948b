package whiteboard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/internal/storage/sqlite"
	"github.com/sablewood/reverie/pkg/types"
)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store), store
}

func TestCreateStartsAtRevisionOne(t *testing.T) {
	svc, _ := newTestService(t)

	board, err := svc.Create(context.Background(), "acct-1", "Project Notes", "shared planning notes", "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, board.Revision)
}

func TestUpdateIncrementsRevisionAndStampsEditor(t *testing.T) {
	svc, _ := newTestService(t)
	board, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "initial")
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), board.ID, "second draft", 1, types.AgentActor("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Revision)
	require.NotNil(t, updated.LastEditedBy)
	assert.Equal(t, types.ActorAgent, updated.LastEditedBy.Kind)
	assert.NotNil(t, updated.LastEditedAt)
}

func TestStaleUpdateGetsConflictWithCurrentState(t *testing.T) {
	svc, _ := newTestService(t)
	board, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "initial")
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), board.ID, "first writer wins", 1, types.UserActor("u1"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), board.ID, "stale write", 1, types.AgentActor("agent-1"))
	var conflict *types.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.CurrentRevision)
	assert.Equal(t, "first writer wins", conflict.CurrentContent)

	// Retry with the revision from the conflict succeeds.
	updated, err := svc.Update(context.Background(), board.ID, "reconciled", conflict.CurrentRevision, types.AgentActor("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Revision)
}

func TestResolveByID(t *testing.T) {
	svc, _ := newTestService(t)
	board, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "c")
	require.NoError(t, err)

	found, err := svc.Resolve(context.Background(), "acct-1", board.ID)
	require.NoError(t, err)
	assert.Equal(t, board.ID, found.ID)
}

func TestResolveExactNameCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "c")
	require.NoError(t, err)

	found, err := svc.Resolve(context.Background(), "acct-1", "project notes")
	require.NoError(t, err)
	assert.Equal(t, "Project Notes", found.Name)
}

func TestResolvePartialWithSeparatorGaps(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "c")
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "acct-1", "Grocery List", "s", "c")
	require.NoError(t, err)

	found, err := svc.Resolve(context.Background(), "acct-1", "proj-notes")
	require.NoError(t, err)
	assert.Equal(t, "Project Notes", found.Name)
}

func TestResolveExactBeatsPartial(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "acct-1", "Plan", "s", "c")
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "acct-1", "Planning Board", "s", "c")
	require.NoError(t, err)

	found, err := svc.Resolve(context.Background(), "acct-1", "plan")
	require.NoError(t, err)
	assert.Equal(t, "Plan", found.Name)
}

func TestResolveAmbiguousPartialListsCandidates(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "acct-1", "Sprint Alpha", "s", "c")
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "acct-1", "Sprint Beta", "s", "c")
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), "acct-1", "sprint")
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "Sprint Alpha")
	assert.Contains(t, err.Error(), "Sprint Beta")
}

func TestResolveMiss(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "acct-1", "nothing-here")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestNameReuseAfterSoftDeleteAndFailedRestore(t *testing.T) {
	svc, _ := newTestService(t)
	original, err := svc.Create(context.Background(), "acct-1", "Roadmap", "s", "v1")
	require.NoError(t, err)

	require.NoError(t, svc.SoftDelete(context.Background(), original.ID))

	replacement, err := svc.Create(context.Background(), "acct-1", "Roadmap", "s", "v2")
	require.NoError(t, err)

	err = svc.Restore(context.Background(), original.ID)
	var conflict *types.ConflictError
	require.ErrorAs(t, err, &conflict)

	stillDeleted, err := svc.Get(context.Background(), original.ID)
	require.NoError(t, err)
	assert.True(t, stillDeleted.Deleted())

	active, err := svc.Resolve(context.Background(), "acct-1", "Roadmap")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, active.ID)
}

func TestSetActiveAndClear(t *testing.T) {
	svc, _ := newTestService(t)
	board, err := svc.Create(context.Background(), "acct-1", "Project Notes", "s", "c")
	require.NoError(t, err)

	set, err := svc.SetActive(context.Background(), "chat-1", "acct-1", "project notes")
	require.NoError(t, err)
	assert.Equal(t, board.ID, set.ID)

	active, err := svc.GetActive(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, board.ID, active.ID)

	cleared, err := svc.SetActive(context.Background(), "chat-1", "acct-1", NoneSentinel)
	require.NoError(t, err)
	assert.Nil(t, cleared)

	_, err = svc.GetActive(context.Background(), "chat-1")
	var notFound *types.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSetActiveDeletedBoardRejected(t *testing.T) {
	svc, _ := newTestService(t)
	board, err := svc.Create(context.Background(), "acct-1", "Old Board", "s", "c")
	require.NoError(t, err)
	require.NoError(t, svc.SoftDelete(context.Background(), board.ID))

	_, err = svc.SetActive(context.Background(), "chat-1", "acct-1", board.ID)
	var validation *types.ValidationError
	require.ErrorAs(t, err, &validation)
}
