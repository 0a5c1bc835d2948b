package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/internal/storage/sqlite"
	"github.com/sablewood/reverie/pkg/types"
)

// fakeGenerator returns scripted responses in order, then repeats the last.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (g *fakeGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	idx := g.calls - 1
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return g.responses[idx], nil
}

func (g *fakeGenerator) GetModel() string { return "fake" }

// memorySource serves a fixed message log, honoring the watermark.
type memorySource struct {
	mu       sync.Mutex
	messages []*types.Message
}

func (s *memorySource) add(chatID, id, author, content string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &types.Message{
		ID: id, ChatID: chatID, Author: author, Content: content,
		Tokens: tokens, CreatedAt: time.Now().UTC(),
	})
}

func (s *memorySource) MessagesSince(_ context.Context, chatID, sinceMessageID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	passed := sinceMessageID == ""
	for _, msg := range s.messages {
		if msg.ChatID != chatID {
			continue
		}
		if passed {
			out = append(out, msg)
		}
		if msg.ID == sinceMessageID {
			passed = true
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, gen *fakeGenerator, source *memorySource, config Config) (*Engine, *sqlite.Store, *types.Agent) {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agent := &types.Agent{AccountID: "acct-1", Name: "archivist"}
	require.NoError(t, store.CreateAgent(context.Background(), agent))

	eng := New(store, store, store, source, gen, config)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng, store, agent
}

// waitForIdle polls until the pairing's claim returns to idle.
func waitForIdle(t *testing.T, store storage.ConsolidationStore, chatID, agentID string) *types.ConsolidationState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := store.GetState(context.Background(), chatID, agentID)
		require.NoError(t, err)
		if state.State == types.TriggerIdle {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pairing never returned to idle")
	return nil
}

func TestNoteMessageBelowThresholdDoesNotTrigger(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"memories":[]}`}}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 100, MaxPendingTokens: 100000}

	eng, store, agent := newTestEngine(t, gen, source, config)

	source.add("chat-1", "m1", "user", "hello", 5)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 5))

	state, err := store.GetState(context.Background(), "chat-1", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerIdle, state.State)
	assert.Equal(t, 0, gen.calls)
}

func TestMessageThresholdTriggersExtraction(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"memories":[{"content":"Alice prefers tea"}]}`}}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 2}

	eng, store, agent := newTestEngine(t, gen, source, config)

	source.add("chat-1", "m1", "user", "I prefer tea over coffee", 6)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 6))
	source.add("chat-1", "m2", "agent", "Noted!", 2)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m2", 2))

	state := waitForIdle(t, store, "chat-1", agent.ID)
	assert.Equal(t, "m2", state.LastConsolidatedMessageID)
	assert.NotNil(t, state.LastConsolidatedAt)
	assert.Equal(t, 0, state.PendingMessages)
	assert.Equal(t, 0, state.PendingTokens)

	memories, err := store.ListMemories(context.Background(), agent.ID, storage.MemoryListOptions{})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "Alice prefers tea", memories[0].Content)
	assert.Equal(t, types.MemoryJournal, memories[0].Type)
}

func TestTokenThresholdTriggers(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"memories":[]}`}}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingTokens: 10}

	eng, store, agent := newTestEngine(t, gen, source, config)

	source.add("chat-1", "m1", "user", "a long message", 12)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 12))

	waitForIdle(t, store, "chat-1", agent.ID)
	assert.GreaterOrEqual(t, gen.calls, 1)
}

func TestGenerationFailureLeavesWatermark(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("backend down")}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}
	config.MaxRetries = 1

	var failedMu sync.Mutex
	failed := false

	eng, store, agent := newTestEngine(t, gen, source, config)
	eng.SetOnJobFailed(func(chatID, agentID string, err error) {
		failedMu.Lock()
		failed = true
		failedMu.Unlock()
	})

	source.add("chat-1", "m1", "user", "hello", 3)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 3))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		failedMu.Lock()
		done := failed
		failedMu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	state := waitForIdle(t, store, "chat-1", agent.ID)
	assert.Empty(t, state.LastConsolidatedMessageID, "watermark must not advance on failure")

	memories, err := store.ListMemories(context.Background(), agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	assert.Empty(t, memories, "no partial memory rows survive a failed batch")
}

func TestUnparseableOutputAbortsBatch(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"I have nothing structured to say."}}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}
	config.MaxRetries = 1

	eng, store, agent := newTestEngine(t, gen, source, config)

	source.add("chat-1", "m1", "user", "hello", 3)
	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 3))

	state := waitForIdle(t, store, "chat-1", agent.ID)
	assert.Empty(t, state.LastConsolidatedMessageID)

	memories, err := store.ListMemories(context.Background(), agent.ID, storage.MemoryListOptions{IncludeDiscarded: true})
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestConcurrentTriggersEnqueueOnce(t *testing.T) {
	// A slow generator keeps the first job in flight while later triggers
	// arrive; the claim must admit exactly one reflection for the window.
	gen := &fakeGenerator{responses: []string{`{"memories":[{"content":"fact"}]}`}}
	source := &memorySource{}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}

	eng, store, agent := newTestEngine(t, gen, source, config)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", n)
			source.add("chat-1", id, "user", "hello", 3)
			_ = eng.NoteMessage(context.Background(), "chat-1", agent.ID, id, 3)
		}(i)
	}
	wg.Wait()

	waitForIdle(t, store, "chat-1", agent.ID)
	assert.Less(t, gen.calls, 10, "concurrent triggers must not fan out into one job per message")
}

// gatedStates holds RecordMessage at the store boundary so a test can place
// a NoteMessage call precisely relative to a concurrent Shutdown.
type gatedStates struct {
	storage.ConsolidationStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStates) RecordMessage(ctx context.Context, chatID, agentID, messageID string, tokens int) (*types.ConsolidationState, error) {
	close(g.entered)
	<-g.release
	return g.ConsolidationStore.RecordMessage(ctx, chatID, agentID, messageID, tokens)
}

func TestNoteMessageRacingShutdown(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agent := &types.Agent{AccountID: "acct-1", Name: "archivist"}
	require.NoError(t, store.CreateAgent(context.Background(), agent))

	gated := &gatedStates{
		ConsolidationStore: store,
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	gen := &fakeGenerator{responses: []string{`{"memories":[]}`}}
	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}

	eng := New(store, store, gated, &memorySource{}, gen, config)
	require.NoError(t, eng.Start(context.Background()))

	noteDone := make(chan error, 1)
	go func() {
		noteDone <- eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 10)
	}()
	<-gated.entered

	// Shut down while the message is held at the store, then let it
	// through: its enqueue attempt lands after the workers have drained.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	close(gated.release)
	require.NoError(t, <-noteDone, "a trigger after shutdown must be declined, not panic")

	state, err := store.GetState(context.Background(), "chat-1", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerIdle, state.State, "the late trigger must release its claim")
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"memories":[{"content":"fact"}]}`}}
	source := &memorySource{}
	source.add("chat-1", "m1", "user", "a durable fact worth keeping", 10)

	config := DefaultConfig()
	config.Thresholds = Thresholds{MaxPendingMessages: 1}
	eng, store, agent := newTestEngine(t, gen, source, config)

	require.NoError(t, eng.NoteMessage(context.Background(), "chat-1", agent.ID, "m1", 10))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	state, err := store.GetState(context.Background(), "chat-1", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerIdle, state.State)
	assert.Equal(t, "m1", state.LastConsolidatedMessageID, "an accepted job must finish before shutdown returns")
}

func TestThresholdCrossedIntervalArm(t *testing.T) {
	eng := &Engine{config: Config{Thresholds: Thresholds{
		ConsolidationInterval: 30 * time.Minute,
		MaxPendingMessages:    20,
		MaxPendingTokens:      4000,
	}}}
	now := time.Now().UTC()
	old := now.Add(-31 * time.Minute)
	recent := now.Add(-5 * time.Minute)

	consolidated := &types.ConsolidationState{LastConsolidatedAt: &old, PendingMessages: 1}
	assert.True(t, eng.thresholdCrossed(consolidated, now))

	// A pairing that has never consolidated falls back to the age of its
	// oldest unreflected message.
	fresh := &types.ConsolidationState{FirstPendingAt: &old, PendingMessages: 1}
	assert.True(t, eng.thresholdCrossed(fresh, now))

	quiet := &types.ConsolidationState{FirstPendingAt: &recent, PendingMessages: 1}
	assert.False(t, eng.thresholdCrossed(quiet, now))

	empty := &types.ConsolidationState{PendingMessages: 1}
	assert.False(t, eng.thresholdCrossed(empty, now))
}
