package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablewood/reverie/pkg/types"
)

func logMessage(chatID, id string) *types.Message {
	return &types.Message{ID: id, ChatID: chatID, Author: "user", Content: "msg " + id, Tokens: 2}
}

func TestMessageLogSinceWatermark(t *testing.T) {
	log := NewMessageLog(10)
	for i := 1; i <= 4; i++ {
		log.Append(logMessage("chat-1", fmt.Sprintf("m%d", i)))
	}

	window, err := log.MessagesSince(context.Background(), "chat-1", "m2")
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "m3", window[0].ID)
	assert.Equal(t, "m4", window[1].ID)
}

func TestMessageLogEmptyWatermarkReturnsAll(t *testing.T) {
	log := NewMessageLog(10)
	log.Append(logMessage("chat-1", "m1"))
	log.Append(logMessage("chat-2", "m2"))

	window, err := log.MessagesSince(context.Background(), "chat-1", "")
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "m1", window[0].ID)
}

func TestMessageLogEvictsOldestAtCapacity(t *testing.T) {
	log := NewMessageLog(3)
	for i := 1; i <= 5; i++ {
		log.Append(logMessage("chat-1", fmt.Sprintf("m%d", i)))
	}

	window, err := log.MessagesSince(context.Background(), "chat-1", "")
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "m3", window[0].ID)

	// An evicted watermark falls back to the retained suffix.
	window, err = log.MessagesSince(context.Background(), "chat-1", "m1")
	require.NoError(t, err)
	assert.Len(t, window, 3)
}
