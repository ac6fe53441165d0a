package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

func msg(id string, sender chat.Sender, content string) chat.Message {
	return chat.Message{ID: id, SessionID: 1, Sender: sender, Content: content}
}

func TestLogKeepsInsertionOrder(t *testing.T) {
	l := New()
	l.Append(msg("b", chat.SenderUser, "second by id"))
	l.Append(msg("a", chat.SenderAssistant, "first by id"))

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "a", snap[1].ID)
}

func TestLogReplaceAndAppendContent(t *testing.T) {
	l := New()
	l.Append(msg("p", chat.SenderAssistant, "thinking..."))

	require.NoError(t, l.ReplaceContent("p", "Hel"))
	require.NoError(t, l.AppendContent("p", "lo"))

	got, ok := l.Get("p")
	require.True(t, ok)
	assert.Equal(t, "Hello", got.Content)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.ErrorIs(t, l.ReplaceContent("missing", "x"), ErrMessageNotFound)
	assert.ErrorIs(t, l.AppendContent("missing", "x"), ErrMessageNotFound)
}

func TestLogSnapshotIsDetached(t *testing.T) {
	l := New()
	l.Append(msg("a", chat.SenderUser, "hi"))

	snap := l.Snapshot()
	snap[0].Content = "mutated"

	got, _ := l.Get("a")
	assert.Equal(t, "hi", got.Content)
}

func TestLogRemoveReindexes(t *testing.T) {
	l := New()
	l.Append(msg("a", chat.SenderUser, "1"))
	l.Append(msg("b", chat.SenderAssistant, "2"))
	l.Append(msg("c", chat.SenderUser, "3"))

	require.NoError(t, l.Remove("b"))
	require.NoError(t, l.AppendContent("c", "!"))

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "3!", snap[1].Content)
	assert.ErrorIs(t, l.Remove("b"), ErrMessageNotFound)
}

func TestLogLoadReplacesWholesale(t *testing.T) {
	l := New()
	l.Append(msg("old", chat.SenderUser, "stale"))

	l.Load([]chat.Message{msg("h1", chat.SenderUser, "q"), msg("h2", chat.SenderAssistant, "a")})

	assert.Equal(t, 2, l.Len())
	_, ok := l.Get("old")
	assert.False(t, ok)

	l.RemoveAll()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Snapshot())
}

func TestLogRekey(t *testing.T) {
	l := New()
	l.Append(msg("tmp", chat.SenderAssistant, "hi"))
	l.Append(msg("7", chat.SenderUser, "taken"))

	assert.ErrorIs(t, l.Rekey("tmp", "7"), ErrDuplicateID)
	assert.ErrorIs(t, l.Rekey("missing", "8"), ErrMessageNotFound)

	require.NoError(t, l.Rekey("tmp", "42"))
	_, ok := l.Get("tmp")
	assert.False(t, ok)
	got, ok := l.Get("42")
	require.True(t, ok)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "42", l.Snapshot()[0].ID)
}
