package backend

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

func drain(t *testing.T, sr *schema.StreamReader[*schema.Message]) []string {
	t.Helper()
	defer sr.Close()
	var out []string
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk.Content)
	}
}

func TestEchoResponderStreamsWords(t *testing.T) {
	sr, err := EchoResponder{Prefix: "> "}.Stream(context.Background(), nil, "one  two three")
	require.NoError(t, err)
	assert.Equal(t, []string{"> ", "one", " two", " three"}, drain(t, sr))
}

type fakeChatModel struct {
	input []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	return schema.AssistantMessage("ok", nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("Hel", nil),
		schema.AssistantMessage("lo", nil),
	}), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestChainResponderBuildsPrompt(t *testing.T) {
	fake := &fakeChatModel{}
	r, err := NewChainResponder(context.Background(), fake, "be brief")
	require.NoError(t, err)

	history := []chat.Message{
		{Sender: chat.SenderUser, Content: "hi"},
		{Sender: chat.SenderAssistant, Content: "hello"},
	}
	sr, err := r.Stream(context.Background(), history, "how are you")
	require.NoError(t, err)
	assert.Equal(t, "Hello", joinChunks(drain(t, sr)))

	require.Len(t, fake.input, 4)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, "be brief", fake.input[0].Content)
	assert.Equal(t, schema.User, fake.input[1].Role)
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, "how are you", fake.input[3].Content)
}

func TestChainResponderTrimsHistory(t *testing.T) {
	r := &ChainResponder{historyLimit: 2}
	history := []chat.Message{
		{Sender: chat.SenderUser, Content: "1"},
		{Sender: chat.SenderAssistant, Content: "2"},
		{Sender: chat.SenderUser, Content: "3"},
	}
	got := r.buildHistoryMessages(history)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Content)
	assert.Equal(t, "3", got[1].Content)
}

func joinChunks(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}
