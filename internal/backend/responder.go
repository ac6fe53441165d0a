package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

// Responder produces the assistant reply for one user message as a stream
// of message chunks.
type Responder interface {
	Stream(ctx context.Context, history []chat.Message, query string) (*schema.StreamReader[*schema.Message], error)
}

// EchoResponder answers offline by streaming the query back word by word.
type EchoResponder struct {
	Prefix string
	Delay  time.Duration
}

// Stream implements Responder.
func (e EchoResponder) Stream(ctx context.Context, _ []chat.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	words := strings.Fields(query)
	chunks := make([]string, 0, len(words)+1)
	if e.Prefix != "" {
		chunks = append(chunks, e.Prefix)
	}
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, w)
	}

	sr, sw := schema.Pipe[*schema.Message](len(chunks))
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					sw.Send(nil, ctx.Err())
					return
				case <-time.After(e.Delay):
				}
			}
			if closed := sw.Send(schema.AssistantMessage(c, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

// ChainResponder streams replies from a chat model through a prompt
// template chain.
type ChainResponder struct {
	system       string
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
}

// NewChainResponder compiles the prompt chain around chatModel.
func NewChainResponder(ctx context.Context, chatModel model.ChatModel, system string) (*ChainResponder, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChainResponder{
		system:       system,
		historyLimit: 10,
		chain:        runnable,
	}, nil
}

// Stream implements Responder.
func (r *ChainResponder) Stream(ctx context.Context, history []chat.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	input := map[string]any{
		"system":  r.system,
		"history": r.buildHistoryMessages(history),
		"query":   query,
	}

	stream, err := r.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}

func (r *ChainResponder) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > r.historyLimit {
		startIdx = len(messages) - r.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
