package llm

import (
	"context"
	"errors"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// AnthropicClient is the Anthropic generation source.
type AnthropicClient struct {
	client *anthropic.Client
	opts   Options
}

// NewAnthropic creates a new Anthropic client.
func NewAnthropic(apiKey string, opts Options) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		opts:   opts.withDefaults("claude-3-5-sonnet-20241022"),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Generate opens a streaming message request for history.
func (c *AnthropicClient) Generate(ctx context.Context, history model.History) (Stream, error) {
	messages := make([]anthropic.MessageParam, len(history))
	for i, turn := range history {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == model.RoleAssistant {
			messages[i] = anthropic.NewAssistantMessage(block)
		} else {
			messages[i] = anthropic.NewUserMessage(block)
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:       anthropic.F(c.opts.Model),
		MaxTokens:   anthropic.F(int64(c.opts.MaxTokens)),
		Temperature: anthropic.F(c.opts.Temperature),
		Messages:    anthropic.F(messages),
	})

	return &anthropicStream{events: stream}, nil
}

// eventStream is the subset of the SDK's SSE stream the adapter consumes.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEvent
	Err() error
	Close() error
}

type anthropicStream struct {
	events eventStream
}

// Recv skips non-text events; connection errors surface on the first call.
func (s *anthropicStream) Recv() (string, error) {
	for s.events.Next() {
		event := s.events.Current()
		if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok {
			return delta.Text, nil
		}
	}
	if err := s.events.Err(); err != nil {
		return "", classifyAnthropic(err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.events.Close()
}

func classifyAnthropic(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := ErrUnavailable
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind = kindForStatus(apiErr.StatusCode)
	}
	return &Error{Kind: kind, Provider: string(ProviderAnthropic), Err: err}
}
