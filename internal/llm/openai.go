package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// OpenAIClient is the OpenAI-compatible generation source.
type OpenAIClient struct {
	client *openai.Client
	opts   Options
}

// NewOpenAI creates a new OpenAI client. baseURL may point at any
// OpenAI-compatible endpoint; empty means the public API.
func NewOpenAI(apiKey, baseURL string, opts Options) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		opts:   opts.withDefaults("gpt-3.5-turbo"),
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

// Generate opens a streaming chat completion for history.
func (c *OpenAIClient) Generate(ctx context.Context, history model.History) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, len(history))
	for i, turn := range history {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: float32(c.opts.Temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}

	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	response, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if len(response.Choices) == 0 {
		return "", nil
	}

	choice := response.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", &Error{Kind: ErrRejected, Provider: string(ProviderOpenAI), Err: errors.New("content filtered")}
	}
	return choice.Delta.Content, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func classifyOpenAI(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := ErrUnavailable
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		kind = kindForStatus(apiErr.HTTPStatusCode)
		if code := fmt.Sprint(apiErr.Code); code == "content_filter" || code == "content_policy_violation" {
			kind = ErrRejected
		}
	case errors.As(err, &reqErr):
		kind = kindForStatus(reqErr.HTTPStatusCode)
	}

	return &Error{Kind: kind, Provider: string(ProviderOpenAI), Err: err}
}
