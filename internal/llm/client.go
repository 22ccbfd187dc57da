// Package llm provides the generation source contract and its provider implementations.
package llm

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Stream is a lazily produced, single-use sequence of text fragments.
//
// Recv returns the next fragment, io.EOF once the backend signals completion,
// or an error. A fragment may be empty. Close releases the underlying
// connection and may be called at any point, including before the sequence
// is exhausted.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Source produces text for a conversation history.
type Source interface {
	// Generate starts a generation. Cancelling ctx aborts the backend stream.
	Generate(ctx context.Context, history model.History) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// Options tunes a generation request.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

func (o Options) withDefaults(model string) Options {
	if o.Model == "" {
		o.Model = model
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 4096
	}
	return o
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Credentials holds per-provider connection settings.
type Credentials struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
}

// NewSource creates a generation source for provider.
func NewSource(provider Provider, creds Credentials, opts Options) (Source, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(creds.OpenAIAPIKey, creds.OpenAIBaseURL, opts)
	case ProviderAnthropic:
		return NewAnthropic(creds.AnthropicAPIKey, opts)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
