package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Inbound conversation events and outbound render actions",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EncodeKey maps a conversation key to a token valid in subjects and
// key-value keys. Chat ids may contain dots and other reserved characters.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid key token %q: %w", token, err)
	}
	return string(b), nil
}

// InboundSubject returns the subject user events for key are published on.
func InboundSubject(key string) string {
	return fmt.Sprintf("%s.%s.in", SubjectPrefix, EncodeKey(key))
}

// InboundFilter matches the inbound events of every conversation.
func InboundFilter() string {
	return SubjectPrefix + ".*.in"
}

// RenderSubject returns the subject a render action for key is published on.
func RenderSubject(key string, kind model.RenderKind) string {
	return fmt.Sprintf("%s.%s.out.%s", SubjectPrefix, EncodeKey(key), kind)
}

// ConversationFilter returns the filter subject for all render actions of a conversation.
func ConversationFilter(key string) string {
	return fmt.Sprintf("%s.%s.out.>", SubjectPrefix, EncodeKey(key))
}

// KeyFromSubject extracts the conversation key from an inbound or render subject.
func KeyFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != SubjectPrefix {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	return DecodeKey(parts[1])
}
