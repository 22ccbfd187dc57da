// Package render defines the output side of a conversation: the operations a
// transport must support to display the bot's replies.
package render

import (
	"context"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Message is a final, non-editable message.
type Message struct {
	Text    string
	Buttons []model.Button

	// Audible is false for messages that should not notify the user.
	Audible bool
}

// Sink renders conversation output for a transport. Implementations must be
// safe for concurrent use across keys; calls for a single key are serialized
// by the caller.
type Sink interface {
	// CreateLive posts an editable message and returns its handle.
	CreateLive(ctx context.Context, key, text string, buttons []model.Button) (model.Handle, error)

	// UpdateLive replaces the text of a live message.
	UpdateLive(ctx context.Context, key string, h model.Handle, text string) error

	// Delete removes a previously created message.
	Delete(ctx context.Context, key string, h model.Handle) error

	// Send posts a final message.
	Send(ctx context.Context, key string, msg Message) error

	// SetTyping toggles the typing indicator.
	SetTyping(ctx context.Context, key string, on bool) error
}
