// Package matrix connects conversations to Matrix rooms. Each room is one
// conversation; the bot edits its own message in place while generating.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/capitalize-ai/conversational-bot/internal/fsm"
	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
)

// typingTimeout is how long the typing indicator shows without a refresh.
const typingTimeout = 30 * time.Second

// Config holds Matrix connection settings.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
}

// Dispatcher receives inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.Event) error
}

// Bridge is both the inbound transport and the render sink for Matrix.
type Bridge struct {
	client  *mautrix.Client
	userID  id.UserID
	allowed map[id.RoomID]struct{}
	logger  *logger.Logger
}

var _ render.Sink = (*Bridge)(nil)

// NewBridge creates a Matrix bridge.
func NewBridge(cfg Config, log *logger.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[id.RoomID]struct{}, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[id.RoomID(room)] = struct{}{}
	}

	return &Bridge{
		client:  client,
		userID:  id.UserID(cfg.UserID),
		allowed: allowed,
		logger:  log.With(zap.String("component", "matrix")),
	}, nil
}

// Run syncs with the homeserver and dispatches room messages until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context, d Dispatcher) error {
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		ev, ok := b.inbound(evt)
		if !ok {
			return
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			b.logger.Warn("dispatch failed", zap.String("room", ev.Key), zap.Error(err))
		}
	})

	b.logger.Info("starting matrix sync", zap.String("user_id", b.userID.String()))
	err := b.client.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

// inbound converts a room message into an event. Own messages, rooms outside
// the allow list and non-text messages are skipped.
func (b *Bridge) inbound(evt *event.Event) (model.Event, bool) {
	if evt.Sender == b.userID {
		return model.Event{}, false
	}
	if len(b.allowed) > 0 {
		if _, ok := b.allowed[evt.RoomID]; !ok {
			return model.Event{}, false
		}
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return model.Event{}, false
	}
	// Edits of earlier messages are not new input.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return model.Event{}, false
	}

	return model.Event{
		ID:     evt.ID.String(),
		Key:    evt.RoomID.String(),
		Sender: displayName(evt.Sender),
		Text:   content.Body,
	}, true
}

func displayName(user id.UserID) string {
	local, _, err := user.Parse()
	if err != nil {
		return user.String()
	}
	return local
}

func (b *Bridge) CreateLive(ctx context.Context, key, text string, buttons []model.Button) (model.Handle, error) {
	resp, err := b.client.SendMessageEvent(ctx, id.RoomID(key), event.EventMessage, liveContent(text, buttons))
	if err != nil {
		return "", fmt.Errorf("sending live message: %w", err)
	}
	return model.Handle(resp.EventID), nil
}

func (b *Bridge) UpdateLive(ctx context.Context, key string, h model.Handle, text string) error {
	_, err := b.client.SendMessageEvent(ctx, id.RoomID(key), event.EventMessage, editContent(h, text))
	if err != nil {
		return fmt.Errorf("editing live message: %w", err)
	}
	return nil
}

func (b *Bridge) Delete(ctx context.Context, key string, h model.Handle) error {
	if _, err := b.client.RedactEvent(ctx, id.RoomID(key), id.EventID(h)); err != nil {
		return fmt.Errorf("redacting message: %w", err)
	}
	return nil
}

func (b *Bridge) Send(ctx context.Context, key string, msg render.Message) error {
	if _, err := b.client.SendMessageEvent(ctx, id.RoomID(key), event.EventMessage, messageContent(msg)); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (b *Bridge) SetTyping(ctx context.Context, key string, on bool) error {
	var timeout time.Duration
	if on {
		timeout = typingTimeout
	}
	if _, err := b.client.UserTyping(ctx, id.RoomID(key), on, timeout); err != nil {
		return fmt.Errorf("setting typing indicator: %w", err)
	}
	return nil
}

// Check verifies the access token against the homeserver.
func (b *Bridge) Check(ctx context.Context) error {
	_, err := b.client.Whoami(ctx)
	return err
}

// messageContent renders a final message. Silent messages are sent as
// notices, which clients do not notify for.
func messageContent(msg render.Message) *event.MessageEventContent {
	msgType := event.MsgNotice
	if msg.Audible {
		msgType = event.MsgText
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    withButtons(msg.Text, msg.Buttons),
	}
}

func liveContent(text string, buttons []model.Button) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    withButtons(text, buttons),
	}
}

// editContent replaces the body of the live message. The stop hint stays
// visible for the whole generation.
func editContent(h model.Handle, text string) *event.MessageEventContent {
	content := liveContent(text, fsm.StopButtons)
	content.SetEdit(id.EventID(h))
	return content
}

// withButtons appends the commands as a hint line. Matrix has no inline
// keyboards.
func withButtons(text string, buttons []model.Button) string {
	if len(buttons) == 0 {
		return text
	}
	hints := make([]string, len(buttons))
	for i, btn := range buttons {
		hints[i] = fmt.Sprintf("%s (%s)", btn.Command, btn.Label)
	}
	return text + "\n\n" + strings.Join(hints, " | ")
}
