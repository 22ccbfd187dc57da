package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/capitalize-ai/conversational-bot/internal/fsm"
	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
)

func newTestBridge(t *testing.T, allowed ...string) *Bridge {
	t.Helper()
	b, err := NewBridge(Config{
		Homeserver:   "https://matrix.example.org",
		UserID:       "@bot:example.org",
		AccessToken:  "token",
		AllowedRooms: allowed,
	}, logger.NewNop())
	require.NoError(t, err)
	return b
}

func textEvent(room, sender, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID("$evt1"),
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func TestInbound(t *testing.T) {
	b := newTestBridge(t)

	ev, ok := b.inbound(textEvent("!room:example.org", "@ann:example.org", "hi"))
	require.True(t, ok)
	assert.Equal(t, model.Event{ID: "$evt1", Key: "!room:example.org", Sender: "ann", Text: "hi"}, ev)
}

func TestInbound_Skips(t *testing.T) {
	b := newTestBridge(t, "!allowed:example.org")

	_, ok := b.inbound(textEvent("!allowed:example.org", "@bot:example.org", "echo"))
	assert.False(t, ok, "own message")

	_, ok = b.inbound(textEvent("!other:example.org", "@ann:example.org", "hi"))
	assert.False(t, ok, "room not allowed")

	notice := textEvent("!allowed:example.org", "@ann:example.org", "hi")
	notice.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgNotice
	_, ok = b.inbound(notice)
	assert.False(t, ok, "notice")

	edit := textEvent("!allowed:example.org", "@ann:example.org", "* hi")
	edit.Content.Parsed.(*event.MessageEventContent).SetEdit(id.EventID("$orig"))
	_, ok = b.inbound(edit)
	assert.False(t, ok, "edit")

	_, ok = b.inbound(textEvent("!allowed:example.org", "@ann:example.org", "hi"))
	assert.True(t, ok)
}

func TestMessageContent(t *testing.T) {
	audible := messageContent(render.Message{Text: "Hello", Buttons: fsm.EndButtons, Audible: true})
	assert.Equal(t, event.MsgText, audible.MsgType)
	assert.Equal(t, "Hello\n\n/end (Finish the dialog) | /help (Available commands)", audible.Body)

	silent := messageContent(render.Message{Text: "help"})
	assert.Equal(t, event.MsgNotice, silent.MsgType)
	assert.Equal(t, "help", silent.Body)
}

func TestEditContent(t *testing.T) {
	content := editContent(model.Handle("$live"), "Hel")

	require.NotNil(t, content.RelatesTo)
	assert.Equal(t, event.RelReplace, content.RelatesTo.Type)
	assert.Equal(t, id.EventID("$live"), content.RelatesTo.EventID)
	require.NotNil(t, content.NewContent)
	assert.Equal(t, "Hel\n\n/_stop (Stop generation)", content.NewContent.Body)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "ann", displayName(id.UserID("@ann:example.org")))
}
