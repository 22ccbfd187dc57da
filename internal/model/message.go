package model

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is the ordered list of turns, oldest first.
type History []Turn

// Append returns a new history with t appended. The receiver is never modified,
// so a history handed to a generation stays stable while the conversation moves on.
func (h History) Append(t Turn) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, t)
}

// Clone returns a copy of the history.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Button is a command affordance attached to a rendered message.
type Button struct {
	Command string `json:"command"`
	Label   string `json:"label"`
}

// Handle identifies a live message created by a render sink.
type Handle string

// Event is an inbound message as delivered by a transport.
type Event struct {
	// ID is the transport's delivery id, used for deduplication. Optional.
	ID string `json:"id,omitempty"`

	// Key addresses the conversation (chat, room, channel).
	Key string `json:"key"`

	// Sender is a display name for the author, if the transport knows it.
	Sender string `json:"sender,omitempty"`

	// Text is the raw message body, command tokens included.
	Text string `json:"text"`
}
