package fsm

import (
	"strings"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Event is an input to the state machine.
type Event interface {
	// Name is a stable label for logs and metrics.
	Name() string
}

// UserMessage is free text from the user.
type UserMessage struct {
	Text   string
	Sender string
}

// StopCommand asks to interrupt the running generation.
type StopCommand struct{}

// ResetCommand clears the conversation.
type ResetCommand struct{}

// StartCommand starts (or restarts) a conversation.
type StartCommand struct {
	Sender string
}

// HelpCommand lists the available commands.
type HelpCommand struct{}

// Fragment is a piece of generated text delivered by the fragment pump.
type Fragment struct {
	Epoch uint64
	Text  string
}

// StreamEnded reports that the generation sequence was exhausted.
type StreamEnded struct {
	Epoch uint64
}

// GenerationFailed reports that the generation source failed.
type GenerationFailed struct {
	Epoch uint64
	Err   error
}

func (UserMessage) Name() string      { return "user_message" }
func (StopCommand) Name() string      { return "stop" }
func (ResetCommand) Name() string     { return "reset" }
func (StartCommand) Name() string     { return "start" }
func (HelpCommand) Name() string      { return "help" }
func (Fragment) Name() string         { return "fragment" }
func (StreamEnded) Name() string      { return "stream_ended" }
func (GenerationFailed) Name() string { return "generation_failed" }

// Command tokens recognised in inbound text.
const (
	CommandStart = "/start"
	CommandEnd   = "/end"
	CommandReset = "/reset"
	CommandHelp  = "/help"
	CommandStop  = "/_stop"
)

// Parse maps an inbound transport event to a state machine event.
func Parse(ev model.Event) Event {
	switch strings.TrimSpace(ev.Text) {
	case CommandStart:
		return StartCommand{Sender: ev.Sender}
	case CommandEnd, CommandReset:
		return ResetCommand{}
	case CommandHelp:
		return HelpCommand{}
	case CommandStop:
		return StopCommand{}
	default:
		return UserMessage{Text: ev.Text, Sender: ev.Sender}
	}
}
