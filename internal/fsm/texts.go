package fsm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// User-visible texts.
const (
	TextPlaceholder   = "..."
	TextReady         = "Send a message to start the conversation"
	TextCleared       = "Dialog history cleared. You can start over."
	TextOverflow      = "Maximum context size exceeded. "
	TextInterrupted   = "[interrupted]"
	TextEmptyResponse = "[empty response]"
	TextInternalError = "Something went wrong. The conversation has been reset."
	TextUnavailable   = "The conversation is temporarily unavailable. Please try again."

	greetingBody = "This bot gives you access to an AI assistant.\n" +
		"IMPORTANT: never send the bot logins, passwords or other personal data!"
)

// Greeting returns the welcome text, addressing sender when known.
func Greeting(sender string) string {
	if sender == "" {
		return "Hello! " + greetingBody
	}
	return fmt.Sprintf("Hello, %s! %s", sender, greetingBody)
}

// ErrorText returns the user-visible message for a failed generation.
func ErrorText(description string) string {
	return "Generation failed: " + description
}

// Command describes a command token for the help listing.
type Command struct {
	Token       string
	Description string
}

// Commands is the help listing, sorted by token.
var Commands = sortedCommands([]Command{
	{Token: CommandStart, Description: "Start a chat with the AI"},
	{Token: CommandEnd, Description: "Finish the dialog"},
	{Token: CommandHelp, Description: "Available commands"},
})

func sortedCommands(cmds []Command) []Command {
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Token < cmds[j].Token })
	return cmds
}

// HelpText renders the command listing.
func HelpText() string {
	lines := make([]string, len(Commands))
	for i, c := range Commands {
		lines[i] = fmt.Sprintf("`%s` -- %s", c.Token, c.Description)
	}
	return strings.Join(lines, "\n")
}

// Button sets attached to messages.
var (
	StartButtons = []model.Button{
		{Command: CommandStart, Label: "Start a chat with the AI"},
		{Command: CommandHelp, Label: "Available commands"},
	}
	EndButtons = []model.Button{
		{Command: CommandEnd, Label: "Finish the dialog"},
		{Command: CommandHelp, Label: "Available commands"},
	}
	StopButtons = []model.Button{
		{Command: CommandStop, Label: "Stop generation"},
	}
)
