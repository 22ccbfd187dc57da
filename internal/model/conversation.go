// Package model defines data structures for the conversational bot.
package model

import "fmt"

// State is the conversation state tag.
type State string

const (
	StateAwaitingStart      State = "awaiting_start"
	StateAwaitingPrompt     State = "awaiting_prompt"
	StateAwaitingGeneration State = "awaiting_generation"
	StateStreamingResponse  State = "streaming_response"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingStart, StateAwaitingPrompt, StateAwaitingGeneration, StateStreamingResponse:
		return true
	}
	return false
}

// Generating reports whether a generation owns the conversation in this state.
func (s State) Generating() bool {
	return s == StateAwaitingGeneration || s == StateStreamingResponse
}

// Record is the persisted form of a conversation: state name plus context.
type Record struct {
	State   State   `json:"state"`
	History History `json:"history"`
}

// NewRecord returns the record of a fresh conversation.
func NewRecord() *Record {
	return &Record{State: StateAwaitingStart, History: History{}}
}

// Validate checks that the record can be rehydrated.
func (r *Record) Validate() error {
	if !r.State.Valid() {
		return fmt.Errorf("unknown state %q", r.State)
	}
	for i, t := range r.History {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("history[%d]: unknown role %q", i, t.Role)
		}
	}
	return nil
}
