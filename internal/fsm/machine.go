// Package fsm implements the per-conversation state machine.
//
// The machine is a pure function from (Session, Event) to a Transition: the
// next session plus an ordered list of actions. It never performs I/O; the
// session dispatcher executes the actions against the render sink and the
// generation source and feeds generation progress back in as events.
//
// Every generation is tagged with the session epoch. Leaving a generating
// state bumps the epoch, so fragments that were already in flight when a stop
// or reset was handled no longer match and are dropped without rendering.
package fsm

import (
	"github.com/capitalize-ai/conversational-bot/internal/llm"
	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Config tunes the state machine.
type Config struct {
	// MaxContextSize bounds the number of history entries. A user message
	// arriving while the history holds more entries resets the conversation.
	MaxContextSize int
}

// Transition is the outcome of handling one event.
type Transition struct {
	Session Session
	Actions []Action

	// Persist is set when the state or history changed.
	Persist bool

	// Reset asks for the stored record to be dropped before it is rewritten.
	Reset bool
}

type handler func(s Session, ev Event) Transition

// filter runs ahead of the per-state handler. It returns false to pass the
// event on.
type filter func(s Session, ev Event) (Transition, bool)

// Machine is the conversation state machine. It is stateless and safe for
// concurrent use.
type Machine struct {
	cfg      Config
	filters  []filter
	handlers map[model.State]handler
}

// New creates a state machine.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg}
	m.filters = []filter{m.globalCommands}
	m.handlers = map[model.State]handler{
		model.StateAwaitingStart:      m.awaitingStart,
		model.StateAwaitingPrompt:     m.awaitingPrompt,
		model.StateAwaitingGeneration: m.awaitingGeneration,
		model.StateStreamingResponse:  m.streamingResponse,
	}
	return m
}

// Handle computes the transition for ev.
func (m *Machine) Handle(s Session, ev Event) Transition {
	for _, f := range m.filters {
		if t, ok := f(s, ev); ok {
			return t
		}
	}

	h, ok := m.handlers[s.State]
	if !ok {
		return stay(s)
	}
	return h(s, ev)
}

func stay(s Session) Transition {
	return Transition{Session: s}
}

// globalCommands handles the commands available in every state.
func (m *Machine) globalCommands(s Session, ev Event) (Transition, bool) {
	switch ev := ev.(type) {
	case StartCommand:
		if s.State == model.StateAwaitingStart {
			return Transition{
				Session: Session{State: model.StateAwaitingPrompt, History: model.History{}, Epoch: s.Epoch},
				Actions: []Action{SendMessage{Text: TextReady, Buttons: EndButtons, Audible: true}},
				Persist: true,
			}, true
		}
		next, actions := teardown(s)
		actions = append(actions, SendMessage{Text: Greeting(ev.Sender), Buttons: StartButtons})
		return Transition{Session: next, Actions: actions, Persist: true}, true

	case ResetCommand:
		return reset(s, ""), true

	case HelpCommand:
		silent := s.State == model.StateAwaitingStart || s.State == model.StateAwaitingGeneration
		return Transition{
			Session: s,
			Actions: []Action{SendMessage{Text: HelpText(), Audible: !silent}},
		}, true
	}
	return Transition{}, false
}

// reset clears the conversation, prefixing notice to the confirmation.
func reset(s Session, notice string) Transition {
	next, actions := teardown(s)
	actions = append(actions, SendMessage{Text: notice + TextCleared, Buttons: StartButtons})
	return Transition{Session: next, Actions: actions, Persist: true, Reset: true}
}

// teardown abandons any running generation and returns an empty
// AwaitingStart session.
func teardown(s Session) (Session, []Action) {
	next := Session{State: model.StateAwaitingStart, History: model.History{}, Epoch: s.Epoch}
	if !s.State.Generating() {
		return next, nil
	}

	next.Epoch++
	actions := []Action{CancelGeneration{Epoch: s.Epoch}}
	if s.Live != nil && s.Live.Handle != "" {
		actions = append(actions, DeleteMessage{Handle: s.Live.Handle})
	}
	if s.State == model.StateStreamingResponse {
		actions = append(actions, SetTyping{On: false})
	}
	return next, actions
}

// settle ends the current generation and returns to AwaitingPrompt.
func settle(s Session, history model.History) Session {
	return Session{State: model.StateAwaitingPrompt, History: history, Epoch: s.Epoch + 1}
}

func (m *Machine) awaitingStart(s Session, ev Event) Transition {
	msg, ok := ev.(UserMessage)
	if !ok {
		return stay(s)
	}
	return Transition{
		Session: s,
		Actions: []Action{SendMessage{Text: Greeting(msg.Sender), Buttons: StartButtons}},
		Persist: true,
	}
}

func (m *Machine) awaitingPrompt(s Session, ev Event) Transition {
	msg, ok := ev.(UserMessage)
	if !ok {
		return stay(s)
	}

	if len(s.History) > m.cfg.MaxContextSize {
		return reset(s, TextOverflow)
	}

	history := s.History.Append(model.Turn{Role: model.RoleUser, Content: msg.Text})
	next := Session{
		State:   model.StateAwaitingGeneration,
		History: history,
		Epoch:   s.Epoch,
		Live:    &Live{Text: TextPlaceholder},
	}
	return Transition{
		Session: next,
		Actions: []Action{
			CreateLive{Epoch: s.Epoch, Text: TextPlaceholder, Buttons: StopButtons},
			StartGeneration{Epoch: s.Epoch, History: history.Clone()},
		},
		Persist: true,
	}
}

func (m *Machine) awaitingGeneration(s Session, ev Event) Transition {
	switch ev := ev.(type) {
	case StopCommand:
		actions := []Action{CancelGeneration{Epoch: s.Epoch}}
		if s.Live != nil && s.Live.Handle != "" {
			actions = append(actions, DeleteMessage{Handle: s.Live.Handle})
		}
		actions = append(actions, SendMessage{Text: TextInterrupted, Buttons: EndButtons, Audible: true})
		return Transition{Session: settle(s, s.History), Actions: actions, Persist: true}

	case Fragment:
		if !s.Current(ev.Epoch) || ev.Text == "" {
			return stay(s)
		}
		// The first fragment replaces the placeholder.
		live := &Live{Handle: s.Live.Handle, Text: ev.Text}
		next := s
		next.State = model.StateStreamingResponse
		next.Live = live
		actions := []Action{SetTyping{On: true}}
		if live.Handle != "" {
			actions = append(actions, UpdateLive{Handle: live.Handle, Text: live.Text})
		}
		return Transition{Session: next, Actions: actions, Persist: true}

	case StreamEnded:
		if !s.Current(ev.Epoch) {
			return stay(s)
		}
		actions := deleteLive(s)
		actions = append(actions, SendMessage{Text: TextEmptyResponse, Buttons: EndButtons, Audible: true})
		return Transition{Session: settle(s, s.History), Actions: actions, Persist: true}

	case GenerationFailed:
		if !s.Current(ev.Epoch) {
			return stay(s)
		}
		return fail(s, ev.Err)
	}
	return stay(s)
}

func (m *Machine) streamingResponse(s Session, ev Event) Transition {
	switch ev := ev.(type) {
	case StopCommand:
		// Interrupted text is shown but never becomes part of the history.
		actions := []Action{CancelGeneration{Epoch: s.Epoch}}
		actions = append(actions, deleteLive(s)...)
		actions = append(actions,
			SendMessage{Text: s.Live.Text, Buttons: EndButtons, Audible: true},
			SetTyping{On: false},
		)
		return Transition{Session: settle(s, s.History), Actions: actions, Persist: true}

	case Fragment:
		if !s.Current(ev.Epoch) || ev.Text == "" {
			return stay(s)
		}
		live := &Live{Handle: s.Live.Handle, Text: s.Live.Text + ev.Text}
		next := s
		next.Live = live
		var actions []Action
		if live.Handle != "" {
			actions = append(actions, UpdateLive{Handle: live.Handle, Text: live.Text})
		}
		return Transition{Session: next, Actions: actions}

	case StreamEnded:
		if !s.Current(ev.Epoch) {
			return stay(s)
		}
		text := s.Live.Text
		actions := deleteLive(s)
		actions = append(actions,
			SendMessage{Text: text, Buttons: EndButtons, Audible: true},
			SetTyping{On: false},
		)
		history := s.History.Append(model.Turn{Role: model.RoleAssistant, Content: text})
		return Transition{Session: settle(s, history), Actions: actions, Persist: true}

	case GenerationFailed:
		if !s.Current(ev.Epoch) {
			return stay(s)
		}
		return fail(s, ev.Err)
	}
	return stay(s)
}

// fail reports a generation error as one message. The pending user turn stays
// in the history; partial output is discarded.
func fail(s Session, err error) Transition {
	actions := deleteLive(s)
	if s.State == model.StateStreamingResponse {
		actions = append(actions, SetTyping{On: false})
	}
	actions = append(actions, SendMessage{Text: ErrorText(llm.Describe(err)), Buttons: EndButtons, Audible: true})
	return Transition{Session: settle(s, s.History), Actions: actions, Persist: true}
}

func deleteLive(s Session) []Action {
	if s.Live == nil || s.Live.Handle == "" {
		return nil
	}
	return []Action{DeleteMessage{Handle: s.Live.Handle}}
}
