package fsm

import "github.com/capitalize-ai/conversational-bot/internal/model"

// Action is a side effect requested by a transition. Actions are executed in
// order by the dispatcher.
type Action interface {
	action()
}

// CreateLive creates the in-place updated message of a generation. The
// resulting handle is bound to the session's live render for Epoch.
type CreateLive struct {
	Epoch   uint64
	Text    string
	Buttons []model.Button
}

// UpdateLive replaces the text of the live message.
type UpdateLive struct {
	Handle model.Handle
	Text   string
}

// DeleteMessage removes a previously created message.
type DeleteMessage struct {
	Handle model.Handle
}

// SendMessage posts a regular message.
type SendMessage struct {
	Text    string
	Buttons []model.Button
	Audible bool
}

// SetTyping toggles the typing indicator.
type SetTyping struct {
	On bool
}

// StartGeneration asks the dispatcher to call the generation source and feed
// its fragments back as events tagged with Epoch.
type StartGeneration struct {
	Epoch   uint64
	History model.History
}

// CancelGeneration aborts the generation running for Epoch.
type CancelGeneration struct {
	Epoch uint64
}

func (CreateLive) action()       {}
func (UpdateLive) action()       {}
func (DeleteMessage) action()    {}
func (SendMessage) action()      {}
func (SetTyping) action()        {}
func (StartGeneration) action()  {}
func (CancelGeneration) action() {}
