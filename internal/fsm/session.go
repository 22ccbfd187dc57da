package fsm

import "github.com/capitalize-ai/conversational-bot/internal/model"

// Session is the state machine's view of one conversation: the persisted
// record plus in-memory generation bookkeeping.
type Session struct {
	State   model.State
	History model.History

	// Epoch identifies the current generation. It is bumped on every
	// transition out of a generating state, which invalidates fragments
	// still in flight for the previous one.
	Epoch uint64

	// Live is the render of the running generation; nil when idle.
	Live *Live
}

// Live tracks the message being edited during one generation. It is never
// persisted.
type Live struct {
	Handle model.Handle
	Text   string
}

// NewSession returns a session for a fresh conversation.
func NewSession() Session {
	return Session{State: model.StateAwaitingStart, History: model.History{}}
}

// FromRecord rehydrates a session from storage. A record caught mid-generation
// has no owner after a restart and is recovered as AwaitingPrompt.
func FromRecord(rec *model.Record) (s Session, orphaned bool) {
	s = Session{State: rec.State, History: rec.History.Clone()}
	if s.State.Generating() {
		s.State = model.StateAwaitingPrompt
		orphaned = true
	}
	return s, orphaned
}

// Record returns the persisted form of the session.
func (s Session) Record() *model.Record {
	return &model.Record{State: s.State, History: s.History.Clone()}
}

// Current reports whether epoch belongs to the generation that owns the session.
func (s Session) Current(epoch uint64) bool {
	return s.State.Generating() && s.Live != nil && s.Epoch == epoch
}

// BindHandle records the handle of the live message created for epoch.
func (s *Session) BindHandle(epoch uint64, h model.Handle) bool {
	if !s.Current(epoch) {
		return false
	}
	s.Live.Handle = h
	return true
}
