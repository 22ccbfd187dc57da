// Package rendertest provides a recording render.Sink for tests.
package rendertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render"
)

// Call is one recorded sink invocation.
type Call struct {
	Kind    model.RenderKind
	Key     string
	Handle  model.Handle
	Text    string
	Buttons []model.Button
	Audible bool
	Typing  bool
}

// Recorder records every call it receives. Handles are "h1", "h2", ... per
// recorder. Set Fail to make a kind of call return an error.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	next   int
	fail   map[model.RenderKind]error
	notify chan struct{}
}

var _ render.Sink = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		fail:   make(map[model.RenderKind]error),
		notify: make(chan struct{}, 1),
	}
}

// Fail makes every subsequent call of kind return err. A nil err clears it.
func (r *Recorder) Fail(kind model.RenderKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, kind)
		return
	}
	r.fail[kind] = err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor returns the recorded calls for key.
func (r *Recorder) CallsFor(key string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

// Kinds returns the kinds of the recorded calls for key, in order.
func (r *Recorder) Kinds(key string) []model.RenderKind {
	var out []model.RenderKind
	for _, c := range r.CallsFor(key) {
		out = append(out, c.Kind)
	}
	return out
}

// Sent returns the texts of the final messages sent to key.
func (r *Recorder) Sent(key string) []string {
	var out []string
	for _, c := range r.CallsFor(key) {
		if c.Kind == model.RenderSend {
			out = append(out, c.Text)
		}
	}
	return out
}

// Updated signals after every recorded call.
func (r *Recorder) Updated() <-chan struct{} {
	return r.notify
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, c)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return r.fail[c.Kind]
}

func (r *Recorder) CreateLive(_ context.Context, key, text string, buttons []model.Button) (model.Handle, error) {
	r.mu.Lock()
	r.next++
	h := model.Handle(fmt.Sprintf("h%d", r.next))
	r.mu.Unlock()

	if err := r.record(Call{Kind: model.RenderCreateLive, Key: key, Handle: h, Text: text, Buttons: buttons}); err != nil {
		return "", err
	}
	return h, nil
}

func (r *Recorder) UpdateLive(_ context.Context, key string, h model.Handle, text string) error {
	return r.record(Call{Kind: model.RenderUpdateLive, Key: key, Handle: h, Text: text})
}

func (r *Recorder) Delete(_ context.Context, key string, h model.Handle) error {
	return r.record(Call{Kind: model.RenderDelete, Key: key, Handle: h})
}

func (r *Recorder) Send(_ context.Context, key string, msg render.Message) error {
	return r.record(Call{Kind: model.RenderSend, Key: key, Text: msg.Text, Buttons: msg.Buttons, Audible: msg.Audible})
}

func (r *Recorder) SetTyping(_ context.Context, key string, on bool) error {
	return r.record(Call{Kind: model.RenderTyping, Key: key, Typing: on})
}
