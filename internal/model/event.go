package model

import (
	"time"
)

// RenderKind is the type of a render action.
type RenderKind string

const (
	RenderCreateLive RenderKind = "create_live"
	RenderUpdateLive RenderKind = "update_live"
	RenderDelete     RenderKind = "delete"
	RenderSend       RenderKind = "send"
	RenderTyping     RenderKind = "typing"
)

// RenderAction is the wire form of a side effect addressed to a transport.
// Sinks that do not talk to a chat platform directly (SSE, NATS) emit these.
type RenderAction struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Kind      RenderKind `json:"kind"`
	Handle    Handle     `json:"handle,omitempty"`
	Text      string     `json:"text,omitempty"`
	Buttons   []Button   `json:"buttons,omitempty"`
	Audible   bool       `json:"audible,omitempty"`
	Typing    bool       `json:"typing,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
