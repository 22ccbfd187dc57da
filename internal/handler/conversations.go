package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversational-bot/internal/middleware"
	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
)

// Dispatcher is the conversation runtime behind the HTTP API.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.Event) error
	Snapshot(ctx context.Context, key string) (*model.Record, error)
}

// PostEventRequest is the body of POST /conversations/{key}/events.
type PostEventRequest struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	dispatcher Dispatcher
	logger     *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(d Dispatcher, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		dispatcher: d,
		logger:     log,
	}
}

// PostEvent handles POST /api/v1/conversations/{key}/events
//
// The reply is rendered asynchronously on the conversation's stream; the
// response only confirms the event was handled.
func (h *ConversationHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}

	var req PostEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateEventID(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := model.Event{
		ID:     req.ID,
		Key:    key,
		Sender: middleware.GetDisplayName(r.Context()),
		Text:   req.Text,
	}
	if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
		h.logger.Error("failed to dispatch event",
			zap.String("conversation_key", key),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "conversation unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Get handles GET /api/v1/conversations/{key}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}

	rec, err := h.dispatcher.Snapshot(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "conversation unavailable")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}
