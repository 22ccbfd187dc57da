package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
	"github.com/capitalize-ai/conversational-bot/pkg/metrics"
)

// Subscriber provides render actions for a conversation.
type Subscriber interface {
	Subscribe(ctx context.Context, key string) (<-chan *model.RenderAction, string)
}

// HeartbeatEvent keeps idle SSE connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	subscriber Subscriber
	heartbeat  time.Duration
	logger     *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sub Subscriber, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		subscriber: sub,
		heartbeat:  30 * time.Second,
		logger:     log,
	}
}

// Stream handles GET /api/v1/conversations/{key}/stream
//
// Each render action is sent as an SSE event named after its kind. Actions
// rendered while no client is connected are not replayed.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	actions, subID := h.subscriber.Subscribe(ctx, key)
	log := h.logger.With(zap.String("conversation_key", key), zap.String("sub_id", subID))

	if err := sendSSEEvent(w, flusher, "connected", map[string]string{"conversation_key": key}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case action, ok := <-actions:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(action.Kind), action); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}
