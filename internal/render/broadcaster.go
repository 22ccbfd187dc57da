package render

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster is a Sink that fans render actions out to in-process
// subscribers, typically SSE connections. Handles are generated locally.
//
// Delivery is best effort: a subscriber whose buffer is full misses the
// action. Send and Delete are never retried.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *model.RenderAction // key -> subID -> ch
	logger      *logger.Logger
	now         func() time.Time
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *model.RenderAction),
		logger:      log.With(zap.String("component", "broadcaster")),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for key. The subscription is removed when
// ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *model.RenderAction, string) {
	subID := uuid.NewString()
	ch := make(chan *model.RenderAction, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *model.RenderAction)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("conversation_key", key), zap.String("sub_id", subID))

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", zap.String("conversation_key", key), zap.String("sub_id", subID))
}

// Subscribers returns the number of subscribers for key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
}

func (b *Broadcaster) CreateLive(_ context.Context, key, text string, buttons []model.Button) (model.Handle, error) {
	h := model.Handle(uuid.NewString())
	b.publish(&model.RenderAction{Key: key, Kind: model.RenderCreateLive, Handle: h, Text: text, Buttons: buttons})
	return h, nil
}

func (b *Broadcaster) UpdateLive(_ context.Context, key string, h model.Handle, text string) error {
	b.publish(&model.RenderAction{Key: key, Kind: model.RenderUpdateLive, Handle: h, Text: text})
	return nil
}

func (b *Broadcaster) Delete(_ context.Context, key string, h model.Handle) error {
	b.publish(&model.RenderAction{Key: key, Kind: model.RenderDelete, Handle: h})
	return nil
}

func (b *Broadcaster) Send(_ context.Context, key string, msg Message) error {
	b.publish(&model.RenderAction{Key: key, Kind: model.RenderSend, Text: msg.Text, Buttons: msg.Buttons, Audible: msg.Audible})
	return nil
}

func (b *Broadcaster) SetTyping(_ context.Context, key string, on bool) error {
	b.publish(&model.RenderAction{Key: key, Kind: model.RenderTyping, Typing: on})
	return nil
}

func (b *Broadcaster) publish(action *model.RenderAction) {
	action.ID = uuid.Must(uuid.NewV7()).String()
	action.CreatedAt = b.now()

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[action.Key] {
		select {
		case ch <- action:
		default:
			b.logger.Debug("dropped action for slow subscriber",
				zap.String("conversation_key", action.Key),
				zap.String("kind", string(action.Kind)))
		}
	}
}
