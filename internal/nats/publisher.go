package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/render"
	"github.com/capitalize-ai/conversational-bot/pkg/metrics"
)

// publisher is the part of jetstream.JetStream the render sink needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher is a render.Sink that publishes render actions to JetStream for
// an external chat bridge to apply. Live message handles are generated here
// and echoed back by the bridge's own bookkeeping.
type Publisher struct {
	js  publisher
	now func() time.Time
}

var _ render.Sink = (*Publisher)(nil)

// NewPublisher creates a render publisher.
func NewPublisher(client *Client) *Publisher {
	return newPublisher(client.JetStream())
}

func newPublisher(js publisher) *Publisher {
	return &Publisher{js: js, now: time.Now}
}

func (p *Publisher) CreateLive(ctx context.Context, key, text string, buttons []model.Button) (model.Handle, error) {
	h := model.Handle(uuid.NewString())
	if err := p.publish(ctx, &model.RenderAction{Key: key, Kind: model.RenderCreateLive, Handle: h, Text: text, Buttons: buttons}); err != nil {
		return "", err
	}
	return h, nil
}

func (p *Publisher) UpdateLive(ctx context.Context, key string, h model.Handle, text string) error {
	return p.publish(ctx, &model.RenderAction{Key: key, Kind: model.RenderUpdateLive, Handle: h, Text: text})
}

func (p *Publisher) Delete(ctx context.Context, key string, h model.Handle) error {
	return p.publish(ctx, &model.RenderAction{Key: key, Kind: model.RenderDelete, Handle: h})
}

func (p *Publisher) Send(ctx context.Context, key string, msg render.Message) error {
	return p.publish(ctx, &model.RenderAction{Key: key, Kind: model.RenderSend, Text: msg.Text, Buttons: msg.Buttons, Audible: msg.Audible})
}

func (p *Publisher) SetTyping(ctx context.Context, key string, on bool) error {
	return p.publish(ctx, &model.RenderAction{Key: key, Kind: model.RenderTyping, Typing: on})
}

func (p *Publisher) publish(ctx context.Context, action *model.RenderAction) error {
	action.ID = uuid.Must(uuid.NewV7()).String()
	action.CreatedAt = p.now()

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal render action: %w", err)
	}

	// The action id doubles as the JetStream dedupe id.
	if _, err := p.js.Publish(ctx, RenderSubject(action.Key, action.Kind), data, jetstream.WithMsgID(action.ID)); err != nil {
		return fmt.Errorf("failed to publish render action: %w", err)
	}
	metrics.NATSMessagesTotal.WithLabelValues("out").Inc()
	return nil
}
