package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/pkg/logger"
	"github.com/capitalize-ai/conversational-bot/pkg/metrics"
)

// ConsumerName is the durable consumer shared by bot replicas.
const ConsumerName = "conversational-bot"

// Dispatcher receives decoded inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.Event) error
}

// Consumer feeds inbound events from JetStream to a dispatcher.
type Consumer struct {
	client *Client
	logger *logger.Logger
}

// NewConsumer creates a new inbound consumer.
func NewConsumer(client *Client, log *logger.Logger) *Consumer {
	return &Consumer{client: client, logger: log.With(zap.String("component", "nats_consumer"))}
}

// Run consumes inbound events until ctx is cancelled. Messages are acked once
// dispatched; a dispatch error naks the message for redelivery.
func (c *Consumer) Run(ctx context.Context, d Dispatcher) error {
	cons, err := c.client.JetStream().CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: InboundFilter(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, d, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	c.logger.Info("consuming inbound events", zap.String("filter", InboundFilter()))
	<-ctx.Done()
	return nil
}

func (c *Consumer) handle(ctx context.Context, d Dispatcher, msg jetstream.Msg) {
	metrics.NATSMessagesTotal.WithLabelValues("in").Inc()

	var seq uint64
	if meta, err := msg.Metadata(); err == nil {
		seq = meta.Sequence.Stream
	}

	ev, err := DecodeEvent(msg.Subject(), msg.Data(), seq)
	if err != nil {
		c.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}

	if err := d.Dispatch(ctx, ev); err != nil {
		c.logger.Warn("dispatch failed", zap.String("conversation_key", ev.Key), zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// DecodeEvent builds an inbound event from a message on InboundSubject. The
// key always comes from the subject; a missing id falls back to the stream
// sequence so redeliveries are recognised.
func DecodeEvent(subject string, data []byte, seq uint64) (model.Event, error) {
	key, err := KeyFromSubject(subject)
	if err != nil {
		return model.Event{}, err
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	ev.Key = key
	if ev.ID == "" && seq > 0 {
		ev.ID = "seq-" + strconv.FormatUint(seq, 10)
	}
	return ev, nil
}

// PublishEvent publishes an inbound event. Bridges and tests use it to feed
// the bot.
func PublishEvent(ctx context.Context, js jetstream.JetStream, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	var opts []jetstream.PublishOpt
	if ev.ID != "" {
		opts = append(opts, jetstream.WithMsgID(ev.ID))
	}
	if _, err := js.Publish(ctx, InboundSubject(ev.Key), data, opts...); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
