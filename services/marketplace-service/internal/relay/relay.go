// Package relay republishes outbox events to Kafka for other services.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/kafkax"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Subscriber interface {
	Subscribe(eventType string, h events.Handler)
}

// Relay is an outbox handler. A write failure is returned so the outbox
// retries the message with backoff.
type Relay struct {
	writer MessageWriter
	logger *slog.Logger
	types  []string
}

// New relays the given event types.
func New(writer MessageWriter, logger *slog.Logger, eventTypes []string) *Relay {
	return &Relay{writer: writer, logger: logger, types: eventTypes}
}

func (*Relay) Name() string { return "relay.kafka" }

func (r *Relay) SubscribeTo(s Subscriber) {
	for _, t := range r.types {
		s.Subscribe(t, r)
	}
}

func (r *Relay) Handle(ctx context.Context, _ pgx.Tx, evt events.Event) error {
	msg, err := r.message(ctx, evt)
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventType(), err)
	}
	r.logger.Debug("event relayed", "event_id", evt.EventID(), "event_type", evt.EventType())
	return nil
}

func (r *Relay) message(ctx context.Context, evt events.Event) (kafka.Message, error) {
	meta := kafkax.EventMeta{
		EventID:       evt.EventID().String(),
		EventType:     evt.EventType(),
		CorrelationID: outbox.CorrelationIDFromContext(ctx),
	}
	var value []byte
	if row, ok := outbox.DeliveryFromContext(ctx); ok {
		value = row.Content
		meta.AggregateType = row.AggregateType
		meta.CausationID = row.CausationID
	} else {
		raw, err := json.Marshal(evt)
		if err != nil {
			return kafka.Message{}, fmt.Errorf("serialize %s: %w", evt.EventType(), err)
		}
		value = raw
	}
	key := evt.AggregateID()
	if key == "" {
		key = meta.EventID
	}
	return kafka.Message{
		Topic:   evt.EventType(),
		Key:     []byte(key),
		Value:   value,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}, nil
}
