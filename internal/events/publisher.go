// Package events publishes order lifecycle changes for downstream consumers
// (notifications, analytics). Delivery is best effort; the order row is the
// source of truth.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Type string

const (
	OrderAwaitingPayment Type = "order.awaiting_payment"
	OrderPaid            Type = "order.paid"
	OrderPaymentFailed   Type = "order.payment_failed"
	OrderCancelled       Type = "order.cancelled"
)

type Event struct {
	Type            Type      `json:"type"`
	OrderID         string    `json:"order_id"`
	UserRef         string    `json:"user_ref"`
	Status          string    `json:"status"`
	Version         int64     `json:"version"`
	Currency        string    `json:"currency"`
	Total           string    `json:"total"`
	GatewayIntentID string    `json:"gateway_intent_id"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type KafkaPublisher struct {
	w   *kafka.Writer
	log *slog.Logger
}

// NewKafkaPublisher writes events keyed by order id so one order's events
// stay on one partition.
func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	p := &KafkaPublisher{log: log}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 20 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.log.Error("publish_event_error", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

func message(e Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.OrderID),
		Value: b,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}, nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
