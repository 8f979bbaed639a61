package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// OrderPlacedEvent is emitted once an order has committed
type OrderPlacedEvent struct {
	EventID    string      `json:"event_id"`
	OrderID    string      `json:"order_id"`
	TotalPrice int64       `json:"total_price"`
	Items      []OrderItem `json:"items"`
	CreatedAt  time.Time   `json:"created_at"`
	Timestamp  time.Time   `json:"timestamp"`
}

func NewOrderPlacedEvent(order *Order) OrderPlacedEvent {
	return OrderPlacedEvent{
		EventID:    uuid.New().String(),
		OrderID:    order.ID.String(),
		TotalPrice: order.TotalPrice,
		Items:      order.Items,
		CreatedAt:  order.CreatedAt,
		Timestamp:  time.Now().UTC(),
	}
}

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) error
	Close() error
}

// KafkaPublisher writes order events keyed by order id
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order placed event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("order.placed")},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish order placed event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderPlaced(context.Context, OrderPlacedEvent) error { return nil }
func (nopPublisher) Close() error                                             { return nil }
