package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"time"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// NewEnvelope wraps payload in a v1 envelope.
func NewEnvelope(producer, eventType, correlationID string, payload any) (orders.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return orders.Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

func UnmarshalEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Unwrap memudahkan decode payload spesifik
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

func eventHeaders(eventType string) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderEventVersion, Value: []byte("1")},
	}
}

// Publisher is the orders.EventPublisher backed by a Producer.
type Publisher struct {
	P       *Producer
	Service string
}

func (p *Publisher) PublishEvent(ctx context.Context, topic, eventType, key string, payload any) error {
	env, err := NewEnvelope(p.Service, eventType, key, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.P.Publish(ctx, kafka.Message{
		Topic:   topic,
		Key:     orders.PartitionKey(key),
		Value:   b,
		Headers: eventHeaders(eventType),
	})
}
