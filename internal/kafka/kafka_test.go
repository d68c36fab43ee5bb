package kafka

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"testing"
)

func TestPublisherWrapsEnvelope(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, 4, nil)
	pub := &Publisher{P: p, Service: "checkout-api"}

	err := pub.PublishEvent(context.Background(), orders.TopicOrderPaid, orders.EventOrderPaid, "cs-1",
		orders.OrderPaidPayload{OrderID: "o-1", CheckoutSessionID: "cs-1", TotalCents: 1200})
	if err != nil {
		t.Fatal(err)
	}

	m := <-p.inbox
	if m.Topic != orders.TopicOrderPaid || string(m.Key) != "cs-1" {
		t.Fatalf("message: topic=%s key=%s", m.Topic, m.Key)
	}
	if len(m.Headers) != 2 || m.Headers[0].Key != HeaderEventType || string(m.Headers[0].Value) != orders.EventOrderPaid {
		t.Fatalf("headers: %+v", m.Headers)
	}
	env, err := UnmarshalEnvelope(m.Value)
	if err != nil {
		t.Fatal(err)
	}
	if env.EventType != orders.EventOrderPaid || env.EventVersion != 1 || env.Producer != "checkout-api" ||
		env.CorrelationID != "cs-1" || env.EventID == "" {
		t.Fatalf("envelope: %+v", env)
	}
	got, err := UnwrapPayload[orders.OrderPaidPayload](env.Payload)
	if err != nil || got.OrderID != "o-1" || got.TotalCents != 1200 {
		t.Fatalf("payload: %+v %v", got, err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, 1, nil)
	p.Close()
	p.Close()
	err := p.Publish(context.Background(), messageFor("t"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPublishHonoursContext(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, 1, nil)
	if err := p.Publish(context.Background(), messageFor("t")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, messageFor("t")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestUnwrapPayloadRejectsGarbage(t *testing.T) {
	if _, err := UnwrapPayload[orders.RefundRequestedPayload]([]byte(`{"refund_id":`)); err == nil {
		t.Fatal("expected error")
	}
	if _, err := UnmarshalEnvelope([]byte("nope")); err == nil {
		t.Fatal("expected error")
	}
}

func messageFor(topic string) kafkago.Message { return kafkago.Message{Topic: topic, Value: []byte("{}")} }
