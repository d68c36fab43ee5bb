package orders

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventCheckoutOpened  = "CheckoutOpened"
	EventCheckoutExpired = "CheckoutExpired"
	EventOrderPaid       = "OrderPaid"
	EventOrderOversold   = "OrderOversold"
	EventRefundRequested = "RefundRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually the checkout session id
	Payload       json.RawMessage `json:"payload"`
}

// EventPublisher publishes a payload wrapped in an Envelope. Publishing
// happens after commit; the database stays the source of truth.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, eventType, key string, payload any) error
}

type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, string, string, string, any) error { return nil }

// ---- Payloads ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type CheckoutOpenedPayload struct {
	CheckoutSessionID string      `json:"checkout_session_id"`
	UserID            string      `json:"user_id"`
	ExternalID        string      `json:"external_id"`
	Items             []ItemPrice `json:"items"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

type CheckoutExpiredPayload struct {
	CheckoutSessionID string    `json:"checkout_session_id"`
	UserID            string    `json:"user_id"`
	Status            string    `json:"status"` // expired | cancelled
	Released          []ItemQty `json:"released,omitempty"`
}

type OrderPaidPayload struct {
	OrderID           string      `json:"order_id"`
	CheckoutSessionID string      `json:"checkout_session_id"`
	UserID            string      `json:"user_id"`
	PaymentIntentID   string      `json:"payment_intent_id"`
	Items             []ItemPrice `json:"items"`
	TotalCents        int64       `json:"total_cents"`
}

type OrderOversoldPayload struct {
	OrderID           string `json:"order_id"`
	CheckoutSessionID string `json:"checkout_session_id"`
	RefundID          string `json:"refund_id"`
	Reason            string `json:"reason"`
}

type RefundRequestedPayload struct {
	RefundID        string `json:"refund_id"`
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
}
