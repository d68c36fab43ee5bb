// Package paymenttest provides an in-process payment.Gateway and helpers for
// building signed webhook payloads.
package paymenttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/stripe/stripe-go/v78/webhook"
	"sync"
	"time"
)

// Gateway records calls and answers from memory. Set the Fail* fields to
// make the matching call return an orders.ErrGateway error.
type Gateway struct {
	mu sync.Mutex

	FailCreate   bool
	FailRetrieve bool
	FailRefund   bool
	FailExpire   bool

	Created  []payment.SessionRequest
	Expired  []string
	Refunds  []RefundCall
	Intents  map[string]payment.PaymentIntent
	Sessions map[string][]payment.HostedSession // by payment intent

	seq int
}

type RefundCall struct {
	PaymentIntentID string
	IdempotencyKey  string
}

func New() *Gateway {
	return &Gateway{
		Intents:  map[string]payment.PaymentIntent{},
		Sessions: map[string][]payment.HostedSession{},
	}
}

var errInjected = errors.New("injected failure")

func (g *Gateway) CreatePaymentSession(_ context.Context, req payment.SessionRequest) (payment.HostedSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailCreate {
		return payment.HostedSession{}, orders.Gateway("create checkout session", errInjected)
	}
	g.seq++
	g.Created = append(g.Created, req)
	id := fmt.Sprintf("cs_test_%d", g.seq)
	return payment.HostedSession{
		ID:     id,
		URL:    "https://checkout.example/" + id,
		Status: "open",
		Metadata: map[string]string{
			payment.MetaCheckoutSessionID: req.CheckoutSessionID,
			payment.MetaUserID:            req.UserID,
		},
	}, nil
}

func (g *Gateway) RetrievePaymentIntent(_ context.Context, id string) (payment.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRetrieve {
		return payment.PaymentIntent{}, orders.Gateway("retrieve payment intent", errInjected)
	}
	if pi, ok := g.Intents[id]; ok {
		return pi, nil
	}
	return payment.PaymentIntent{ID: id, Charges: []payment.Charge{{ID: "ch_" + id, ReceiptURL: "https://receipt.example/" + id}}}, nil
}

func (g *Gateway) CreateRefund(_ context.Context, paymentIntentID, idempotencyKey string) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRefund {
		return payment.RefundResult{}, orders.Gateway("create refund", errInjected)
	}
	g.Refunds = append(g.Refunds, RefundCall{PaymentIntentID: paymentIntentID, IdempotencyKey: idempotencyKey})
	return payment.RefundResult{ID: "re_" + idempotencyKey, Status: "succeeded"}, nil
}

func (g *Gateway) ListSessions(_ context.Context, paymentIntentID string) ([]payment.HostedSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Sessions[paymentIntentID], nil
}

func (g *Gateway) ExpirePaymentSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailExpire {
		return orders.Gateway("expire checkout session", errInjected)
	}
	g.Expired = append(g.Expired, id)
	return nil
}

// Calls returns how many sessions were created, expired and refunded.
func (g *Gateway) Calls() (created, expired, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Created), len(g.Expired), len(g.Refunds)
}

// ---- webhook payloads ----

// Sign returns the Stripe-Signature header for payload.
func Sign(secret string, payload []byte) string {
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Header
}

func event(id, typ string, object map[string]any) []byte {
	b, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return b
}

type Completed struct {
	EventID           string
	ExternalSessionID string
	PaymentIntentID   string
	CustomerRef       string
	AmountTotal       int64
	AmountTax         int64
	Metadata          map[string]string
}

func CheckoutCompleted(c Completed) []byte {
	obj := map[string]any{
		"id":             c.ExternalSessionID,
		"object":         "checkout.session",
		"payment_intent": c.PaymentIntentID,
		"amount_total":   c.AmountTotal,
		"currency":       "usd",
		"payment_status": "paid",
		"total_details":  map[string]any{"amount_tax": c.AmountTax},
		"shipping_details": map[string]any{
			"name": "Ada Lovelace",
			"address": map[string]any{
				"line1": "1 Main St", "city": "Springfield", "state": "IL",
				"country": "US", "postal_code": "62701",
			},
		},
	}
	if c.CustomerRef != "" {
		obj["customer"] = c.CustomerRef
	}
	if c.Metadata != nil {
		obj["metadata"] = c.Metadata
	}
	return event(c.EventID, "checkout.session.completed", obj)
}

func ChargeSucceeded(eventID, paymentIntentID, chargeID string, amount int64) []byte {
	return event(eventID, "charge.succeeded", map[string]any{
		"id":             chargeID,
		"object":         "charge",
		"payment_intent": paymentIntentID,
		"amount":         amount,
		"currency":       "usd",
		"receipt_url":    "https://receipt.example/" + chargeID,
	})
}

// PaymentFailed builds payment_intent.payment_failed; checkoutSessionID goes
// into metadata when non-empty.
func PaymentFailed(eventID, paymentIntentID, checkoutSessionID string) []byte {
	meta := map[string]string{}
	if checkoutSessionID != "" {
		meta[payment.MetaCheckoutSessionID] = checkoutSessionID
	}
	return event(eventID, "payment_intent.payment_failed", map[string]any{
		"id":                 paymentIntentID,
		"object":             "payment_intent",
		"metadata":           meta,
		"last_payment_error": map[string]any{"message": "card declined"},
	})
}

func SessionExpired(eventID, externalSessionID, checkoutSessionID string) []byte {
	return event(eventID, "checkout.session.expired", map[string]any{
		"id":       externalSessionID,
		"object":   "checkout.session",
		"metadata": map[string]string{payment.MetaCheckoutSessionID: checkoutSessionID},
	})
}
