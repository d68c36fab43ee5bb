// Package payment is the boundary to the payment processor: hosted checkout
// sessions, payment intents, refunds and signed webhook events.
package payment

import (
	"context"
	"time"
)

// Metadata keys written on every hosted session and its payment intent so
// webhook events can be traced back to the local checkout session.
const (
	MetaCheckoutSessionID = "checkout_session_id"
	MetaUserID            = "user_id"
	MetaProductID         = "product_id"
)

type Gateway interface {
	CreatePaymentSession(ctx context.Context, req SessionRequest) (HostedSession, error)
	RetrievePaymentIntent(ctx context.Context, id string) (PaymentIntent, error)
	// CreateRefund refunds the full captured amount. Repeating a call with the
	// same idempotency key returns the first refund.
	CreateRefund(ctx context.Context, paymentIntentID, idempotencyKey string) (RefundResult, error)
	ListSessions(ctx context.Context, paymentIntentID string) ([]HostedSession, error)
	ExpirePaymentSession(ctx context.Context, id string) error
}

type LineItem struct {
	ProductID       string
	Name            string
	TaxCode         string
	UnitAmountCents int64
	Quantity        int64
}

type SessionRequest struct {
	CheckoutSessionID string
	UserID            string
	CustomerRef       string
	Lines             []LineItem
	ExpiresAt         time.Time
}

type HostedSession struct {
	ID       string
	URL      string
	Status   string
	Metadata map[string]string
}

type Charge struct {
	ID         string
	ReceiptURL string
}

type PaymentIntent struct {
	ID             string
	AmountReceived int64
	Currency       string
	Charges        []Charge
}

// LatestCharge returns the most recent charge, or a zero Charge.
func (pi PaymentIntent) LatestCharge() Charge {
	if len(pi.Charges) == 0 {
		return Charge{}
	}
	return pi.Charges[len(pi.Charges)-1]
}

type RefundResult struct {
	ID     string
	Status string
}
