package payment

import (
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout-completed"
	KindChargeSucceeded   EventKind = "charge-succeeded"
	KindPaymentFailed     EventKind = "payment-failed"
	KindPaymentExpired    EventKind = "payment-expired"
	// KindIgnored covers event types nothing here reacts to.
	KindIgnored EventKind = "ignored"
)

// Event is a verified provider event reduced to what reconciliation reads.
// Exactly one of the pointers is set, matching Kind.
type Event struct {
	ID   string
	Type string
	Kind EventKind

	Completed *CheckoutCompleted
	Charge    *ChargeSucceeded
	Failure   *PaymentFailure
}

type CheckoutCompleted struct {
	ExternalSessionID string
	PaymentIntentID   string
	CustomerRef       string
	Currency          string
	AmountTotal       int64
	AmountTax         int64
	Shipping          orders.ShippingAddress // ID and UserID unset
	Metadata          map[string]string
}

type ChargeSucceeded struct {
	PaymentIntentID string
	ChargeID        string
	ReceiptURL      string
	Currency        string
	AmountCents     int64
	Metadata        map[string]string
}

// PaymentFailure is a failed or expired payment. ExternalSessionID is set
// when the event names the hosted session directly.
type PaymentFailure struct {
	PaymentIntentID   string
	ExternalSessionID string
	Reason            string
	Metadata          map[string]string
}

// CheckoutSessionID returns the local session id carried in metadata.
func (f PaymentFailure) CheckoutSessionID() string { return f.Metadata[MetaCheckoutSessionID] }

type Verifier struct {
	secret string
}

func NewVerifier(endpointSecret string) *Verifier { return &Verifier{secret: endpointSecret} }

// Parse verifies the Stripe-Signature header and decodes the event. Bad
// signatures and malformed bodies wrap orders.ErrInvalid.
func (v *Verifier) Parse(payload []byte, signature string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: webhook: %v", orders.ErrInvalid, err)
	}
	return decode(ev)
}

func decode(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type), Kind: KindIgnored}
	if ev.Data == nil {
		return out, fmt.Errorf("%w: event %s has no data", orders.ErrInvalid, ev.ID)
	}
	raw := ev.Data.Raw

	switch ev.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return out, fmt.Errorf("%w: decode checkout session: %v", orders.ErrInvalid, err)
		}
		out.Kind = KindCheckoutCompleted
		out.Completed = completedFrom(&cs)

	case "checkout.session.expired":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return out, fmt.Errorf("%w: decode checkout session: %v", orders.ErrInvalid, err)
		}
		f := &PaymentFailure{ExternalSessionID: cs.ID, Reason: "session expired", Metadata: cs.Metadata}
		if cs.PaymentIntent != nil {
			f.PaymentIntentID = cs.PaymentIntent.ID
		}
		out.Kind, out.Failure = KindPaymentExpired, f

	case "charge.succeeded":
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return out, fmt.Errorf("%w: decode charge: %v", orders.ErrInvalid, err)
		}
		c := &ChargeSucceeded{
			ChargeID:    ch.ID,
			ReceiptURL:  ch.ReceiptURL,
			Currency:    string(ch.Currency),
			AmountCents: ch.Amount,
			Metadata:    ch.Metadata,
		}
		if ch.PaymentIntent != nil {
			c.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Kind, out.Charge = KindChargeSucceeded, c

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return out, fmt.Errorf("%w: decode payment intent: %v", orders.ErrInvalid, err)
		}
		f := &PaymentFailure{PaymentIntentID: pi.ID, Metadata: pi.Metadata}
		out.Kind = KindPaymentExpired
		if ev.Type == "payment_intent.payment_failed" {
			out.Kind = KindPaymentFailed
			if pi.LastPaymentError != nil {
				f.Reason = pi.LastPaymentError.Msg
			}
		} else {
			f.Reason = string(pi.CancellationReason)
		}
		out.Failure = f
	}
	return out, nil
}

func completedFrom(cs *stripe.CheckoutSession) *CheckoutCompleted {
	c := &CheckoutCompleted{
		ExternalSessionID: cs.ID,
		Currency:          string(cs.Currency),
		AmountTotal:       cs.AmountTotal,
		Metadata:          cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		c.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.Customer != nil {
		c.CustomerRef = cs.Customer.ID
	}
	if cs.TotalDetails != nil {
		c.AmountTax = cs.TotalDetails.AmountTax
	}
	if sd := cs.ShippingDetails; sd != nil {
		c.Shipping.Name = sd.Name
		if a := sd.Address; a != nil {
			c.Shipping.Line1 = a.Line1
			c.Shipping.Line2 = a.Line2
			c.Shipping.City = a.City
			c.Shipping.State = a.State
			c.Shipping.Country = a.Country
			c.Shipping.PostalCode = a.PostalCode
		}
	}
	return c
}
