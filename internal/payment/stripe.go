package payment

import (
	"context"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"strings"
	"time"
)

type StripeConfig struct {
	SecretKey        string
	SuccessURL       string
	CancelURL        string
	Currency         string
	AllowedCountries []string
}

// Stripe implements Gateway with Stripe Checkout. The client is owned by the
// value; the package-level stripe.Key is never touched.
type Stripe struct {
	api *client.API
	cfg StripeConfig
	m   *metrics.Metrics
}

func NewStripe(cfg StripeConfig, m *metrics.Metrics) *Stripe {
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Stripe{api: api, cfg: cfg, m: m}
}

func (s *Stripe) observe(call string, start time.Time) {
	s.m.GatewayLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

func (s *Stripe) CreatePaymentSession(ctx context.Context, req SessionRequest) (HostedSession, error) {
	defer s.observe("create_session", time.Now())

	meta := map[string]string{
		MetaCheckoutSessionID: req.CheckoutSessionID,
		MetaUserID:            req.UserID,
	}
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Lines))
	for _, l := range req.Lines {
		pd := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name:     stripe.String(l.Name),
			Metadata: map[string]string{MetaProductID: l.ProductID},
		}
		if l.TaxCode != "" {
			pd.TaxCode = stripe.String(l.TaxCode)
		}
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(s.cfg.Currency)),
				UnitAmount:  stripe.Int64(l.UnitAmountCents),
				TaxBehavior: stripe.String(string(stripe.PriceTaxBehaviorExclusive)),
				ProductData: pd,
			},
			Quantity: stripe.Int64(l.Quantity),
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          items,
		SuccessURL:         stripe.String(s.cfg.SuccessURL),
		CancelURL:          stripe.String(s.cfg.CancelURL),
		ExpiresAt:          stripe.Int64(req.ExpiresAt.Unix()),
		ClientReferenceID:  stripe.String(req.CheckoutSessionID),
		Metadata:           meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
		AutomaticTax: &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(true)},
	}
	if len(s.cfg.AllowedCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(s.cfg.AllowedCountries),
		}
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
		params.CustomerUpdate = &stripe.CheckoutSessionCustomerUpdateParams{
			Shipping: stripe.String("auto"),
		}
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.CheckoutSessionID)

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return HostedSession{}, orders.Gateway("create checkout session", err)
	}
	return HostedSession{ID: cs.ID, URL: cs.URL, Status: string(cs.Status), Metadata: cs.Metadata}, nil
}

func (s *Stripe) RetrievePaymentIntent(ctx context.Context, id string) (PaymentIntent, error) {
	defer s.observe("retrieve_intent", time.Now())

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return PaymentIntent{}, orders.Gateway("retrieve payment intent", err)
	}
	out := PaymentIntent{ID: pi.ID, AmountReceived: pi.AmountReceived, Currency: string(pi.Currency)}
	if pi.LatestCharge != nil {
		out.Charges = append(out.Charges, Charge{ID: pi.LatestCharge.ID, ReceiptURL: pi.LatestCharge.ReceiptURL})
	}
	return out, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, paymentIntentID, idempotencyKey string) (RefundResult, error) {
	defer s.observe("create_refund", time.Now())

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, orders.Gateway("create refund", err)
	}
	return RefundResult{ID: r.ID, Status: string(r.Status)}, nil
}

func (s *Stripe) ListSessions(ctx context.Context, paymentIntentID string) ([]HostedSession, error) {
	defer s.observe("list_sessions", time.Now())

	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	it := s.api.CheckoutSessions.List(params)
	var out []HostedSession
	for it.Next() {
		cs := it.CheckoutSession()
		out = append(out, HostedSession{ID: cs.ID, URL: cs.URL, Status: string(cs.Status), Metadata: cs.Metadata})
	}
	if err := it.Err(); err != nil {
		return nil, orders.Gateway("list checkout sessions", err)
	}
	return out, nil
}

func (s *Stripe) ExpirePaymentSession(ctx context.Context, id string) error {
	defer s.observe("expire_session", time.Now())

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := s.api.CheckoutSessions.Expire(id, params); err != nil {
		return orders.Gateway("expire checkout session", err)
	}
	return nil
}
