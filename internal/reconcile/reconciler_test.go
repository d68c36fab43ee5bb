package reconcile_test

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/memory"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders/orderstest"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment/paymenttest"
	"github.com/ariefcatur/go-realtime-checkout/internal/reconcile"
	"github.com/ariefcatur/go-realtime-checkout/internal/reservation"
	"github.com/ariefcatur/go-realtime-checkout/internal/store"
	"sync"
	"testing"
	"time"
)

const whsec = "whsec_reconcile"

type env struct {
	db  *memory.Store
	gw  *paymenttest.Gateway
	ev  *orderstest.Recorder
	now time.Time
	mgr *checkout.Manager
	rec *reconcile.Reconciler
	v   *payment.Verifier
}

func newEnv(t *testing.T, policy reconcile.Policy) *env {
	t.Helper()
	db := memory.New()
	db.PutProduct(orders.Product{ID: "p1", Title: "Mug", PriceCents: 1001, DiscountBP: 5000, Stock: 5})
	db.PutProduct(orders.Product{ID: "p2", Title: "Tee", PriceCents: 2500, Stock: 10})
	db.PutCartLine(orders.CartLine{UserID: "u1", ProductID: "p1", Units: 2})
	db.PutCartLine(orders.CartLine{UserID: "u1", ProductID: "p2", Units: 1})

	e := &env{db: db, gw: paymenttest.New(), ev: &orderstest.Recorder{}, now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }

	res := reservation.New(inventory.NewLedger(nil), 35*time.Minute, nil)
	res.Now = clock
	e.mgr = checkout.NewManager(db, res, e.gw, e.ev, checkout.Config{CheckoutTTL: 31 * time.Minute}, nil, nil)
	e.mgr.Now = clock

	comp := reconcile.NewCompensator(policy)
	comp.Now = clock
	e.rec = reconcile.New(reconcile.Deps{DB: db, Checkout: e.mgr, Gateway: e.gw, Compensator: comp, Events: e.ev})
	e.rec.Now = clock
	e.v = payment.NewVerifier(whsec)
	return e
}

func (e *env) open(t *testing.T, lines ...orders.CartLine) orders.CheckoutSession {
	t.Helper()
	o, err := e.mgr.Open(context.Background(), checkout.OpenRequest{UserID: "u1", Lines: lines})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return o.Session
}

func (e *env) parse(t *testing.T, body []byte) payment.Event {
	t.Helper()
	ev, err := e.v.Parse(body, paymenttest.Sign(whsec, body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ev
}

func (e *env) completed(t *testing.T, eventID, externalID, pi string) payment.Event {
	return e.parse(t, paymenttest.CheckoutCompleted(paymenttest.Completed{
		EventID: eventID, ExternalSessionID: externalID, PaymentIntentID: pi, AmountTotal: 3650, AmountTax: 148,
	}))
}

func (e *env) read(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	if err := e.db.WithTx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func (e *env) product(t *testing.T, id string) (p orders.Product) {
	t.Helper()
	e.read(t, func(ctx context.Context, tx store.Tx) (err error) {
		p, err = tx.GetProduct(ctx, id)
		return err
	})
	return p
}

func (e *env) cart(t *testing.T) (lines []orders.CartLine) {
	t.Helper()
	e.read(t, func(ctx context.Context, tx store.Tx) (err error) {
		lines, err = tx.ListCart(ctx, "u1")
		return err
	})
	return lines
}

func (e *env) order(t *testing.T, sessionID string) (o orders.Order, items []orders.OrderItem) {
	t.Helper()
	e.read(t, func(ctx context.Context, tx store.Tx) error {
		var ok bool
		var err error
		if o, ok, err = tx.FindOrderBySession(ctx, sessionID); err != nil {
			return err
		} else if !ok {
			t.Fatalf("no order for %s", sessionID)
		}
		items, err = tx.ListOrderItems(ctx, o.ID)
		return err
	})
	return o, items
}

func (e *env) payment(t *testing.T, pi string) (p orders.Payment) {
	t.Helper()
	e.read(t, func(ctx context.Context, tx store.Tx) (err error) {
		p, err = tx.GetPaymentByIntent(ctx, pi)
		return err
	})
	return p
}

func (e *env) session(t *testing.T, id string) (cs orders.CheckoutSession) {
	t.Helper()
	e.read(t, func(ctx context.Context, tx store.Tx) (err error) {
		cs, err = tx.GetSession(ctx, id)
		return err
	})
	return cs
}

func wantStock(t *testing.T, p orders.Product, stock, reserved, available int) {
	t.Helper()
	if p.Stock != stock || p.Reserved != reserved || p.Available != available {
		t.Fatalf("%s = %d/%d/%d, want %d/%d/%d", p.ID, p.Stock, p.Reserved, p.Available, stock, reserved, available)
	}
}

func TestCompletedFulfillsOrder(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)

	out, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", cs.ExternalID, "pi_1"))
	if err != nil || out != reconcile.OutcomeFulfilled {
		t.Fatalf("handle = %s, %v", out, err)
	}

	wantStock(t, e.product(t, "p1"), 3, 0, 3)
	wantStock(t, e.product(t, "p2"), 9, 0, 9)
	if lines := e.cart(t); len(lines) != 0 {
		t.Fatalf("cart not cleared: %+v", lines)
	}

	o, items := e.order(t, cs.ID)
	if o.Status != orders.StatusPaid || o.TotalCents != 3650 || o.TaxCents != 148 || o.ShippingAddressID == "" {
		t.Fatalf("order: %+v", o)
	}
	if len(items) != 2 || items[0].ProductID != "p1" || items[0].Units != 2 || items[0].PriceCents != 501 {
		t.Fatalf("items: %+v", items)
	}
	p := e.payment(t, "pi_1")
	if p.Status != orders.PaymentPaid || p.OrderID != o.ID || p.ChargeID != "ch_pi_1" {
		t.Fatalf("payment: %+v", p)
	}
	if got := e.session(t, cs.ID).Status; got != orders.CheckoutExpired {
		t.Fatalf("session status = %s", got)
	}
	c := e.db.Counts()
	if c.Reservations != 0 || c.Snapshots != 0 || c.Refunds != 0 || c.Addresses != 1 {
		t.Fatalf("counts: %+v", c)
	}
	if paid := e.ev.Of(orders.TopicOrderPaid); len(paid) != 1 || paid[0].Key != cs.ID {
		t.Fatalf("order.paid events: %+v", paid)
	}
	if len(e.ev.Of(orders.TopicCheckoutExpired)) != 0 {
		t.Fatal("consumed session must not publish checkout.expired")
	}
}

func TestCompletedAfterSweepIsOversold(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)

	e.now = e.now.Add(32 * time.Minute)
	if _, err := e.mgr.Sweep(context.Background(), e.now); err != nil {
		t.Fatal(err)
	}

	out, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", cs.ExternalID, "pi_1"))
	if err != nil || out != reconcile.OutcomeOversold {
		t.Fatalf("handle = %s, %v", out, err)
	}

	wantStock(t, e.product(t, "p1"), 5, 0, 5)
	wantStock(t, e.product(t, "p2"), 10, 0, 10)
	if lines := e.cart(t); len(lines) != 2 {
		t.Fatalf("cart must be untouched: %+v", lines)
	}
	o, _ := e.order(t, cs.ID)
	if o.Status != orders.StatusOversold {
		t.Fatalf("order status = %s", o.Status)
	}

	var r orders.Refund
	e.read(t, func(ctx context.Context, tx store.Tx) error {
		var ok bool
		var err error
		r, ok, err = tx.FindRefundBySession(ctx, cs.ID)
		if err == nil && !ok {
			t.Fatal("no refund recorded")
		}
		return err
	})
	if r.Status != orders.RefundPending || r.AmountCents != 3650 || r.PaymentIntentID != "pi_1" || r.OrderID != o.ID {
		t.Fatalf("refund: %+v", r)
	}
	if len(e.ev.Of(orders.TopicOrderOversold)) != 1 || len(e.ev.Of(orders.TopicRefundRequested)) != 1 {
		t.Fatalf("events: %v", e.ev.Topics())
	}
	if len(e.ev.Of(orders.TopicOrderPaid)) != 0 {
		t.Fatal("oversold order must not publish order.paid")
	}
}

func TestCompletedAfterUnsweptExpiryReleasesHolds(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	e.now = e.now.Add(32 * time.Minute)

	out, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", cs.ExternalID, "pi_1"))
	if err != nil || out != reconcile.OutcomeOversold {
		t.Fatalf("handle = %s, %v", out, err)
	}
	wantStock(t, e.product(t, "p1"), 5, 0, 5)
	if got := e.session(t, cs.ID).Status; got != orders.CheckoutExpired {
		t.Fatalf("session status = %s", got)
	}
	if _, items := e.order(t, cs.ID); len(items) != 2 {
		t.Fatalf("items: %+v", items)
	}
	if c := e.db.Counts(); c.Reservations != 0 || c.Snapshots != 0 {
		t.Fatalf("counts: %+v", c)
	}
	if len(e.ev.Of(orders.TopicCheckoutExpired)) != 1 {
		t.Fatalf("events: %v", e.ev.Topics())
	}
}

func TestFlagPolicyParksRefund(t *testing.T) {
	e := newEnv(t, reconcile.PolicyFlag)
	cs := e.open(t)
	e.now = e.now.Add(40 * time.Minute)

	if _, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", cs.ExternalID, "pi_1")); err != nil {
		t.Fatal(err)
	}
	e.read(t, func(ctx context.Context, tx store.Tx) error {
		r, ok, err := tx.FindRefundBySession(ctx, cs.ID)
		if err != nil {
			return err
		}
		if !ok || r.Status != orders.RefundPendingReview {
			t.Fatalf("refund: %+v (found %v)", r, ok)
		}
		return nil
	})
	if len(e.ev.Of(orders.TopicRefundRequested)) != 0 {
		t.Fatal("flagged refund must not be requested")
	}
}

func TestDuplicateCompletedChangesNothing(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	ev := e.completed(t, "evt_1", cs.ExternalID, "pi_1")
	if _, err := e.rec.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	before, published := e.db.Counts(), len(e.ev.Topics())
	p1 := e.product(t, "p1")

	for _, again := range []payment.Event{ev, e.completed(t, "evt_1b", cs.ExternalID, "pi_1")} {
		out, err := e.rec.Handle(context.Background(), again)
		if err != nil || out != reconcile.OutcomeDuplicate {
			t.Fatalf("redelivery = %s, %v", out, err)
		}
	}
	if after := e.db.Counts(); after != before {
		t.Fatalf("counts changed: %+v -> %+v", before, after)
	}
	if len(e.ev.Topics()) != published {
		t.Fatalf("extra events: %v", e.ev.Topics())
	}
	if got := e.product(t, "p1"); got != p1 {
		t.Fatalf("stock changed: %+v -> %+v", p1, got)
	}
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDedup) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

func TestDeduperShortCircuits(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	d := &memDedup{seen: map[string]bool{}}
	e.rec.Dedup = d
	cs := e.open(t)
	ev := e.completed(t, "evt_1", cs.ExternalID, "pi_1")

	if _, err := e.rec.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if !d.seen["evt_1"] {
		t.Fatal("event not marked")
	}
	e.gw.FailRetrieve = true // a second pass would hit the gateway
	if out, err := e.rec.Handle(context.Background(), ev); err != nil || out != reconcile.OutcomeDuplicate {
		t.Fatalf("redelivery = %s, %v", out, err)
	}
}

func TestGatewayFailureLeavesStateForRetry(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	ev := e.completed(t, "evt_1", cs.ExternalID, "pi_1")

	e.gw.FailRetrieve = true
	if _, err := e.rec.Handle(context.Background(), ev); !errors.Is(err, orders.ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if c := e.db.Counts(); c.Orders != 0 || c.ActiveSessions != 1 {
		t.Fatalf("counts: %+v", c)
	}

	e.gw.FailRetrieve = false
	if out, err := e.rec.Handle(context.Background(), ev); err != nil || out != reconcile.OutcomeFulfilled {
		t.Fatalf("retry = %s, %v", out, err)
	}
}

func TestCompletedUnknownSession(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	_, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", "cs_nope", "pi_1"))
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaymentFailedReleasesOnlyItsSession(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	old := e.open(t)
	if _, err := e.mgr.Cancel(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	cur := e.open(t, orders.CartLine{UserID: "u1", ProductID: "p1", Units: 1})

	out, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f1", "pi_old", old.ID)))
	if err != nil || out != reconcile.OutcomeDuplicate {
		t.Fatalf("stale failure = %s, %v", out, err)
	}
	wantStock(t, e.product(t, "p1"), 5, 1, 4)
	if e.session(t, cur.ID).Status != orders.CheckoutActive {
		t.Fatal("newer session was touched")
	}

	out, err = e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f2", "pi_cur", cur.ID)))
	if err != nil || out != reconcile.OutcomeReleased {
		t.Fatalf("failure = %s, %v", out, err)
	}
	wantStock(t, e.product(t, "p1"), 5, 0, 5)
	if e.session(t, cur.ID).Status != orders.CheckoutExpired {
		t.Fatal("session not expired")
	}
	if p := e.payment(t, "pi_cur"); p.Status != orders.PaymentFailed || p.CheckoutSessionID != cur.ID {
		t.Fatalf("payment: %+v", p)
	}
	if lines := e.cart(t); len(lines) != 2 {
		t.Fatalf("cart changed: %+v", lines)
	}
}

func TestPaymentFailedResolvesThroughGateway(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	e.gw.Sessions["pi_9"] = []payment.HostedSession{{ID: cs.ExternalID}}

	out, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f", "pi_9", "")))
	if err != nil || out != reconcile.OutcomeReleased {
		t.Fatalf("handle = %s, %v", out, err)
	}
	if c := e.db.Counts(); c.Reservations != 0 || c.ActiveSessions != 0 {
		t.Fatalf("counts: %+v", c)
	}
}

func TestSessionExpiredEvent(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	out, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.SessionExpired("evt_x", cs.ExternalID, cs.ID)))
	if err != nil || out != reconcile.OutcomeReleased {
		t.Fatalf("handle = %s, %v", out, err)
	}
	wantStock(t, e.product(t, "p1"), 5, 0, 5)
	if c := e.db.Counts(); c.Payments != 0 {
		t.Fatalf("no payment intent, no payment row: %+v", c)
	}
}

func TestChargeBeforeCompleted(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	e.gw.Intents["pi_1"] = payment.PaymentIntent{
		ID: "pi_1", AmountReceived: 3650, Currency: "usd",
		Charges: []payment.Charge{{ID: "ch_1", ReceiptURL: "https://receipt.example/ch_1"}},
	}

	out, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.ChargeSucceeded("evt_c", "pi_1", "ch_1", 3650)))
	if err != nil || out != reconcile.OutcomeUpdated {
		t.Fatalf("charge = %s, %v", out, err)
	}
	if p := e.payment(t, "pi_1"); p.Status != orders.PaymentPending || p.ChargeID != "ch_1" || p.AmountCents != 3650 {
		t.Fatalf("payment after charge: %+v", p)
	}

	if _, err := e.rec.Handle(context.Background(), e.completed(t, "evt_1", cs.ExternalID, "pi_1")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f", "pi_1", cs.ID))); err != nil {
		t.Fatal(err)
	}

	p := e.payment(t, "pi_1")
	if p.Status != orders.PaymentPaid || p.ChargeID != "ch_1" || p.ReceiptURL == "" || p.CheckoutSessionID != cs.ID {
		t.Fatalf("payment: %+v", p)
	}
	if c := e.db.Counts(); c.Payments != 1 {
		t.Fatalf("counts: %+v", c)
	}
}

func TestIgnoredEvent(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	out, err := e.rec.Handle(context.Background(), payment.Event{ID: "evt", Type: "customer.created", Kind: payment.KindIgnored})
	if err != nil || out != reconcile.OutcomeIgnored {
		t.Fatalf("handle = %s, %v", out, err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]reconcile.Policy{"": reconcile.PolicyRefund, "refund": reconcile.PolicyRefund, "flag": reconcile.PolicyFlag} {
		got, err := reconcile.ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := reconcile.ParsePolicy("shrug"); !errors.Is(err, orders.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestPaymentFailedExpiresHostedPage(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)

	out, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f", "pi_1", cs.ID)))
	if err != nil || out != reconcile.OutcomeReleased {
		t.Fatalf("failure = %s, %v", out, err)
	}
	if len(e.gw.Expired) != 1 || e.gw.Expired[0] != cs.ExternalID {
		t.Fatalf("hosted sessions expired: %v", e.gw.Expired)
	}

	// redelivery leaves the gateway alone
	if _, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.PaymentFailed("evt_f2", "pi_1", cs.ID))); err != nil {
		t.Fatal(err)
	}
	if len(e.gw.Expired) != 1 {
		t.Fatalf("hosted sessions expired: %v", e.gw.Expired)
	}
}

func TestSessionExpiredDoesNotCallGateway(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	cs := e.open(t)
	if _, err := e.rec.Handle(context.Background(), e.parse(t, paymenttest.SessionExpired("evt_x", cs.ExternalID, cs.ID))); err != nil {
		t.Fatal(err)
	}
	if len(e.gw.Expired) != 0 {
		t.Fatalf("hosted sessions expired: %v", e.gw.Expired)
	}
}

func TestCompletedWithoutLocalSessionRefunds(t *testing.T) {
	e := newEnv(t, reconcile.PolicyRefund)
	completed := func(eventID string) payment.Event {
		return e.parse(t, paymenttest.CheckoutCompleted(paymenttest.Completed{
			EventID: eventID, ExternalSessionID: "cs_orphan", PaymentIntentID: "pi_orphan", AmountTotal: 1200,
			Metadata: map[string]string{payment.MetaUserID: "u1", payment.MetaCheckoutSessionID: "never-committed"},
		}))
	}

	out, err := e.rec.Handle(context.Background(), completed("evt_o1"))
	if err != nil || out != reconcile.OutcomeOrphaned {
		t.Fatalf("handle = %s, %v", out, err)
	}
	if p := e.payment(t, "pi_orphan"); p.Status != orders.PaymentPaid || p.AmountCents != 1200 || p.UserID != "u1" {
		t.Fatalf("payment: %+v", p)
	}
	var r orders.Refund
	e.read(t, func(ctx context.Context, tx store.Tx) error {
		var ok bool
		var err error
		if r, ok, err = tx.FindRefundBySession(ctx, "cs_orphan"); err == nil && !ok {
			t.Fatal("no refund recorded")
		}
		return err
	})
	if r.Status != orders.RefundPending || r.AmountCents != 1200 || r.PaymentIntentID != "pi_orphan" || r.OrderID != "" {
		t.Fatalf("refund: %+v", r)
	}
	if got := e.ev.Of(orders.TopicRefundRequested); len(got) != 1 || got[0].Payload.(orders.RefundRequestedPayload).RefundID != r.ID {
		t.Fatalf("refund events: %+v", got)
	}

	if out, err := e.rec.Handle(context.Background(), completed("evt_o2")); err != nil || out != reconcile.OutcomeDuplicate {
		t.Fatalf("redelivery = %s, %v", out, err)
	}
	if c := e.db.Counts(); c.Refunds != 1 || c.Orders != 0 || c.Payments != 1 {
		t.Fatalf("counts: %+v", c)
	}
}
